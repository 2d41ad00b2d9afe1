// Package web3 houses the chain-facing pieces used by the execution path:
// YAML chain definitions, ERC-20 and smart-account calldata encoding, and the
// user-operation wire types shared by the bundler backend in the ethereum
// subpackage. Nothing in this package holds key material.
package web3
