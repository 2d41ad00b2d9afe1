// Package registry records recurring orders in the on-chain order registry
// contract. Registration is best effort: order creation never waits for it,
// and failed attempts are retried from a queue until the order carries a
// registry transaction hash.
package registry
