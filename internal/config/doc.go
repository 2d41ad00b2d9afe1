// Package config loads the daemon configuration: a JSON file for structure,
// a .env file and the process environment for secrets. Secrets never come
// from the JSON file.
package config
