// Package redis provides the Redis-backed key-value store used for agent key
// records, DCA orders, their secondary indexes and the scoped-signer usage
// ledger. Compare-and-swap is implemented with WATCH/MULTI so concurrent
// scheduler ticks and reconciliation passes never overwrite each other.
package redis
