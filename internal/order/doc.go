// Package order defines recurring DCA orders, their state machine and their
// key-value persistence.
//
// Amounts are integer smallest-unit values held in *big.Int. The per-execution
// amount is fixed at creation as netInvestmentAmount / totalExecutions with
// truncating division; the final execution absorbs the remainder so that a
// completed order has executed exactly netInvestmentAmount.
//
// sessionKeyData is kept as the raw string the order was written with and is
// parsed on demand into one of two variants, LegacyKeyData or ManagedKeyData,
// so reconciliation can tell corrupt, legacy and current payloads apart.
package order
