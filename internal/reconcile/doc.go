// Package reconcile repairs orders whose authorization state has drifted
// from what the scheduler needs. Run pattern-matches every active order's
// session key data against the agent key store: unrecoverable data and broken
// references cancel the order, a missing approval or legacy key data pauses
// it. Backfill copies approvals from agent keys into the order's session key
// data. Both passes use the same optimistic updates as the scheduler and are
// idempotent: once converged a second run performs no writes.
package reconcile
