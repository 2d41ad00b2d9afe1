// Package scheduler executes due DCA orders. A tick selects active orders
// whose nextExecutionAt has passed, leases each one through a compare-and-swap
// on the order record, reconstructs the scoped signer from the stored
// approval and submits the fee transfer, the allowance and the swap as
// separate steps. Step hashes are written back to the lease so a crashed
// execution resumes where it stopped instead of repeating a transfer.
//
// Ticks may overlap or run on several processes; the lease and the
// execution index recorded with every success keep one execution per slot.
package scheduler
