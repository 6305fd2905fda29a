// Package scanstate persists the scan cycle outside the ledger: the ordered
// list of job ids still to expand, the ids already expanded into pending rows,
// the current run token and the quota flag.
//
// State lives in a bbolt file so it survives process restarts between ticks.
// Update runs a read-modify-write in one bbolt transaction.
package scanstate
