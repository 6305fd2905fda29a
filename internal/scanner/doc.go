// Package scanner expands job ids into pending ledger rows.
//
// A scan cycle starts with StartScan, which stores the ids to expand. Each
// ScanTick pops a memory-sized batch of ids, resolves every id into its
// candidate files and marks the files that need work as pending. Ticks are
// bounded by the batch deadline and the process memory ceiling; when either
// runs out the current id goes back to the front of the list, so an id is
// never half-expanded across a crash.
package scanner
