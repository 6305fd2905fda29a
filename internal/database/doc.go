// Package database provides SQLite storage for the optimizer.
//
// It holds:
//   - The ledger: one images row per physical file ever optimized or queued
//   - The attachments index produced by the media walker
//   - Duplicate bookkeeping for rows that alias one file under different
//     path encodings
//   - A small key/value metadata table
//
// The database uses WAL mode for concurrent readers and applies its schema and
// migrations on open.
package database
