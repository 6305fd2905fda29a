// Package batch carries per-tick state through the scanner, the dispatcher
// and the bulk controller.
//
// A Context holds the tick deadline, the force flag and a logger bound to
// the job being worked on. Work that can run long checks Expired every
// Interval paths and stops cleanly when the deadline has passed.
package batch
