// Package bulk drives resumable optimization runs.
//
// A run starts with Start, which mints a token and hands the job ids to the
// scanner. Each Tick then expands ids into pending ledger rows while any are
// left, and afterwards claims pending rows one at a time, dispatching and
// persisting each before moving on. Ticks are bounded by a deadline; a run is
// advanced only by callers (the CLI loop in Run, HTTP requests, or the serve
// scheduler), never by the controller itself.
//
// Every per-file result is written before the next file starts, so a process
// killed mid-tick loses at most the file in flight, whose row stays pending
// and is retried once its claim lease expires.
package bulk
