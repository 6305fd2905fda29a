// Package optimizer decides what happens to one image file and does it.
//
// A file starts in StateNew and is routed to StateSkipped, StateLocalTool or
// StateRemoteAPI, then ends in one of the done states:
//
//	StateDoneOK         the file is strictly smaller than before
//	StateDoneUnchanged  no tool produced a smaller file; the original is kept
//	StateDoneConverted  a format conversion replaced the file
//	StateDoneFailed     a tool was missing, the file vanished, the remote call
//	                    failed or the quota ran out
//
// Dispatcher.Optimize never writes the ledger; callers persist the Outcome
// with Persist so each file is durable before the next one starts.
// OptimizeFile is the single-file entry point that does both.
package optimizer
