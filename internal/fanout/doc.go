// Package fanout dispatches the pending size jobs of one attachment
// concurrently, keeping at most a fixed window of them in flight.
//
// The whole fan-out is bounded by a wait budget. Rows that have not finished
// when it runs out are released back to the ledger and the bulk controller
// retries them on its next tick. A quota error from any task cancels the
// others, and so does any other task error, which Run then returns.
package fanout
