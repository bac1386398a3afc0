// Package batch runs a numbered range of generate tasks under a concurrency
// bound.
//
// Tasks are dispatched in numeric order through a weighted semaphore whose
// acquisition races the batch's cancellation token. Stopping a batch cancels
// the running tasks through that token and marks every task not yet
// dispatched as cancelled without calling the generation service. The
// completed and failed counters move only when a dispatched task reaches a
// terminal state; retrying a single task later changes its item record and
// nothing else.
//
// Finished batches are written to a history.Store, which serves the list,
// detail and report endpoints after the in-memory run is cleaned up.
package batch
