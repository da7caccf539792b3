// Package scheduler walks a resolved dependency graph and dispatches its jobs
// to an Executor under a global process ceiling.
//
// # Slots
//
// The ceiling is a pool of slots sized by the configured maximum process
// count. Each job holds as many slots as its declared procs for its whole
// run; there is no preemption. A job requesting more slots than the pool
// holds can never run and is rejected with ResourceRequestError before any
// job starts. Slot acquisition is first-come first-served, so a large job
// waiting for slots is not starved by smaller ones queued after it.
//
// # Readiness
//
// A job becomes ready when every input target is fresh or its producing job
// has succeeded. Only the scheduler loop moves jobs from pending to ready,
// through an atomic compare-and-swap, so a job is dispatched at most once.
// Job workers perform the running → succeeded/failed transition before
// releasing their slots, which means a job never starts before all of its
// prerequisites have been observed to succeed.
//
// # Failure
//
// A failed job marks every transitive dependent failed without running it.
// Independent branches keep running so that unrelated outputs are still
// produced. The run fails unless every requested target ends succeeded or
// fresh.
//
// # Cancellation
//
// Cancelling the run context stops dispatch immediately. Jobs that are
// running are killed by the executor and marked failed; jobs waiting for
// slots or prerequisites are marked failed with the context error. A killed
// job is never reported as succeeded.
package scheduler
