// Package genqueue drives pending generation jobs through an external
// tool and records the outcome on the job itself.
//
// Invariants:
// - Jobs are claimed oldest-first, one atomic queued->processing
//   transition per dequeue per process.
// - At most one ProcessQueue pass runs per process; a concurrent call is
//   rejected, not interleaved.
// - completed/failed are terminal; the only way out is the explicitly
//   authorized reset repair path, which is audited.
// - An individual job's business failure is recorded on the job, never
//   returned to ProcessQueue's caller.
package genqueue
