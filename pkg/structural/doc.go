// Package structural implements the handful of operations that mutate
// a worker's oplog out-of-band from ordinary invocation: revert, fork,
// scheduling an auto-update, recording an invocation cancellation,
// completing a promise, and the read-only get/search oplog views.
//
// Every mutating operation here follows the same shape: load the
// worker's oplog, evict any cached in-memory Worker so the next access
// reactivates from the freshly mutated history instead of serving
// stale state, then append one or more marker entries. None of these
// operations execute component code; they only edit history for a
// future activation's replay to interpret.
package structural
