/*
Package worker implements the Worker Instance: one logical, long-lived
activation of a component version, bound to exactly one WorkerId's
oplog.

A Worker moves through Created (no oplog yet) -> Loading (oplog opened,
status folded from history, incomplete atomic regions recovered) ->
Replaying (re-running every exported invocation found in history,
resolving host calls from the log instead of performing them) -> Live
(caught up; host calls execute for real and get persisted) -> Idle
(no invocation in flight). Suspended, Failed, Interrupted, and Exited
are side branches reachable from Live/Idle, each recorded as its own
oplog entry so the branch survives a restart.

The mutex-guarded struct shape mirrors the teacher's pkg/worker.Worker,
and the idle-since bookkeeping (LastActivity) that the Active Workers
Cache (pkg/cache) consults when reclaiming memory mirrors
pkg/worker.HealthMonitor's liveness tracking. A Worker runs no
background loop and keeps no invocation queue: Invoke runs each
invocation synchronously on the caller's goroutine.
*/
package worker
