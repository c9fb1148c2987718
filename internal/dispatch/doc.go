// Package dispatch routes generation jobs to a pool of backend instances.
//
// Files by concern:
//   - handler.go: Handler construction, pool membership (Add, Create, Remove, Get, List)
//   - dispatch.go: job routing (candidate selection, model switching, redirect retry, wait-with-timeout)
//   - ops.go: permission-gated operator actions (enable, disable, restart, free memory, reservations)
//   - pool.go: concurrent InitAll, ShutdownAll and FreeMemoryAll across the pool
//   - status_report.go: Status() and the persisted backend view
//   - errors.go: typed errors and predicates used by the HTTP layer
//   - metrics.go: Prometheus collectors
package dispatch
