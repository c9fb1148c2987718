// Package backend defines the lifecycle contract shared by every compute
// backend the dispatcher can route generation jobs to. It is structured into
// small files by concern:
//
//   - backend.go: the Backend implementation interface, Input and JobContext.
//   - status.go: the Status state machine and its transition table.
//   - instance.go: Instance, the lifecycle wrapper the dispatcher holds per backend.
//   - reservation.go: privileged reservations and the in-flight usage slots.
//   - loadstatus.go: the append-only load progress log.
//   - generate.go: blocking and streaming generation, including the default
//     streaming adapter for backends that only implement Generate.
//   - shutdown.go: the one-shot shutdown protocol and FreeMemory.
//   - errors.go: error kinds (init, redirect, model load, shutdown) and predicates.
//   - factory.go: the append-only registry of backend types.
//   - events.go, metrics.go: lifecycle events and Prometheus collectors.
//
// Instance owns all mutable lifecycle state behind one lock per instance; the
// Backend implementation it wraps never touches that state directly. Concrete
// implementations live under internal/backends.
package backend
