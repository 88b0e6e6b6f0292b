// Package scheduler runs the collection loop.
//
// Every interval the Scheduler reads a fresh target list from the registry
// and, for each target independently, reuses or opens its adapter, collects
// a snapshot and hands it to the sink. A target moves between three states:
//
//	absent    no live handle; the next cycle connects
//	connected handle alive, last snapshot fully populated
//	degraded  handle alive, last snapshot held at least one -1 field
//
// Any error (or panic) in a target's handling closes and drops its handle,
// records it unhealthy and moves on; nothing is retried within a cycle.
// Targets that leave the registry are closed and their series forgotten.
//
// Start spawns exactly one goroutine. Stop signals it, waits for the
// in-flight cycle to finish, then closes every handle.
package scheduler
