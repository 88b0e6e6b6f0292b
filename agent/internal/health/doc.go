// Package health keeps the per-target reachability cache.
//
// A Prober answers "is this target connected?" from a cached State that is
// trusted for a fixed TTL. Status probes only when the cached entry is
// missing or older than the TTL, and concurrent callers for the same target
// share one in-flight probe. Peek never touches the network. The scheduler
// feeds every collection outcome into the same cache through Record, so a
// recent cycle result counts as a fresh check.
//
// Every cache write is also written through to a HealthWriter, normally the
// target registry, so last_check and last_error survive restarts.
package health
