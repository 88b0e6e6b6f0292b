// Package store holds the latest snapshot per target in memory.
//
// Store implements publisher.Sink, so the scheduler feeds it alongside the
// Prometheus gauges. The status API and the WebSocket feed read from it.
// Entries not refreshed within the TTL are hidden from List and removed by
// the background Run loop.
package store
