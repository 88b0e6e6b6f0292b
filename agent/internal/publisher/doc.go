// Package publisher turns snapshots into samples for external consumers.
//
// Sinks:
//   - Prometheus: one gauge per canonical metric, labeled {db_name, db_type},
//     registered into an injected registry and served by Server
//   - Bus: JSON messages on NATS subject <prefix>.<db_name>
//   - Multi: fan-out to several sinks
//
// Absent optional metrics (nil fields) are never set. Every Publish
// overwrites the previous value for the same target; nothing accumulates.
package publisher
