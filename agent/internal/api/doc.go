// Package api implements the JSON status API of fleetmon-agent.
//
// New(deps) returns an http.Handler that serves:
//
//	GET /api/v1/health                 agent liveness and target counts by state
//	GET /api/v1/targets                registry targets with collection state and cached health
//	GET /api/v1/targets/{name}/health  TTL-bounded reachability check
//	GET /api/v1/targets/{name}/queries in-flight queries, longest running first
//	GET /api/v1/snapshots              latest snapshot per target
//
// All endpoints:
//   - Respond with Content-Type: application/json
//   - Return 405 for non-GET methods
//   - Never expose credentials
//
// Listing endpoints read cached state only. /health per target and /queries
// are the only ones that reach out to a database.
package api
