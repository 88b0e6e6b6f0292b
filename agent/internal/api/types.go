package api

import (
	"github.com/fleetmon/fleetmon/agent/internal/adapter"
	"github.com/fleetmon/fleetmon/agent/internal/store"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status         string `json:"status"`
	TargetCount    int    `json:"target_count"`
	ConnectedCount int    `json:"connected_count"`
	DegradedCount  int    `json:"degraded_count"`
	AbsentCount    int    `json:"absent_count"`
	SnapshotCount  int    `json:"snapshot_count"`
	LastCycle      string `json:"last_cycle,omitempty"` // RFC3339
}

// TargetResponse is one entry of GET /api/v1/targets.
type TargetResponse struct {
	Name            string              `json:"name"`
	Engine          string              `json:"engine"`
	Host            string              `json:"host"`
	Port            int                 `json:"port"`
	Database        string              `json:"database"`
	State           string              `json:"state"`
	LastCollectedAt string              `json:"last_collected_at,omitempty"` // RFC3339
	LastError       string              `json:"last_error,omitempty"`
	Health          *TargetHealthResult `json:"health,omitempty"`
}

// TargetHealthResult is the payload for GET /api/v1/targets/{name}/health and
// the cached health embedded in TargetResponse.
type TargetHealthResult struct {
	Target        string `json:"target"`
	Connected     bool   `json:"connected"`
	LastCheckedAt string `json:"last_checked_at"` // RFC3339
	LastError     string `json:"last_error,omitempty"`
	Stale         bool   `json:"stale"`
}

// QueriesResponse is the payload for GET /api/v1/targets/{name}/queries.
type QueriesResponse struct {
	Target  string                `json:"target"`
	Count   int                   `json:"count"`
	Queries []adapter.ActiveQuery `json:"queries"`
}

// SnapshotsResponse is the payload for GET /api/v1/snapshots and the data of
// every WebSocket broadcast.
type SnapshotsResponse struct {
	Snapshots   []*store.Entry `json:"snapshots"`
	GeneratedAt string         `json:"generated_at"` // RFC3339
}

type errorResponse struct {
	Error string `json:"error"`
}
