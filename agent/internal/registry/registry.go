package registry

import (
	"context"
	"time"

	"github.com/fleetmon/fleetmon/agent/internal/config"
)

// Registry is the source of targets and the sink of health results.
type Registry interface {
	ListTargets(ctx context.Context) ([]config.Target, error)
	RecordHealth(ctx context.Context, name string, healthy bool, errMsg string, at time.Time) error
}

// HealthReader returns the persisted health of one target. ok is false when
// the target has never been checked.
type HealthReader interface {
	Health(ctx context.Context, name string) (rec HealthRecord, ok bool, err error)
}

// HealthRecord is the persisted health of one target.
type HealthRecord struct {
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}
