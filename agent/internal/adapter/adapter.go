package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fleetmon/fleetmon/agent/internal/config"
	"github.com/fleetmon/fleetmon/agent/internal/system"
)

// Unavailable is the sentinel for a supported metric that could not be read.
const Unavailable = -1

var (
	// ErrNotConnected is returned when Connect has not been called or failed.
	ErrNotConnected = errors.New("adapter: not connected to database")

	// ErrConnectionLost is wrapped by the ConnectionError Collect returns when
	// an established handle stops answering.
	ErrConnectionLost = errors.New("adapter: database connection lost")

	// errNotSupported marks a metric the dialect has no statement for.
	errNotSupported = errors.New("not supported by engine")
)

// Adapter is the per-target connection and statement runner. An Adapter is
// not safe for concurrent use; the scheduler owns at most one per target.
type Adapter interface {
	// Connect opens the handle. It returns a *ConnectionError on failure and
	// is a no-op when already connected.
	Connect(ctx context.Context) error

	// Collect reads one Snapshot. Individual statement failures are absorbed
	// into Unavailable fields; an error means the handle is unusable.
	Collect(ctx context.Context) (*Snapshot, error)

	// ActiveQueries lists in-flight queries, longest running first. It never
	// fails: any error yields an empty list.
	ActiveQueries(ctx context.Context) []ActiveQuery

	// Ping checks the handle without running metric statements.
	Ping(ctx context.Context) error

	// Close releases the handle. Calling Close more than once is safe.
	Close() error

	// Engine reports the engine kind the adapter was built for.
	Engine() config.Engine
}

// Options tunes adapters built by New. Zero values fall back to defaults.
type Options struct {
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration

	// Host supplies host-level usage for every snapshot. When nil the host
	// fields are reported as Unavailable.
	Host system.Sampler

	// Now is the clock used for CollectedAt. Defaults to time.Now.
	Now func() time.Time
}

// New returns the Adapter for t's engine. It does not connect.
func New(t config.Target, opts Options) (Adapter, error) {
	var d dialect
	switch t.Engine {
	case config.EnginePostgres:
		d = postgresDialect{}
	case config.EngineMySQL:
		d = mysqlDialect{}
	case config.EngineMariaDB:
		d = mariadbDialect{}
	default:
		return nil, fmt.Errorf("adapter %q: %w %q", t.Name, config.ErrUnsupportedEngine, t.Engine)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = config.DefaultConnectTimeout
	}
	return newSQLAdapter(t, d, opts, func() (*sql.DB, error) {
		return d.open(t, opts.ConnectTimeout)
	}), nil
}

// Snapshot is the canonical metrics record for one target at one instant.
// Every numeric field holds a valid non-negative value or Unavailable.
type Snapshot struct {
	ActiveConnections int64   `json:"active_connections"`
	DatabaseSizeMB    float64 `json:"database_size_mb"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	DiskUsagePercent  float64 `json:"disk_usage_percent"`

	// Optional metrics; nil when the engine has no equivalent.
	CacheHitRatio   *float64 `json:"cache_hit_ratio,omitempty"`
	TransactionRate *float64 `json:"transaction_rate,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Degraded reports whether any field holds the Unavailable sentinel.
func (s *Snapshot) Degraded() bool {
	if s.ActiveConnections < 0 || s.DatabaseSizeMB < 0 {
		return true
	}
	if s.CPUPercent < 0 || s.MemoryPercent < 0 || s.DiskUsagePercent < 0 {
		return true
	}
	if s.CacheHitRatio != nil && *s.CacheHitRatio < 0 {
		return true
	}
	return s.TransactionRate != nil && *s.TransactionRate < 0
}

// ActiveQuery is one in-flight statement on a target.
type ActiveQuery struct {
	SessionID       string  `json:"session_id"`
	User            string  `json:"user"`
	ApplicationName string  `json:"application_name"`
	ClientAddress   string  `json:"client_address"`
	DatabaseName    string  `json:"database_name"`
	QueryText       string  `json:"query_text"`
	State           string  `json:"state"`
	DurationSeconds float64 `json:"duration_seconds"`
	Duration        string  `json:"duration"`

	// StartedAt is RFC 3339 text, empty when the engine did not report it.
	StartedAt string `json:"started_at"`
}

// ConnectionError reports that a handle to Target could not be established
// or was lost.
type ConnectionError struct {
	Target string
	Engine config.Engine
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("adapter: connect %s (%s): %v", e.Target, e.Engine, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError reports that the statement for one metric failed.
type QueryError struct {
	Metric string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("adapter: query %s: %v", e.Metric, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// HumanDuration renders seconds the way the status API shows them:
// "N seconds" under a minute, "N minutes" under an hour, else "N hours".
func HumanDuration(seconds float64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%d seconds", int(seconds))
	case seconds < 3600:
		return fmt.Sprintf("%d minutes", int(seconds/60))
	default:
		return fmt.Sprintf("%d hours", int(seconds/3600))
	}
}

// ratio returns num/den as a percentage, or 0 when den is 0.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den * 100
}

func bytesToMB(b float64) float64 {
	return b / (1024 * 1024)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// finite maps NaN and ±Inf to Unavailable.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Unavailable
	}
	return v
}
