package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fleetmon/fleetmon/agent/internal/config"
	"github.com/fleetmon/fleetmon/agent/internal/system"
)

// dialect supplies the engine-specific parts of a sqlAdapter.
type dialect interface {
	open(t config.Target, connectTimeout time.Duration) (*sql.DB, error)

	activeConnections(ctx context.Context, db *sql.DB) (int64, error)
	sizeBytes(ctx context.Context, db *sql.DB) (float64, error)

	// cacheHitRatio and transactionTotal return errNotSupported when the
	// engine has no equivalent.
	cacheHitRatio(ctx context.Context, db *sql.DB) (float64, error)
	transactionTotal(ctx context.Context, db *sql.DB) (float64, error)

	activeQueries(ctx context.Context, db *sql.DB) ([]ActiveQuery, error)
}

// sqlAdapter implements Adapter on database/sql for every dialect.
type sqlAdapter struct {
	target config.Target
	d      dialect
	open   func() (*sql.DB, error)

	connectTimeout time.Duration
	queryTimeout   time.Duration
	host           system.Sampler
	now            func() time.Time

	db *sql.DB
}

func newSQLAdapter(t config.Target, d dialect, opts Options, open func() (*sql.DB, error)) *sqlAdapter {
	a := &sqlAdapter{
		target:         t,
		d:              d,
		open:           open,
		connectTimeout: opts.ConnectTimeout,
		queryTimeout:   opts.QueryTimeout,
		host:           opts.Host,
		now:            opts.Now,
	}
	if a.connectTimeout <= 0 {
		a.connectTimeout = config.DefaultConnectTimeout
	}
	if a.queryTimeout <= 0 {
		a.queryTimeout = config.DefaultQueryTimeout
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

func (a *sqlAdapter) Engine() config.Engine { return a.target.Engine }

func (a *sqlAdapter) Connect(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	db, err := a.open()
	if err != nil {
		return a.connErr(err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return a.connErr(err)
	}
	a.db = db
	return nil
}

func (a *sqlAdapter) Ping(ctx context.Context) error {
	if a.db == nil {
		return ErrNotConnected
	}
	pctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()
	return a.db.PingContext(pctx)
}

func (a *sqlAdapter) Collect(ctx context.Context) (*Snapshot, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}
	if err := a.Ping(ctx); err != nil {
		return nil, a.connErr(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}

	snap := &Snapshot{CollectedAt: a.now().UTC()}

	snap.ActiveConnections = int64(a.metric(ctx, "active_connections", func(qctx context.Context) (float64, error) {
		n, err := a.d.activeConnections(qctx, a.db)
		return float64(n), err
	}))

	snap.DatabaseSizeMB = a.metric(ctx, "database_size_mb", func(qctx context.Context) (float64, error) {
		b, err := a.d.sizeBytes(qctx, a.db)
		return round2(bytesToMB(b)), err
	})
	snap.CacheHitRatio = a.optional(ctx, "cache_hit_ratio", a.d.cacheHitRatio)
	snap.TransactionRate = a.optional(ctx, "transaction_rate", a.d.transactionTotal)

	a.sampleHost(ctx, snap)
	return snap, nil
}

func (a *sqlAdapter) ActiveQueries(ctx context.Context) []ActiveQuery {
	if a.db == nil {
		return []ActiveQuery{}
	}
	qctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	qs, err := a.d.activeQueries(qctx, a.db)
	if err != nil {
		a.logQueryErr("active_queries", err)
		return []ActiveQuery{}
	}
	for i := range qs {
		if qs[i].DurationSeconds < 0 {
			qs[i].DurationSeconds = 0
		}
		qs[i].Duration = HumanDuration(qs[i].DurationSeconds)
	}
	sort.SliceStable(qs, func(i, j int) bool {
		return qs[i].DurationSeconds > qs[j].DurationSeconds
	})
	if qs == nil {
		qs = []ActiveQuery{}
	}
	return qs
}

func (a *sqlAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	if err != nil {
		return fmt.Errorf("adapter %q: close: %w", a.target.Name, err)
	}
	return nil
}

func (a *sqlAdapter) metric(ctx context.Context, name string, fn func(context.Context) (float64, error)) float64 {
	qctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()
	v, err := fn(qctx)
	if err != nil {
		a.logQueryErr(name, err)
		return Unavailable
	}
	return finite(v)
}

func (a *sqlAdapter) optional(ctx context.Context, name string, fn func(context.Context, *sql.DB) (float64, error)) *float64 {
	qctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()
	v, err := fn(qctx, a.db)
	if errors.Is(err, errNotSupported) {
		return nil
	}
	if err != nil {
		a.logQueryErr(name, err)
		v = Unavailable
	}
	v = finite(round2(v))
	return &v
}

func (a *sqlAdapter) sampleHost(ctx context.Context, snap *Snapshot) {
	if a.host == nil {
		snap.CPUPercent, snap.MemoryPercent, snap.DiskUsagePercent = Unavailable, Unavailable, Unavailable
		return
	}
	h, err := a.host.Sample(ctx)
	if err != nil {
		slog.Warn("adapter: host sample incomplete", "target", a.target.Name, "err", err)
	}
	snap.CPUPercent = finite(h.CPUPercent)
	snap.MemoryPercent = finite(h.MemoryPercent)
	snap.DiskUsagePercent = finite(h.DiskPercent)
}

func (a *sqlAdapter) connErr(err error) error {
	return &ConnectionError{Target: a.target.Name, Engine: a.target.Engine, Err: err}
}

func (a *sqlAdapter) logQueryErr(metric string, err error) {
	slog.Warn("adapter: metric unavailable",
		"target", a.target.Name,
		"engine", string(a.target.Engine),
		"err", &QueryError{Metric: metric, Err: err})
}

// queryRows runs a statement and scans every row with scan.
func queryRows(ctx context.Context, db *sql.DB, query string, scan func(*sql.Rows) error) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// scanActiveQuery reads the column order every dialect's listing statement
// uses: session, user, application, client, database, query, state,
// duration seconds, start time.
func scanActiveQuery(rows *sql.Rows) (ActiveQuery, error) {
	var (
		q       ActiveQuery
		started sql.NullTime
	)
	err := rows.Scan(&q.SessionID, &q.User, &q.ApplicationName, &q.ClientAddress,
		&q.DatabaseName, &q.QueryText, &q.State, &q.DurationSeconds, &started)
	if err != nil {
		return q, err
	}
	if started.Valid {
		q.StartedAt = started.Time.UTC().Format(time.RFC3339)
	}
	return q, nil
}
