package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/fleetmon/fleetmon/agent/internal/config"
)

const (
	pgActiveConnections = `SELECT count(*) FROM pg_stat_activity WHERE state = 'active'`

	pgDatabaseSize = `SELECT pg_database_size(current_database())::float8`

	pgCacheHit = `SELECT COALESCE(sum(heap_blks_hit), 0)::float8,
       COALESCE(sum(heap_blks_read), 0)::float8
  FROM pg_statio_user_tables`

	pgTransactions = `SELECT (xact_commit + xact_rollback)::float8
  FROM pg_stat_database
 WHERE datname = current_database()`

	pgActiveQueries = `SELECT pid::text,
       COALESCE(usename, ''),
       COALESCE(application_name, ''),
       COALESCE(host(client_addr), ''),
       COALESCE(datname, ''),
       COALESCE(query, ''),
       COALESCE(state, ''),
       COALESCE(EXTRACT(EPOCH FROM (now() - query_start)), 0)::float8,
       query_start
  FROM pg_stat_activity
 WHERE state NOT IN ('idle', 'idle in transaction')
   AND pid <> pg_backend_pid()
   AND query NOT ILIKE '%pg_stat_activity%'`
)

type postgresDialect struct{}

func (postgresDialect) open(t config.Target, connectTimeout time.Duration) (*sql.DB, error) {
	cfg, err := pgConfig(t, connectTimeout)
	if err != nil {
		return nil, err
	}
	return stdlib.OpenDB(*cfg), nil
}

// pgConfig builds the pgx connection config for t without connecting.
func pgConfig(t config.Target, connectTimeout time.Duration) (*pgx.ConnConfig, error) {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(t.Username, t.Secret()),
		Host:   t.Addr(),
		Path:   "/" + t.DatabaseName(),
	}
	cfg, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, fmt.Errorf("adapter %q: parse postgres config: %w", t.Name, err)
	}
	cfg.ConnectTimeout = connectTimeout
	cfg.RuntimeParams["application_name"] = "fleetmon-agent"
	return cfg, nil
}

func (postgresDialect) activeConnections(ctx context.Context, db *sql.DB) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, pgActiveConnections).Scan(&n)
	return n, err
}

func (postgresDialect) sizeBytes(ctx context.Context, db *sql.DB) (float64, error) {
	var b float64
	err := db.QueryRowContext(ctx, pgDatabaseSize).Scan(&b)
	return b, err
}

func (postgresDialect) cacheHitRatio(ctx context.Context, db *sql.DB) (float64, error) {
	var hit, read float64
	if err := db.QueryRowContext(ctx, pgCacheHit).Scan(&hit, &read); err != nil {
		return 0, err
	}
	return ratio(hit, hit+read), nil
}

func (postgresDialect) transactionTotal(ctx context.Context, db *sql.DB) (float64, error) {
	var n float64
	err := db.QueryRowContext(ctx, pgTransactions).Scan(&n)
	return n, err
}

func (postgresDialect) activeQueries(ctx context.Context, db *sql.DB) ([]ActiveQuery, error) {
	var out []ActiveQuery
	err := queryRows(ctx, db, pgActiveQueries, func(rows *sql.Rows) error {
		q, err := scanActiveQuery(rows)
		if err != nil {
			return err
		}
		out = append(out, q)
		return nil
	})
	return out, err
}
