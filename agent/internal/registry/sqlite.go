package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetmon/fleetmon/agent/internal/config"
)

// ErrNotFound is returned for a target name the registry does not hold.
var ErrNotFound = errors.New("registry: target not found")

// SQLite is a registry backed by the database_server table.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// addedColumns are columns a database_server table created by older tools
// lacks. migrate adds the missing ones.
var addedColumns = []struct{ name, decl string }{
	{"password_env", "TEXT NOT NULL DEFAULT ''"},
	{"database_name", "TEXT NOT NULL DEFAULT ''"},
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS database_server (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			db_type TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 0,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			password_env TEXT NOT NULL DEFAULT '',
			database_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_error TEXT,
			last_check DATETIME
		);`); err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}

	have, err := columns(db, "database_server")
	if err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	for _, c := range addedColumns {
		if have[c.name] {
			continue
		}
		if _, err := db.Exec(`ALTER TABLE database_server ADD COLUMN ` + c.name + ` ` + c.decl); err != nil {
			return fmt.Errorf("registry: migrate: add column %s: %w", c.name, err)
		}
		slog.Info("registry: added column", "table", "database_server", "column", c.name)
	}
	return nil
}

// columns returns the column names of table.
func columns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// Close closes the database.
func (r *SQLite) Close() error {
	return r.db.Close()
}

// ListTargets returns every valid row ordered by id. Invalid rows are
// logged and skipped.
func (r *SQLite) ListTargets(ctx context.Context) ([]config.Target, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, db_type, host, port, username, password, password_env, database_name
		  FROM database_server
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list targets: %w", err)
	}
	defer rows.Close()

	var out []config.Target
	for rows.Next() {
		var (
			t      config.Target
			engine string
		)
		if err := rows.Scan(&t.Name, &engine, &t.Host, &t.Port, &t.Username,
			&t.Password, &t.PasswordEnv, &t.Database); err != nil {
			return nil, fmt.Errorf("registry: scan target: %w", err)
		}
		t.Engine = config.Engine(engine)
		if err := config.ValidateTarget(&t); err != nil {
			slog.Warn("registry: skipping invalid target", "target", t.Name, "err", err)
			continue
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list targets: %w", err)
	}
	return out, nil
}

// AddTarget validates t and inserts it.
func (r *SQLite) AddTarget(ctx context.Context, t config.Target) error {
	if err := config.ValidateTarget(&t); err != nil {
		return fmt.Errorf("registry: add target: %w", err)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO database_server
			(name, db_type, host, port, username, password, password_env, database_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, string(t.Engine), t.Host, t.Port, t.Username, t.Password, t.PasswordEnv, t.Database,
		r.now().UTC())
	if err != nil {
		return fmt.Errorf("registry: add target %q: %w", t.Name, err)
	}
	return nil
}

// RemoveTarget deletes the row for name.
func (r *SQLite) RemoveTarget(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM database_server WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("registry: remove target %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// RecordHealth stores the outcome of a check. last_error is NULL when healthy.
func (r *SQLite) RecordHealth(ctx context.Context, name string, healthy bool, errMsg string, at time.Time) error {
	var lastErr sql.NullString
	if !healthy {
		lastErr = sql.NullString{String: errMsg, Valid: true}
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE database_server SET last_error = ?, last_check = ? WHERE name = ?`,
		lastErr, at.UTC(), name)
	if err != nil {
		return fmt.Errorf("registry: record health %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// Health returns the persisted health of name. ok is false when the target
// has never been checked.
func (r *SQLite) Health(ctx context.Context, name string) (rec HealthRecord, ok bool, err error) {
	var (
		lastErr   sql.NullString
		lastCheck sql.NullTime
	)
	err = r.db.QueryRowContext(ctx,
		`SELECT last_error, last_check FROM database_server WHERE name = ?`, name).
		Scan(&lastErr, &lastCheck)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return rec, false, fmt.Errorf("registry: health %q: %w", name, err)
	}
	if !lastCheck.Valid {
		return rec, false, nil
	}
	return HealthRecord{
		Healthy:   !lastErr.Valid,
		LastError: lastErr.String,
		LastCheck: lastCheck.Time,
	}, true, nil
}
