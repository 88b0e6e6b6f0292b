package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/fleetmon/fleetmon/agent/internal/config"
)

const (
	myActiveConnections = `SELECT COUNT(*) FROM information_schema.processlist WHERE command != 'Sleep'`

	myDatabaseSize = `SELECT COALESCE(SUM(data_length + index_length), 0)
  FROM information_schema.tables
 WHERE table_schema = DATABASE()`

	myBufferPool = `SHOW GLOBAL STATUS
 WHERE Variable_name IN ('Innodb_buffer_pool_reads', 'Innodb_buffer_pool_read_requests')`

	// %s is the duration expression, which differs between MySQL and MariaDB.
	// The processlist has no application name column. UTC_TIMESTAMP keeps the
	// start time in UTC whatever the server time zone, matching Loc below.
	myActiveQueriesFmt = `SELECT CAST(ID AS CHAR),
       COALESCE(USER, ''),
       '',
       COALESCE(HOST, ''),
       COALESCE(DB, ''),
       COALESCE(INFO, ''),
       COALESCE(STATE, ''),
       %s,
       DATE_SUB(UTC_TIMESTAMP(), INTERVAL TIME SECOND)
  FROM information_schema.processlist
 WHERE INFO IS NOT NULL
   AND ID != CONNECTION_ID()`
)

var (
	myActiveQueries      = fmt.Sprintf(myActiveQueriesFmt, "TIME")
	mariadbActiveQueries = fmt.Sprintf(myActiveQueriesFmt, "TIME_MS / 1000")
)

type mysqlDialect struct{}

func (mysqlDialect) open(t config.Target, connectTimeout time.Duration) (*sql.DB, error) {
	connector, err := mysql.NewConnector(mysqlConfig(t, connectTimeout))
	if err != nil {
		return nil, fmt.Errorf("adapter %q: mysql connector: %w", t.Name, err)
	}
	return sql.OpenDB(connector), nil
}

// mysqlConfig builds the driver config for t without connecting.
func mysqlConfig(t config.Target, connectTimeout time.Duration) *mysql.Config {
	c := mysql.NewConfig()
	c.User = t.Username
	c.Passwd = t.Secret()
	c.Net = "tcp"
	c.Addr = t.Addr()
	c.DBName = t.DatabaseName()
	c.Timeout = connectTimeout
	c.ParseTime = true
	c.Loc = time.UTC
	return c
}

func (mysqlDialect) activeConnections(ctx context.Context, db *sql.DB) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, myActiveConnections).Scan(&n)
	return n, err
}

func (mysqlDialect) sizeBytes(ctx context.Context, db *sql.DB) (float64, error) {
	var b float64
	err := db.QueryRowContext(ctx, myDatabaseSize).Scan(&b)
	return b, err
}

// cacheHitRatio reports the InnoDB buffer pool hit ratio:
// (read_requests - reads) / read_requests.
func (mysqlDialect) cacheHitRatio(ctx context.Context, db *sql.DB) (float64, error) {
	status := make(map[string]float64, 2)
	err := queryRows(ctx, db, myBufferPool, func(rows *sql.Rows) error {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("status %s: %w", name, err)
		}
		status[name] = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	reads, ok1 := status["Innodb_buffer_pool_reads"]
	requests, ok2 := status["Innodb_buffer_pool_read_requests"]
	if !ok1 || !ok2 {
		return 0, fmt.Errorf("buffer pool status variables missing")
	}
	return ratio(requests-reads, requests), nil
}

func (mysqlDialect) transactionTotal(context.Context, *sql.DB) (float64, error) {
	return 0, errNotSupported
}

func (mysqlDialect) activeQueries(ctx context.Context, db *sql.DB) ([]ActiveQuery, error) {
	return processlist(ctx, db, myActiveQueries)
}

// mariadbDialect is MySQL with millisecond processlist durations.
type mariadbDialect struct{ mysqlDialect }

func (mariadbDialect) activeQueries(ctx context.Context, db *sql.DB) ([]ActiveQuery, error) {
	return processlist(ctx, db, mariadbActiveQueries)
}

func processlist(ctx context.Context, db *sql.DB, query string) ([]ActiveQuery, error) {
	var out []ActiveQuery
	err := queryRows(ctx, db, query, func(rows *sql.Rows) error {
		q, err := scanActiveQuery(rows)
		if err != nil {
			return err
		}
		q.ClientAddress = stripPort(q.ClientAddress)
		out = append(out, q)
		return nil
	})
	return out, err
}

// stripPort reduces a processlist HOST value such as "10.0.0.7:51234" to its
// address. Values without a port are returned unchanged.
func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
