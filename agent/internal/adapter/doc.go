// Package adapter talks to one monitored database server.
//
// An Adapter owns a single live connection (a *sql.DB limited to one open
// connection) and runs the engine's dialect-specific statements to produce a
// canonical Snapshot and the list of in-flight queries. Supported engines are
// PostgreSQL (pgx stdlib driver), MySQL and MariaDB (go-sql-driver/mysql).
//
// Normalisation rules shared by every dialect:
//   - storage is reported in MB, ratios in 0–100, durations in seconds
//   - a supported metric whose statement fails is reported as -1 (Unavailable)
//   - a metric the engine has no equivalent for is absent (nil pointer)
//   - a ratio with a zero denominator is 0
//
// Collect only returns an error when the connection itself is unusable; the
// caller is expected to Close the adapter and build a new one next cycle.
package adapter
