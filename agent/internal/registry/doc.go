// Package registry provides the target list the scheduler collects from and
// persists each target's last-known health.
//
// Two backends exist. Static serves the targets of the config file and is
// replaced wholesale on hot reload. SQLite reads the database_server table
// and writes last_check / last_error back into it. Both hand out only
// validated targets: rows with an unknown engine or missing host are skipped
// with a warning.
package registry
