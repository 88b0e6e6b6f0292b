// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config: log level plus the collector, metrics, health, api, registry
//     and nats sections, and the static target list
//   - Target: name, engine (postgres|mysql|mariadb), host, port, username,
//     password or password_env, database; Secret() resolves the password
//   - Engine: engine kind; ParseEngine accepts "postgresql" as an alias
//
// Load(path) reads the YAML file, applies defaults (60s interval, metrics on
// :9090/metrics, 300s health TTL, api on :8080), applies the FLEETMON_*
// environment overrides, then validates enums, ports and unique target names.
//
// Watch(ctx, path, onChange) uses fsnotify on the parent directory to detect
// edits, atomic renames included, and calls onChange with the re-parsed Config.
package config
