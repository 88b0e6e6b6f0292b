package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultPollInterval   = 60 * time.Second
	DefaultWorkers        = 1
	DefaultConnectTimeout = 10 * time.Second
	DefaultQueryTimeout   = 10 * time.Second
	DefaultMetricsPort    = 9090
	DefaultMetricsPath    = "/metrics"
	DefaultHealthTTL      = 300 * time.Second
	DefaultAPIPort        = 8080
	DefaultWSInterval     = 5 * time.Second
	DefaultSnapshotTTL    = 5 * time.Minute
	DefaultNATSSubject    = "fleetmon.metrics"
	DefaultLogLevel       = "info"

	DefaultPostgresPort = 5432
	DefaultMySQLPort    = 3306
)

// Environment variables that override file values. Durations are whole seconds.
const (
	EnvPollInterval = "FLEETMON_POLL_INTERVAL"
	EnvMetricsPort  = "FLEETMON_METRICS_PORT"
	EnvHealthTTL    = "FLEETMON_HEALTH_TTL"
	EnvAPIPort      = "FLEETMON_API_PORT"
)

// Registry backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrUnsupportedEngine is returned for an engine kind no adapter exists for.
var ErrUnsupportedEngine = errors.New("unsupported engine")

// Engine is the database engine kind of a target.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
	EngineMariaDB  Engine = "mariadb"
)

// ParseEngine maps a user-supplied engine name to an Engine. "postgresql" is
// accepted as an alias because registries written by older tools use it.
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql":
		return EnginePostgres, nil
	case "mysql":
		return EngineMySQL, nil
	case "mariadb":
		return EngineMariaDB, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnsupportedEngine, s)
	}
}

// DefaultPort returns the engine's conventional listen port.
func (e Engine) DefaultPort() int {
	if e == EnginePostgres {
		return DefaultPostgresPort
	}
	return DefaultMySQLPort
}

// DefaultDatabase returns the logical database used when a target names none.
func (e Engine) DefaultDatabase() string {
	if e == EnginePostgres {
		return "postgres"
	}
	return "mysql"
}

// Config is the top-level agent configuration.
type Config struct {
	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	Collector CollectorConfig `yaml:"collector"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	API       APIConfig       `yaml:"api"`
	Registry  RegistryConfig  `yaml:"registry"`
	NATS      NATSConfig      `yaml:"nats"`

	// Targets is the static target list served by the file registry backend.
	// It is ignored when Registry.Backend is sqlite.
	Targets []Target `yaml:"targets"`
}

// CollectorConfig controls the collection scheduler.
type CollectorConfig struct {
	// Interval is the time between the starts of two collection cycles.
	Interval time.Duration `yaml:"interval"`

	// Workers bounds how many targets are collected concurrently within one
	// cycle. 1 collects targets one after another.
	Workers int `yaml:"workers"`

	// ConnectTimeout bounds establishing a new connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// QueryTimeout bounds every single statement run against a target.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// DiskPath is the filesystem path whose usage is reported as db_disk_usage.
	DiskPath string `yaml:"disk_path"`
}

// MetricsConfig controls the pull endpoint the sink scrapes.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// HealthConfig controls the health prober cache.
type HealthConfig struct {
	// TTL is the maximum age of a cached health result before a fresh probe
	// is required.
	TTL time.Duration `yaml:"ttl"`
}

// APIConfig controls the JSON status API and the WebSocket feed.
type APIConfig struct {
	Port int `yaml:"port"`

	// WSInterval is how often the latest snapshots are pushed to stream clients.
	WSInterval time.Duration `yaml:"ws_interval"`

	// SnapshotTTL is how long a target's last snapshot stays listed after its
	// last successful collection.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// RegistryConfig selects where targets come from.
type RegistryConfig struct {
	// Backend is one of: file | sqlite.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Required for the sqlite backend.
	Path string `yaml:"path"`
}

// NATSConfig enables the optional event-bus sink. Empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Target describes one monitored database server.
type Target struct {
	// Name uniquely identifies the target and becomes the db_name label.
	Name string `yaml:"name"`

	// Engine is one of: postgres | mysql | mariadb.
	Engine Engine `yaml:"engine"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Username string `yaml:"username"`

	// Password is used verbatim. Prefer PasswordEnv for anything checked in.
	Password string `yaml:"password"`

	// PasswordEnv is the name of the environment variable holding the password.
	// It wins over Password when the variable is set.
	PasswordEnv string `yaml:"password_env"`

	// Database is the logical database to connect to. Defaults per engine.
	Database string `yaml:"database"`
}

// Secret resolves the password, preferring PasswordEnv.
func (t Target) Secret() string {
	if t.PasswordEnv != "" {
		if v, ok := os.LookupEnv(t.PasswordEnv); ok {
			return v
		}
	}
	return t.Password
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// DatabaseName returns the configured database or the engine default.
func (t Target) DatabaseName() string {
	if t.Database != "" {
		return t.Database
	}
	return t.Engine.DefaultDatabase()
}

// Load reads and parses the YAML config file at path, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Collector: CollectorConfig{
			Interval:       DefaultPollInterval,
			Workers:        DefaultWorkers,
			ConnectTimeout: DefaultConnectTimeout,
			QueryTimeout:   DefaultQueryTimeout,
			DiskPath:       "/",
		},
		Metrics: MetricsConfig{
			Port: DefaultMetricsPort,
			Path: DefaultMetricsPath,
		},
		Health: HealthConfig{TTL: DefaultHealthTTL},
		API: APIConfig{
			Port:        DefaultAPIPort,
			WSInterval:  DefaultWSInterval,
			SnapshotTTL: DefaultSnapshotTTL,
		},
		Registry: RegistryConfig{Backend: BackendFile},
		NATS:     NATSConfig{Subject: DefaultNATSSubject},
	}
}

func applyEnv(cfg *Config) error {
	if err := envSeconds(EnvPollInterval, &cfg.Collector.Interval); err != nil {
		return err
	}
	if err := envSeconds(EnvHealthTTL, &cfg.Health.TTL); err != nil {
		return err
	}
	if err := envInt(EnvMetricsPort, &cfg.Metrics.Port); err != nil {
		return err
	}
	return envInt(EnvAPIPort, &cfg.API.Port)
}

func envSeconds(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not a whole number of seconds", key, v)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", cfg.LogLevel)
	}
	if cfg.Collector.Interval <= 0 {
		return fmt.Errorf("collector.interval must be positive")
	}
	if cfg.Collector.Workers < 1 {
		return fmt.Errorf("collector.workers must be at least 1")
	}
	if cfg.Collector.ConnectTimeout <= 0 || cfg.Collector.QueryTimeout <= 0 {
		return fmt.Errorf("collector timeouts must be positive")
	}
	if err := validPort("metrics.port", cfg.Metrics.Port); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if err := validPort("api.port", cfg.API.Port); err != nil {
		return err
	}
	if cfg.Health.TTL <= 0 {
		return fmt.Errorf("health.ttl must be positive")
	}
	if cfg.API.WSInterval <= 0 || cfg.API.SnapshotTTL <= 0 {
		return fmt.Errorf("api intervals must be positive")
	}
	switch cfg.Registry.Backend {
	case BackendFile:
	case BackendSQLite:
		if cfg.Registry.Path == "" {
			return fmt.Errorf("registry.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("registry.backend: unknown backend %q", cfg.Registry.Backend)
	}

	seen := make(map[string]bool, len(cfg.Targets))
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if err := ValidateTarget(t); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("targets[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// ValidateTarget normalizes t in place (engine alias, default port) and checks
// required fields. Registries call it on every target they hand out so an
// invalid entry never reaches the scheduler.
func ValidateTarget(t *Target) error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	e, err := ParseEngine(string(t.Engine))
	if err != nil {
		return fmt.Errorf("%q: %w", t.Name, err)
	}
	t.Engine = e
	if t.Host == "" {
		return fmt.Errorf("%q: host is required", t.Name)
	}
	if t.Port == 0 {
		t.Port = e.DefaultPort()
	}
	if err := validPort(t.Name+": port", t.Port); err != nil {
		return err
	}
	return nil
}

func validPort(field string, p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s: %d is out of range", field, p)
	}
	return nil
}
