package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fleetmon/fleetmon/agent/internal/adapter"
	"github.com/fleetmon/fleetmon/agent/internal/api"
	"github.com/fleetmon/fleetmon/agent/internal/config"
	"github.com/fleetmon/fleetmon/agent/internal/health"
	"github.com/fleetmon/fleetmon/agent/internal/publisher"
	"github.com/fleetmon/fleetmon/agent/internal/registry"
	"github.com/fleetmon/fleetmon/agent/internal/scheduler"
	"github.com/fleetmon/fleetmon/agent/internal/store"
	"github.com/fleetmon/fleetmon/agent/internal/system"
	"github.com/fleetmon/fleetmon/agent/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level})))

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load env file", "path", *envPath, "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	setLevel(&level, cfg.LogLevel)

	if flag.NArg() > 0 {
		os.Exit(runCommand(cfg, flag.Args()))
	}
	slog.Info("fleetmon-agent starting",
		"config", *configPath,
		"registry", cfg.Registry.Backend,
		"interval", cfg.Collector.Interval,
		"workers", cfg.Collector.Workers,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- registry -----------------------------------------------------------
	var (
		reg    registry.Registry
		static *registry.Static
	)
	switch cfg.Registry.Backend {
	case config.BackendSQLite:
		db, err := registry.OpenSQLite(cfg.Registry.Path)
		if err != nil {
			slog.Error("failed to open registry", "path", cfg.Registry.Path, "err", err)
			os.Exit(1)
		}
		defer db.Close()
		seed(ctx, db, cfg.Targets)
		reg = db
	default:
		static = registry.NewStatic(cfg.Targets)
		reg = static
	}

	// --- sinks --------------------------------------------------------------
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gauges, err := publisher.NewPrometheus(promReg)
	if err != nil {
		slog.Error("failed to register gauges", "err", err)
		os.Exit(1)
	}
	snapshots := store.New(cfg.API.SnapshotTTL)
	sinks := publisher.Multi{gauges, snapshots}

	if cfg.NATS.URL != "" {
		bus, err := publisher.NewBus(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			slog.Error("failed to connect event bus", "url", cfg.NATS.URL, "err", err)
			os.Exit(1)
		}
		defer bus.Close()
		sinks = append(sinks, bus)
	}

	// --- collection ---------------------------------------------------------
	opts := adapter.Options{
		ConnectTimeout: cfg.Collector.ConnectTimeout,
		QueryTimeout:   cfg.Collector.QueryTimeout,
		Host:           system.NewGopsutil(cfg.Collector.DiskPath),
	}
	factory := func(t config.Target) (adapter.Adapter, error) { return adapter.New(t, opts) }

	prober := health.NewProber(cfg.Health.TTL, func(ctx context.Context, t config.Target) error {
		a, err := factory(t)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Connect(ctx)
	}, reg)
	if hr, ok := reg.(registry.HealthReader); ok {
		warmHealth(ctx, reg, hr, prober)
	}

	sched := scheduler.New(reg, factory, sinks, prober, scheduler.Options{
		Interval: cfg.Collector.Interval,
		Workers:  cfg.Collector.Workers,
	})

	// --- servers ------------------------------------------------------------
	metricsSrv := publisher.NewServer(":"+strconv.Itoa(cfg.Metrics.Port), cfg.Metrics.Path, promReg)
	if err := metricsSrv.Start(); err != nil {
		slog.Error("failed to start metrics server", "err", err)
		os.Exit(1)
	}
	slog.Info("metrics endpoint listening", "addr", metricsSrv.Addr(), "path", cfg.Metrics.Path)

	hub := ws.New(snapshots, cfg.API.WSInterval)
	mux := http.NewServeMux()
	mux.Handle("/api/", api.New(api.Deps{
		Store:   snapshots,
		Targets: reg,
		States:  sched,
		Health:  prober,
		Queries: func(ctx context.Context, t config.Target) ([]adapter.ActiveQuery, error) {
			a, err := factory(t)
			if err != nil {
				return nil, err
			}
			defer a.Close()
			if err := a.Connect(ctx); err != nil {
				return nil, err
			}
			return a.ActiveQueries(ctx), nil
		},
		Timeout: cfg.Collector.ConnectTimeout + cfg.Collector.QueryTimeout,
	}))
	mux.Handle("/ws/stream", hub)

	apiSrv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.API.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("api listening", "addr", apiSrv.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server stopped", "err", err)
			cancel()
		}
	}()

	go snapshots.Run(ctx)
	go hub.Run(ctx)
	sched.Start(ctx)

	// --- hot reload ---------------------------------------------------------
	go func() {
		err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			setLevel(&level, updated.LogLevel)
			if static != nil {
				static.Replace(updated.Targets)
				slog.Info("targets reloaded", "count", len(updated.Targets))
			}
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("fleetmon-agent shutting down")

	sched.Stop()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api shutdown", "err", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown", "err", err)
	}
}

// setLevel applies a validated log_level value.
func setLevel(lv *slog.LevelVar, s string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		slog.Warn("unknown log level, keeping current", "level", s)
		return
	}
	lv.Set(l)
}

// seed inserts config-file targets the SQLite registry does not know yet, so
// a fresh registry can be bootstrapped from the same file.
func seed(ctx context.Context, db *registry.SQLite, targets []config.Target) {
	if len(targets) == 0 {
		return
	}
	existing, err := db.ListTargets(ctx)
	if err != nil {
		slog.Warn("registry seed skipped", "err", err)
		return
	}
	known := make(map[string]bool, len(existing))
	for _, t := range existing {
		known[t.Name] = true
	}
	for _, t := range targets {
		if known[t.Name] {
			continue
		}
		if err := db.AddTarget(ctx, t); err != nil {
			slog.Warn("registry seed failed", "target", t.Name, "err", err)
			continue
		}
		slog.Info("registry seeded", "target", t.Name, "engine", t.Engine)
	}
}

// warmHealth restores persisted health results into the prober so a restart
// does not re-probe every target that was checked within the TTL.
func warmHealth(ctx context.Context, reg registry.Registry, hr registry.HealthReader, p *health.Prober) {
	targets, err := reg.ListTargets(ctx)
	if err != nil {
		slog.Warn("health restore skipped", "err", err)
		return
	}
	restored := 0
	for _, t := range targets {
		rec, ok, err := hr.Health(ctx, t.Name)
		if err != nil || !ok {
			continue
		}
		p.Restore(health.State{Target: t.Name, LastCheckedAt: rec.LastCheck, LastError: lastError(rec)})
		restored++
	}
	slog.Debug("health restored", "targets", restored)
}

// lastError keeps an unhealthy record unhealthy even when no message was stored.
func lastError(rec registry.HealthRecord) string {
	if rec.Healthy {
		return ""
	}
	if rec.LastError == "" {
		return "unknown error"
	}
	return rec.LastError
}
