package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetmon/fleetmon/agent/internal/adapter"
	"github.com/fleetmon/fleetmon/agent/internal/config"
	"github.com/fleetmon/fleetmon/agent/internal/health"
	"github.com/fleetmon/fleetmon/agent/internal/scheduler"
	"github.com/fleetmon/fleetmon/agent/internal/store"
)

// TargetSource lists the registry's targets.
type TargetSource interface {
	ListTargets(ctx context.Context) ([]config.Target, error)
}

// StateSource exposes the scheduler's view of each target.
type StateSource interface {
	Targets() []scheduler.TargetStatus
	LastCycle() time.Time
}

// HealthChecker is the health cache.
type HealthChecker interface {
	Peek(name string) (health.State, bool)
	Status(ctx context.Context, t config.Target) health.State
	TTL() time.Duration
}

// QueryLister fetches in-flight queries of t over a connection of its own.
type QueryLister func(ctx context.Context, t config.Target) ([]adapter.ActiveQuery, error)

// Deps are the collaborators the handler reads from.
type Deps struct {
	Store   *store.Store
	Targets TargetSource
	States  StateSource
	Health  HealthChecker
	Queries QueryLister
	Now     func() time.Time

	// Timeout bounds requests that reach a database.
	Timeout time.Duration
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	d   Deps
	mux *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	h := &Handler{d: d, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/targets", h.listTargets)
	h.mux.HandleFunc("/api/v1/targets/{name}/health", h.targetHealth)
	h.mux.HandleFunc("/api/v1/targets/{name}/queries", h.targetQueries)
	h.mux.HandleFunc("/api/v1/snapshots", h.snapshots)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := HealthResponse{Status: "ok", SnapshotCount: len(h.d.Store.List())}
	for _, ts := range h.d.States.Targets() {
		resp.TargetCount++
		switch ts.State {
		case scheduler.StateConnected:
			resp.ConnectedCount++
		case scheduler.StateDegraded:
			resp.DegradedCount++
		default:
			resp.AbsentCount++
		}
	}
	if lc := h.d.States.LastCycle(); !lc.IsZero() {
		resp.LastCycle = lc.UTC().Format(time.RFC3339)
	}
	jsonResp(w, http.StatusOK, resp)
}

// listTargets returns GET /api/v1/targets. It never probes.
func (h *Handler) listTargets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	targets, err := h.d.Targets.ListTargets(r.Context())
	if err != nil {
		slog.Error("api: list targets failed", "err", err)
		jsonErr(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}

	states := make(map[string]scheduler.TargetStatus)
	for _, ts := range h.d.States.Targets() {
		states[ts.Name] = ts
	}

	now := h.d.Now()
	out := make([]TargetResponse, 0, len(targets))
	for _, t := range targets {
		tr := TargetResponse{
			Name:     t.Name,
			Engine:   string(t.Engine),
			Host:     t.Host,
			Port:     t.Port,
			Database: t.DatabaseName(),
			State:    string(scheduler.StateAbsent),
		}
		if ts, ok := states[t.Name]; ok {
			tr.State = string(ts.State)
			tr.LastError = ts.LastError
			if !ts.LastCollectedAt.IsZero() {
				tr.LastCollectedAt = ts.LastCollectedAt.UTC().Format(time.RFC3339)
			}
		}
		if st, ok := h.d.Health.Peek(t.Name); ok {
			hr := toHealthResult(st, now, h.d.Health.TTL())
			tr.Health = &hr
		}
		out = append(out, tr)
	}
	jsonResp(w, http.StatusOK, out)
}

// targetHealth returns GET /api/v1/targets/{name}/health, probing when the
// cached result is missing or stale.
func (h *Handler) targetHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	t, ok := h.lookup(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.d.Timeout)
	defer cancel()
	st := h.d.Health.Status(ctx, t)
	jsonResp(w, http.StatusOK, toHealthResult(st, h.d.Now(), h.d.Health.TTL()))
}

// targetQueries returns GET /api/v1/targets/{name}/queries.
func (h *Handler) targetQueries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	t, ok := h.lookup(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.d.Timeout)
	defer cancel()
	qs, err := h.d.Queries(ctx, t)
	if err != nil {
		slog.Warn("api: active queries unavailable", "target", t.Name, "err", err)
		jsonErr(w, http.StatusBadGateway, "cannot connect to "+t.Name)
		return
	}
	if qs == nil {
		qs = []adapter.ActiveQuery{}
	}
	jsonResp(w, http.StatusOK, QueriesResponse{Target: t.Name, Count: len(qs), Queries: qs})
}

// snapshots returns GET /api/v1/snapshots.
func (h *Handler) snapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildSnapshots(h.d.Store, h.d.Now()))
}

// --- helpers ----------------------------------------------------------------

// BuildSnapshots assembles the live entries of st at now.
func BuildSnapshots(st *store.Store, now time.Time) SnapshotsResponse {
	entries := st.List()
	if entries == nil {
		entries = []*store.Entry{}
	}
	return SnapshotsResponse{
		Snapshots:   entries,
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
}

// lookup resolves {name} against the registry, writing the error response
// when it cannot.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (config.Target, bool) {
	name := r.PathValue("name")
	targets, err := h.d.Targets.ListTargets(r.Context())
	if err != nil {
		slog.Error("api: list targets failed", "err", err)
		jsonErr(w, http.StatusServiceUnavailable, "registry unavailable")
		return config.Target{}, false
	}
	for _, t := range targets {
		if t.Name == name {
			return t, true
		}
	}
	jsonErr(w, http.StatusNotFound, "target not found")
	return config.Target{}, false
}

func toHealthResult(st health.State, now time.Time, ttl time.Duration) TargetHealthResult {
	return TargetHealthResult{
		Target:        st.Target,
		Connected:     st.Connected(),
		LastCheckedAt: st.LastCheckedAt.UTC().Format(time.RFC3339),
		LastError:     st.LastError,
		Stale:         st.Stale(now, ttl),
	}
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
