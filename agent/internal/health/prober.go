package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fleetmon/fleetmon/agent/internal/config"
)

// State is the cached health of one target.
type State struct {
	Target        string    `json:"target"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// Connected reports whether the last check succeeded.
func (s State) Connected() bool { return s.LastError == "" }

// Stale reports whether the state is older than ttl at now.
func (s State) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastCheckedAt) > ttl
}

// ConnectFunc opens and immediately closes a throwaway connection to t.
type ConnectFunc func(ctx context.Context, t config.Target) error

// HealthWriter persists health results.
type HealthWriter interface {
	RecordHealth(ctx context.Context, name string, healthy bool, errMsg string, at time.Time) error
}

// Prober owns the health cache. It is safe for concurrent use.
type Prober struct {
	ttl     time.Duration
	connect ConnectFunc
	writer  HealthWriter
	now     func() time.Time

	mu     sync.Mutex
	states map[string]State
	group  singleflight.Group
}

// NewProber returns a Prober trusting cached results for ttl. writer may be nil.
func NewProber(ttl time.Duration, connect ConnectFunc, writer HealthWriter) *Prober {
	return &Prober{
		ttl:     ttl,
		connect: connect,
		writer:  writer,
		now:     time.Now,
		states:  make(map[string]State),
	}
}

// TTL returns the configured trust window.
func (p *Prober) TTL() time.Duration { return p.ttl }

// Probe connects to t through a throwaway connection, records the result and
// returns it. It always hits the network.
func (p *Prober) Probe(ctx context.Context, t config.Target) (bool, string) {
	err := p.connect(ctx, t)
	st := p.Record(ctx, t.Name, err, p.now())
	if err != nil {
		slog.Debug("health: probe failed", "target", t.Name, "err", err)
	}
	return st.Connected(), st.LastError
}

// Status returns t's health, probing first when the cached entry is missing
// or stale.
func (p *Prober) Status(ctx context.Context, t config.Target) State {
	if st, ok := p.Peek(t.Name); ok && !st.Stale(p.now(), p.ttl) {
		return st
	}
	v, _, _ := p.group.Do(t.Name, func() (any, error) {
		// Another caller may have refreshed the entry while we waited.
		if st, ok := p.Peek(t.Name); ok && !st.Stale(p.now(), p.ttl) {
			return st, nil
		}
		p.Probe(ctx, t)
		st, _ := p.Peek(t.Name)
		return st, nil
	})
	return v.(State)
}

// Peek returns the cached state without probing.
func (p *Prober) Peek(name string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[name]
	return st, ok
}

// Record stores the outcome of a check performed at at and writes it through
// to the HealthWriter. A nil err means healthy.
func (p *Prober) Record(ctx context.Context, name string, err error, at time.Time) State {
	st := State{Target: name, LastCheckedAt: at}
	if err != nil {
		st.LastError = err.Error()
	}

	p.mu.Lock()
	p.states[name] = st
	p.mu.Unlock()

	if p.writer != nil {
		if werr := p.writer.RecordHealth(ctx, name, st.Connected(), st.LastError, at); werr != nil {
			slog.Warn("health: persist failed", "target", name, "err", werr)
		}
	}
	return st
}

// Restore seeds the cache with a state persisted by an earlier run. It never
// overwrites a newer entry and is not written through.
func (p *Prober) Restore(st State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.states[st.Target]; ok && !cur.LastCheckedAt.Before(st.LastCheckedAt) {
		return
	}
	p.states[st.Target] = st
}

// Forget drops the cached state of a target that left the registry.
func (p *Prober) Forget(name string) {
	p.mu.Lock()
	delete(p.states, name)
	p.mu.Unlock()
}
