package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetmon/fleetmon/agent/internal/adapter"
	"github.com/fleetmon/fleetmon/agent/internal/config"
	"github.com/fleetmon/fleetmon/agent/internal/health"
	"github.com/fleetmon/fleetmon/agent/internal/publisher"
)

// State is a target's collection state.
type State string

const (
	StateAbsent    State = "absent"
	StateConnected State = "connected"
	StateDegraded  State = "degraded"
)

// Lister supplies the targets of one cycle.
type Lister interface {
	ListTargets(ctx context.Context) ([]config.Target, error)
}

// HealthRecorder receives every collection outcome.
type HealthRecorder interface {
	Record(ctx context.Context, name string, err error, at time.Time) health.State
	Forget(name string)
}

// Factory builds an unconnected adapter for a target.
type Factory func(t config.Target) (adapter.Adapter, error)

// Options tunes a Scheduler. Zero values fall back to config defaults.
type Options struct {
	Interval time.Duration
	Workers  int
	Now      func() time.Time
}

// TargetStatus is the read-only view of one target for the status API.
type TargetStatus struct {
	Name            string        `json:"name"`
	Engine          config.Engine `json:"engine"`
	State           State         `json:"state"`
	LastCollectedAt time.Time     `json:"last_collected_at"`
	LastError       string        `json:"last_error,omitempty"`
}

type entry struct {
	target        config.Target
	a             adapter.Adapter
	state         State
	lastCollected time.Time
	lastErr       string
}

// Scheduler owns one adapter per target.
type Scheduler struct {
	reg     Lister
	factory Factory
	sink    publisher.Sink
	health  HealthRecorder

	interval time.Duration
	workers  int
	now      func() time.Time

	// mu guards entries and lastCycle so Targets can copy them; adapters are
	// only driven from the cycle goroutines.
	mu        sync.Mutex
	entries   map[string]*entry
	lastCycle time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

// New returns a Scheduler. health may be nil.
func New(reg Lister, factory Factory, sink publisher.Sink, hr HealthRecorder, opts Options) *Scheduler {
	s := &Scheduler{
		reg:      reg,
		factory:  factory,
		sink:     sink,
		health:   hr,
		interval: opts.Interval,
		workers:  opts.Workers,
		now:      opts.Now,
		entries:  make(map[string]*entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = config.DefaultPollInterval
	}
	if s.workers < 1 {
		s.workers = 1
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start runs the loop in one background goroutine: a cycle immediately, then
// one per interval. Later calls are no-ops. Cancelling ctx ends the loop
// after the current cycle; in-flight statements are not cancelled by it.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		go s.loop(ctx)
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	cycleCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("scheduler: started", "interval", s.interval, "workers", s.workers)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.Cycle(cycleCtx)

		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop, waits for the in-flight cycle and closes every handle.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
	s.closeAll()
	slog.Info("scheduler: stopped")
}

// Cycle runs one collection pass over a fresh target list.
func (s *Scheduler) Cycle(ctx context.Context) {
	targets, err := s.reg.ListTargets(ctx)
	if err != nil {
		slog.Error("scheduler: list targets failed, skipping cycle", "err", err)
		return
	}
	targets = dedupe(targets)
	s.reap(targets)

	start := s.now()
	if s.workers == 1 {
		for _, t := range targets {
			s.collectOne(ctx, t)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(s.workers)
		for _, t := range targets {
			g.Go(func() error {
				s.collectOne(ctx, t)
				return nil
			})
		}
		_ = g.Wait()
	}

	s.mu.Lock()
	s.lastCycle = start
	s.mu.Unlock()
	slog.Debug("scheduler: cycle complete", "targets", len(targets), "took", s.now().Sub(start))
}

// collectOne drives a single target through connect, collect and publish.
// Failures and panics never escape it.
func (s *Scheduler) collectOne(ctx context.Context, t config.Target) {
	e := s.entryFor(t)
	defer func() {
		if r := recover(); r != nil {
			s.fail(ctx, e, fmt.Errorf("scheduler: panic collecting %q: %v", t.Name, r))
		}
	}()

	if e.a == nil {
		a, err := s.factory(t)
		if err != nil {
			s.fail(ctx, e, err)
			return
		}
		if err := a.Connect(ctx); err != nil {
			safeClose(t.Name, a)
			s.fail(ctx, e, err)
			return
		}
		s.mu.Lock()
		e.a = a
		e.state = StateConnected
		s.mu.Unlock()
		slog.Info("scheduler: connected", "target", t.Name, "engine", string(t.Engine))
	}

	snap, err := e.a.Collect(ctx)
	if err != nil {
		s.fail(ctx, e, err)
		return
	}
	if err := s.sink.Publish(publisher.LabelsFor(t), snap); err != nil {
		slog.Warn("scheduler: publish failed", "target", t.Name, "err", err)
	}

	state := StateConnected
	if snap.Degraded() {
		state = StateDegraded
	}
	at := s.now()
	s.mu.Lock()
	e.state = state
	e.lastCollected = at
	e.lastErr = ""
	s.mu.Unlock()

	if s.health != nil {
		s.health.Record(ctx, t.Name, nil, at)
	}
}

// entryFor returns t's entry, creating it, and drops a handle whose target
// configuration changed since it was opened.
func (s *Scheduler) entryFor(t config.Target) *entry {
	s.mu.Lock()
	e, ok := s.entries[t.Name]
	if !ok {
		e = &entry{target: t, state: StateAbsent}
		s.entries[t.Name] = e
		s.mu.Unlock()
		return e
	}
	var stale adapter.Adapter
	if e.target != t {
		stale = e.a
		e.a = nil
		e.state = StateAbsent
		e.target = t
	}
	s.mu.Unlock()

	if stale != nil {
		slog.Info("scheduler: target changed, reconnecting", "target", t.Name)
		safeClose(t.Name, stale)
	}
	return e
}

func (s *Scheduler) fail(ctx context.Context, e *entry, err error) {
	name := e.target.Name
	slog.Warn("scheduler: collection failed", "target", name, "engine", string(e.target.Engine), "err", err)

	s.mu.Lock()
	a := e.a
	e.a = nil
	e.state = StateAbsent
	e.lastErr = err.Error()
	s.mu.Unlock()

	if a != nil {
		safeClose(name, a)
	}
	if s.health != nil {
		s.health.Record(ctx, name, err, s.now())
	}
}

// reap closes handles of targets that are no longer listed.
func (s *Scheduler) reap(targets []config.Target) {
	keep := make(map[string]bool, len(targets))
	for _, t := range targets {
		keep[t.Name] = true
	}

	var removed []*entry
	s.mu.Lock()
	for name, e := range s.entries {
		if !keep[name] {
			removed = append(removed, e)
			delete(s.entries, name)
		}
	}
	s.mu.Unlock()

	for _, e := range removed {
		if e.a != nil {
			safeClose(e.target.Name, e.a)
		}
		s.sink.Forget(publisher.LabelsFor(e.target))
		if s.health != nil {
			s.health.Forget(e.target.Name)
		}
		slog.Info("scheduler: target removed", "target", e.target.Name)
	}
}

func (s *Scheduler) closeAll() {
	s.mu.Lock()
	var open []*entry
	for _, e := range s.entries {
		if e.a != nil {
			open = append(open, e)
		}
	}
	s.mu.Unlock()

	for _, e := range open {
		safeClose(e.target.Name, e.a)
		s.mu.Lock()
		e.a = nil
		e.state = StateAbsent
		s.mu.Unlock()
	}
}

// Targets returns a copy of every tracked target's state, sorted by name.
func (s *Scheduler) Targets() []TargetStatus {
	s.mu.Lock()
	out := make([]TargetStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, TargetStatus{
			Name:            e.target.Name,
			Engine:          e.target.Engine,
			State:           e.state,
			LastCollectedAt: e.lastCollected,
			LastError:       e.lastErr,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LastCycle returns when the most recent completed cycle started.
func (s *Scheduler) LastCycle() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}

// dedupe keeps the first target of each name.
func dedupe(targets []config.Target) []config.Target {
	seen := make(map[string]bool, len(targets))
	out := targets[:0:0]
	for _, t := range targets {
		if seen[t.Name] {
			slog.Warn("scheduler: duplicate target name ignored", "target", t.Name)
			continue
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out
}

func safeClose(name string, a adapter.Adapter) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: panic closing adapter", "target", name, "panic", r)
		}
	}()
	if err := a.Close(); err != nil {
		slog.Debug("scheduler: close failed", "target", name, "err", err)
	}
}
