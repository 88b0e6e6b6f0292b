package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fleetmon/fleetmon/agent/internal/adapter"
	"github.com/fleetmon/fleetmon/agent/internal/config"
	"github.com/fleetmon/fleetmon/agent/internal/health"
	"github.com/fleetmon/fleetmon/agent/internal/publisher"
)

// --- fakes ---

type fakeRegistry struct {
	mu      sync.Mutex
	targets []config.Target
	err     error
}

func (r *fakeRegistry) ListTargets(context.Context) ([]config.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]config.Target(nil), r.targets...), nil
}

func (r *fakeRegistry) set(ts ...config.Target) {
	r.mu.Lock()
	r.targets = ts
	r.mu.Unlock()
}

type fakeAdapter struct {
	engine     config.Engine
	connectErr error
	collectErr error
	panics     bool
	snap       *adapter.Snapshot

	// entered is signalled on each Collect; release, when set, blocks it.
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	collects int
	closes   int
}

func (f *fakeAdapter) Connect(context.Context) error { return f.connectErr }

func (f *fakeAdapter) Collect(context.Context) (*adapter.Snapshot, error) {
	f.mu.Lock()
	f.collects++
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.panics {
		panic("driver exploded")
	}
	if f.collectErr != nil {
		return nil, f.collectErr
	}
	if f.snap != nil {
		return f.snap, nil
	}
	return &adapter.Snapshot{ActiveConnections: 1}, nil
}

func (f *fakeAdapter) ActiveQueries(context.Context) []adapter.ActiveQuery { return nil }
func (f *fakeAdapter) Ping(context.Context) error                          { return nil }
func (f *fakeAdapter) Engine() config.Engine                               { return f.engine }

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeFactory hands out adapters built by build and remembers them per target.
type fakeFactory struct {
	mu      sync.Mutex
	build   func(t config.Target) *fakeAdapter
	created map[string][]*fakeAdapter
}

func newFactory(build func(t config.Target) *fakeAdapter) *fakeFactory {
	return &fakeFactory{build: build, created: make(map[string][]*fakeAdapter)}
}

func (f *fakeFactory) New(t config.Target) (adapter.Adapter, error) {
	a := f.build(t)
	f.mu.Lock()
	f.created[t.Name] = append(f.created[t.Name], a)
	f.mu.Unlock()
	return a, nil
}

func (f *fakeFactory) adapters(name string) []*fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeAdapter(nil), f.created[name]...)
}

type fakeSink struct {
	mu        sync.Mutex
	published map[string]int
	forgotten map[string]int
	notify    chan string
}

func newSink() *fakeSink {
	return &fakeSink{published: map[string]int{}, forgotten: map[string]int{}}
}

func (s *fakeSink) Publish(l publisher.Labels, _ *adapter.Snapshot) error {
	s.mu.Lock()
	s.published[l.Name]++
	s.mu.Unlock()
	if s.notify != nil {
		select {
		case s.notify <- l.Name:
		default:
		}
	}
	return nil
}

func (s *fakeSink) Forget(l publisher.Labels) {
	s.mu.Lock()
	s.forgotten[l.Name]++
	s.mu.Unlock()
}

func (s *fakeSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[name]
}

type fakeHealth struct {
	mu   sync.Mutex
	last map[string]error
	seen map[string]bool
}

func newHealth() *fakeHealth {
	return &fakeHealth{last: map[string]error{}, seen: map[string]bool{}}
}

func (h *fakeHealth) Record(_ context.Context, name string, err error, at time.Time) health.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[name] = err
	h.seen[name] = true
	st := health.State{Target: name, LastCheckedAt: at}
	if err != nil {
		st.LastError = err.Error()
	}
	return st
}

func (h *fakeHealth) Forget(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, name)
	delete(h.seen, name)
}

func (h *fakeHealth) healthy(name string) (healthy, recorded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last[name] == nil, h.seen[name]
}

func tgt(name string) config.Target {
	return config.Target{Name: name, Engine: config.EnginePostgres, Host: "10.0.0.1", Port: 5432}
}

func stateOf(s *Scheduler, name string) State {
	for _, ts := range s.Targets() {
		if ts.Name == name {
			return ts.State
		}
	}
	return ""
}

// --- tests ---

func TestCycle_FailureIsolation(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("a"), tgt("b"))
	fac := newFactory(func(t config.Target) *fakeAdapter {
		if t.Name == "a" {
			return &fakeAdapter{collectErr: errors.New("relation does not exist")}
		}
		return &fakeAdapter{}
	})
	sink, hr := newSink(), newHealth()
	s := New(reg, fac.New, sink, hr, Options{Interval: time.Hour})

	s.Cycle(context.Background())

	if sink.count("a") != 0 {
		t.Errorf("a should not be published")
	}
	if sink.count("b") != 1 {
		t.Errorf("b published %d times, want 1", sink.count("b"))
	}
	if ok, rec := hr.healthy("a"); ok || !rec {
		t.Errorf("a should be recorded unhealthy")
	}
	if ok, rec := hr.healthy("b"); !ok || !rec {
		t.Errorf("b should be recorded healthy")
	}
	if got := fac.adapters("a")[0].closeCount(); got != 1 {
		t.Errorf("a handle closes: got %d, want 1", got)
	}
	if stateOf(s, "a") != StateAbsent || stateOf(s, "b") != StateConnected {
		t.Errorf("states: a=%s b=%s", stateOf(s, "a"), stateOf(s, "b"))
	}
}

func TestCycle_ReusesHandle(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("a"))
	fac := newFactory(func(config.Target) *fakeAdapter { return &fakeAdapter{} })
	sink := newSink()
	s := New(reg, fac.New, sink, nil, Options{})

	s.Cycle(context.Background())
	s.Cycle(context.Background())

	if n := len(fac.adapters("a")); n != 1 {
		t.Errorf("adapters created: got %d, want 1", n)
	}
	if sink.count("a") != 2 {
		t.Errorf("publishes: got %d, want 2", sink.count("a"))
	}
	if s.LastCycle().IsZero() {
		t.Error("LastCycle should be set after a cycle")
	}
}

func TestCycle_RemovedTargetClosed(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("a"), tgt("b"))
	fac := newFactory(func(config.Target) *fakeAdapter { return &fakeAdapter{} })
	sink := newSink()
	s := New(reg, fac.New, sink, newHealth(), Options{})

	s.Cycle(context.Background())
	reg.set(tgt("b"))
	s.Cycle(context.Background())

	if got := fac.adapters("a")[0].closeCount(); got != 1 {
		t.Errorf("removed target closes: got %d, want 1", got)
	}
	if sink.forgotten["a"] != 1 {
		t.Errorf("removed target series should be forgotten")
	}
	if got := s.Targets(); len(got) != 1 || got[0].Name != "b" {
		t.Errorf("Targets: got %+v", got)
	}
}

func TestCycle_UnreachableReconnectsNextCycle(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("orders"))
	refused := &adapter.ConnectionError{Target: "orders", Engine: config.EnginePostgres, Err: errors.New("connection refused")}
	fac := newFactory(func(config.Target) *fakeAdapter { return &fakeAdapter{connectErr: refused} })
	sink, hr := newSink(), newHealth()
	s := New(reg, fac.New, sink, hr, Options{})

	s.Cycle(context.Background())
	if ok, rec := hr.healthy("orders"); ok || !rec {
		t.Fatal("unreachable target should be recorded unhealthy")
	}
	if stateOf(s, "orders") != StateAbsent {
		t.Errorf("state: got %s, want absent", stateOf(s, "orders"))
	}
	if sink.count("orders") != 0 {
		t.Error("nothing should be published for an unreachable target")
	}

	s.Cycle(context.Background())
	if n := len(fac.adapters("orders")); n != 2 {
		t.Errorf("connect attempts: got %d, want a fresh one on each cycle (2)", n)
	}
}

func TestCycle_PanicIsTargetFailure(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("a"), tgt("b"))
	fac := newFactory(func(t config.Target) *fakeAdapter {
		return &fakeAdapter{panics: t.Name == "a"}
	})
	sink, hr := newSink(), newHealth()
	s := New(reg, fac.New, sink, hr, Options{})

	s.Cycle(context.Background())

	if ok, _ := hr.healthy("a"); ok {
		t.Error("panicking target should be recorded unhealthy")
	}
	if sink.count("b") != 1 {
		t.Error("b should still be published")
	}
	if fac.adapters("a")[0].closeCount() != 1 {
		t.Error("panicking target's handle should be closed")
	}
}

func TestCycle_RegistryErrorSkipsCycle(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("a"))
	fac := newFactory(func(config.Target) *fakeAdapter { return &fakeAdapter{} })
	s := New(reg, fac.New, newSink(), nil, Options{})
	s.Cycle(context.Background())

	reg.mu.Lock()
	reg.err = errors.New("database is locked")
	reg.mu.Unlock()
	s.Cycle(context.Background())

	a := fac.adapters("a")[0]
	if a.closeCount() != 0 {
		t.Error("a registry failure must not touch live handles")
	}
	if stateOf(s, "a") != StateConnected {
		t.Errorf("state: got %s, want connected", stateOf(s, "a"))
	}
}

func TestCycle_DegradedSnapshot(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("a"))
	fac := newFactory(func(config.Target) *fakeAdapter {
		return &fakeAdapter{snap: &adapter.Snapshot{ActiveConnections: adapter.Unavailable}}
	})
	sink := newSink()
	s := New(reg, fac.New, sink, nil, Options{})

	s.Cycle(context.Background())
	if stateOf(s, "a") != StateDegraded {
		t.Errorf("state: got %s, want degraded", stateOf(s, "a"))
	}
	if sink.count("a") != 1 {
		t.Error("degraded snapshots are still published")
	}
}

func TestCycle_ChangedTargetReconnects(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("a"))
	fac := newFactory(func(config.Target) *fakeAdapter { return &fakeAdapter{} })
	s := New(reg, fac.New, newSink(), nil, Options{})

	s.Cycle(context.Background())
	moved := tgt("a")
	moved.Host = "10.0.0.99"
	reg.set(moved)
	s.Cycle(context.Background())

	as := fac.adapters("a")
	if len(as) != 2 {
		t.Fatalf("adapters: got %d, want 2", len(as))
	}
	if as[0].closeCount() != 1 {
		t.Error("old handle should be closed after the target changed")
	}
}

func TestCycle_DuplicateNamesCollectedOnce(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("a"), tgt("a"))
	fac := newFactory(func(config.Target) *fakeAdapter { return &fakeAdapter{} })
	sink := newSink()
	s := New(reg, fac.New, sink, nil, Options{})

	s.Cycle(context.Background())
	if sink.count("a") != 1 {
		t.Errorf("publishes: got %d, want 1", sink.count("a"))
	}
}

func TestCycle_Workers(t *testing.T) {
	reg := &fakeRegistry{}
	var ts []config.Target
	for i := 0; i < 8; i++ {
		ts = append(ts, tgt(fmt.Sprintf("db%d", i)))
	}
	reg.set(ts...)
	fac := newFactory(func(config.Target) *fakeAdapter { return &fakeAdapter{} })
	sink := newSink()
	s := New(reg, fac.New, sink, newHealth(), Options{Workers: 4})

	s.Cycle(context.Background())
	s.Cycle(context.Background())

	for _, tg := range ts {
		if sink.count(tg.Name) != 2 {
			t.Errorf("%s publishes: got %d, want 2", tg.Name, sink.count(tg.Name))
		}
		if n := len(fac.adapters(tg.Name)); n != 1 {
			t.Errorf("%s adapters: got %d, want 1", tg.Name, n)
		}
	}
}

func TestStart_FirstCycleImmediate(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("a"))
	fac := newFactory(func(config.Target) *fakeAdapter { return &fakeAdapter{} })
	sink := newSink()
	sink.notify = make(chan string, 1)
	s := New(reg, fac.New, sink, nil, Options{Interval: time.Hour})

	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-sink.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle did not run immediately")
	}
}

func TestStop_WaitsForInflightCycle(t *testing.T) {
	reg := &fakeRegistry{}
	reg.set(tgt("a"))
	fa := &fakeAdapter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	fac := newFactory(func(config.Target) *fakeAdapter { return fa })
	s := New(reg, fac.New, newSink(), nil, Options{Interval: time.Hour})

	s.Start(context.Background())
	select {
	case <-fa.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("collect never started")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a collection was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(fa.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}
	if fa.closeCount() != 1 {
		t.Errorf("closes after Stop: got %d, want 1", fa.closeCount())
	}
}

func TestStop_WithoutStart(t *testing.T) {
	s := New(&fakeRegistry{}, newFactory(nil).New, newSink(), nil, Options{})
	s.Stop()
	s.Stop()
}
