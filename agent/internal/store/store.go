package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/agent/internal/adapter"
	"github.com/fleetmon/fleetmon/agent/internal/publisher"
)

// Entry is a snapshot together with the time it was last received.
type Entry struct {
	Target    publisher.Labels  `json:"target"`
	Snapshot  *adapter.Snapshot `json:"snapshot"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is a thread-safe in-memory snapshot store, keyed by target name.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// TTL returns the configured retention.
func (s *Store) TTL() time.Duration { return s.ttl }

// Publish stores or replaces the snapshot for l.Name.
// Callers must not modify snap afterwards.
func (s *Store) Publish(l publisher.Labels, snap *adapter.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[l.Name] = &Entry{
		Target:    l,
		Snapshot:  snap,
		UpdatedAt: s.now(),
	}
	return nil
}

// Forget removes the entry for l.Name.
func (s *Store) Forget(l publisher.Labels) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, l.Name)
}

// Get returns the entry for name. It may be stale if the TTL has elapsed.
func (s *Store) Get(name string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[name]
	return e, ok
}

// List returns the entries updated within the TTL, sorted by target name.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]*Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.UpdatedAt.After(cutoff) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Target.Name < out[j].Target.Name })
	return out
}

// Count returns the number of entries held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL and
// returns how many were removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for name, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, name)
			removed++
		}
	}
	return removed
}

// Run evicts stale entries every half TTL (minimum 1s) until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale snapshots", "count", n)
			}
		}
	}
}
