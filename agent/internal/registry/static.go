package registry

import (
	"context"
	"sync"
	"time"

	"github.com/fleetmon/fleetmon/agent/internal/config"
)

// Static is an in-memory registry fed from the config file.
type Static struct {
	mu      sync.RWMutex
	targets []config.Target
	health  map[string]HealthRecord
}

// NewStatic returns a registry serving targets. The targets are expected to
// have passed config validation already.
func NewStatic(targets []config.Target) *Static {
	s := &Static{health: make(map[string]HealthRecord)}
	s.Replace(targets)
	return s
}

// Replace swaps the target list. The change is seen by the next ListTargets
// call; health of targets no longer listed is dropped.
func (s *Static) Replace(targets []config.Target) {
	cp := make([]config.Target, len(targets))
	copy(cp, targets)

	keep := make(map[string]bool, len(cp))
	for _, t := range cp {
		keep[t.Name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = cp
	for name := range s.health {
		if !keep[name] {
			delete(s.health, name)
		}
	}
}

func (s *Static) ListTargets(context.Context) ([]config.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]config.Target, len(s.targets))
	copy(out, s.targets)
	return out, nil
}

func (s *Static) RecordHealth(_ context.Context, name string, healthy bool, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[name] = HealthRecord{Healthy: healthy, LastError: errMsg, LastCheck: at}
	return nil
}

// Health returns the last recorded health of name. ok is false when name has
// not been checked.
func (s *Static) Health(_ context.Context, name string) (HealthRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[name]
	return h, ok, nil
}
