package publisher

import (
	"errors"

	"github.com/fleetmon/fleetmon/agent/internal/adapter"
	"github.com/fleetmon/fleetmon/agent/internal/config"
)

// Label names attached to every sample.
const (
	LabelName   = "db_name"
	LabelEngine = "db_type"
)

// Labels identifies the target a snapshot belongs to.
type Labels struct {
	Name   string        `json:"db_name"`
	Engine config.Engine `json:"db_type"`
}

// LabelsFor returns the labels of t.
func LabelsFor(t config.Target) Labels {
	return Labels{Name: t.Name, Engine: t.Engine}
}

// Sink receives the latest snapshot per target.
type Sink interface {
	// Publish replaces the target's current values with s.
	Publish(l Labels, s *adapter.Snapshot) error

	// Forget drops everything held for a target that left the registry.
	Forget(l Labels)
}

// Multi fans every call out to each sink in order.
type Multi []Sink

func (m Multi) Publish(l Labels, s *adapter.Snapshot) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(l, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Forget(l Labels) {
	for _, sink := range m {
		sink.Forget(l)
	}
}
