package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetmon/fleetmon/agent/internal/adapter"
)

// Message is the JSON body published on the bus.
type Message struct {
	Labels
	Snapshot *adapter.Snapshot `json:"snapshot"`
}

// Bus publishes every snapshot to NATS.
type Bus struct {
	conn   *nats.Conn
	prefix string
}

// NewBus connects to url. Subjects are prefix.<db_name>. The connection
// retries in the background when the server is not up yet.
func NewBus(url, prefix string) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.Name("fleetmon-agent"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("publisher: nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("publisher: nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("publisher: connect nats %s: %w", url, err)
	}
	slog.Info("publisher: nats bus enabled", "url", url, "subject", prefix+".*")
	return &Bus{conn: conn, prefix: prefix}, nil
}

func (b *Bus) Publish(l Labels, s *adapter.Snapshot) error {
	data, err := encodeMessage(l, s)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(subjectFor(b.prefix, l.Name), data); err != nil {
		return fmt.Errorf("publisher: nats publish %s: %w", l.Name, err)
	}
	return nil
}

// Forget is a no-op: bus messages are events, not held state.
func (b *Bus) Forget(Labels) {}

// Close flushes pending messages and closes the connection.
func (b *Bus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

func encodeMessage(l Labels, s *adapter.Snapshot) ([]byte, error) {
	data, err := json.Marshal(Message{Labels: l, Snapshot: s})
	if err != nil {
		return nil, fmt.Errorf("publisher: encode %s: %w", l.Name, err)
	}
	return data, nil
}

// subjectFor keeps target names from adding tokens or wildcards to the subject.
func subjectFor(prefix, name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>':
			return '_'
		case r <= ' ':
			return '_'
		}
		return r
	}, name)
	return prefix + "." + clean
}
