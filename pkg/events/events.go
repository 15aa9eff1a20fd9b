// Package events publishes provisioning workflow transitions so other tools
// can follow a run. Without a NATS server the events only go to the log.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// DefaultSubject is the subject prefix events are published under.
const DefaultSubject = "lon.deployer"

// Event is one workflow transition.
type Event struct {
	ID     string    `json:"id"`
	RunID  string    `json:"run_id"`
	Serial string    `json:"serial"`
	State  string    `json:"state"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(runID, serial, state, status string) Event {
	return Event{
		ID:     uuid.NewString(),
		RunID:  runID,
		Serial: serial,
		State:  state,
		Status: status,
		Time:   time.Now().UTC(),
	}
}

// Subject returns prefix.topic, or topic alone without a prefix.
func Subject(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to the default logger.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, e Event) error {
	slog.Info("workflow_event", "run_id", e.RunID, "serial", e.Serial, "state", e.State, "status", e.Status, "error", e.Error)
	return nil
}

func (LogPublisher) Close() error { return nil }

// NATSPublisher publishes events as JSON on <prefix>.<state>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials the NATS server at url.
func Connect(url, prefix string, timeout time.Duration) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Timeout(timeout), nats.Name("lon-deployer"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to nats")
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	if err := p.nc.Publish(Subject(p.prefix, e.State), data); err != nil {
		return errors.Wrap(err, "failed to publish event")
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// New returns a NATS publisher when url is set and reachable, and a
// LogPublisher otherwise. Events are never a reason to fail a run.
func New(url, prefix string) Publisher {
	if url == "" {
		return LogPublisher{}
	}
	p, err := Connect(url, prefix, 2*time.Second)
	if err != nil {
		slog.Warn("events_nats_unavailable", "url", url, "error", err)
		return LogPublisher{}
	}
	slog.Info("events_nats_connected", "url", url, "prefix", prefix)
	return p
}
