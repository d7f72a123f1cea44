// Package events carries instance status changes out of the lifecycle
// driver to subscribers: the websocket feed and the Kafka topic.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tenantfleet/internal/metrics"
)

// Type identifies an event.
type Type string

const (
	// TypeStatusChanged is emitted for every recorded transition.
	TypeStatusChanged Type = "instance.status_changed"
	// TypeProvisioned is emitted when an instance first reaches running.
	TypeProvisioned Type = "instance.provisioned"
	// TypeFailed is emitted when an instance enters failed.
	TypeFailed Type = "instance.failed"
	// TypeDeprovisioned is emitted when teardown completes.
	TypeDeprovisioned Type = "instance.deprovisioned"
)

// Event is one instance status change.
type Event struct {
	Type           Type      `json:"type"`
	InstanceID     string    `json:"instanceId"`
	SubscriptionID string    `json:"subscriptionId"`
	AccountID      string    `json:"accountId"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to"`
	Action         string    `json:"action"`
	Step           string    `json:"step,omitempty"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	Version        int64     `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher delivers events. Publish must not block the caller for long;
// delivery failures are reported but never roll back the transition.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every sink and logs failures.
type Fanout struct {
	sinks  map[string]Publisher
	logger *slog.Logger
}

// NewFanout creates an empty fanout.
func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: make(map[string]Publisher), logger: logger}
}

// Add registers a named sink.
func (f *Fanout) Add(name string, p Publisher) *Fanout {
	f.sinks[name] = p
	return f
}

// Publish sends ev to every sink. It returns nil; sink errors are logged
// and counted.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	for name, sink := range f.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(name, "error").Inc()
			f.logger.Warn("event publish failed",
				"sink", name, "instance_id", ev.InstanceID, "type", ev.Type, "error", err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(name, "ok").Inc()
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
