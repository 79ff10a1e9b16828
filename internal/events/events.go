// Package events fans execution lifecycle events out to live subscribers
// (SSE and WebSocket clients). Delivery is best-effort: events are never
// persisted, and a subscriber that falls behind loses events rather than
// slowing down publishers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindExecutionStarted   Kind = "execution_started"
	KindStepStarted        Kind = "step_started"
	KindStepCompleted      Kind = "step_completed"
	KindExecutionCompleted Kind = "execution_completed"
)

// ErrClosed is returned by a broadcaster after Close.
var ErrClosed = errors.New("events: broadcaster closed")

// Event is one lifecycle notification.
type Event struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"type"`
	ExecutionID string         `json:"execution_id"`
	TestCaseID  int64          `json:"testcase_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	StepIndex   *int           `json:"step_index,omitempty"`
	Action      string         `json:"action,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// New stamps an event with a sortable id and the current time.
func New(kind Kind, executionID string) Event {
	return Event{
		ID:          ulid.Make().String(),
		Kind:        kind,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}
}

// Filter narrows a subscription. The zero value matches every event.
type Filter struct {
	ExecutionID string
}

func (f Filter) Match(e Event) bool {
	return f.ExecutionID == "" || f.ExecutionID == e.ExecutionID
}

// Subscription delivers matching events until closed. Events from one
// publisher goroutine arrive in publish order.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Broadcaster publishes lifecycle events to subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe registers a subscriber. The subscription is closed when ctx
	// is done or Close is called, whichever comes first.
	Subscribe(ctx context.Context, f Filter) (Subscription, error)
	Close() error
}
