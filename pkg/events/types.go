package events

import (
	"context"
	"fmt"
)

// Type identifies a lifecycle transition.
type Type string

const (
	JobQueued    Type = "job_queued"
	JobStarted   Type = "job_started"
	JobCompleted Type = "job_completed"
	JobFailed    Type = "job_failed"
	JobRecovered Type = "job_recovered"
)

// Validate checks that t is a known event type.
func (t Type) Validate() error {
	switch t {
	case JobQueued, JobStarted, JobCompleted, JobFailed, JobRecovered:
		return nil
	}
	return fmt.Errorf("invalid event type: %q", t)
}

// Event is one job lifecycle notification.
type Event struct {
	Type      Type   `json:"type"`
	JobID     string `json:"job_id"`
	Priority  string `json:"priority"`
	Timestamp int64  `json:"timestamp"`
	Recovered bool   `json:"recovered,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Validate checks the event's required fields.
func (e *Event) Validate() error {
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if e.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	return nil
}

// Publisher delivers lifecycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, *Event) error {
	return nil
}

// JobEventsChannel returns the Pub/Sub channel for an instance's job events.
// Pattern: gitvan:{instance}:job_events
func JobEventsChannel(instance string) string {
	return fmt.Sprintf("gitvan:%s:job_events", instance)
}
