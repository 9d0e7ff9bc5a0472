package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
)

// Priority selects a tier.
type Priority string

const (
	High   Priority = "high"
	Medium Priority = "medium"
	Low    Priority = "low"
)

// Priorities lists every tier from highest to lowest.
var Priorities = []Priority{High, Medium, Low}

// Validate checks that p names a tier.
func (p Priority) Validate() error {
	switch p {
	case High, Medium, Low:
		return nil
	}
	return fmt.Errorf("invalid priority: %q", p)
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Validate checks that s is a known status.
func (s Status) Validate() error {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return nil
	}
	return fmt.Errorf("invalid status: %q", s)
}

// IsTerminal reports whether s is a sink state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one unit of work. Timestamps are milliseconds since the epoch.
type Job struct {
	ID          string          `json:"id"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Timestamp   int64           `json:"timestamp"`
	StartedAt   int64           `json:"started_at,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	Recovered   bool            `json:"recovered"`
	RecoveredAt int64           `json:"recovered_at,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Durable     bool            `json:"durable"`
}

// Validate checks the fields every stored job must carry.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := j.Priority.Validate(); err != nil {
		return err
	}
	return j.Status.Validate()
}

func (j *Job) clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Metadata = maps.Clone(j.Metadata)
	return &c
}

// Request describes a job to enqueue.
type Request struct {
	// ID must be unique among live jobs. Empty means a generated UUID.
	ID string
	// Priority defaults to Medium.
	Priority Priority
	// Payload is marshalled to JSON and handed to the executor as Job.Payload.
	Payload  any
	Metadata map[string]any
}

// Executor runs jobs. Execute must honour ctx cancellation; one that ignores
// it for longer than the cancel grace is marked failed with "cancelled" and its
// worker moves on to the next job. The abandoned call keeps its goroutine until
// it returns, so live executor goroutines can then exceed the tier's
// concurrency. TierStatus.Runaway and the gitvan_runaway_executors gauge count
// them.
type Executor interface {
	Execute(ctx context.Context, job *Job) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *Job) (any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, job *Job) (any, error) {
	return f(ctx, job)
}

// ReceiptRecorder receives the results receipt of every terminal job.
type ReceiptRecorder interface {
	RecordResult(ctx context.Context, hookID string, result any, metadata map[string]any) error
}

// TierConfig sizes one tier.
type TierConfig struct {
	// Concurrency is the worker count. Zero accepts jobs but never runs them.
	Concurrency int
	// Capacity bounds live jobs, pending and running. Recovered jobs are
	// admitted regardless.
	Capacity int
}

// TierStatus is a point-in-time view of one tier.
type TierStatus struct {
	Pending     int  `json:"pending"`
	Running     int  `json:"running"`
	Runaway     int  `json:"runaway"`
	Paused      bool `json:"is_paused"`
	Concurrency int  `json:"concurrency"`
	Capacity    int  `json:"capacity"`
}
