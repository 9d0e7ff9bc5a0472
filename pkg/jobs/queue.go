// Package jobs is a three-tier priority job queue whose durable state lives in
// the repository.
//
// Each tier (high, medium, low) is an independent FIFO with its own worker
// pool; tiers never preempt each other. Jobs enqueued as durable are written to
// refs/queue/<priority>/<id> and survive a restart: Recover puts jobs that were
// queued back in line and runs jobs that were running again, ahead of
// everything else in their tier. Every job that reaches completed or failed
// produces exactly one results receipt.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/gitvan/pkg/events"
	"github.com/dyluth/gitvan/pkg/git"
	"github.com/dyluth/gitvan/pkg/locks"
	"github.com/dyluth/gitvan/pkg/metrics"
)

const (
	// DefaultCancelGrace is how long a cancelled executor may keep running.
	DefaultCancelGrace = 5 * time.Second
	// DefaultCapacity bounds live jobs per tier.
	DefaultCapacity = 1000

	eventTimeout = 2 * time.Second
)

// DefaultTiers are the worker counts and capacities used for tiers missing
// from Config.Tiers.
var DefaultTiers = map[Priority]TierConfig{
	High:   {Concurrency: 4, Capacity: DefaultCapacity},
	Medium: {Concurrency: 2, Capacity: DefaultCapacity},
	Low:    {Concurrency: 1, Capacity: DefaultCapacity},
}

// Locker serializes recovery across processes sharing a repository.
type Locker interface {
	Acquire(ctx context.Context, name string, opts locks.Options) (bool, error)
	Release(ctx context.Context, name, fingerprint string) (bool, error)
}

// Config wires a Queue.
type Config struct {
	Tiers       map[Priority]TierConfig
	CancelGrace time.Duration
	Executor    Executor
	Receipts    ReceiptRecorder
	// Locker is optional; without it Recover runs unguarded.
	Locker    Locker
	Publisher events.Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Queue schedules jobs onto per-tier worker pools. Safe for concurrent use.
type Queue struct {
	git       *git.Driver
	executor  Executor
	receipts  ReceiptRecorder
	locker    Locker
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	grace     time.Duration
	tiers     map[Priority]*tier
	owner     string

	// mu is the meta-lock: job index, entry fields and lifecycle flags.
	mu           sync.Mutex
	jobs         map[string]*entry
	closed       bool
	started      bool
	interrupting bool

	stopWorkers context.CancelFunc
	stopExec    context.CancelFunc
	execCtx     context.Context
	workers     sync.WaitGroup
}

// New creates a Queue bound to drv. Workers start with Start.
func New(drv *git.Driver, cfg Config) *Queue {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.Executor == nil {
		cfg.Executor = ExecutorFunc(func(context.Context, *Job) (any, error) {
			return nil, errNoExecutor
		})
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	execCtx, stopExec := context.WithCancel(context.Background())
	q := &Queue{
		git:       drv,
		executor:  cfg.Executor,
		receipts:  cfg.Receipts,
		locker:    cfg.Locker,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		grace:     cfg.CancelGrace,
		tiers:     make(map[Priority]*tier, len(Priorities)),
		owner:     uuid.NewString(),
		jobs:      make(map[string]*entry),
		execCtx:   execCtx,
		stopExec:  stopExec,
	}
	for _, p := range Priorities {
		tc, ok := cfg.Tiers[p]
		if !ok {
			tc = DefaultTiers[p]
		}
		q.tiers[p] = newTier(p, tc)
	}
	return q
}

// Handle tracks one enqueued job.
type Handle struct {
	e *entry
	q *Queue
}

// ID returns the job id.
func (h *Handle) ID() string {
	return h.e.job.ID
}

// Done is closed when the job reaches a terminal state or is interrupted.
func (h *Handle) Done() <-chan struct{} {
	return h.e.done
}

// Wait blocks until the job finishes and returns its final state. A durable
// job stopped by Shutdown returns ErrInterrupted.
func (h *Handle) Wait(ctx context.Context) (*Job, error) {
	select {
	case <-h.e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	return h.e.final.clone(), h.e.err
}

// Enqueue admits a job. Durable jobs are persisted before Enqueue returns.
// Returns ErrQueueFull when the tier is at capacity, ErrDuplicateJob when the
// id is live, and ErrClosed after Shutdown.
func (q *Queue) Enqueue(ctx context.Context, req Request, durable bool) (*Handle, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Priority == "" {
		req.Priority = Medium
	}
	if err := req.Priority.Validate(); err != nil {
		return nil, err
	}

	var payload json.RawMessage
	if req.Payload != nil {
		data, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload for job %s: %w", req.ID, err)
		}
		payload = data
	}

	e := &entry{
		job: &Job{
			ID:        req.ID,
			Priority:  req.Priority,
			Status:    StatusQueued,
			Timestamp: q.now().UnixMilli(),
			Payload:   payload,
			Metadata:  req.Metadata,
			Durable:   durable,
		},
		done: make(chan struct{}),
	}
	t := q.tiers[req.Priority]

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := q.jobs[req.ID]; exists {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, req.ID)
	}
	t.mu.Lock()
	ok := t.reserve()
	t.mu.Unlock()
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s tier at capacity %d", ErrQueueFull, req.Priority, t.cfg.Capacity)
	}
	q.jobs[req.ID] = e
	q.mu.Unlock()

	if durable {
		oid, err := createRecord(ctx, q.git, e.job)
		if err != nil {
			q.mu.Lock()
			delete(q.jobs, req.ID)
			q.mu.Unlock()
			t.release()
			return nil, fmt.Errorf("failed to persist job %s: %w", req.ID, err)
		}
		q.mu.Lock()
		e.refOID = oid
		q.mu.Unlock()
	}

	q.publish(events.JobQueued, e.job)
	t.push(e, true)

	// Lost a race with Shutdown's drain: settle the job as Shutdown would have.
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed && t.remove(e) {
		if durable {
			q.abandon(e)
		} else {
			q.finish(ctx, e, StatusFailed, nil, errCancelled, 0)
		}
		return nil, ErrClosed
	}

	q.observe(t)
	q.logger.Debug("jobs: job queued", "job_id", req.ID, "priority", req.Priority, "durable", durable)

	return &Handle{e: e, q: q}, nil
}

// Cancel signals the job's executor, or removes it if it has not started.
// Returns false if no live job has the id.
func (q *Queue) Cancel(ctx context.Context, id string) bool {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok || e.job.Status.IsTerminal() {
		q.mu.Unlock()
		return false
	}
	e.userCancelled = true
	cancel := e.cancel
	t := q.tiers[e.job.Priority]
	q.mu.Unlock()

	if t.remove(e) {
		q.observe(t)
		q.finish(ctx, e, StatusFailed, nil, errCancelled, 0)
		return true
	}
	// Already picked by a worker; run cancels on start if cancel is not set yet.
	if cancel != nil {
		cancel()
	}
	return true
}

// Pause stops dispatch from a tier. Running jobs are not affected.
func (q *Queue) Pause(p Priority) error {
	if err := p.Validate(); err != nil {
		return err
	}
	q.tiers[p].setPaused(true)
	return nil
}

// Resume restarts dispatch from a paused tier.
func (q *Queue) Resume(p Priority) error {
	if err := p.Validate(); err != nil {
		return err
	}
	q.tiers[p].setPaused(false)
	return nil
}

// Status reports every tier.
func (q *Queue) Status() map[Priority]TierStatus {
	out := make(map[Priority]TierStatus, len(q.tiers))
	for p, t := range q.tiers {
		out[p] = t.status()
	}
	return out
}

// Get returns a copy of a live job.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return e.job.clone(), true
}

// Start launches the worker pools. Workers stop picking up jobs when ctx is
// done or Shutdown is called. Calling Start twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	workerCtx, stop := context.WithCancel(ctx)
	q.stopWorkers = stop
	for _, p := range Priorities {
		t := q.tiers[p]
		for i := 0; i < t.cfg.Concurrency; i++ {
			q.workers.Add(1)
			go q.worker(workerCtx, t)
		}
	}
	q.logger.Info("jobs: workers started", "high", q.tiers[High].cfg.Concurrency,
		"medium", q.tiers[Medium].cfg.Concurrency, "low", q.tiers[Low].cfg.Concurrency)
}

// Shutdown stops accepting work. With graceful set it waits up to deadline
// for running jobs, then cancels survivors; otherwise it cancels them at once.
// Durable jobs that did not finish keep their records and are recovered by the
// next Recover. Pending non-durable jobs fail with "cancelled".
func (q *Queue) Shutdown(ctx context.Context, graceful bool, deadline time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.stopWorkers != nil {
		q.stopWorkers()
	}
	q.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(idle)
	}()

	if graceful {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-idle:
		case <-timer.C:
			q.logger.Warn("jobs: shutdown deadline reached, cancelling running jobs")
		case <-ctx.Done():
		}
	}

	q.mu.Lock()
	q.interrupting = true
	q.mu.Unlock()
	q.stopExec()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, p := range Priorities {
		t := q.tiers[p]
		for _, e := range t.drain() {
			if e.job.Durable {
				q.abandon(e)
				continue
			}
			q.finish(ctx, e, StatusFailed, nil, errCancelled, 0)
		}
		q.observe(t)
	}
	return err
}

// observe publishes a tier's depth to metrics.
func (q *Queue) observe(t *tier) {
	if q.metrics == nil {
		return
	}
	s := t.status()
	q.metrics.QueueDepth(string(t.priority), s.Pending, s.Running)
	q.metrics.RunawayExecutors(string(t.priority), s.Runaway)
}

// publish sends a lifecycle event. Failures are logged only.
func (q *Queue) publish(typ events.Type, j *Job) {
	q.mu.Lock()
	e := &events.Event{
		Type:      typ,
		JobID:     j.ID,
		Priority:  string(j.Priority),
		Timestamp: q.now().UnixMilli(),
		Recovered: j.Recovered,
		Error:     j.Error,
	}
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := q.publisher.Publish(ctx, e); err != nil {
		q.logger.Warn("jobs: failed to publish event", "type", typ, "job_id", j.ID, "error", err)
	}
}
