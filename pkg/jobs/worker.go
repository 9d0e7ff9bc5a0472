package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/gitvan/pkg/events"
)

type outcome struct {
	result any
	err    error
}

// worker runs jobs from one tier until ctx is done.
func (q *Queue) worker(ctx context.Context, t *tier) {
	defer q.workers.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		if e, ok := t.next(); ok {
			q.observe(t)
			q.run(e, t)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-t.signal:
		}
	}
}

// run executes one job and settles it. The executor runs on its own goroutine
// so a worker is freed once the cancel grace has passed, even if the executor
// never returns.
func (q *Queue) run(e *entry, t *tier) {
	defer func() {
		t.finished()
		q.observe(t)
	}()

	jobCtx, cancel := context.WithCancel(q.execCtx)
	defer cancel()

	q.mu.Lock()
	e.job.Status = StatusRunning
	e.job.StartedAt = q.now().UnixMilli()
	e.cancel = cancel
	if e.userCancelled {
		cancel()
	}
	snapshot := e.job.clone()
	oldOID := e.refOID
	q.mu.Unlock()

	if snapshot.Durable {
		oid, err := updateRecord(context.WithoutCancel(jobCtx), q.git, snapshot, oldOID)
		if err != nil {
			q.logger.Warn("jobs: failed to mark durable job running", "job_id", snapshot.ID, "error", err)
		} else {
			q.mu.Lock()
			e.refOID = oid
			q.mu.Unlock()
		}
	}

	q.publish(events.JobStarted, snapshot)
	q.logger.Debug("jobs: job started", "job_id", snapshot.ID, "priority", snapshot.Priority, "recovered", snapshot.Recovered)

	started := time.Now()
	results := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: fmt.Errorf("executor panicked: %v", r)}
			}
			results <- o
		}()
		o.result, o.err = q.executor.Execute(jobCtx, snapshot)
	}()

	var o outcome
	timedOut := false
	select {
	case o = <-results:
	case <-jobCtx.Done():
		grace := time.NewTimer(q.grace)
		select {
		case o = <-results:
		case <-grace.C:
			timedOut = true
			q.logger.Warn("jobs: executor ignored cancellation", "job_id", snapshot.ID, "grace", q.grace)
			t.abandonExecutor()
			go func() {
				<-results
				t.executorReturned()
				q.observe(t)
				q.logger.Info("jobs: abandoned executor returned", "job_id", snapshot.ID)
			}()
		}
		grace.Stop()
	}
	duration := time.Since(started)

	q.mu.Lock()
	interrupted := q.interrupting && !e.userCancelled && (timedOut || o.err != nil)
	cancelled := e.userCancelled && o.err != nil
	q.mu.Unlock()

	switch {
	case interrupted && snapshot.Durable:
		q.abandon(e)
	case timedOut || interrupted || cancelled:
		q.finish(context.Background(), e, StatusFailed, nil, errCancelled, duration)
	case o.err != nil:
		q.finish(context.Background(), e, StatusFailed, nil, o.err.Error(), duration)
	default:
		q.finish(context.Background(), e, StatusCompleted, o.result, "", duration)
	}
}

// finish moves a job to a terminal state, emits its receipt, removes its
// durable record and drops it from memory. The receipt is only buffered at
// that point; it reaches the notes on the writer's next flush.
func (q *Queue) finish(ctx context.Context, e *entry, status Status, result any, errMsg string, duration time.Duration) {
	ctx = context.WithoutCancel(ctx)

	q.mu.Lock()
	e.job.Status = status
	e.job.CompletedAt = q.now().UnixMilli()
	e.job.Result = result
	e.job.Error = errMsg
	final := e.job.clone()
	oid := e.refOID
	q.mu.Unlock()

	if q.receipts != nil {
		metadata := map[string]any{
			"priority":    string(final.Priority),
			"status":      string(final.Status),
			"duration_ms": duration.Milliseconds(),
			"recovered":   final.Recovered,
		}
		if errMsg != "" {
			metadata["error"] = errMsg
		}
		if err := q.receipts.RecordResult(ctx, final.ID, final.Result, metadata); err != nil {
			q.logger.Error("jobs: failed to record receipt", "job_id", final.ID, "error", err)
		}
	}

	if final.Durable && oid != "" {
		if err := deleteRecord(ctx, q.git, final, oid); err != nil {
			q.logger.Error("jobs: failed to remove durable record", "job_id", final.ID, "error", err)
		}
	}

	typ := events.JobCompleted
	if status == StatusFailed {
		typ = events.JobFailed
		q.logger.Warn("jobs: job failed", "job_id", final.ID, "priority", final.Priority, "error", errMsg)
	} else {
		q.logger.Debug("jobs: job completed", "job_id", final.ID, "priority", final.Priority, "duration_ms", duration.Milliseconds())
	}
	q.metrics.JobFinished(string(final.Priority), string(status), duration)
	q.publish(typ, final)

	q.mu.Lock()
	e.final = final
	delete(q.jobs, final.ID)
	q.mu.Unlock()
	close(e.done)
}

// abandon drops a durable job from memory without a terminal transition. Its
// record stays in the repository for the next Recover.
func (q *Queue) abandon(e *entry) {
	q.mu.Lock()
	e.final = e.job.clone()
	e.err = ErrInterrupted
	delete(q.jobs, e.job.ID)
	q.mu.Unlock()
	close(e.done)

	q.logger.Info("jobs: durable job left for recovery", "job_id", e.final.ID, "priority", e.final.Priority)
}
