package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/gitvan/pkg/events"
	"github.com/dyluth/gitvan/pkg/locks"
)

// RecoveryLockName is the lock held while a queue scans durable records.
const RecoveryLockName = "queue:recovery"

const recoveryLockTimeout = 30 * time.Second

// Recover loads durable job records left by a previous run. Jobs that were
// running are marked recovered and placed at the front of their tier; queued
// jobs are re-enqueued in their original order; terminal records are ignored.
// Recovered jobs bypass tier capacity. Returns the number of jobs recovered.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	startTime := time.Now()

	if q.locker != nil {
		ok, err := q.locker.Acquire(ctx, RecoveryLockName, locks.Options{
			TimeoutMs:   recoveryLockTimeout.Milliseconds(),
			Fingerprint: q.owner,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to acquire recovery lock: %w", err)
		}
		if !ok {
			q.logger.Warn("jobs: recovery already in progress elsewhere, skipping")
			return 0, nil
		}
		defer func() {
			if _, err := q.locker.Release(context.WithoutCancel(ctx), RecoveryLockName, q.owner); err != nil {
				q.logger.Warn("jobs: failed to release recovery lock", "error", err)
			}
		}()
	}

	resumed, requeued := 0, 0
	for _, p := range Priorities {
		refs, err := q.git.ListRefs(ctx, RefPrefix+string(p)+"/")
		if err != nil {
			return resumed + requeued, fmt.Errorf("failed to scan %s tier: %w", p, err)
		}

		for _, ref := range refs {
			data, err := q.git.ReadBlob(ctx, ref.OID)
			if err != nil {
				return resumed + requeued, fmt.Errorf("failed to read %s: %w", ref.Name, err)
			}
			job, err := decodeJob(data)
			if err != nil {
				q.logger.Warn("jobs: skipping unreadable job record", "ref", ref.Name, "error", err)
				continue
			}
			if job.Status.IsTerminal() {
				continue
			}
			if want := RefName(p, job.ID); want != ref.Name {
				q.logger.Warn("jobs: skipping misplaced job record", "ref", ref.Name, "id", job.ID)
				continue
			}

			wasRunning := job.Status == StatusRunning
			ok, err := q.adopt(ctx, job, ref.OID, wasRunning)
			if err != nil {
				q.logger.Error("jobs: failed to recover job", "job_id", job.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			if wasRunning {
				resumed++
			} else {
				requeued++
			}
		}
	}

	q.logger.Info("jobs: recovery complete",
		"resumed", resumed,
		"requeued", requeued,
		"duration_ms", time.Since(startTime).Milliseconds())
	return resumed + requeued, nil
}

// adopt puts a durable job back into memory. A job that was running is reset
// to queued with recovered set, and its record is rewritten to match.
func (q *Queue) adopt(ctx context.Context, job *Job, oid string, wasRunning bool) (bool, error) {
	job.Durable = true
	if wasRunning {
		job.Status = StatusQueued
		job.StartedAt = 0
		job.Recovered = true
		job.RecoveredAt = q.now().UnixMilli()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	if _, live := q.jobs[job.ID]; live {
		q.mu.Unlock()
		return false, nil
	}
	e := &entry{job: job, refOID: oid, front: wasRunning, done: make(chan struct{})}
	q.jobs[job.ID] = e
	q.mu.Unlock()

	if wasRunning {
		newOID, err := updateRecord(ctx, q.git, job.clone(), oid)
		if err != nil {
			q.mu.Lock()
			delete(q.jobs, job.ID)
			q.mu.Unlock()
			return false, err
		}
		q.mu.Lock()
		e.refOID = newOID
		q.mu.Unlock()
	}

	t := q.tiers[job.Priority]
	t.push(e, false)
	q.observe(t)

	typ := events.JobQueued
	if wasRunning {
		typ = events.JobRecovered
	}
	q.publish(typ, job)
	q.logger.Debug("jobs: job recovered", "job_id", job.ID, "priority", job.Priority, "was_running", wasRunning)
	return true, nil
}
