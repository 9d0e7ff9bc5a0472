package gitvan

import (
	"context"

	"github.com/dyluth/gitvan/pkg/jobs"
	"github.com/dyluth/gitvan/pkg/locks"
	"github.com/dyluth/gitvan/pkg/receipts"
	"github.com/dyluth/gitvan/pkg/snapshots"
)

// Locker is the lock contract exposed by Core.Locks.
type Locker interface {
	Acquire(ctx context.Context, name string, opts locks.Options) (bool, error)
	Release(ctx context.Context, name, fingerprint string) (bool, error)
	Extend(ctx context.Context, name, fingerprint string, additionalMs int64) (bool, error)
	Get(ctx context.Context, name string) (*locks.Record, error)
	List(ctx context.Context) ([]locks.Record, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// ReceiptRecorder is the receipt contract exposed by Core.Receipts.
type ReceiptRecorder interface {
	RecordResult(ctx context.Context, hookID string, result any, metadata map[string]any) error
	RecordMetric(ctx context.Context, name string, value any) error
	RecordMetrics(ctx context.Context, values map[string]any) error
	RecordExecution(ctx context.Context, executionID string, details any) error
	Flush(ctx context.Context) (receipts.Stats, error)
	Stats() receipts.Stats
	Read(ctx context.Context, ns receipts.Namespace, commit string) ([]string, error)
}

// SnapshotCache is the snapshot contract exposed by Core.Snapshots.
type SnapshotCache interface {
	Put(ctx context.Context, key string, payload []byte, metadata map[string]any) (string, error)
	Get(ctx context.Context, key string) (*snapshots.Snapshot, error)
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Stats() snapshots.Stats
	GetOrCompute(ctx context.Context, key string, locker snapshots.Locker, opts snapshots.ComputeOptions, build snapshots.BuildFunc) (*snapshots.Snapshot, error)
}

// JobQueue is the queue contract exposed by Core.Jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, req jobs.Request, durable bool) (*jobs.Handle, error)
	Cancel(ctx context.Context, id string) bool
	Status() map[jobs.Priority]jobs.TierStatus
	Pause(p jobs.Priority) error
	Resume(p jobs.Priority) error
	Get(id string) (*jobs.Job, bool)
}

var (
	_ Locker          = (*locks.Manager)(nil)
	_ ReceiptRecorder = (*receipts.Writer)(nil)
	_ SnapshotCache   = (*snapshots.Store)(nil)
	_ JobQueue        = (*jobs.Queue)(nil)
)

