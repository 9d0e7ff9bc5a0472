package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dyluth/gitvan/internal/testutil"
	"github.com/dyluth/gitvan/pkg/events"
	"github.com/dyluth/gitvan/pkg/git"
)

type receiptCall struct {
	hookID   string
	result   any
	metadata map[string]any
}

type recorder struct {
	mu    sync.Mutex
	calls []receiptCall
}

func (r *recorder) RecordResult(_ context.Context, hookID string, result any, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, receiptCall{hookID: hookID, result: result, metadata: metadata})
	return nil
}

func (r *recorder) forJob(id string) []receiptCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []receiptCall
	for _, c := range r.calls {
		if c.hookID == id {
			out = append(out, c)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(_ context.Context, e *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *e)
	return nil
}

func (l *eventLog) types(jobID string) []events.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Type
	for _, e := range l.events {
		if e.JobID == jobID {
			out = append(out, e.Type)
		}
	}
	return out
}

// tickingClock advances one millisecond per call so enqueue order is FIFO order.
func tickingClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return time.UnixMilli(1700000000000 + n.Add(1))
	}
}

func openDriver(t *testing.T, repo *testutil.Repo) *git.Driver {
	t.Helper()
	drv, err := git.Open(context.Background(), repo.Path, git.Options{})
	require.NoError(t, err)
	return drv
}

// startQueue builds a queue on repo, starts it, and shuts it down at cleanup.
func startQueue(t *testing.T, repo *testutil.Repo, cfg Config) (*Queue, *recorder) {
	t.Helper()
	rec := &recorder{}
	if cfg.Receipts == nil {
		cfg.Receipts = rec
	}
	if cfg.Now == nil {
		cfg.Now = tickingClock()
	}
	q := New(openDriver(t, repo), cfg)
	q.Start(context.Background())
	t.Cleanup(func() {
		q.Shutdown(context.Background(), false, 0)
	})
	return q, rec
}

func wait(t *testing.T, h *Handle) (*Job, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "job %s did not finish", h.ID())
	return job, err
}

func tiers(concurrency, capacity int) map[Priority]TierConfig {
	return map[Priority]TierConfig{
		High:   {Concurrency: concurrency, Capacity: capacity},
		Medium: {Concurrency: concurrency, Capacity: capacity},
		Low:    {Concurrency: concurrency, Capacity: capacity},
	}
}
