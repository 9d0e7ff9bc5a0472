package gitvan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dyluth/gitvan/internal/testutil"
	"github.com/dyluth/gitvan/pkg/events"
	"github.com/dyluth/gitvan/pkg/git"
	"github.com/dyluth/gitvan/pkg/jobs"
	"github.com/dyluth/gitvan/pkg/locks"
	"github.com/dyluth/gitvan/pkg/receipts"
	"github.com/dyluth/gitvan/pkg/snapshots"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *e)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func intp(v int) *int       { return &v }
func int64p(v int64) *int64 { return &v }

// testConfig flushes every receipt immediately and disables the timers.
func testConfig() *Config {
	return &Config{
		Receipts: &ReceiptsConfig{BatchSize: intp(1), FlushIntervalMs: int64p(0)},
		Locks:    &LocksConfig{ReapIntervalMs: int64p(0)},
	}
}

func start(t *testing.T, repo *testutil.Repo, cfg *Config, opts ...Option) *Core {
	t.Helper()
	c, err := Init(context.Background(), repo.Path, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Shutdown(context.Background(), false, 0)
	})
	return c
}

func resultLines(repo *testutil.Repo) []string {
	note := repo.Note(receipts.Results.NotesRef(), repo.HEAD())
	if note == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(note, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func TestInit(t *testing.T) {
	repo := testutil.NewRepo(t)
	c := start(t, repo, nil)

	assert.NotNil(t, c.Git())
	assert.NotNil(t, c.Locks())
	assert.NotNil(t, c.Receipts())
	assert.NotNil(t, c.Snapshots())
	assert.NotNil(t, c.Jobs())
	assert.Equal(t, DefaultConfig(), c.Config())

	st := c.Jobs().Status()
	assert.Equal(t, 4, st[jobs.High].Concurrency)
	assert.Equal(t, 2, st[jobs.Medium].Concurrency)
	assert.Equal(t, 1, st[jobs.Low].Concurrency)
}

func TestInit_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid config", func(t *testing.T) {
		repo := testutil.NewRepo(t)
		_, err := Init(ctx, repo.Path, &Config{Receipts: &ReceiptsConfig{BatchSize: intp(0)}})
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "receipts.batch_size", cfgErr.Key)
	})

	t.Run("not a repository", func(t *testing.T) {
		_, err := Init(ctx, t.TempDir(), nil)
		assert.ErrorIs(t, err, git.ErrNotRepository)
	})

	t.Run("bad redis url", func(t *testing.T) {
		repo := testutil.NewRepo(t)
		_, err := Init(ctx, repo.Path, &Config{Events: &EventsConfig{RedisURL: "not-a-url"}})
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "events.redis_url", cfgErr.Key)
	})

	t.Run("metrics registered twice", func(t *testing.T) {
		repo := testutil.NewRepo(t)
		reg := prometheus.NewRegistry()
		start(t, repo, testConfig(), WithRegisterer(reg))
		_, err := Init(ctx, repo.Path, testConfig(), WithRegisterer(reg))
		assert.Error(t, err)
	})
}

func TestComponentsShareRepository(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	c := start(t, repo, testConfig())

	ok, err := c.Locks().Acquire(ctx, "build", locks.Options{TimeoutMs: 60000, Fingerprint: "A"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, repo.RefExists("refs/locks/build"))

	hash, err := c.Snapshots().Put(ctx, "artifact", []byte("hello"), nil)
	require.NoError(t, err)
	assert.True(t, repo.RefExists(snapshots.RefName("artifact")))
	snap, err := c.Snapshots().Get(ctx, "artifact")
	require.NoError(t, err)
	assert.Equal(t, hash, snap.Header.ContentHash)

	require.NoError(t, c.Receipts().RecordMetric(ctx, "build_seconds", 12.5))
	note := repo.Note(receipts.Metrics.NotesRef(), repo.HEAD())
	assert.Equal(t, 12.5, gjson.Get(note, "values.build_seconds").Float())

	released, err := c.Locks().Release(ctx, "build", "A")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestJobRecoveryAcrossRestart(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)

	started := make(chan struct{})
	crashing := jobs.ExecutorFunc(func(ctx context.Context, job *jobs.Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	first, err := Init(ctx, repo.Path, testConfig(), WithExecutor(crashing))
	require.NoError(t, err)

	_, err = first.Jobs().Enqueue(ctx, jobs.Request{ID: "J", Priority: jobs.High}, true)
	require.NoError(t, err)
	<-started
	require.NoError(t, first.Shutdown(ctx, false, 0))
	assert.Empty(t, resultLines(repo), "interrupted job leaves no receipt")
	require.True(t, repo.RefExists(jobs.RefName(jobs.High, "J")))

	log := &recordingPublisher{}
	healthy := jobs.ExecutorFunc(func(_ context.Context, job *jobs.Job) (any, error) {
		return map[string]any{"recovered_run": job.Recovered}, nil
	})
	start(t, repo, testConfig(), WithExecutor(healthy), WithPublisher(log))

	require.Eventually(t, func() bool { return len(resultLines(repo)) == 1 }, 10*time.Second, 20*time.Millisecond)
	line := resultLines(repo)[0]
	assert.Equal(t, "J", gjson.Get(line, "hook_id").String())
	assert.True(t, gjson.Get(line, "result.recovered_run").Bool())
	assert.True(t, gjson.Get(line, "metadata.recovered").Bool())
	assert.Equal(t, "completed", gjson.Get(line, "metadata.status").String())

	assert.Eventually(t, func() bool { return !repo.RefExists(jobs.RefName(jobs.High, "J")) }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, log.types(), events.JobRecovered)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, resultLines(repo), 1, "exactly one terminal receipt")
}

func TestGracefulShutdownThenInitRecoversQueued(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)

	idle := testConfig()
	idle.Queue = &QueueConfig{Concurrency: &TierValues{Low: intp(0)}}
	first, err := Init(ctx, repo.Path, idle)
	require.NoError(t, err)

	for _, id := range []string{"q1", "q2"} {
		_, err := first.Jobs().Enqueue(ctx, jobs.Request{ID: id, Priority: jobs.Low}, true)
		require.NoError(t, err)
	}
	require.NoError(t, first.Shutdown(ctx, true, time.Second))
	assert.Len(t, repo.Refs(jobs.RefPrefix+"low/"), 2)

	exec := jobs.ExecutorFunc(func(context.Context, *jobs.Job) (any, error) { return "ok", nil })
	start(t, repo, testConfig(), WithExecutor(exec))

	require.Eventually(t, func() bool { return len(resultLines(repo)) == 2 }, 10*time.Second, 20*time.Millisecond)
	lines := resultLines(repo)
	assert.Equal(t, "q1", gjson.Get(lines[0], "hook_id").String())
	assert.Equal(t, "q2", gjson.Get(lines[1], "hook_id").String())
	assert.False(t, gjson.Get(lines[0], "metadata.recovered").Bool(), "queued jobs are not marked recovered")
}

func TestShutdownFlushesReceipts(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)

	cfg := testConfig()
	cfg.Receipts.BatchSize = intp(100)
	c, err := Init(ctx, repo.Path, cfg)
	require.NoError(t, err)

	require.NoError(t, c.Receipts().RecordResult(ctx, "hook", "ok", nil))
	assert.Empty(t, resultLines(repo))

	require.NoError(t, c.Shutdown(ctx, true, time.Second))
	assert.Len(t, resultLines(repo), 1)
	assert.NoError(t, c.Shutdown(ctx, true, time.Second), "second shutdown is a no-op")
}

func TestMetricsRegistered(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	reg := prometheus.NewRegistry()
	exec := jobs.ExecutorFunc(func(context.Context, *jobs.Job) (any, error) { return nil, nil })
	c := start(t, repo, testConfig(), WithRegisterer(reg), WithExecutor(exec))

	h, err := c.Jobs().Enqueue(ctx, jobs.Request{}, false)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = h.Wait(waitCtx)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "gitvan_jobs_total")
	assert.Contains(t, names, "gitvan_receipt_entries_total")
}

func TestRedisEvents(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	repo := testutil.NewRepo(t)

	sub, err := events.NewRedisPublisherFromURL("redis://"+mr.Addr(), "ci")
	require.NoError(t, err)
	defer sub.Close()
	subscription, err := sub.Subscribe(ctx)
	require.NoError(t, err)
	defer subscription.Close()

	cfg := testConfig()
	cfg.Events = &EventsConfig{RedisURL: "redis://" + mr.Addr(), Instance: "ci"}
	exec := jobs.ExecutorFunc(func(context.Context, *jobs.Job) (any, error) { return nil, nil })
	c := start(t, repo, cfg, WithExecutor(exec))

	_, err = c.Jobs().Enqueue(ctx, jobs.Request{ID: "evt"}, false)
	require.NoError(t, err)

	var got []events.Type
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case e := <-subscription.Events():
			require.NotNil(t, e)
			assert.Equal(t, "evt", e.JobID)
			got = append(got, e.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	assert.Equal(t, []events.Type{events.JobQueued, events.JobStarted, events.JobCompleted}, got)
}
