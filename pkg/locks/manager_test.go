package locks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/gitvan/internal/testutil"
	"github.com/dyluth/gitvan/pkg/git"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1700000000000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *testutil.Repo, *fakeClock) {
	t.Helper()
	repo := testutil.NewRepo(t)
	drv, err := git.Open(context.Background(), repo.Path, git.Options{})
	require.NoError(t, err)
	clock := newFakeClock()
	return New(drv, Config{Now: clock.Now}), repo, clock
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	m, repo, _ := newTestManager(t)

	ok, err := m.Acquire(ctx, "build", Options{TimeoutMs: 60000, Fingerprint: "A"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, repo.RefExists("refs/locks/build"))

	t.Run("held lock is contended", func(t *testing.T) {
		ok, err := m.Acquire(ctx, "build", Options{TimeoutMs: 60000, Fingerprint: "B"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong fingerprint cannot release", func(t *testing.T) {
		ok, err := m.Release(ctx, "build", "B")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, repo.RefExists("refs/locks/build"))
	})

	t.Run("holder releases then another acquires", func(t *testing.T) {
		ok, err := m.Release(ctx, "build", "A")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, repo.RefExists("refs/locks/build"))

		ok, err = m.Acquire(ctx, "build", Options{TimeoutMs: 60000, Fingerprint: "B"})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release of absent lock is false", func(t *testing.T) {
		ok, err := m.Release(ctx, "never-held", "A")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestAcquire_Contended(t *testing.T) {
	ctx := context.Background()
	m, repo, _ := newTestManager(t)

	const callers = 8
	var wins atomic.Int32
	winner := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			ok, err := m.Acquire(ctx, "build", Options{TimeoutMs: 60000, Fingerprint: fp})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
				winner <- fp
			}
		}(fmt.Sprintf("caller-%d", i))
	}
	wg.Wait()
	close(winner)

	require.Equal(t, int32(1), wins.Load(), "exactly one caller wins")
	assert.Len(t, repo.Refs("refs/locks/"), 1)

	won := <-winner
	for i := 0; i < callers; i++ {
		fp := fmt.Sprintf("caller-%d", i)
		if fp == won {
			continue
		}
		ok, err := m.Release(ctx, "build", fp)
		require.NoError(t, err)
		assert.False(t, ok, "loser %s must not release", fp)
	}
}

func TestAcquire_ReapsExpired(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t)

	ok, err := m.Acquire(ctx, "deploy", Options{TimeoutMs: 10, Fingerprint: "X"})
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(50 * time.Millisecond)

	ok, err = m.Acquire(ctx, "deploy", Options{TimeoutMs: 60000, Fingerprint: "Y"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Release(ctx, "deploy", "X")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := m.Get(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, "Y", rec.Fingerprint)
}

func TestAcquire_ZeroTimeoutIsImmediatelyExpired(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	ok, err := m.Acquire(ctx, "flash", Options{TimeoutMs: 0, Fingerprint: "A"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "flash", Options{TimeoutMs: 1000, Fingerprint: "B"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquire_Validation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.Acquire(ctx, "", Options{TimeoutMs: 1})
	var lockErr *Error
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "acquire", lockErr.Op)

	_, err = m.Acquire(ctx, "x", Options{TimeoutMs: -1})
	assert.ErrorAs(t, err, &lockErr)
}

func TestAcquire_DefaultFingerprint(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	ok, err := m.Acquire(ctx, "mine", Options{TimeoutMs: 60000})
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := m.Get(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, DefaultFingerprint(), rec.Fingerprint)
	assert.True(t, rec.Exclusive)
	assert.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.Hostname)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager(t)

	ok, err := m.Acquire(ctx, "build", Options{TimeoutMs: 100, Fingerprint: "A"})
	require.NoError(t, err)
	require.True(t, ok)

	before, err := m.Get(ctx, "build")
	require.NoError(t, err)

	const k, delta = 3, 250
	for i := 0; i < k; i++ {
		ok, err := m.Extend(ctx, "build", "A", delta)
		require.NoError(t, err)
		require.True(t, ok)
	}

	after, err := m.Get(ctx, "build")
	require.NoError(t, err)
	assert.Equal(t, before.TimeoutMs+k*delta, after.TimeoutMs)
	assert.Equal(t, before.ExpiresAt().Add(k*delta*time.Millisecond), after.ExpiresAt())
	assert.Equal(t, before.ID, after.ID)

	t.Run("extended lock survives past original window", func(t *testing.T) {
		clock.Advance(200 * time.Millisecond)
		ok, err := m.Acquire(ctx, "build", Options{TimeoutMs: 100, Fingerprint: "B"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non-holder cannot extend", func(t *testing.T) {
		ok, err := m.Extend(ctx, "build", "B", delta)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("negative extension is rejected", func(t *testing.T) {
		_, err := m.Extend(ctx, "build", "A", -1)
		assert.Error(t, err)
	})

	t.Run("absent lock", func(t *testing.T) {
		ok, err := m.Extend(ctx, "nope", "A", delta)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestGet_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Get(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestListAndCleanupExpired(t *testing.T) {
	ctx := context.Background()
	m, repo, clock := newTestManager(t)

	for _, l := range []struct {
		name    string
		timeout int64
	}{
		{"snapshot:a/b", 10},
		{"long", 60000},
		{"short", 20},
	} {
		ok, err := m.Acquire(ctx, l.name, Options{TimeoutMs: l.timeout, Fingerprint: "A"})
		require.NoError(t, err)
		require.True(t, ok)
	}

	// A ref pointing at something that is not a lock record
	oid := repo.Blob("not a lock record\n")
	repo.Git("update-ref", "refs/locks/garbage", oid)

	records, err := m.List(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"snapshot:a/b", "long", "short"}, names)

	clock.Advance(time.Second)

	removed, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed, "two expired locks and the unreadable record")
	assert.Equal(t, []string{"refs/locks/long"}, repo.Refs("refs/locks/"))

	removed, err = m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRunReaper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, repo, clock := newTestManager(t)

	ok, err := m.Acquire(ctx, "stale", Options{TimeoutMs: 5, Fingerprint: "A"})
	require.NoError(t, err)
	require.True(t, ok)
	clock.Advance(time.Second)

	done := make(chan struct{})
	go func() {
		m.RunReaper(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return !repo.RefExists("refs/locks/stale")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop on cancel")
	}
}

func TestRunReaper_DisabledReturnsImmediately(t *testing.T) {
	m, _, _ := newTestManager(t)
	done := make(chan struct{})
	go func() {
		m.RunReaper(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled reaper should return")
	}
}
