package snapshots

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/gitvan/internal/testutil"
	"github.com/dyluth/gitvan/pkg/git"
	"github.com/dyluth/gitvan/pkg/locks"
)

func fixedNow() time.Time { return time.UnixMilli(1700000000000) }

func openDriver(t *testing.T, repo *testutil.Repo) *git.Driver {
	t.Helper()
	drv, err := git.Open(context.Background(), repo.Path, git.Options{})
	require.NoError(t, err)
	return drv
}

func newTestStore(t *testing.T, maxCache int64) (*Store, *testutil.Repo) {
	t.Helper()
	repo := testutil.NewRepo(t)
	return New(openDriver(t, repo), Config{MaxCacheSize: maxCache, Now: fixedNow}), repo
}

func TestHeaderEncoding(t *testing.T) {
	h := &Header{
		Key:         "build/x86:release",
		ContentHash: "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0",
		Size:        5,
		Timestamp:   1700000000000,
		Metadata:    map[string]any{"tool": "make"},
		Commit:      "9f2c1e0d6a4b8c7e5f3a2b1c0d9e8f7a6b5c4d3e",
		Branch:      "main",
	}
	data, err := encodeHeader(h)
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "snapshot_header", data)

	decoded, err := decodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	_, err = decodeHeader([]byte(`{"key":"k"}`))
	assert.Error(t, err)
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t, 1<<20)

	hash, err := s.Put(ctx, "config", []byte("payload-1"), map[string]any{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, repo.Blob("payload-1"), hash, "content hash is the blob id")
	assert.True(t, repo.RefExists("refs/snapshots/config"))

	snap, err := s.Get(ctx, "config")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-1"), snap.Payload)
	assert.Equal(t, "config", snap.Header.Key)
	assert.Equal(t, hash, snap.Header.ContentHash)
	assert.Equal(t, int64(9), snap.Header.Size)
	assert.Equal(t, repo.HEAD(), snap.Header.Commit)
	assert.Equal(t, "main", snap.Header.Branch)
	assert.Equal(t, "test", snap.Header.Metadata["source"])
	assert.Equal(t, fixedNow().UnixMilli(), snap.Header.Timestamp)

	t.Run("overwrite replaces the ref", func(t *testing.T) {
		_, err := s.Put(ctx, "config", []byte("payload-2"), nil)
		require.NoError(t, err)
		snap, err := s.Get(ctx, "config")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload-2"), snap.Payload)
	})

	t.Run("returned payload is a copy", func(t *testing.T) {
		snap, err := s.Get(ctx, "config")
		require.NoError(t, err)
		snap.Payload[0] = 'X'
		again, err := s.Get(ctx, "config")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload-2"), again.Payload)
	})
}

func TestPut_Dedup(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t, 1<<20)

	h1, err := s.Put(ctx, "a", []byte("hello"), nil)
	require.NoError(t, err)
	h2, err := s.Put(ctx, "b", []byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	for _, key := range []string{"a", "b"} {
		snap, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), snap.Payload)
	}

	assert.Equal(t, 2, s.Stats().Entries)
	assert.Equal(t, "hello", repo.Git("cat-file", "blob", h1))
	assert.Len(t, repo.Refs("refs/snapshots/"), 2)
}

func TestGet_CacheStats(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t, 1<<20)

	_, err := s.Put(ctx, "k", []byte("v"), nil)
	require.NoError(t, err)

	_, err = s.Get(ctx, "k")
	require.NoError(t, err)
	_, err = s.Get(ctx, "missing")
	assert.True(t, IsNotFound(err))

	st := s.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 0.5, st.HitRate)
	assert.Equal(t, int64(1<<20), st.MaxSizeBytes)

	t.Run("cache follows writes from another handle", func(t *testing.T) {
		other := New(openDriver(t, repo), Config{})
		_, err := other.Put(ctx, "k", []byte("from elsewhere"), nil)
		require.NoError(t, err)

		snap, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("from elsewhere"), snap.Payload)
	})
}

func TestGet_HitResolvesRefOnly(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t, 1<<20)

	hash, err := s.Put(ctx, "k", []byte("cached"), nil)
	require.NoError(t, err)
	header := repo.Git("rev-parse", RefName("k"))

	// Drop both loose objects: a hit must not read either blob.
	for _, oid := range []string{hash, header} {
		require.NoError(t, os.Remove(filepath.Join(repo.Path, ".git", "objects", oid[:2], oid[2:])))
	}
	snap, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), snap.Payload)
	assert.Equal(t, int64(1), s.Stats().Hits)

	// The ref is still consulted on every call.
	require.NoError(t, os.Remove(filepath.Join(repo.Path, ".git", RefName("k"))))
	_, err = s.Get(ctx, "k")
	assert.True(t, IsNotFound(err))
}

func TestCacheDisabled(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 0)

	_, err := s.Put(ctx, "k", []byte("value"), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		snap, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), snap.Payload)
	}

	st := s.Stats()
	assert.Zero(t, st.Entries)
	assert.Zero(t, st.SizeBytes)
	assert.Zero(t, st.Hits)
	assert.Equal(t, int64(3), st.Misses)
}

func TestCacheEviction(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 10)

	for _, kv := range [][2]string{{"a", "aaaaa"}, {"b", "bbbbb"}, {"c", "ccccc"}} {
		_, err := s.Put(ctx, kv[0], []byte(kv[1]), nil)
		require.NoError(t, err)
	}

	st := s.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, int64(10), st.SizeBytes)

	// Evicted entries are still served from Git
	snap, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaaa"), snap.Payload)
	assert.Equal(t, int64(1), s.Stats().Misses)
}

func TestHasDelete(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t, 1<<20)

	_, err := s.Put(ctx, "k", []byte("v"), nil)
	require.NoError(t, err)

	ok, err := s.Has(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, repo.RefExists("refs/snapshots/k"))
	assert.Zero(t, s.Stats().Entries)

	ok, err = s.Has(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err = s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 0)

	for _, k := range []string{"plain", "dir/nested.json", "snap:shot"} {
		_, err := s.Put(ctx, k, []byte(k), nil)
		require.NoError(t, err)
	}

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"plain", "dir/nested.json", "snap:shot"}, keys)
}

func TestPut_UnbornHead(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewEmptyRepo(t)
	s := New(openDriver(t, repo), Config{})

	_, err := s.Put(ctx, "early", []byte("x"), nil)
	require.NoError(t, err)

	snap, err := s.Get(ctx, "early")
	require.NoError(t, err)
	assert.Empty(t, snap.Header.Commit)
	assert.Equal(t, "main", snap.Header.Branch)
}

func TestPut_EmptyKey(t *testing.T) {
	s, _ := newTestStore(t, 0)
	_, err := s.Put(context.Background(), "", []byte("x"), nil)
	var snapErr *Error
	assert.ErrorAs(t, err, &snapErr)
}

func TestGetOrCompute_SingleBuild(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	drv := openDriver(t, repo)
	s := New(drv, Config{MaxCacheSize: 1 << 20})
	locker := locks.New(drv, locks.Config{})

	var builds atomic.Int32
	build := func(ctx context.Context) ([]byte, map[string]any, error) {
		builds.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []byte("expensive"), map[string]any{"built": true}, nil
	}

	const producers = 5
	var wg sync.WaitGroup
	results := make([]*Snapshot, producers)
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := s.GetOrCompute(ctx, "artifact", locker, ComputeOptions{MaxWait: 20 * time.Second}, build)
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, snap := range results {
		require.NotNil(t, snap)
		assert.Equal(t, []byte("expensive"), snap.Payload)
	}
	assert.False(t, repo.RefExists(locks.RefName(LockName("artifact"))), "build lock released")
}

func TestGetOrCompute_BuildError(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	drv := openDriver(t, repo)
	s := New(drv, Config{})

	_, err := s.GetOrCompute(ctx, "broken", locks.New(drv, locks.Config{}), ComputeOptions{},
		func(context.Context) ([]byte, map[string]any, error) {
			return nil, nil, assert.AnError
		})
	assert.ErrorIs(t, err, assert.AnError)

	ok, err := s.Has(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrCompute_GivesUpWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewRepo(t)
	drv := openDriver(t, repo)
	s := New(drv, Config{})
	locker := locks.New(drv, locks.Config{})

	ok, err := locker.Acquire(ctx, LockName("busy"), locks.Options{TimeoutMs: 60000, Fingerprint: "other"})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.GetOrCompute(ctx, "busy", locker, ComputeOptions{MaxWait: 100 * time.Millisecond},
		func(context.Context) ([]byte, map[string]any, error) {
			t.Error("build must not run without the lock")
			return nil, nil, nil
		})
	assert.ErrorIs(t, err, errLockBusy)
}
