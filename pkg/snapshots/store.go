// Package snapshots is a content-addressed payload cache on Git's object store.
//
// A payload is written as a blob, so its object id is its content hash and
// identical payloads share storage. A small header blob records the key,
// hash and provenance, and refs/snapshots/<escaped key> points at it. An
// in-memory LRU bounded by payload bytes avoids re-reading hot entries; it is
// an access index only and is validated against the ref on every hit.
package snapshots

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dyluth/gitvan/pkg/git"
	"github.com/dyluth/gitvan/pkg/metrics"
)

// DefaultMaxCacheSize is the LRU byte budget used when none is configured.
const DefaultMaxCacheSize = 64 << 20

// Config wires a Store.
type Config struct {
	// MaxCacheSize bounds the LRU in payload bytes. Zero disables the LRU.
	MaxCacheSize int64
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Store reads and writes snapshots in one repository. Safe for concurrent use.
type Store struct {
	git     *git.Driver
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	cache    *byteLRU
	maxBytes int64
	hits     int64
	misses   int64
}

// New creates a Store bound to drv.
func New(drv *git.Driver, cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{
		git:      drv,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		maxBytes: cfg.MaxCacheSize,
	}
	if cfg.MaxCacheSize > 0 {
		s.cache = newByteLRU(cfg.MaxCacheSize)
	}
	return s
}

// RefName returns the ref that holds the header for key.
func RefName(key string) string {
	return RefPrefix + git.EscapeRefComponent(key)
}

// Put stores payload under key and returns its content hash. The ref either
// points at the complete new header or still at the previous one.
func (s *Store) Put(ctx context.Context, key string, payload []byte, metadata map[string]any) (string, error) {
	if key == "" {
		return "", &Error{Op: "put", Key: key, Err: errors.New("key cannot be empty")}
	}

	hash, err := s.git.CreateBlob(ctx, payload)
	if err != nil {
		return "", &Error{Op: "put", Key: key, Err: err}
	}

	header := Header{
		Key:         key,
		ContentHash: hash,
		Size:        int64(len(payload)),
		Timestamp:   s.now().UnixMilli(),
		Metadata:    metadata,
	}
	if header.Commit, header.Branch, err = s.provenance(ctx); err != nil {
		return "", &Error{Op: "put", Key: key, Err: err}
	}

	data, err := encodeHeader(&header)
	if err != nil {
		return "", &Error{Op: "put", Key: key, Err: err}
	}
	headerOID, err := s.git.CreateBlob(ctx, data)
	if err != nil {
		return "", &Error{Op: "put", Key: key, Err: err}
	}

	if err := s.swapRef(ctx, RefName(key), headerOID); err != nil {
		return "", &Error{Op: "put", Key: key, Err: err}
	}

	s.remember(key, &cacheEntry{headerOID: headerOID, header: header, payload: bytes.Clone(payload)})
	return hash, nil
}

// provenance resolves the commit and branch a snapshot is taken at. An unborn
// HEAD leaves the commit empty.
func (s *Store) provenance(ctx context.Context) (string, string, error) {
	commit, err := s.git.HeadCommit(ctx)
	if err != nil && !errors.Is(err, git.ErrUnbornHead) {
		return "", "", err
	}
	branch, err := s.git.CurrentBranch(ctx)
	if err != nil {
		return "", "", err
	}
	return commit, branch, nil
}

// swapRef points ref at oid, creating it or CAS-updating the observed value.
// A stale observation is retried once.
func (s *Store) swapRef(ctx context.Context, ref, oid string) error {
	for attempt := 0; attempt < 2; attempt++ {
		old, found, err := s.git.GetRef(ctx, ref)
		if err != nil {
			return err
		}

		var ok bool
		if found {
			ok, err = s.git.UpdateRefCAS(ctx, ref, oid, old)
		} else {
			ok, err = s.git.CreateRefAtomic(ctx, ref, oid)
		}
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrConflict
}

// Get returns the snapshot for key, or ErrNotFound.
//
// Every call resolves the ref first, so a cache hit still costs one git
// subprocess (rev-parse) but never the two blob reads. The cached entry is used
// only while the ref still points at the header it was built from, which keeps
// Get coherent with writes from other processes.
func (s *Store) Get(ctx context.Context, key string) (*Snapshot, error) {
	ref := RefName(key)
	headerOID, found, err := s.git.GetRef(ctx, ref)
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	if !found {
		s.mu.Lock()
		s.misses++
		s.mu.Unlock()
		s.forget(key)
		s.metrics.SnapshotLookup("absent")
		return nil, ErrNotFound
	}

	if e, ok := s.lookup(key, headerOID); ok {
		s.metrics.SnapshotLookup("hit")
		return &Snapshot{Header: e.header, Payload: bytes.Clone(e.payload)}, nil
	}
	s.metrics.SnapshotLookup("miss")

	data, err := s.git.ReadBlob(ctx, headerOID)
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	header, err := decodeHeader(data)
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	payload, err := s.git.ReadBlob(ctx, header.ContentHash)
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Err: err}
	}

	s.remember(key, &cacheEntry{headerOID: headerOID, header: *header, payload: bytes.Clone(payload)})
	return &Snapshot{Header: *header, Payload: payload}, nil
}

// Has reports whether a snapshot exists for key.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, found, err := s.git.GetRef(ctx, RefName(key))
	if err != nil {
		return false, &Error{Op: "has", Key: key, Err: err}
	}
	return found, nil
}

// Delete removes the snapshot ref for key. Blobs are left for Git GC.
// Returns false if there was nothing to delete.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	ref := RefName(key)
	defer s.forget(key)

	for attempt := 0; attempt < 2; attempt++ {
		old, found, err := s.git.GetRef(ctx, ref)
		if err != nil {
			return false, &Error{Op: "delete", Key: key, Err: err}
		}
		if !found {
			return false, nil
		}
		ok, err := s.git.DeleteRefCAS(ctx, ref, old)
		if err != nil {
			return false, &Error{Op: "delete", Key: key, Err: err}
		}
		if ok {
			return true, nil
		}
	}
	return false, &Error{Op: "delete", Key: key, Err: ErrConflict}
}

// Keys lists every stored key in ref order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	refs, err := s.git.ListRefs(ctx, RefPrefix)
	if err != nil {
		return nil, &Error{Op: "keys", Err: err}
	}
	keys := make([]string, 0, len(refs))
	for _, r := range refs {
		key, err := git.UnescapeRefComponent(r.Name[len(RefPrefix):])
		if err != nil {
			s.logger.Warn("snapshots: skipping unrecognised ref", "ref", r.Name, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Stats reports LRU counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Hits:         s.hits,
		Misses:       s.misses,
		MaxSizeBytes: s.maxBytes,
	}
	if s.cache != nil {
		st.Entries = s.cache.len()
		st.SizeBytes = s.cache.size
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

// lookup returns the cached entry for key if it still matches the ref.
func (s *Store) lookup(key, headerOID string) (*cacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		if e, ok := s.cache.get(key); ok && e.headerOID == headerOID {
			s.hits++
			return e, true
		}
	}
	s.misses++
	return nil, false
}

func (s *Store) remember(key string, e *cacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil {
		return
	}
	s.cache.add(key, e)
	s.metrics.SnapshotCache(s.cache.len(), s.cache.size)
}

func (s *Store) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil {
		return
	}
	s.cache.remove(key)
	s.metrics.SnapshotCache(s.cache.len(), s.cache.size)
}
