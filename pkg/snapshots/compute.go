package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dyluth/gitvan/pkg/locks"
)

// Locker is the subset of the lock manager GetOrCompute needs.
type Locker interface {
	Acquire(ctx context.Context, name string, opts locks.Options) (bool, error)
	Release(ctx context.Context, name, fingerprint string) (bool, error)
}

// BuildFunc produces the payload and metadata for a missing snapshot.
type BuildFunc func(ctx context.Context) ([]byte, map[string]any, error)

// ComputeOptions tunes GetOrCompute.
type ComputeOptions struct {
	// LockTimeout is the validity window of the build lock. Default: 60s.
	LockTimeout time.Duration
	// MaxWait bounds how long to wait for another producer. Default: 30s.
	MaxWait time.Duration
}

func (o *ComputeOptions) defaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = time.Minute
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 30 * time.Second
	}
}

var errLockBusy = errors.New("snapshot build lock is held")

// LockName is the lock that serializes producers of key.
func LockName(key string) string {
	return "snapshot:" + key
}

// GetOrCompute returns the snapshot for key, building it at most once across
// cooperating producers. A producer holds lock "snapshot:<key>" while it
// re-checks the store, builds and puts; others wait with exponential backoff
// and then read the stored result.
func (s *Store) GetOrCompute(ctx context.Context, key string, locker Locker, opts ComputeOptions, build BuildFunc) (*Snapshot, error) {
	snap, err := s.Get(ctx, key)
	if err == nil {
		return snap, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	opts.defaults()
	name := LockName(key)
	fingerprint := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = opts.MaxWait

	acquire := func() error {
		ok, err := locker.Acquire(ctx, name, locks.Options{TimeoutMs: opts.LockTimeout.Milliseconds(), Fingerprint: fingerprint})
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockBusy
		}
		return nil
	}
	if err := backoff.Retry(acquire, backoff.WithContext(b, ctx)); err != nil {
		return nil, &Error{Op: "compute", Key: key, Err: fmt.Errorf("failed to acquire %s: %w", name, err)}
	}
	defer func() {
		if _, err := locker.Release(context.WithoutCancel(ctx), name, fingerprint); err != nil {
			s.logger.Warn("snapshots: failed to release build lock", "key", key, "error", err)
		}
	}()

	// Another producer may have finished while we waited.
	snap, err = s.Get(ctx, key)
	if err == nil {
		return snap, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	payload, metadata, err := build(ctx)
	if err != nil {
		return nil, &Error{Op: "compute", Key: key, Err: err}
	}
	if _, err := s.Put(ctx, key, payload, metadata); err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}
