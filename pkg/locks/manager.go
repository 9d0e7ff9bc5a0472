package locks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/gitvan/pkg/git"
	"github.com/dyluth/gitvan/pkg/metrics"
)

// Options configures a single Acquire call.
type Options struct {
	// TimeoutMs is the lock's validity window. Acquire itself never waits.
	TimeoutMs int64
	// Fingerprint proves ownership for Release and Extend. Empty means
	// DefaultFingerprint().
	Fingerprint string
}

// Config wires a Manager's collaborators.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Manager acquires and releases locks in one repository.
// It holds no lock state of its own and is safe for concurrent use.
type Manager struct {
	git      *git.Driver
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	hostname string
	pid      int
}

// New creates a Manager bound to drv.
func New(drv *git.Driver, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Manager{
		git:      drv,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		hostname: hostname,
		pid:      os.Getpid(),
	}
}

// DefaultFingerprint identifies the current process as hostname:pid.
func DefaultFingerprint() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return hostname + ":" + strconv.Itoa(os.Getpid())
}

// RefName returns the ref that holds the lock called name.
func RefName(name string) string {
	return RefPrefix + git.EscapeRefComponent(name)
}

// Acquire tries to take the lock called name. It returns immediately: true if
// the caller now holds the lock, false if another holder's record is still
// valid. An expired holder is reaped and the create retried exactly once.
func (m *Manager) Acquire(ctx context.Context, name string, opts Options) (bool, error) {
	if name == "" {
		return false, &Error{Op: "acquire", Name: name, Err: errors.New("lock name cannot be empty")}
	}
	if opts.TimeoutMs < 0 {
		return false, &Error{Op: "acquire", Name: name, Err: fmt.Errorf("timeout_ms must be >= 0, got %d", opts.TimeoutMs)}
	}
	if opts.Fingerprint == "" {
		opts.Fingerprint = DefaultFingerprint()
	}

	rec := &Record{
		Name:        name,
		ID:          uuid.NewString(),
		AcquiredAt:  m.now().UnixMilli(),
		TimeoutMs:   opts.TimeoutMs,
		Fingerprint: opts.Fingerprint,
		Exclusive:   true,
		PID:         m.pid,
		Hostname:    m.hostname,
	}
	oid, err := m.writeRecord(ctx, rec)
	if err != nil {
		return false, m.fail("acquire", name, err)
	}

	ref := RefName(name)
	ok, err := m.git.CreateRefAtomic(ctx, ref, oid)
	if err != nil {
		return false, m.fail("acquire", name, err)
	}
	if ok {
		m.metrics.LockOp("acquire", "acquired")
		return true, nil
	}

	current, currentOID, err := m.load(ctx, ref)
	switch {
	case errors.Is(err, errCorruptRecord):
		m.logger.Warn("locks: reaping unreadable lock record", "lock", name, "error", err)
	case err != nil:
		return false, m.fail("acquire", name, err)
	case current != nil && !current.Expired(m.now()):
		m.metrics.LockOp("acquire", "contended")
		return false, nil
	}

	// Holder is expired, unreadable, or released between our create and read.
	if currentOID != "" {
		if _, err := m.git.DeleteRefCAS(ctx, ref, currentOID); err != nil {
			return false, m.fail("acquire", name, err)
		}
		m.logger.Info("locks: reaped expired lock", "lock", name)
	}

	ok, err = m.git.CreateRefAtomic(ctx, ref, oid)
	if err != nil {
		return false, m.fail("acquire", name, err)
	}
	if !ok {
		m.metrics.LockOp("acquire", "contended")
		return false, nil
	}
	m.metrics.LockOp("acquire", "reaped")
	return true, nil
}

// Release drops the lock if it is held under fingerprint. It returns false if
// the lock is absent or held by someone else.
func (m *Manager) Release(ctx context.Context, name, fingerprint string) (bool, error) {
	ref := RefName(name)
	for attempt := 0; attempt < 2; attempt++ {
		rec, oid, err := m.load(ctx, ref)
		if err != nil {
			return false, m.fail("release", name, err)
		}
		if rec == nil || rec.Fingerprint != fingerprint {
			m.metrics.LockOp("release", "not_held")
			return false, nil
		}

		ok, err := m.git.DeleteRefCAS(ctx, ref, oid)
		if err != nil {
			return false, m.fail("release", name, err)
		}
		if ok {
			m.metrics.LockOp("release", "released")
			return true, nil
		}
		// The ref moved under us, usually a concurrent Extend by the same holder.
	}
	m.metrics.LockOp("release", "contended")
	return false, nil
}

// Extend lengthens the validity window of a lock held under fingerprint by
// additionalMs. It returns false if the caller does not hold the lock.
func (m *Manager) Extend(ctx context.Context, name, fingerprint string, additionalMs int64) (bool, error) {
	if additionalMs < 0 {
		return false, &Error{Op: "extend", Name: name, Err: fmt.Errorf("additional_ms must be >= 0, got %d", additionalMs)}
	}

	ref := RefName(name)
	for attempt := 0; attempt < 2; attempt++ {
		rec, oid, err := m.load(ctx, ref)
		if err != nil {
			return false, m.fail("extend", name, err)
		}
		if rec == nil || rec.Fingerprint != fingerprint {
			m.metrics.LockOp("extend", "not_held")
			return false, nil
		}

		next := *rec
		next.TimeoutMs += additionalMs
		newOID, err := m.writeRecord(ctx, &next)
		if err != nil {
			return false, m.fail("extend", name, err)
		}

		ok, err := m.git.UpdateRefCAS(ctx, ref, newOID, oid)
		if err != nil {
			return false, m.fail("extend", name, err)
		}
		if ok {
			m.metrics.LockOp("extend", "extended")
			return true, nil
		}
	}
	m.metrics.LockOp("extend", "contended")
	return false, nil
}

// Get returns the current record for name, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, name string) (*Record, error) {
	rec, _, err := m.load(ctx, RefName(name))
	if err != nil {
		return nil, &Error{Op: "get", Name: name, Err: err}
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns every lock record currently held, ordered by ref name.
// Unreadable records are skipped.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	refs, err := m.git.ListRefs(ctx, RefPrefix)
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}

	records := make([]Record, 0, len(refs))
	for _, ref := range refs {
		rec, err := m.readRecord(ctx, ref.OID)
		if err != nil {
			if errors.Is(err, errCorruptRecord) {
				m.logger.Warn("locks: skipping unreadable lock record", "ref", ref.Name, "error", err)
				continue
			}
			return nil, &Error{Op: "list", Name: strings.TrimPrefix(ref.Name, RefPrefix), Err: err}
		}
		records = append(records, *rec)
	}
	return records, nil
}

// CleanupExpired deletes every expired or unreadable lock and returns how
// many refs it removed. Each delete is a CAS against the observed value, so a
// lock re-acquired concurrently is left alone.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	refs, err := m.git.ListRefs(ctx, RefPrefix)
	if err != nil {
		return 0, &Error{Op: "cleanup", Err: err}
	}

	now := m.now()
	removed := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		rec, err := m.readRecord(ctx, ref.OID)
		if err != nil && !errors.Is(err, errCorruptRecord) {
			return removed, &Error{Op: "cleanup", Name: strings.TrimPrefix(ref.Name, RefPrefix), Err: err}
		}
		if rec != nil && !rec.Expired(now) {
			continue
		}

		ok, err := m.git.DeleteRefCAS(ctx, ref.Name, ref.OID)
		if err != nil {
			return removed, &Error{Op: "cleanup", Name: strings.TrimPrefix(ref.Name, RefPrefix), Err: err}
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		m.metrics.LockOp("cleanup", "reaped")
		m.logger.Info("locks: removed expired locks", "count", removed)
	}
	return removed, nil
}

// load reads the record behind ref. A nil record with a nil error means the
// ref does not exist. On a corrupt record the observed oid is still returned.
func (m *Manager) load(ctx context.Context, ref string) (*Record, string, error) {
	oid, found, err := m.git.GetRef(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", nil
	}
	rec, err := m.readRecord(ctx, oid)
	if err != nil {
		return nil, oid, err
	}
	return rec, oid, nil
}

func (m *Manager) readRecord(ctx context.Context, oid string) (*Record, error) {
	data, err := m.git.ReadBlob(ctx, oid)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func (m *Manager) writeRecord(ctx context.Context, rec *Record) (string, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}
	return m.git.CreateBlob(ctx, data)
}

func (m *Manager) fail(op, name string, err error) error {
	m.metrics.LockOp(op, "error")
	return &Error{Op: op, Name: name, Err: err}
}
