package jobs

import (
	"sort"
	"sync"
)

// entry is the in-memory state of one live job. Job fields and the flags are
// guarded by Queue.mu.
type entry struct {
	job    *Job
	refOID string
	// front places a recovered job ahead of ordinary pending jobs.
	front bool

	cancel        func()
	userCancelled bool

	done  chan struct{}
	final *Job
	err   error
}

// before orders pending jobs: recovered first, then by timestamp, then by id.
func (e *entry) before(o *entry) bool {
	if e.front != o.front {
		return e.front
	}
	if e.job.Timestamp != o.job.Timestamp {
		return e.job.Timestamp < o.job.Timestamp
	}
	return e.job.ID < o.job.ID
}

// tier is one priority's pending list and worker accounting.
type tier struct {
	priority Priority
	cfg      TierConfig

	mu       sync.Mutex
	pending  []*entry
	reserved int
	running  int
	paused   bool
	// runaway counts executors still running after their cancel grace.
	// Their workers have moved on, so they hold no slot.
	runaway int

	// signal wakes a worker (buffered, size 1; coalesces wake-ups)
	signal chan struct{}
}

func newTier(p Priority, cfg TierConfig) *tier {
	return &tier{
		priority: p,
		cfg:      cfg,
		signal:   make(chan struct{}, 1),
	}
}

// reserve claims a slot before a job is persisted. Capacity covers every live
// job in the tier: pending, reserved and running.
// Must be called with t.mu held.
func (t *tier) reserve() bool {
	if t.live() >= t.cfg.Capacity {
		return false
	}
	t.reserved++
	return true
}

// push inserts e in FIFO position and wakes a worker.
func (t *tier) push(e *entry, reserved bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if reserved {
		t.reserved--
	}
	i := sort.Search(len(t.pending), func(i int) bool { return e.before(t.pending[i]) })
	t.pending = append(t.pending, nil)
	copy(t.pending[i+1:], t.pending[i:])
	t.pending[i] = e
	t.wake()
}

// live must be called with t.mu held.
func (t *tier) live() int {
	return len(t.pending) + t.reserved + t.running
}

func (t *tier) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved--
}

// next pops the head of the tier unless it is paused or empty.
func (t *tier) next() (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.paused || len(t.pending) == 0 {
		return nil, false
	}
	e := t.pending[0]
	t.pending[0] = nil
	t.pending = t.pending[1:]
	t.running++

	// More work left: pass the wake-up on to another idle worker.
	if len(t.pending) > 0 {
		t.wake()
	}
	return e, true
}

// remove takes e out of the pending list. Returns false if a worker already
// picked it up.
func (t *tier) remove(e *entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, p := range t.pending {
		if p == e {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return true
		}
	}
	return false
}

// drain empties the pending list.
func (t *tier) drain() []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.pending
	t.pending = nil
	return out
}

func (t *tier) finished() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running--
	if len(t.pending) > 0 {
		t.wake()
	}
}

func (t *tier) abandonExecutor() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runaway++
}

func (t *tier) executorReturned() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runaway--
}

func (t *tier) setPaused(paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.paused = paused
	if !paused && len(t.pending) > 0 {
		t.wake()
	}
}

func (t *tier) status() TierStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TierStatus{
		Pending:     len(t.pending),
		Running:     t.running,
		Runaway:     t.runaway,
		Paused:      t.paused,
		Concurrency: t.cfg.Concurrency,
		Capacity:    t.cfg.Capacity,
	}
}

// wake must be called with t.mu held.
func (t *tier) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}
