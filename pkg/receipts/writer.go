// Package receipts appends execution artefacts to Git notes.
//
// Entries are single-line JSON records buffered per (namespace, commit) and
// written with one `git notes append` per group. The Writer never removes or
// rewrites notes. Buffered entries that were never flushed are lost on
// abnormal termination; call Flush for per-entry durability.
package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/gitvan/pkg/git"
	"github.com/dyluth/gitvan/pkg/metrics"
)

// DefaultBatchSize is the per-group threshold that triggers a flush.
const DefaultBatchSize = 100

// Config wires a Writer.
type Config struct {
	// BatchSize flushes all groups once any group holds this many entries.
	BatchSize int
	// FlushInterval is the timer period used by Run. Zero disables the timer.
	FlushInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Stats is a point-in-time view of the Writer.
type Stats struct {
	// Totals counts entries accepted per namespace.
	Totals map[Namespace]int
	// Flushed counts entries appended to notes per namespace.
	Flushed map[Namespace]int
	// Pending counts buffered entries per namespace.
	Pending map[Namespace]int
	// ConsecutiveFailures counts flush failures since the last success.
	ConsecutiveFailures map[Namespace]int
	// Errors holds an *Error for each namespace at or past the failure threshold.
	Errors map[Namespace]error
}

type groupKey struct {
	ns     Namespace
	commit string
}

type group struct {
	groupKey
	lines []string
}

// Writer batches receipts and appends them to notes. Safe for concurrent use.
type Writer struct {
	git     *git.Driver
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// flushMu serializes flushes so appends land in buffer order.
	flushMu sync.Mutex

	bufMu    sync.Mutex
	groups   []*group
	index    map[groupKey]*group
	totals   map[Namespace]int
	flushed  map[Namespace]int
	failures map[Namespace]int
	lastErr  map[Namespace]error
}

// New creates a Writer bound to drv.
func New(drv *git.Driver, cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Writer{
		git:      drv,
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		index:    make(map[groupKey]*group),
		totals:   make(map[Namespace]int),
		flushed:  make(map[Namespace]int),
		failures: make(map[Namespace]int),
		lastErr:  make(map[Namespace]error),
	}
}

// RecordResult buffers a result entry against the current HEAD commit.
func (w *Writer) RecordResult(ctx context.Context, hookID string, result any, metadata map[string]any) error {
	if hookID == "" {
		return fmt.Errorf("hook id cannot be empty")
	}
	return w.record(ctx, Results, func(ts int64, commit, branch string) any {
		return &ResultEntry{HookID: hookID, Timestamp: ts, Result: result, Metadata: metadata, Commit: commit, Branch: branch}
	})
}

// RecordMetric buffers a single metric sample.
func (w *Writer) RecordMetric(ctx context.Context, name string, value any) error {
	return w.RecordMetrics(ctx, map[string]any{name: value})
}

// RecordMetrics buffers several samples as one entry.
func (w *Writer) RecordMetrics(ctx context.Context, values map[string]any) error {
	if err := validateMetricValues(values); err != nil {
		return err
	}
	return w.record(ctx, Metrics, func(ts int64, commit, branch string) any {
		return &MetricEntry{Timestamp: ts, Commit: commit, Branch: branch, Values: values}
	})
}

// RecordExecution buffers an execution trace.
func (w *Writer) RecordExecution(ctx context.Context, executionID string, details any) error {
	if executionID == "" {
		return fmt.Errorf("execution id cannot be empty")
	}
	return w.record(ctx, Executions, func(ts int64, commit, branch string) any {
		return &ExecutionEntry{ExecutionID: executionID, Timestamp: ts, Commit: commit, Branch: branch, Details: details}
	})
}

func (w *Writer) record(ctx context.Context, ns Namespace, build func(ts int64, commit, branch string) any) error {
	commit, err := w.git.HeadCommit(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve commit for %s receipt: %w", ns, err)
	}
	branch, err := w.git.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve branch for %s receipt: %w", ns, err)
	}

	line, err := encodeEntry(build(w.cfg.Now().UnixMilli(), commit, branch))
	if err != nil {
		return fmt.Errorf("failed to encode %s receipt: %w", ns, err)
	}

	if w.buffer(ns, commit, line) {
		if _, err := w.Flush(ctx); err != nil {
			var receiptErr *Error
			if errors.As(err, &receiptErr) {
				return err
			}
			w.logger.Warn("receipts: batch flush failed, entries retained", "namespace", ns, "error", err)
		}
	}
	return nil
}

// buffer appends line to its group and reports whether the group reached the
// batch size.
func (w *Writer) buffer(ns Namespace, commit, line string) bool {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()

	key := groupKey{ns: ns, commit: commit}
	g, ok := w.index[key]
	if !ok {
		g = &group{groupKey: key}
		w.index[key] = g
		w.groups = append(w.groups, g)
	}
	g.lines = append(g.lines, line)
	w.totals[ns]++
	w.metrics.ReceiptBuffered(string(ns))
	return len(g.lines) >= w.cfg.BatchSize
}

func encodeEntry(entry any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return "", err
	}
	line := strings.TrimSuffix(buf.String(), "\n")
	if strings.ContainsAny(line, "\r\n") {
		return "", fmt.Errorf("entry contains a newline")
	}
	return line, nil
}

// Flush writes every buffered group. Groups that fail stay buffered, ahead of
// anything recorded since. The returned error is an *Error once a namespace
// has failed maxConsecutiveFailures times in a row.
func (w *Writer) Flush(ctx context.Context) (Stats, error) {
	err := w.flush(ctx, func(Namespace) bool { return true })
	return w.Stats(), err
}

// FlushNamespace writes only the groups of ns.
func (w *Writer) FlushNamespace(ctx context.Context, ns Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	return w.flush(ctx, func(n Namespace) bool { return n == ns })
}

func (w *Writer) flush(ctx context.Context, match func(Namespace) bool) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	taken := w.take(match)
	if len(taken) == 0 {
		return nil
	}

	attempted := make(map[Namespace]bool)
	nsErr := make(map[Namespace]error)
	var failed []*group

	for i, g := range taken {
		if ctx.Err() != nil {
			failed = append(failed, taken[i:]...)
			break
		}
		attempted[g.ns] = true

		err := w.git.NoteAppend(ctx, g.ns.NotesRef(), g.commit, strings.Join(g.lines, "\n"))
		w.metrics.ReceiptFlush(string(g.ns), err)
		if err != nil {
			failed = append(failed, g)
			if nsErr[g.ns] == nil {
				nsErr[g.ns] = err
			}
			continue
		}

		w.bufMu.Lock()
		w.flushed[g.ns] += len(g.lines)
		w.bufMu.Unlock()
	}

	return w.settle(failed, attempted, nsErr, ctx.Err())
}

// take removes the matching groups from the buffer, preserving order.
func (w *Writer) take(match func(Namespace) bool) []*group {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()

	var taken, kept []*group
	for _, g := range w.groups {
		if match(g.ns) {
			taken = append(taken, g)
			delete(w.index, g.groupKey)
		} else {
			kept = append(kept, g)
		}
	}
	w.groups = kept
	return taken
}

// settle returns failed groups to the front of the buffer and updates the
// per-namespace failure counters.
func (w *Writer) settle(failed []*group, attempted map[Namespace]bool, nsErr map[Namespace]error, ctxErr error) error {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()

	if len(failed) > 0 {
		front := make([]*group, 0, len(failed))
		merged := make(map[*group]bool)
		for _, g := range failed {
			// Entries recorded during the flush queue up behind the retained ones.
			if newer, ok := w.index[g.groupKey]; ok {
				g.lines = append(g.lines, newer.lines...)
				merged[newer] = true
			}
			w.index[g.groupKey] = g
			front = append(front, g)
		}
		for _, g := range w.groups {
			if !merged[g] {
				front = append(front, g)
			}
		}
		w.groups = front
	}

	var errs []error
	for _, ns := range Namespaces {
		if !attempted[ns] {
			continue
		}
		err := nsErr[ns]
		if err == nil {
			w.failures[ns] = 0
			w.lastErr[ns] = nil
			continue
		}
		w.failures[ns]++
		w.lastErr[ns] = err
		w.logger.Warn("receipts: flush failed", "namespace", ns, "consecutive_failures", w.failures[ns], "error", err)
		if w.failures[ns] >= maxConsecutiveFailures {
			errs = append(errs, &Error{Namespace: ns, Failures: w.failures[ns], Err: err})
		} else {
			errs = append(errs, fmt.Errorf("failed to flush %s receipts: %w", ns, err))
		}
	}
	if ctxErr != nil {
		errs = append(errs, ctxErr)
	}
	return errors.Join(errs...)
}

// Stats returns totals, pending counts and failure state per namespace.
func (w *Writer) Stats() Stats {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()

	s := Stats{
		Totals:              make(map[Namespace]int),
		Flushed:             make(map[Namespace]int),
		Pending:             make(map[Namespace]int),
		ConsecutiveFailures: make(map[Namespace]int),
		Errors:              make(map[Namespace]error),
	}
	for _, ns := range Namespaces {
		s.Totals[ns] = w.totals[ns]
		s.Flushed[ns] = w.flushed[ns]
		s.Pending[ns] = 0
		s.ConsecutiveFailures[ns] = w.failures[ns]
		if w.failures[ns] >= maxConsecutiveFailures {
			s.Errors[ns] = &Error{Namespace: ns, Failures: w.failures[ns], Err: w.lastErr[ns]}
		}
	}
	for _, g := range w.groups {
		s.Pending[g.ns] += len(g.lines)
	}
	return s
}

// Read returns the entries attached to commit under ns, one per element.
func (w *Writer) Read(ctx context.Context, ns Namespace, commit string) ([]string, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	text, found, err := w.git.NoteShow(ctx, ns.NotesRef(), commit)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s receipts for %s: %w", ns, commit, err)
	}
	if !found {
		return nil, nil
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		// git notes append separates each append with a blank line
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Run flushes every FlushInterval until ctx is done, then flushes once more.
// With a zero interval it only performs the final flush.
func (w *Writer) Run(ctx context.Context) {
	var tick <-chan time.Time
	if w.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			if _, err := w.Flush(context.WithoutCancel(ctx)); err != nil {
				w.logger.Error("receipts: final flush failed", "error", err)
			}
			return
		case <-tick:
			if _, err := w.Flush(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("receipts: timed flush failed", "error", err)
			}
		}
	}
}
