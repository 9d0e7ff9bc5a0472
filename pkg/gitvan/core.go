// Package gitvan composes the Git-backed components (locks, receipts,
// snapshots and the job queue) over a single repository handle.
//
// Init builds every component, recovers durable jobs left by a previous run
// and starts the background work: job workers, the receipt flush timer and
// the expired-lock reaper. Shutdown stops them in reverse order and performs a
// final receipt flush.
package gitvan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dyluth/gitvan/pkg/events"
	"github.com/dyluth/gitvan/pkg/git"
	"github.com/dyluth/gitvan/pkg/jobs"
	"github.com/dyluth/gitvan/pkg/locks"
	"github.com/dyluth/gitvan/pkg/metrics"
	"github.com/dyluth/gitvan/pkg/receipts"
	"github.com/dyluth/gitvan/pkg/snapshots"
)

// Core owns one repository handle and the components built on it.
// Several Cores may coexist in a process.
type Core struct {
	cfg       *Config
	git       *git.Driver
	logger    *slog.Logger
	metrics   *metrics.Metrics
	locks     *locks.Manager
	receipts  *receipts.Writer
	snapshots *snapshots.Store
	jobs      *jobs.Queue

	// closer is set when Core built the publisher itself.
	closer interface{ Close() error }

	stop     context.CancelFunc
	bg       sync.WaitGroup
	shutdown sync.Once
	err      error
}

// Init opens the repository at repoPath and starts the core. A nil cfg uses
// DefaultConfig. Invalid configuration returns a *ConfigError.
func Init(ctx context.Context, repoPath string, cfg *Config, opts ...Option) (*Core, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.now == nil {
		o.now = time.Now
	}

	drv, err := git.Open(ctx, repoPath, git.Options{
		CommandTimeout: millis(*cfg.Git.CommandTimeoutMs),
		MaxBufferBytes: *cfg.Git.MaxBufferBytes,
		KillOnCancel:   cfg.Git.KillOnCancel,
		Identity:       git.Identity{Name: cfg.Git.Identity.Name, Email: cfg.Git.Identity.Email},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, err
	}

	c := &Core{cfg: cfg, git: drv, logger: o.logger, metrics: m}

	publisher := o.publisher
	if publisher == nil {
		publisher, err = c.connectEvents(ctx)
		if err != nil {
			return nil, err
		}
	}

	c.locks = locks.New(drv, locks.Config{Logger: o.logger, Metrics: m, Now: o.now})
	c.receipts = receipts.New(drv, receipts.Config{
		BatchSize:     *cfg.Receipts.BatchSize,
		FlushInterval: millis(*cfg.Receipts.FlushIntervalMs),
		Logger:        o.logger,
		Metrics:       m,
		Now:           o.now,
	})
	c.snapshots = snapshots.New(drv, snapshots.Config{
		MaxCacheSize: *cfg.Snapshots.MaxCacheSize,
		Logger:       o.logger,
		Metrics:      m,
		Now:          o.now,
	})
	c.jobs = jobs.New(drv, jobs.Config{
		Tiers:       cfg.tiers(),
		CancelGrace: millis(*cfg.Queue.CancelGraceMs),
		Executor:    o.executor,
		Receipts:    c.receipts,
		Locker:      c.locks,
		Publisher:   publisher,
		Logger:      o.logger,
		Metrics:     m,
		Now:         o.now,
	})

	recovered, err := c.jobs.Recover(ctx)
	if err != nil {
		c.closeEvents()
		return nil, fmt.Errorf("failed to recover durable jobs: %w", err)
	}

	bgCtx, stop := context.WithCancel(context.Background())
	c.stop = stop
	c.bg.Add(2)
	go func() {
		defer c.bg.Done()
		c.receipts.Run(bgCtx)
	}()
	go func() {
		defer c.bg.Done()
		c.locks.RunReaper(bgCtx, millis(*cfg.Locks.ReapIntervalMs))
	}()
	c.jobs.Start(bgCtx)

	o.logger.Info("gitvan: core started",
		"repo", drv.WorkTree(),
		"recovered_jobs", recovered)
	return c, nil
}

// connectEvents builds the Redis publisher when events.redis_url is set.
func (c *Core) connectEvents(ctx context.Context) (events.Publisher, error) {
	if c.cfg.Events.RedisURL == "" {
		return events.Nop{}, nil
	}
	p, err := events.NewRedisPublisherFromURL(c.cfg.Events.RedisURL, c.cfg.Events.Instance)
	if err != nil {
		return nil, &ConfigError{Key: "events.redis_url", Message: err.Error()}
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to connect to event bus: %w", err)
	}
	c.closer = p
	return p, nil
}

func (c *Core) closeEvents() {
	if c.closer == nil {
		return
	}
	if err := c.closer.Close(); err != nil {
		c.logger.Warn("gitvan: failed to close event publisher", "error", err)
	}
}

// Git returns the repository handle shared by every component.
func (c *Core) Git() *git.Driver {
	return c.git
}

// Config returns the validated configuration.
func (c *Core) Config() *Config {
	return c.cfg
}

// Locks returns the lock manager.
func (c *Core) Locks() *locks.Manager {
	return c.locks
}

// Receipts returns the receipt writer.
func (c *Core) Receipts() *receipts.Writer {
	return c.receipts
}

// Snapshots returns the snapshot store.
func (c *Core) Snapshots() *snapshots.Store {
	return c.snapshots
}

// Jobs returns the job queue.
func (c *Core) Jobs() *jobs.Queue {
	return c.jobs
}

// Shutdown stops the queue (waiting up to deadline for running jobs when
// graceful is set), stops the flush timer and reaper, and flushes buffered
// receipts. Durable jobs that did not finish are recovered by the next Init.
// Only the first call does any work; later calls return its result.
func (c *Core) Shutdown(ctx context.Context, graceful bool, deadline time.Duration) error {
	c.shutdown.Do(func() {
		var errs []error
		if err := c.jobs.Shutdown(ctx, graceful, deadline); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop job queue: %w", err))
		}

		c.stop()
		c.bg.Wait()

		if _, err := c.receipts.Flush(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush receipts: %w", err))
		}
		c.closeEvents()

		c.err = errors.Join(errs...)
		c.logger.Info("gitvan: core stopped", "graceful", graceful, "error", c.err)
	})
	return c.err
}
