package gitvan

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dyluth/gitvan/pkg/events"
	"github.com/dyluth/gitvan/pkg/jobs"
)

type options struct {
	logger     *slog.Logger
	executor   jobs.Executor
	registerer prometheus.Registerer
	publisher  events.Publisher
	now        func() time.Time
}

// Option customizes Init.
type Option func(*options)

// WithLogger sets the logger handed to every component. Without it the core
// does not log.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithExecutor sets the executor that runs queued jobs.
func WithExecutor(e jobs.Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithRegisterer registers the core's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithPublisher sends job lifecycle events to p instead of the publisher
// built from events.redis_url.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithClock replaces time.Now for record timestamps and lock expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
