package herald

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/retry"
	"github.com/xraph/herald/store"
)

// Option configures a Herald instance.
type Option func(*Herald) error

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(h *Herald) error {
		h.store = s
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Herald) error {
		h.logger = logger
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(h *Herald) error {
		h.config = cfg
		return nil
	}
}

// WithConcurrency sets the number of delivery worker goroutines.
func WithConcurrency(n int) Option {
	return func(h *Herald) error {
		h.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often the dispatcher checks the event log.
func WithPollInterval(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.PollInterval = d
		return nil
	}
}

// WithBatchSize sets the maximum number of events dispatched per cycle.
func WithBatchSize(n int) Option {
	return func(h *Herald) error {
		h.config.BatchSize = n
		return nil
	}
}

// WithCallTimeout sets the timeout of one webhook call.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.CallTimeout = d
		return nil
	}
}

// WithRetryPolicy sets attempt ceiling and backoff.
func WithRetryPolicy(p retry.Policy) Option {
	return func(h *Herald) error {
		h.config.MaxAttempts = p.MaxAttempts
		h.config.BaseDelay = p.BaseDelay
		h.config.MaxDelay = p.MaxDelay
		return nil
	}
}

// WithRedriveFloor sets the attempt count a redriven task restarts from.
func WithRedriveFloor(n int) Option {
	return func(h *Herald) error {
		h.config.RedriveFloor = n
		return nil
	}
}

// WithReclaimAfter sets how long a task may stay in flight before it is
// reclaimed.
func WithReclaimAfter(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.ReclaimAfter = d
		return nil
	}
}

// WithResyncInterval sets how often due tasks are reloaded from the store.
func WithResyncInterval(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.ResyncInterval = d
		return nil
	}
}

// WithShutdownTimeout sets the maximum time Stop waits for in-flight
// deliveries.
func WithShutdownTimeout(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.ShutdownTimeout = d
		return nil
	}
}

// WithCacheTTL sets the TTL for the catalog's event type cache.
func WithCacheTTL(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.CacheTTL = d
		return nil
	}
}

// WithStrictEventTypes rejects events whose type is not in the catalog.
func WithStrictEventTypes(strict bool) Option {
	return func(h *Herald) error {
		h.config.StrictEventTypes = strict
		return nil
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Herald) error {
		h.metrics = m
		return nil
	}
}

// WithTracer records OpenTelemetry spans for dispatch and delivery.
func WithTracer(t *observability.Tracer) Option {
	return func(h *Herald) error {
		h.tracer = t
		return nil
	}
}

// WithHTTPClient sets the client used for webhook calls.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Herald) error {
		h.httpClient = c
		return nil
	}
}
