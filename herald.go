package herald

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/dispatch"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/storeerr"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/retry"
	"github.com/xraph/herald/scope"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/subscription"
)

// Herald is the root event distribution engine.
type Herald struct {
	config     Config
	store      store.Store
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	httpClient *http.Client

	catalog    *catalog.Catalog
	subs       *subscription.Service
	recorder   *audit.Recorder
	scheduler  *retry.Scheduler
	reaper     *retry.Reaper
	dispatcher *dispatch.Dispatcher
	pool       *delivery.Pool
	dlqSvc     *dlq.Service
	inproc     *delivery.InProcessSink

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// New creates a new Herald with the given options.
func New(opts ...Option) (*Herald, error) {
	h := &Herald{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	if h.store == nil {
		return nil, ErrNoStore
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.wireServices()
	return h, nil
}

// wireServices initializes the internal services after options have been applied.
func (h *Herald) wireServices() {
	cfg := h.config

	h.catalog = catalog.NewCatalog(h.store, catalog.Config{
		CacheTTL: cfg.CacheTTL,
		Strict:   cfg.StrictEventTypes,
	}, h.logger)

	h.subs = subscription.NewService(h.store, h.logger)
	h.recorder = audit.NewRecorder(h.store, h.logger)

	h.scheduler = retry.NewScheduler(h.store, h.recorder, retry.SchedulerConfig{
		Policy:         cfg.Policy(),
		ResyncInterval: cfg.ResyncInterval,
		QueueSize:      cfg.Concurrency * 4,
		Limiter:        ratelimit.New(),
		Metrics:        h.metrics,
	}, h.logger)

	h.reaper = retry.NewReaper(h.store, h.scheduler, retry.ReaperConfig{
		ReclaimAfter: cfg.reclaimAfter(),
		Metrics:      h.metrics,
	}, h.logger)

	h.dispatcher = dispatch.NewDispatcher(h.store, h.scheduler, dispatch.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		MaxAttempts:  cfg.MaxAttempts,
		Metrics:      h.metrics,
		Tracer:       h.tracer,
	}, h.logger)

	var webhookOpts []delivery.WebhookOption
	if h.httpClient != nil {
		webhookOpts = append(webhookOpts, delivery.WithHTTPClient(h.httpClient))
	}
	h.inproc = delivery.NewInProcessSink()
	h.pool = delivery.NewPool(h.store, h.scheduler, map[subscription.Kind]delivery.Sink{
		subscription.KindWebhook:   delivery.NewWebhookSink(cfg.CallTimeout, webhookOpts...),
		subscription.KindInProcess: h.inproc,
	}, delivery.PoolConfig{
		Concurrency: cfg.Concurrency,
		Metrics:     h.metrics,
		Tracer:      h.tracer,
	}, h.logger)

	h.dlqSvc = dlq.NewService(h.store, h.scheduler, dlq.Config{
		RedriveFloor: cfg.RedriveFloor,
		MaxAttempts:  cfg.MaxAttempts,
		Metrics:      h.metrics,
	}, h.logger)
}

// Start runs the dispatcher, scheduler, reaper and delivery workers in the
// background until Stop is called or ctx is cancelled.
func (h *Herald) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return h.dispatcher.Run(gctx) })
	g.Go(func() error { return h.scheduler.Run(gctx) })
	g.Go(func() error { return h.reaper.Run(gctx) })
	g.Go(func() error { return h.pool.Run(gctx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	h.cancel = cancel
	h.done = done
	h.logger.InfoContext(ctx, "herald started",
		"concurrency", h.config.Concurrency,
		"max_attempts", h.config.MaxAttempts,
	)
	return nil
}

// Stop stops the background loops and waits, up to ShutdownTimeout or the
// deadline of ctx, for in-flight deliveries to settle.
func (h *Herald) Stop(ctx context.Context) error {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	if h.config.ShutdownTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, h.config.ShutdownTimeout)
		defer stop()
	}

	select {
	case err := <-done:
		h.logger.InfoContext(ctx, "herald stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("herald: stop: %w", ctx.Err())
	}
}

// Emit validates and appends an event, returning its sequence. The tenant
// carried by ctx (see scope) is stamped on the event. Delivery happens
// asynchronously; a nil error means the event is durable.
func (h *Herald) Emit(ctx context.Context, eventType string, payload json.RawMessage, sourceEntityID string) (int64, error) {
	if eventType == "" {
		return 0, ErrEmptyEventType
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return 0, fmt.Errorf("%w: payload is not valid JSON", ErrPayloadValidationFailed)
	}
	if err := h.catalog.Check(ctx, eventType, payload); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	evt := &event.Event{
		Entity:         NewEntity(),
		Type:           eventType,
		OccurredAt:     now,
		Payload:        payload,
		SourceEntityID: sourceEntityID,
		TenantID:       scope.Capture(ctx),
	}
	if err := h.store.AppendEvent(ctx, evt); err != nil {
		if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrStoreClosed) {
			return 0, fmt.Errorf("herald: append event: %w", err)
		}
		return 0, storeerr.Unavailable("engine", "append event", err)
	}

	h.metrics.EventEmitted()
	h.dispatcher.Notify()
	h.logger.DebugContext(ctx, "event emitted",
		"sequence", evt.Sequence,
		"event_type", evt.Type,
		"tenant_id", evt.TenantID,
	)
	return evt.Sequence, nil
}

// SubscribeInProcess registers fn as a live-update subscriber for events
// matching filter and returns the subscription ID. The tenant carried by
// ctx scopes the subscription.
func (h *Herald) SubscribeInProcess(ctx context.Context, filter []string, fn delivery.Handler) (id.ID, error) {
	handle := id.NewHandleID().String()
	if err := h.inproc.Register(handle, fn); err != nil {
		return id.Nil, err
	}

	sub, err := h.subs.Add(ctx, subscription.Input{
		Kind:     subscription.KindInProcess,
		Filter:   filter,
		Endpoint: handle,
		TenantID: scope.Capture(ctx),
	})
	if err != nil {
		h.inproc.Unregister(handle)
		return id.Nil, err
	}
	return sub.ID, nil
}

// UnsubscribeInProcess deactivates an in-process subscription and drops
// its callback. Its pending tasks are discarded when they come due.
func (h *Herald) UnsubscribeInProcess(ctx context.Context, subID id.ID) error {
	sub, err := h.subs.Get(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Kind != subscription.KindInProcess {
		return &subscription.ValidationError{Field: "kind", Message: "not an in-process subscription"}
	}
	if err := h.subs.Deactivate(ctx, subID); err != nil {
		return err
	}
	h.inproc.Unregister(sub.Endpoint)
	return nil
}

// AddSubscription registers a subscription. Webhook subscriptions get a
// generated signing secret unless one is given.
func (h *Herald) AddSubscription(ctx context.Context, in subscription.Input) (*subscription.Subscription, error) {
	return h.subs.Add(ctx, in)
}

// DeactivateSubscription stops dispatching to subID. Attempts already in
// flight finish; pending retries are dead-lettered when they come due.
func (h *Herald) DeactivateSubscription(ctx context.Context, subID id.ID) error {
	return h.subs.Deactivate(ctx, subID)
}

// ListDeadLettered returns dead-lettered tasks, optionally for one
// subscription.
func (h *Herald) ListDeadLettered(ctx context.Context, subID *id.ID) ([]*dlq.Entry, error) {
	return h.dlqSvc.ListDeadLettered(ctx, subID)
}

// Redrive returns a dead-lettered task to pending, due now.
func (h *Herald) Redrive(ctx context.Context, taskID id.ID) error {
	_, err := h.dlqSvc.Redrive(ctx, taskID)
	return err
}

// Health reports success rate, dead-letter count and pending count for
// one subscription.
func (h *Herald) Health(ctx context.Context, subID id.ID) (*dlq.Health, error) {
	if _, err := h.subs.Get(ctx, subID); err != nil {
		return nil, err
	}
	return h.dlqSvc.Health(ctx, subID)
}

// RegisterEventType registers an event type definition in the catalog.
func (h *Herald) RegisterEventType(ctx context.Context, def catalog.Definition, metadata map[string]string) (*catalog.EventType, error) {
	return h.catalog.RegisterType(ctx, def, metadata)
}

// History returns the audit records of one task in append order.
func (h *Herald) History(ctx context.Context, taskID id.ID) ([]*audit.Record, error) {
	return h.recorder.History(ctx, taskID)
}

// Subscriptions returns the subscription management service.
func (h *Herald) Subscriptions() *subscription.Service {
	return h.subs
}

// Catalog returns the event type catalog.
func (h *Herald) Catalog() *catalog.Catalog {
	return h.catalog
}

// DLQ returns the dead-letter service.
func (h *Herald) DLQ() *dlq.Service {
	return h.dlqSvc
}

// Store returns the underlying store.
func (h *Herald) Store() store.Store {
	return h.store
}

// Config returns the effective configuration.
func (h *Herald) Config() Config {
	return h.config
}
