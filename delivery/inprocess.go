package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/subscription"
)

// ErrHandlerExists is returned when a handle is registered twice.
var ErrHandlerExists = errors.New("herald: in-process handler already registered")

// Handler receives events for an in-process subscription. A returned
// error or a panic counts as a transient failure.
type Handler func(ctx context.Context, evt *event.Event) error

// InProcessSink invokes registered callbacks. A subscription's Endpoint is
// the handle its callback was registered under.
type InProcessSink struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewInProcessSink creates an empty callback registry.
func NewInProcessSink() *InProcessSink {
	return &InProcessSink{handlers: make(map[string]Handler)}
}

// Register binds fn to handle.
func (s *InProcessSink) Register(handle string, fn Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[handle]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, handle)
	}
	s.handlers[handle] = fn
	return nil
}

// Unregister removes the callback for handle. Pending tasks for it fail
// transiently until a callback is registered again.
func (s *InProcessSink) Unregister(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, handle)
}

// Registered reports whether a callback is bound to handle.
func (s *InProcessSink) Registered(handle string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[handle]
	return ok
}

// Deliver calls the callback registered for sub.Endpoint.
func (s *InProcessSink) Deliver(ctx context.Context, evt *event.Event, sub *subscription.Subscription) Result {
	s.mu.RLock()
	fn, ok := s.handlers[sub.Endpoint]
	s.mu.RUnlock()
	if !ok {
		return Result{
			Outcome: audit.OutcomeTransientFailure,
			Detail:  fmt.Sprintf("no handler registered for %q", sub.Endpoint),
		}
	}

	start := time.Now()
	err := invoke(ctx, fn, evt.Clone())
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return Result{Outcome: audit.OutcomeTransientFailure, Detail: err.Error(), LatencyMs: latency}
	}
	return Result{Outcome: audit.OutcomeSent, LatencyMs: latency}
}

func invoke(ctx context.Context, fn Handler, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, evt)
}
