// Package memory provides an in-memory Store for tests and single-process
// embedding. Nothing survives a restart.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/dispatch"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/storeerr"
	heraldstore "github.com/xraph/herald/store"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// compile-time interface check.
var _ heraldstore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	events     []*event.Event
	subs       map[string]*subscription.Subscription // keyed by ID string
	tasks      map[string]*task.Task                 // keyed by ID string
	taskKeys   map[task.Key]string                   // composite key -> task ID
	audits     []*audit.Record
	eventTypes map[string]*catalog.EventType // keyed by name
	cursors    map[string]*dispatch.Cursor

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		subs:       make(map[string]*subscription.Subscription),
		tasks:      make(map[string]*task.Task),
		taskKeys:   make(map[task.Key]string),
		eventTypes: make(map[string]*catalog.EventType),
		cursors:    make(map[string]*dispatch.Cursor),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports ErrClosed after Close.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storeerr.ErrClosed
	}
	return nil
}

// Close marks the store as closed. Later writes fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// event.Store
// ──────────────────────────────────────────────────

// AppendEvent assigns the next sequence under the write lock.
func (s *Store) AppendEvent(_ context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storeerr.ErrClosed
	}

	evt.Sequence = int64(len(s.events)) + 1
	s.events = append(s.events, evt.Clone())
	return nil
}

// GetEvent returns an event by sequence.
func (s *Store) GetEvent(_ context.Context, seq int64) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if seq < 1 || seq > int64(len(s.events)) {
		return nil, event.ErrNotFound
	}
	return s.events[seq-1].Clone(), nil
}

// ReadEvents returns up to limit events after the given sequence.
func (s *Store) ReadEvents(_ context.Context, after int64, limit int) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if after < 0 {
		after = 0
	}
	if after >= int64(len(s.events)) {
		return nil, nil
	}
	page := s.events[after:]
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}
	out := make([]*event.Event, len(page))
	for i, e := range page {
		out[i] = e.Clone()
	}
	return out, nil
}

// LastSequence returns the highest assigned sequence.
func (s *Store) LastSequence(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)), nil
}

// ──────────────────────────────────────────────────
// subscription.Store
// ──────────────────────────────────────────────────

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storeerr.ErrClosed
	}
	s.subs[sub.ID.String()] = sub.Clone()
	return nil
}

// GetSubscription returns a subscription by ID.
func (s *Store) GetSubscription(_ context.Context, subID id.ID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[subID.String()]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return sub.Clone(), nil
}

// UpdateSubscription replaces an existing subscription.
func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.ID.String()]; !ok {
		return subscription.ErrNotFound
	}
	sub.UpdatedAt = time.Now().UTC()
	s.subs[sub.ID.String()] = sub.Clone()
	return nil
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(_ context.Context, subID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[subID.String()]; !ok {
		return subscription.ErrNotFound
	}
	delete(s.subs, subID.String())
	return nil
}

// ListSubscriptions returns subscriptions ordered by ID.
func (s *Store) ListSubscriptions(_ context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if opts.Active != nil && sub.Active != *opts.Active {
			continue
		}
		if opts.Kind != "" && sub.Kind != opts.Kind {
			continue
		}
		if opts.TenantID != "" && sub.TenantID != opts.TenantID {
			continue
		}
		result = append(result, sub.Clone())
	}
	slices.SortFunc(result, func(a, b *subscription.Subscription) int { return a.ID.Compare(b.ID) })
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// SetActive flips the active flag.
func (s *Store) SetActive(_ context.Context, subID id.ID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subID.String()]
	if !ok {
		return subscription.ErrNotFound
	}
	sub.Active = active
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// ──────────────────────────────────────────────────
// task.Store
// ──────────────────────────────────────────────────

// CreateTasks inserts tasks whose composite key is new.
func (s *Store) CreateTasks(_ context.Context, tasks []*task.Task) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storeerr.ErrClosed
	}

	created := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		key := t.Key()
		if _, exists := s.taskKeys[key]; exists {
			continue
		}
		s.tasks[t.ID.String()] = t.Clone()
		s.taskKeys[key] = t.ID.String()
		created = append(created, t)
	}
	return created, nil
}

// GetTask returns a task by ID.
func (s *Store) GetTask(_ context.Context, taskID id.ID) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID.String()]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t.Clone(), nil
}

// GetTaskByKey returns the task for an (event, subscription) pair.
func (s *Store) GetTaskByKey(_ context.Context, seq int64, subID id.ID) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tid, ok := s.taskKeys[task.Key{EventSequence: seq, SubscriptionID: subID.String()}]
	if !ok {
		return nil, task.ErrNotFound
	}
	return s.tasks[tid].Clone(), nil
}

// ClaimTask moves a pending task to in-flight.
func (s *Store) ClaimTask(_ context.Context, taskID id.ID, now time.Time) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storeerr.ErrClosed
	}

	t, ok := s.tasks[taskID.String()]
	if !ok {
		return nil, task.ErrNotFound
	}
	if t.State != task.StatePending || t.NextAttemptAt.After(now) {
		return nil, task.ErrConflict
	}
	claimed := now.UTC()
	t.State = task.StateInFlight
	t.ClaimedAt = &claimed
	t.UpdatedAt = claimed
	t.Version++
	return t.Clone(), nil
}

// UpdateTask writes t if its version matches the stored one.
func (s *Store) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storeerr.ErrClosed
	}

	cur, ok := s.tasks[t.ID.String()]
	if !ok {
		return task.ErrNotFound
	}
	if cur.Version != t.Version {
		return task.ErrConflict
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID.String()] = t.Clone()
	return nil
}

// ListDue returns pending tasks due at or before the given time.
func (s *Store) ListDue(_ context.Context, before time.Time, limit int) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*task.Task
	for _, t := range s.tasks {
		if t.State == task.StatePending && !t.NextAttemptAt.After(before) {
			result = append(result, t.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *task.Task) int {
		return cmp.Or(a.NextAttemptAt.Compare(b.NextAttemptAt), compareTasks(a, b))
	})
	return applyPagination(result, 0, limit), nil
}

// ListStale returns in-flight or failed tasks claimed before the given time.
func (s *Store) ListStale(_ context.Context, claimedBefore time.Time, limit int) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*task.Task
	for _, t := range s.tasks {
		held := t.State == task.StateInFlight || t.State == task.StateFailed
		if held && t.ClaimedAt != nil && t.ClaimedAt.Before(claimedBefore) {
			result = append(result, t.Clone())
		}
	}
	slices.SortFunc(result, compareTasks)
	return applyPagination(result, 0, limit), nil
}

// ListTasks returns tasks ordered by (EventSequence, SubscriptionID).
func (s *Store) ListTasks(_ context.Context, opts task.ListOpts) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*task.Task
	for _, t := range s.tasks {
		if opts.State != nil && t.State != *opts.State {
			continue
		}
		if !opts.SubscriptionID.IsNil() && t.SubscriptionID.String() != opts.SubscriptionID.String() {
			continue
		}
		if opts.EventSequence != 0 && t.EventSequence != opts.EventSequence {
			continue
		}
		result = append(result, t.Clone())
	}
	slices.SortFunc(result, compareTasks)
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// CountByState counts tasks per state.
func (s *Store) CountByState(_ context.Context, subID id.ID) (map[task.State]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[task.State]int64)
	for _, t := range s.tasks {
		if !subID.IsNil() && t.SubscriptionID.String() != subID.String() {
			continue
		}
		counts[t.State]++
	}
	return counts, nil
}

func compareTasks(a, b *task.Task) int {
	return cmp.Or(
		cmp.Compare(a.EventSequence, b.EventSequence),
		a.SubscriptionID.Compare(b.SubscriptionID),
	)
}

// ──────────────────────────────────────────────────
// audit.Store
// ──────────────────────────────────────────────────

// AppendAudit appends an audit record.
func (s *Store) AppendAudit(_ context.Context, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storeerr.ErrClosed
	}
	cp := *rec
	s.audits = append(s.audits, &cp)
	return nil
}

// ListAudit returns audit records in append order.
func (s *Store) ListAudit(_ context.Context, opts audit.ListOpts) ([]*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*audit.Record
	for _, r := range s.audits {
		if !opts.TaskID.IsNil() && r.TaskID.String() != opts.TaskID.String() {
			continue
		}
		if !opts.SubscriptionID.IsNil() && r.SubscriptionID.String() != opts.SubscriptionID.String() {
			continue
		}
		if opts.Outcome != "" && r.Outcome != opts.Outcome {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// catalog.Store
// ──────────────────────────────────────────────────

// RegisterType creates or updates an event type (upsert by name).
func (s *Store) RegisterType(_ context.Context, et *catalog.EventType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.eventTypes[et.Definition.Name]; ok {
		et.ID = existing.ID
		et.CreatedAt = existing.CreatedAt
	}
	cp := *et
	cp.IsDeprecated = false
	cp.DeprecatedAt = nil
	s.eventTypes[et.Definition.Name] = &cp
	return nil
}

// GetType returns an event type by name.
func (s *Store) GetType(_ context.Context, name string) (*catalog.EventType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	et, ok := s.eventTypes[name]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *et
	return &cp, nil
}

// ListTypes returns event types ordered by name.
func (s *Store) ListTypes(_ context.Context, opts catalog.ListOpts) ([]*catalog.EventType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*catalog.EventType, 0, len(s.eventTypes))
	for _, et := range s.eventTypes {
		if !opts.IncludeDeprecated && et.IsDeprecated {
			continue
		}
		if opts.Group != "" && et.Definition.Group != opts.Group {
			continue
		}
		cp := *et
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(a, b *catalog.EventType) int {
		return cmp.Compare(a.Definition.Name, b.Definition.Name)
	})
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// DeleteType deprecates an event type.
func (s *Store) DeleteType(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	et, ok := s.eventTypes[name]
	if !ok {
		return catalog.ErrNotFound
	}
	now := time.Now().UTC()
	et.IsDeprecated = true
	et.DeprecatedAt = &now
	return nil
}

// ──────────────────────────────────────────────────
// dispatch.CursorStore
// ──────────────────────────────────────────────────

// GetCursor returns the named cursor.
func (s *Store) GetCursor(_ context.Context, name string) (*dispatch.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cursors[name]
	if !ok {
		return &dispatch.Cursor{Name: name}, nil
	}
	cp := *c
	return &cp, nil
}

// AdvanceCursor compare-and-sets the cursor position.
func (s *Store) AdvanceCursor(_ context.Context, name string, expectedVersion, position int64) (*dispatch.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storeerr.ErrClosed
	}

	var version int64
	if c, ok := s.cursors[name]; ok {
		version = c.Version
	}
	if version != expectedVersion {
		return nil, dispatch.ErrCursorConflict
	}
	c := &dispatch.Cursor{Name: name, Position: position, Version: version + 1, UpdatedAt: time.Now().UTC()}
	s.cursors[name] = c
	cp := *c
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) && offset > 0 {
		return nil
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}
