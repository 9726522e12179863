// Package catalog keeps the registry of known CRM event types and validates
// emitted payloads against their JSON Schemas.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
)

// Config configures the catalog.
type Config struct {
	// CacheTTL bounds how long a looked-up type is served from memory.
	// 0 caches forever.
	CacheTTL time.Duration

	// Strict rejects event types that were never registered.
	Strict bool
}

type cached struct {
	et       *EventType
	loadedAt time.Time
}

// Catalog is a cached front for the event type Store.
type Catalog struct {
	store     Store
	validator *Validator
	cfg       Config
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]cached
}

// NewCatalog creates a Catalog backed by store.
func NewCatalog(store Store, cfg Config, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:     store,
		validator: NewValidator(),
		cfg:       cfg,
		logger:    logger,
		cache:     make(map[string]cached),
	}
}

// RegisterType registers or updates an event type definition.
func (c *Catalog) RegisterType(ctx context.Context, def Definition, metadata map[string]string) (*EventType, error) {
	if def.Name == "" {
		return nil, errors.New("herald: event type name is required")
	}
	if len(def.Schema) > 0 {
		if _, err := c.validator.compile(def.Schema); err != nil {
			return nil, fmt.Errorf("herald: event type %s: %w", def.Name, err)
		}
	}

	et := &EventType{
		Entity:     entity.New(),
		ID:         id.NewEventTypeID(),
		Definition: def,
		Metadata:   metadata,
	}
	if err := c.store.RegisterType(ctx, et); err != nil {
		return nil, err
	}

	c.put(et)
	c.logger.DebugContext(ctx, "event type registered", "event_type", def.Name)
	return et, nil
}

// GetType returns an event type by name, from cache when fresh.
func (c *Catalog) GetType(ctx context.Context, name string) (*EventType, error) {
	c.mu.RLock()
	entry, ok := c.cache[name]
	c.mu.RUnlock()
	if ok && (c.cfg.CacheTTL == 0 || time.Since(entry.loadedAt) <= c.cfg.CacheTTL) {
		return entry.et, nil
	}

	et, err := c.store.GetType(ctx, name)
	if err != nil {
		return nil, err
	}
	c.put(et)
	return et, nil
}

// ListTypes returns registered event types.
func (c *Catalog) ListTypes(ctx context.Context, opts ListOpts) ([]*EventType, error) {
	return c.store.ListTypes(ctx, opts)
}

// DeleteType deprecates an event type.
func (c *Catalog) DeleteType(ctx context.Context, name string) error {
	if err := c.store.DeleteType(ctx, name); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()
	return nil
}

// InvalidateCache forces fresh reads from the store.
func (c *Catalog) InvalidateCache() {
	c.mu.Lock()
	c.cache = make(map[string]cached)
	c.mu.Unlock()
}

// Check decides whether a payload of the given type may be emitted.
// Unregistered types pass unless the catalog is strict.
func (c *Catalog) Check(ctx context.Context, eventType string, payload json.RawMessage) error {
	et, err := c.GetType(ctx, eventType)
	if errors.Is(err, ErrNotFound) {
		if c.cfg.Strict {
			return fmt.Errorf("%w: %s", ErrNotFound, eventType)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if et.IsDeprecated {
		return fmt.Errorf("%w: %s", ErrDeprecated, eventType)
	}
	if len(et.Definition.Schema) > 0 {
		if err := c.validator.Validate(et.Definition.Schema, payload); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidPayload, err.Error())
		}
	}
	return nil
}

func (c *Catalog) put(et *EventType) {
	c.mu.Lock()
	c.cache[et.Definition.Name] = cached{et: et, loadedAt: time.Now()}
	c.mu.Unlock()
}
