// Package store defines the composite Store interface for all Herald
// persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them, so one backend serves the whole engine.
package store

import (
	"context"

	"github.com/xraph/herald/audit"
	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/dispatch"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/subscription"
	"github.com/xraph/herald/task"
)

// Store is the aggregate persistence interface.
type Store interface {
	event.Store
	subscription.Store
	task.Store
	audit.Store
	catalog.Store
	dispatch.CursorStore

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
