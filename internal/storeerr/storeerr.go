// Package storeerr holds the storage-level sentinels shared by every
// backend and by the engine loops that react to them.
package storeerr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the durable medium could not accept or serve a
	// request. Callers must assume a failed write was not recorded.
	ErrUnavailable = errors.New("herald: store unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("herald: store is closed")
)

// Unavailable wraps a driver error so that it matches ErrUnavailable while
// keeping the driver error in the chain.
func Unavailable(backend, op string, err error) error {
	return fmt.Errorf("herald/%s: %s: %w: %w", backend, op, ErrUnavailable, err)
}
