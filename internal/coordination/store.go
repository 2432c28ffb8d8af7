// Package coordination provides the cross-process primitives the engine
// relies on: the per-conversation turn lock and the abort flag. Both sit
// on a small key-value Store so single-process deployments can run on
// memory while multi-process deployments share Redis.
package coordination

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("coordination: key not found")

// Store is the minimal key-value surface the coordination primitives need.
// All keys carry a TTL so crashed processes cannot leave permanent state.
type Store interface {
	// SetNX sets key to value only if it does not already exist.
	// Returns true if the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set unconditionally sets key to value with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// CompareAndDelete removes key only if it currently holds value.
	// Returns true if the key was deleted.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// Close releases the underlying connection.
	Close() error
}
