package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotExist is returned when a key does not exist in the store.
	ErrNotExist = errors.New("the key does not exist")

	// ErrUnavailable wraps every failure of the underlying store
	// (connection, timeout, protocol) so that callers never confuse
	// an unreachable store with a missing key.
	ErrUnavailable = errors.New("store unavailable")
)

// Store represents a key-value backend where OTP and rate limit state is
// kept. Every operation is atomic on a single key. There are no
// multi-key transactions.
type Store interface {
	// Get returns the value stored against a key or ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set sets a value against a key, replacing any existing value.
	// A ttl of 0 means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Delete deletes a key and reports whether it existed. Deleting a
	// non-existent key is not an error.
	Delete(ctx context.Context, key string) (bool, error)

	// CompareAndSwap atomically replaces the value of a key with val only
	// if the current value is old, and reports whether it did. A nil val
	// deletes the key. A missing key is never created.
	CompareAndSwap(ctx context.Context, key string, old, val []byte, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer value of a key by one and
	// returns the new value. A missing key is treated as 0.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining TTL on a key. It returns -1 for a key
	// without an expiry and ErrNotExist if the key doesn't exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping checks if store is reachable.
	Ping(ctx context.Context) error
}
