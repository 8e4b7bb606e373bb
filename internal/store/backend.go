package store

import (
	"context"
	"time"
)

// Backend is the storage primitive behind Store.
//
// Implementations must serialize Update calls for the same code: fn observes
// the latest committed record and its result is applied atomically, or not at
// all. fn may be invoked more than once when an optimistic backend retries, so
// it must not have side effects beyond mutating rec.
type Backend interface {
	// Insert stores rec under code with the given TTL only if no live record
	// exists for code. It reports whether the record was stored.
	Insert(ctx context.Context, code string, rec Record, ttl time.Duration) (bool, error)

	// Get returns the live record for code and its remaining TTL, or
	// ErrNotFound.
	Get(ctx context.Context, code string) (Record, time.Duration, error)

	// Update applies fn to the live record for code, or returns ErrNotFound.
	// An error returned by fn aborts the update and is returned unchanged.
	Update(ctx context.Context, code string, ttl time.Duration, fn func(rec *Record) (Op, error)) (Record, error)

	Ping(ctx context.Context) error
	Close() error
}
