// Package store provides the keyed state shared by the rate limiter and the
// dedup cache. The memory implementation serves single-process deployments;
// the Redis implementation is required once more than one process shares
// quotas.
package store

import (
	"context"
	"time"
)

// KeyedStore holds two kinds of state under string keys: plain values
// with a TTL, and time-ordered logs used as sliding windows.
type KeyedStore interface {
	// Get returns the value stored under key, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX stores val only when key is absent or expired and reports whether it did.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error

	// Append adds a timestamp to the window log at key. ttl bounds the log's lifetime.
	Append(ctx context.Context, key string, at time.Time, ttl time.Duration) error
	// Count returns how many timestamps in the log are at or after since.
	Count(ctx context.Context, key string, since time.Time) (int, error)
	// Oldest returns the earliest timestamp at or after since.
	Oldest(ctx context.Context, key string, since time.Time) (time.Time, bool, error)
	// Trim drops timestamps before cutoff; an emptied log is removed.
	Trim(ctx context.Context, key string, cutoff time.Time) error

	// Sweep evicts expired values and empty logs, returning how many keys it removed.
	Sweep(ctx context.Context) (int, error)
}
