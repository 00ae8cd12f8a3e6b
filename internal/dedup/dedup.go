// Package dedup suppresses repeat execution of semantically identical
// actions within a time window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/store"
)

type Cache struct {
	store  store.KeyedStore
	window time.Duration
	prefix string

	Now func() time.Time
}

// New creates a cache whose entries live in st for window.
func New(st store.KeyedStore, window time.Duration) *Cache {
	return &Cache{store: st, window: window, prefix: "dedup:", Now: time.Now}
}

func (c *Cache) Window() time.Duration { return c.window }

// Key derives a stable dedup key from the parts that make two actions
// equivalent, e.g. Key("notify", channel, recipient, templateID).
func Key(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:16])
}

// CheckDuplicate reports whether key was recorded within the window.
func (c *Cache) CheckDuplicate(ctx context.Context, key string) (bool, error) {
	val, ok, err := c.store.Get(ctx, c.prefix+key)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if !ok {
		return false, nil
	}
	// The store TTL already bounds the entry; the timestamp guards stores
	// whose expiry is coarser than the window.
	if first, err := strconv.ParseInt(string(val), 10, 64); err == nil {
		if c.Now().Sub(time.UnixMilli(first)) > c.window {
			return false, nil
		}
	}
	return true, nil
}

// Record starts a window for key at the current time.
func (c *Cache) Record(ctx context.Context, key string) error {
	if err := c.store.Set(ctx, c.prefix+key, c.stamp(), c.window); err != nil {
		return fmt.Errorf("dedup record: %w", err)
	}
	return nil
}

// CheckAndRecord records key unless it is already active and reports
// whether it was a duplicate. The check and record are a single store
// operation, so two racing callers see exactly one non-duplicate.
func (c *Cache) CheckAndRecord(ctx context.Context, key string) (bool, error) {
	stored, err := c.store.SetNX(ctx, c.prefix+key, c.stamp(), c.window)
	if err != nil {
		return false, fmt.Errorf("dedup check-and-record: %w", err)
	}
	return !stored, nil
}

// Forget drops key so the next attempt is not treated as a duplicate.
// Executors call it when the deduplicated operation failed before any
// side effect happened.
func (c *Cache) Forget(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.prefix+key)
}

// Sweep evicts expired entries; it runs on a fixed interval.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	return c.store.Sweep(ctx)
}

func (c *Cache) stamp() []byte {
	return []byte(strconv.FormatInt(c.Now().UnixMilli(), 10))
}
