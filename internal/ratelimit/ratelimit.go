// Package ratelimit implements sliding-window quotas per key (recipient,
// workflow, organization) plus one global ceiling across all keys.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/store"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// globalKey holds the log shared by every key.
const globalKey = "__global__"

// Limits configures the windows. A zero limit disables that check.
type Limits struct {
	Window          time.Duration
	PerWindow       int
	PerHour         int
	PerDay          int
	GlobalPerWindow int
	// UrgentBurst is added to PerWindow for urgent-priority checks.
	UrgentBurst int
}

// Verdict is the outcome of a check. RetryAfter is set when Allowed is false.
type Verdict struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// Usage reports how many events a key has inside each window.
type Usage struct {
	Window int `json:"window"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
}

type Limiter struct {
	store  store.KeyedStore
	limits Limits
	prefix string
	mu     sync.Mutex

	Now func() time.Time
}

// New creates a limiter whose logs live in st under prefix (e.g. "rl:notify:").
func New(st store.KeyedStore, prefix string, limits Limits) *Limiter {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	return &Limiter{store: st, limits: limits, prefix: prefix, Now: time.Now}
}

func (l *Limiter) Limits() Limits { return l.limits }

// widest is the longest window any check looks at; entries older than it
// are never needed again.
func (l *Limiter) widest() time.Duration {
	w := l.limits.Window
	if l.limits.PerHour > 0 && time.Hour > w {
		w = time.Hour
	}
	if l.limits.PerDay > 0 && 24*time.Hour > w {
		w = 24 * time.Hour
	}
	return w
}

type check struct {
	key    string
	span   time.Duration
	limit  int
	reason string
}

func (l *Limiter) checks(key string, p types.Priority) []check {
	perWindow := l.limits.PerWindow
	if p.IsUrgent() {
		perWindow += l.limits.UrgentBurst
	}
	return []check{
		{l.prefix + key, l.limits.Window, perWindow, "per-window limit reached"},
		{l.prefix + key, time.Hour, l.limits.PerHour, "hourly limit reached"},
		{l.prefix + key, 24 * time.Hour, l.limits.PerDay, "daily limit reached"},
		{l.prefix + globalKey, l.limits.Window, l.limits.GlobalPerWindow, "global limit reached"},
	}
}

// IsAllowed reports whether one more event for key fits every window.
// An event recorded at t counts until now-t exceeds the window.
func (l *Limiter) IsAllowed(ctx context.Context, key string, p types.Priority) (Verdict, error) {
	now := l.Now()
	verdict := Verdict{Allowed: true}
	for _, c := range l.checks(key, p) {
		if c.limit <= 0 {
			continue
		}
		since := now.Add(-c.span)
		n, err := l.store.Count(ctx, c.key, since)
		if err != nil {
			return Verdict{}, fmt.Errorf("rate limit count: %w", err)
		}
		if n < c.limit {
			continue
		}
		oldest, ok, err := l.store.Oldest(ctx, c.key, since)
		if err != nil {
			return Verdict{}, fmt.Errorf("rate limit oldest: %w", err)
		}
		wait := time.Millisecond
		if ok {
			wait = oldest.Add(c.span).Sub(now) + time.Millisecond
		}
		if verdict.Allowed || wait > verdict.RetryAfter {
			verdict = Verdict{Allowed: false, RetryAfter: wait, Reason: c.reason}
		}
	}
	return verdict, nil
}

// Record counts one event for key (and the global ceiling) at the current
// time and drops entries older than the widest window.
func (l *Limiter) Record(ctx context.Context, key string) error {
	now := l.Now()
	ttl := l.widest()
	for _, k := range []string{l.prefix + key, l.prefix + globalKey} {
		if err := l.store.Append(ctx, k, now, ttl); err != nil {
			return fmt.Errorf("rate limit record: %w", err)
		}
		if err := l.store.Trim(ctx, k, now.Add(-ttl)); err != nil {
			return fmt.Errorf("rate limit trim: %w", err)
		}
	}
	return nil
}

// Allow checks and, when allowed, records in one step. Concurrent callers
// in this process cannot both pass a check meant to admit only one.
func (l *Limiter) Allow(ctx context.Context, key string, p types.Priority) (Verdict, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := l.IsAllowed(ctx, key, p)
	if err != nil || !v.Allowed {
		return v, err
	}
	if err := l.Record(ctx, key); err != nil {
		return Verdict{}, err
	}
	return v, nil
}

// Status returns the current counts for key.
func (l *Limiter) Status(ctx context.Context, key string) (Usage, error) {
	now := l.Now()
	k := l.prefix + key
	var u Usage
	var err error
	if u.Window, err = l.store.Count(ctx, k, now.Add(-l.limits.Window)); err != nil {
		return u, err
	}
	if u.Hour, err = l.store.Count(ctx, k, now.Add(-time.Hour)); err != nil {
		return u, err
	}
	if u.Day, err = l.store.Count(ctx, k, now.Add(-24*time.Hour)); err != nil {
		return u, err
	}
	return u, nil
}
