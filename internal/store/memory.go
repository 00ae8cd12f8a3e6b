package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memValue struct {
	val       []byte
	expiresAt time.Time
}

type memLog struct {
	times     []time.Time // ascending
	expiresAt time.Time
}

// Memory is a process-local KeyedStore. All operations hold one mutex, so
// a check followed by a record on the same key cannot interleave with
// another caller's check when done under the caller's own lock.
type Memory struct {
	mu     sync.Mutex
	values map[string]memValue
	logs   map[string]*memLog
	now    func() time.Time
}

// NewMemory creates an in-memory store. now may be nil to use time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		values: make(map[string]memValue),
		logs:   make(map[string]*memLog),
		now:    now,
	}
}

func (m *Memory) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	if m.expired(v.expiresAt) {
		delete(m.values, key)
		return nil, false, nil
	}
	return v.val, true, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memValue{val: val, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok && !m.expired(v.expiresAt) {
		return false, nil
	}
	m.values[key] = memValue{val: val, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.logs, key)
	return nil
}

func (m *Memory) Append(_ context.Context, key string, at time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[key]
	if !ok {
		l = &memLog{}
		m.logs[key] = l
	}
	i := sort.Search(len(l.times), func(i int) bool { return l.times[i].After(at) })
	l.times = append(l.times, time.Time{})
	copy(l.times[i+1:], l.times[i:])
	l.times[i] = at
	l.expiresAt = m.deadline(ttl)
	return nil
}

// firstAtOrAfter returns the index of the first timestamp >= since.
func firstAtOrAfter(times []time.Time, since time.Time) int {
	return sort.Search(len(times), func(i int) bool { return !times[i].Before(since) })
}

func (m *Memory) Count(_ context.Context, key string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[key]
	if !ok {
		return 0, nil
	}
	return len(l.times) - firstAtOrAfter(l.times, since), nil
}

func (m *Memory) Oldest(_ context.Context, key string, since time.Time) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[key]
	if !ok {
		return time.Time{}, false, nil
	}
	i := firstAtOrAfter(l.times, since)
	if i == len(l.times) {
		return time.Time{}, false, nil
	}
	return l.times[i], true, nil
}

func (m *Memory) Trim(_ context.Context, key string, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[key]
	if !ok {
		return nil
	}
	l.times = l.times[firstAtOrAfter(l.times, cutoff):]
	if len(l.times) == 0 {
		delete(m.logs, key)
	}
	return nil
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, v := range m.values {
		if m.expired(v.expiresAt) {
			delete(m.values, k)
			removed++
		}
	}
	for k, l := range m.logs {
		if len(l.times) == 0 || m.expired(l.expiresAt) {
			delete(m.logs, k)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of live keys, for tests and stats.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values) + len(m.logs)
}
