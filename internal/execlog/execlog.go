// Package execlog keeps a bounded in-memory record of recent action
// executions for status queries and statistics.
package execlog

import (
	"sync"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusSuccess      Status = "success"
	StatusFailed       Status = "failed"
	StatusDeduplicated Status = "deduplicated"
	StatusDeferred     Status = "deferred"
	StatusRateLimited  Status = "rate_limited"
	StatusSkipped      Status = "skipped"
)

type Entry struct {
	ID            types.ExecutionID   `json:"id"`
	SubjectID     string              `json:"subject_id"`
	Operation     string              `json:"operation"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
	Status        Status              `json:"status"`
	TriggeredAt   time.Time           `json:"triggered_at"`
	CompletedAt   time.Time           `json:"completed_at,omitempty"`
	DurationMs    int64               `json:"duration_ms"`
	Error         string              `json:"error,omitempty"`
}

type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[Status]int `json:"by_status"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
}

// Log is a ring buffer; once full, the oldest entry is evicted.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	index   map[types.ExecutionID]int

	Now func() time.Time
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Log{
		entries: make([]Entry, capacity),
		index:   make(map[types.ExecutionID]int, capacity),
		Now:     time.Now,
	}
}

func (l *Log) put(e Entry) {
	if l.full {
		delete(l.index, l.entries[l.next].ID)
	}
	l.entries[l.next] = e
	l.index[e.ID] = l.next
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Start records a running execution and returns its id.
func (l *Log) Start(subjectID, operation string, correlationID types.CorrelationID) types.ExecutionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := types.NewExecutionID()
	l.put(Entry{
		ID:            id,
		SubjectID:     subjectID,
		Operation:     operation,
		CorrelationID: correlationID,
		Status:        StatusRunning,
		TriggeredAt:   l.Now(),
	})
	return id
}

// Finish sets the terminal status. It is a no-op when the entry was
// already evicted.
func (l *Log) Finish(id types.ExecutionID, status Status, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return
	}
	e := &l.entries[i]
	e.Status = status
	e.CompletedAt = l.Now()
	e.DurationMs = e.CompletedAt.Sub(e.TriggeredAt).Milliseconds()
	if err != nil {
		e.Error = err.Error()
	}
}

// Record appends a completed entry as-is.
func (l *Log) Record(e Entry) types.ExecutionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.ID == "" {
		e.ID = types.NewExecutionID()
	}
	if e.TriggeredAt.IsZero() {
		e.TriggeredAt = l.Now()
	}
	l.put(e)
	return e.ID
}

func (l *Log) Get(id types.ExecutionID) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return Entry{}, false
	}
	return l.entries[i], true
}

func (l *Log) size() int {
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	size := l.size()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	for k := 1; k <= n; k++ {
		i := (l.next - k + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[i])
	}
	return out
}

func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Stats{ByStatus: make(map[Status]int)}
	var total int64
	completed := 0
	for i := 0; i < l.size(); i++ {
		e := l.entries[i]
		s.Total++
		s.ByStatus[e.Status]++
		if !e.CompletedAt.IsZero() {
			total += e.DurationMs
			completed++
		}
	}
	if completed > 0 {
		s.AvgDurationMs = float64(total) / float64(completed)
	}
	return s
}
