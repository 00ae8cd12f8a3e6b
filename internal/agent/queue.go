package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
)

const defaultLane = "default"

// Queue runs work in per-organization FIFO lanes. Runs of one
// organization are processed one at a time in arrival order; the
// semaphore bounds how many lanes make progress at once.
type Queue struct {
	lanes     map[string]chan *Run
	laneSize  int
	semaphore *semaphore.Weighted
	processor func(context.Context, *Run)
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewQueue allows up to maxConcurrent runs across all lanes; each lane
// buffers laneSize runs.
func NewQueue(maxConcurrent int64, laneSize int, processor func(context.Context, *Run)) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if laneSize <= 0 {
		laneSize = 100
	}
	return &Queue{
		lanes:     make(map[string]chan *Run),
		laneSize:  laneSize,
		semaphore: semaphore.NewWeighted(maxConcurrent),
		processor: processor,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop stops accepting runs, lets lanes drain what they already hold and
// waits for them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

// Enqueue adds run to its organization's lane, starting the lane on first
// use. A full lane is reported as rate limited.
func (q *Queue) Enqueue(run *Run) error {
	const op = "agent.enqueue"
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx == nil || q.closed {
		return errs.InvalidState(op, "queue is not running")
	}

	key := run.orgID()
	if key == "" {
		key = defaultLane
	}
	lane, exists := q.lanes[key]
	if !exists {
		lane = make(chan *Run, q.laneSize)
		q.lanes[key] = lane
		q.wg.Add(1)
		go q.processLane(key, lane)
	}

	select {
	case lane <- run:
		q.active.Add(1)
		return nil
	default:
		return errs.E(errs.KindRateLimited, op, "queue full for organization %s", key)
	}
}

func (q *Queue) processLane(key string, lane chan *Run) {
	defer q.wg.Done()
	for run := range lane {
		if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
			slog.Warn("dropping queued run", "run_id", string(run.ID), "lane", key, "error", err)
			q.active.Add(-1)
			continue
		}
		q.processor(q.ctx, run)
		q.semaphore.Release(1)
		q.active.Add(-1)
	}
}

// Depth returns the number of runs waiting across all lanes.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// WaitIdle blocks until no runs are queued or being processed, or the
// timeout expires. Returns true if idle.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
