// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Handler is invoked when a job of its kind fires.
type Handler func(ctx context.Context, job *state.Job) error

// FailureHook is told about every job whose handler returned an error.
type FailureHook func(ctx context.Context, job *state.Job, err error)

// Store persists pending jobs so they survive a restart.
// *state.ScheduleStore implements it.
type Store interface {
	List() ([]*state.Job, error)
	Put(job *state.Job) error
	Remove(id types.ScheduleID) (bool, error)
}

// Scheduler fires one-shot delayed jobs at their RunAt time and runs
// recurring maintenance functions on cron expressions.
type Scheduler struct {
	store    Store
	metrics  *metrics.Metrics
	handlers map[string]Handler
	onFail   []FailureHook
	cron     *cron.Cron

	mu      sync.Mutex
	jobs    map[types.ScheduleID]*state.Job
	timers  map[types.ScheduleID]*time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup

	Now func() time.Time
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like @every.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler backed by store. Handlers must be registered
// before Start.
func New(store Store, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:    store,
		metrics:  m,
		handlers: make(map[string]Handler),
		cron:     cron.New(cron.WithParser(cronParser)),
		jobs:     make(map[types.ScheduleID]*state.Job),
		timers:   make(map[types.ScheduleID]*time.Timer),
		Now:      time.Now,
	}
}

func (s *Scheduler) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// OnFailure adds a hook run after a job's handler fails.
func (s *Scheduler) OnFailure(fn FailureHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFail = append(s.onFail, fn)
}

// Schedule persists a job and arms its timer. payload is stored as JSON;
// a runAt in the past fires as soon as the scheduler is running.
func (s *Scheduler) Schedule(_ context.Context, kind string, payload any, runAt time.Time, correlationID types.CorrelationID, orgID string) (types.ScheduleID, error) {
	const op = "scheduler.schedule"

	s.mu.Lock()
	_, known := s.handlers[kind]
	s.mu.Unlock()
	if !known {
		return "", errs.Validation(op, "no handler registered for %q", kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Validation(op, "encode payload: %v", err)
	}
	job := &state.Job{
		ID:            types.NewScheduleID(),
		Kind:          kind,
		Payload:       data,
		RunAt:         runAt.UTC(),
		CorrelationID: correlationID,
		OrgID:         orgID,
		CreatedAt:     s.Now().UTC(),
	}
	if err := s.store.Put(job); err != nil {
		return "", fmt.Errorf("%s: persist job: %w", op, err)
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	if s.started && !s.stopped {
		s.arm(job)
	}
	n := len(s.jobs)
	s.mu.Unlock()

	s.metrics.SetScheduledJobs(n)
	slog.Info("job scheduled", "schedule_id", string(job.ID), "kind", kind,
		"run_at", job.RunAt, "correlation_id", string(correlationID))
	return job.ID, nil
}

// Cancel removes a job that has not fired yet. Cancelling an unknown or
// already-fired job returns a not-found error.
func (s *Scheduler) Cancel(id types.ScheduleID) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
		if t, armed := s.timers[id]; armed {
			t.Stop()
			delete(s.timers, id)
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	if !ok {
		return errs.NotFound("scheduler.cancel", "schedule %s not found", id)
	}
	if _, err := s.store.Remove(id); err != nil {
		return fmt.Errorf("scheduler.cancel: %w", err)
	}
	s.metrics.SetScheduledJobs(n)
	slog.Info("job cancelled", "schedule_id", string(id))
	return nil
}

// Pending returns jobs that have not fired, ordered by RunAt.
func (s *Scheduler) Pending() []*state.Job {
	s.mu.Lock()
	out := make([]*state.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

// Every runs fn on a cron spec (e.g. "@every 1m", "0 3 * * *") while the
// scheduler is running.
func (s *Scheduler) Every(name, spec string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		slog.Debug("cron firing", "name", name)
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec for %s: %w", name, err)
	}
	slog.Info("recurring job registered", "name", name, "spec", spec)
	return nil
}

// Start reloads persisted jobs, arms every timer and starts the cron
// ticker. Jobs whose RunAt passed while the process was down fire
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	persisted, err := s.store.List()
	if err != nil {
		return fmt.Errorf("load scheduled jobs: %w", err)
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, job := range persisted {
		if _, ok := s.jobs[job.ID]; !ok {
			s.jobs[job.ID] = job
		}
	}
	for _, job := range s.jobs {
		s.arm(job)
	}
	n := len(s.jobs)
	s.mu.Unlock()

	s.metrics.SetScheduledJobs(n)
	s.cron.Start()
	slog.Info("scheduler started", "pending", n)
	return nil
}

// Stop halts timers and cron and waits for running handlers. Pending jobs
// stay persisted for the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// arm starts the timer for job. Caller must hold mu.
func (s *Scheduler) arm(job *state.Job) {
	if _, ok := s.timers[job.ID]; ok {
		return
	}
	d := job.RunAt.Sub(s.Now())
	if d < 0 {
		d = 0
	}
	id := job.ID
	s.timers[id] = time.AfterFunc(d, func() { s.fire(id) })
}

func (s *Scheduler) fire(id types.ScheduleID) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, id)
	delete(s.timers, id)
	h := s.handlers[job.Kind]
	hooks := s.onFail
	ctx := s.ctx
	n := len(s.jobs)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.metrics.SetScheduledJobs(n)
	if _, err := s.store.Remove(id); err != nil {
		slog.Error("remove fired job", "schedule_id", string(id), "error", err)
	}

	err := s.run(ctx, h, job)
	if err != nil {
		slog.Error("scheduled job failed", "schedule_id", string(id), "kind", job.Kind,
			"correlation_id", string(job.CorrelationID), "error", err)
		for _, fn := range hooks {
			fn(ctx, job, err)
		}
		return
	}
	slog.Info("scheduled job fired", "schedule_id", string(id), "kind", job.Kind,
		"correlation_id", string(job.CorrelationID))
}

func (s *Scheduler) run(ctx context.Context, h Handler, job *state.Job) (err error) {
	defer errs.Recover("scheduler."+job.Kind, &err)
	if h == nil {
		return fmt.Errorf("no handler for kind %q", job.Kind)
	}
	return h(ctx, job)
}

// Decode unmarshals a job payload into T.
func Decode[T any](job *state.Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, errs.Validation("scheduler.decode", "decode %s payload: %v", job.Kind, err)
	}
	return v, nil
}
