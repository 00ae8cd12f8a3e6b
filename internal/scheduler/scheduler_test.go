// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
)

type reminder struct {
	EventID string `json:"event_id"`
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("condition not met within %v", timeout)
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	store := state.NewScheduleStore(filepath.Join(t.TempDir(), "schedules.json"))
	sched := New(store, nil)

	got := make(chan reminder, 1)
	sched.Register("reminder", func(ctx context.Context, job *state.Job) error {
		r, err := Decode[reminder](job)
		if err != nil {
			return err
		}
		got <- r
		return nil
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	id, err := sched.Schedule(context.Background(), "reminder", reminder{EventID: "evt-1"}, time.Now().Add(50*time.Millisecond), "corr-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(sched.Pending()) != 1 {
		t.Fatalf("expected 1 pending job")
	}

	select {
	case r := <-got:
		if r.EventID != "evt-1" {
			t.Errorf("payload = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}

	waitFor(t, time.Second, func() bool { return len(sched.Pending()) == 0 })
	jobs, _ := store.List()
	if len(jobs) != 0 {
		t.Errorf("fired job should be removed from store, got %d", len(jobs))
	}
	if err := sched.Cancel(id); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("cancel after fire = %v, want not found", err)
	}
}

func TestSchedulerCancel(t *testing.T) {
	store := state.NewScheduleStore(filepath.Join(t.TempDir(), "schedules.json"))
	sched := New(store, nil)

	var fires atomic.Int32
	sched.Register("notification", func(ctx context.Context, job *state.Job) error {
		fires.Add(1)
		return nil
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	id, err := sched.Schedule(context.Background(), "notification", map[string]string{"to": "a"}, time.Now().Add(100*time.Millisecond), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.Cancel(id); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if n := fires.Load(); n != 0 {
		t.Errorf("cancelled job fired %d times", n)
	}
	jobs, _ := store.List()
	if len(jobs) != 0 {
		t.Errorf("cancelled job still persisted")
	}
}

func TestSchedulerResumesPersistedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")

	// First process schedules a job and stops before it fires.
	first := New(state.NewScheduleStore(path), nil)
	first.Register("automation", func(ctx context.Context, job *state.Job) error { return nil })
	if _, err := first.Schedule(context.Background(), "automation", map[string]int{"n": 1}, time.Now().Add(-time.Minute), "corr-2", "org-1"); err != nil {
		t.Fatal(err)
	}

	// Second process picks it up and fires it immediately since it is overdue.
	second := New(state.NewScheduleStore(path), nil)
	fired := make(chan *state.Job, 1)
	second.Register("automation", func(ctx context.Context, job *state.Job) error {
		fired <- job
		return nil
	})
	if err := second.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer second.Stop()

	select {
	case job := <-fired:
		if job.CorrelationID != "corr-2" || job.OrgID != "org-1" {
			t.Errorf("job = %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overdue persisted job did not fire")
	}
}

func TestSchedulerUnknownKind(t *testing.T) {
	sched := New(state.NewScheduleStore(filepath.Join(t.TempDir(), "s.json")), nil)
	_, err := sched.Schedule(context.Background(), "nope", nil, time.Now(), "", "")
	if !errors.Is(err, errs.ErrValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestSchedulerHandlerPanicRecovered(t *testing.T) {
	sched := New(state.NewScheduleStore(filepath.Join(t.TempDir(), "s.json")), nil)
	var after atomic.Int32
	sched.Register("bad", func(ctx context.Context, job *state.Job) error { panic("boom") })
	sched.Register("good", func(ctx context.Context, job *state.Job) error {
		after.Add(1)
		return nil
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	now := time.Now()
	if _, err := sched.Schedule(context.Background(), "bad", nil, now, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.Schedule(context.Background(), "good", nil, now.Add(20*time.Millisecond), "", ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return after.Load() == 1 })
}

func TestSchedulerEvery(t *testing.T) {
	sched := New(state.NewScheduleStore(filepath.Join(t.TempDir(), "s.json")), nil)

	var fires atomic.Int32
	if err := sched.Every("sweep", "@every 1s", func(ctx context.Context) { fires.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := sched.Every("broken", "not a spec", func(ctx context.Context) {}); err == nil {
		t.Error("expected error for invalid spec")
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	waitFor(t, 2500*time.Millisecond, func() bool { return fires.Load() > 0 })
}

func TestSchedulerFailureHook(t *testing.T) {
	sched := New(state.NewScheduleStore(filepath.Join(t.TempDir(), "schedules.json")), nil)
	sched.Register("sync", func(ctx context.Context, job *state.Job) error {
		return errs.Exhausted(errors.New("upstream down"))
	})
	sched.Register("ok", func(ctx context.Context, job *state.Job) error { return nil })

	var failed atomic.Int32
	var kind atomic.Value
	sched.OnFailure(func(ctx context.Context, job *state.Job, err error) {
		if errs.KindOf(err) != errs.KindExhausted {
			t.Errorf("kind = %s, want exhausted", errs.KindOf(err))
		}
		kind.Store(job.Kind)
		failed.Add(1)
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	for _, k := range []string{"ok", "sync"} {
		if _, err := sched.Schedule(context.Background(), k, nil, time.Now(), "corr-1", "org-1"); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return failed.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := failed.Load(); n != 1 {
		t.Errorf("hook ran %d times, want 1", n)
	}
	if got := kind.Load(); got != "sync" {
		t.Errorf("failed kind = %v", got)
	}
}
