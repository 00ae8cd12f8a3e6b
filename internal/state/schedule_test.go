// internal/state/schedule_test.go
package state

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

func TestScheduleStore_ListEmpty(t *testing.T) {
	store := NewScheduleStore(filepath.Join(t.TempDir(), "schedules.json"))

	jobs, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected empty list, got %d jobs", len(jobs))
	}
}

func TestScheduleStore_PutListRemove(t *testing.T) {
	store := NewScheduleStore(filepath.Join(t.TempDir(), "schedules.json"))
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	late := &Job{ID: types.NewScheduleID(), Kind: "notification", RunAt: now.Add(2 * time.Hour), Payload: json.RawMessage(`{"to":"a"}`)}
	early := &Job{ID: types.NewScheduleID(), Kind: "automation", RunAt: now.Add(time.Hour)}
	for _, j := range []*Job{late, early} {
		if err := store.Put(j); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != early.ID {
		t.Fatalf("expected jobs ordered by run_at, got %+v", jobs)
	}

	late.RunAt = now
	if err := store.Put(late); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(late.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.RunAt.Equal(now) || string(got.Payload) != `{"to":"a"}` {
		t.Errorf("put did not replace job: %+v", got)
	}

	removed, err := store.Remove(early.ID)
	if err != nil || !removed {
		t.Fatalf("remove = %v, %v", removed, err)
	}
	removed, err = store.Remove(early.ID)
	if err != nil || removed {
		t.Errorf("second remove = %v, %v", removed, err)
	}
	if _, err := store.Get(early.ID); err == nil {
		t.Error("expected error for removed job")
	}
}
