package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/repository"
	"github.com/astralisone/astralis-nextjs-sub001/internal/scheduler"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

type calendarFixture struct {
	cal    *Calendar
	repo   types.Repository
	audit  *state.AuditLog
	sched  *scheduler.Scheduler
	sender *fakeSender
}

func newCalendar(t *testing.T) calendarFixture {
	t.Helper()
	f := calendarFixture{
		repo:   repository.NewMemory(),
		audit:  state.NewAuditLog(t.TempDir()),
		sender: &fakeSender{},
	}
	var sched *scheduler.Scheduler
	notifier := newNotification(t, f.sender, func(o *NotificationOptions) {
		o.Dedup = nil
		sched = o.Scheduler
	})
	f.sched = sched
	f.cal = NewCalendar(f.repo, NewAuditor(f.audit), sched, notifier)
	return f
}

func meeting(calendarID string, start time.Time, attendees ...string) EventSpec {
	return EventSpec{
		CalendarID: calendarID,
		Title:      "Intro call",
		Start:      start,
		End:        start.Add(time.Hour),
		Attendees:  attendees,
	}
}

func TestCreateEvent_StoresAuditsAndArmsReminders(t *testing.T) {
	f := newCalendar(t)
	ctx := context.Background()
	start := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	spec := meeting("cal-1", start, "ada@example.com")
	spec.RemindBefore = []time.Duration{30 * time.Minute, 3 * time.Hour}
	res := f.cal.CreateEvent(ctx, Meta{CorrelationID: "c1"}, spec)

	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.SecondaryError)
	assert.Nil(t, res.PreviousState)
	require.NotNil(t, res.NewState)
	assert.Equal(t, EventScheduled, res.NewState.Status)
	require.Len(t, res.NewState.Reminders, 1, "reminders already in the past are skipped")
	assert.Len(t, f.sched.Pending(), 1)

	stored, err := repository.Load[CalendarEvent](ctx, f.repo, CollectionEvents, res.NewState.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Reminders, 1)

	entries, err := f.audit.ForEntity(ctx, "calendar_event", res.NewState.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].PreviousState)
}

func TestCreateEvent_Conflicts(t *testing.T) {
	f := newCalendar(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

	first := f.cal.CreateEvent(ctx, Meta{}, meeting("cal-1", start, "ada@example.com"))
	require.True(t, first.Success, first.Error)

	sameCalendar := f.cal.CreateEvent(ctx, Meta{}, meeting("cal-1", start.Add(30*time.Minute)))
	assert.False(t, sameCalendar.Success)
	assert.Equal(t, errs.KindInvalidState, sameCalendar.Kind)
	assert.Equal(t, []string{first.NewState.ID}, sameCalendar.Conflicts)

	sharedAttendee := f.cal.CreateEvent(ctx, Meta{}, meeting("cal-2", start.Add(-30*time.Minute), "ada@example.com"))
	assert.Equal(t, errs.KindInvalidState, sharedAttendee.Kind)

	adjacent := f.cal.CreateEvent(ctx, Meta{}, meeting("cal-1", start.Add(time.Hour), "ada@example.com"))
	assert.True(t, adjacent.Success, "back-to-back events do not overlap: %s", adjacent.Error)

	otherPeople := f.cal.CreateEvent(ctx, Meta{}, meeting("cal-2", start, "bob@example.com"))
	assert.True(t, otherPeople.Success, otherPeople.Error)
}

func TestCreateEvent_Validation(t *testing.T) {
	f := newCalendar(t)
	start := time.Now().Add(time.Hour)

	bad := meeting("cal-1", start)
	bad.End = start.Add(-time.Minute)
	assert.Equal(t, errs.KindValidation, f.cal.CreateEvent(context.Background(), Meta{}, bad).Kind)

	bad = meeting("", start)
	assert.Equal(t, errs.KindValidation, f.cal.CreateEvent(context.Background(), Meta{}, bad).Kind)
}

func TestReschedule_RearmsReminders(t *testing.T) {
	f := newCalendar(t)
	ctx := context.Background()
	start := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	spec := meeting("cal-1", start, "ada@example.com")
	spec.RemindBefore = []time.Duration{15 * time.Minute}
	created := f.cal.CreateEvent(ctx, Meta{}, spec)
	require.True(t, created.Success, created.Error)
	oldReminder := created.NewState.Reminders[0].ScheduleID

	res := f.cal.Reschedule(ctx, Meta{}, created.NewState.ID, start.Add(24*time.Hour), start.Add(25*time.Hour))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, start.UTC(), res.PreviousState.Start)
	assert.Equal(t, start.Add(24*time.Hour).UTC(), res.NewState.Start)

	pending := f.sched.Pending()
	require.Len(t, pending, 1)
	assert.NotEqual(t, oldReminder, pending[0].ID)
}

func TestCancelEvent(t *testing.T) {
	f := newCalendar(t)
	ctx := context.Background()
	spec := meeting("cal-1", time.Now().Add(2*time.Hour), "ada@example.com")
	spec.RemindBefore = []time.Duration{time.Hour}
	created := f.cal.CreateEvent(ctx, Meta{}, spec)
	require.True(t, created.Success, created.Error)

	res := f.cal.CancelEvent(ctx, Meta{}, created.NewState.ID, "client cancelled")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, EventCancelled, res.NewState.Status)
	assert.Empty(t, f.sched.Pending())

	again := f.cal.CancelEvent(ctx, Meta{}, created.NewState.ID, "")
	assert.Equal(t, errs.KindInvalidState, again.Kind)

	entries, err := f.audit.ForEntity(ctx, "calendar_event", created.NewState.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "client cancelled", entries[1].Reason)

	// A cancelled slot is free again.
	assert.True(t, f.cal.CreateEvent(ctx, Meta{}, spec).Success)
}

func TestCreateEvent_ReminderFailureIsPartialSuccess(t *testing.T) {
	repo := repository.NewMemory()
	audit := state.NewAuditLog(t.TempDir())
	cal := NewCalendar(repo, NewAuditor(audit), nil, nil)

	spec := meeting("cal-1", time.Now().Add(2*time.Hour))
	spec.RemindBefore = []time.Duration{time.Hour}
	res := cal.CreateEvent(context.Background(), Meta{}, spec)

	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.AuditID)
	assert.Contains(t, res.SecondaryError, "no scheduler")

	_, err := repo.Find(context.Background(), CollectionEvents, res.NewState.ID)
	assert.NoError(t, err, "primary record stays committed")
}

func TestReminderNotifiesAttendees(t *testing.T) {
	f := newCalendar(t)
	ctx := context.Background()
	require.NoError(t, f.sched.Start(ctx))
	defer f.sched.Stop()

	spec := meeting("cal-1", time.Now().Add(10*time.Minute+100*time.Millisecond), "ada@example.com", "bob@example.com")
	spec.RemindBefore = []time.Duration{10 * time.Minute}
	res := f.cal.CreateEvent(ctx, Meta{CorrelationID: "c-rem"}, spec)
	require.True(t, res.Success, res.Error)

	require.Eventually(t, func() bool { return f.sender.Calls() == 2 }, 3*time.Second, 20*time.Millisecond)
}

func TestCalendar_ExecuteParsesParams(t *testing.T) {
	f := newCalendar(t)
	start := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Second)
	out := f.cal.Execute(context.Background(), Request{
		Action: types.Action{Type: types.ActionCreateEvent, Params: map[string]any{
			"calendar_id":    "cal-9",
			"title":          "Demo",
			"start":          start.Format(time.RFC3339),
			"end":            start.Add(time.Hour).Format(time.RFC3339),
			"attendees":      []any{"ada@example.com"},
			"remind_minutes": float64(30),
		}},
	})
	require.True(t, out.Success, out.Error)
	res := out.Detail.(CalendarResult)
	assert.Equal(t, start, res.NewState.Start)
	assert.Len(t, res.NewState.Reminders, 1)
}
