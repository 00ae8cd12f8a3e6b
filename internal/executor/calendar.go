package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/astralisone/astralis-nextjs-sub001/internal/delivery"
	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/repository"
	"github.com/astralisone/astralis-nextjs-sub001/internal/scheduler"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

const (
	CollectionEvents = "calendar_events"

	// KindCalendarReminder is the scheduler job kind for event reminders.
	KindCalendarReminder = "calendar.reminder"

	EventScheduled = "scheduled"
	EventCancelled = "cancelled"
)

type Reminder struct {
	ScheduleID types.ScheduleID `json:"schedule_id"`
	At         time.Time        `json:"at"`
}

type CalendarEvent struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id,omitempty"`
	CalendarID string     `json:"calendar_id"`
	Title      string     `json:"title"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	Attendees  []string   `json:"attendees,omitempty"`
	Status     string     `json:"status"`
	Reminders  []Reminder `json:"reminders,omitempty"`
	// RemindBefore is kept so a reschedule can re-create reminders.
	RemindBefore []time.Duration `json:"remind_before,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (e *CalendarEvent) overlaps(start, end time.Time) bool {
	return e.Start.Before(end) && start.Before(e.End)
}

// EventSpec describes an event to create.
type EventSpec struct {
	CalendarID   string
	Title        string
	Start        time.Time
	End          time.Time
	Attendees    []string
	RemindBefore []time.Duration
}

type CalendarResult struct {
	Success       bool           `json:"success"`
	PreviousState *CalendarEvent `json:"previous_state,omitempty"`
	NewState      *CalendarEvent `json:"new_state,omitempty"`
	AuditID       types.AuditID  `json:"audit_id,omitempty"`
	Conflicts     []string       `json:"conflicts,omitempty"`
	Error         string         `json:"error,omitempty"`
	Kind          errs.Kind      `json:"kind,omitempty"`
	// SecondaryError reports reminder work that failed after the event
	// change was committed and audited.
	SecondaryError string `json:"secondary_error,omitempty"`
}

type reminderJob struct {
	EventID string    `json:"event_id"`
	Start   time.Time `json:"start"`
}

// Calendar creates, moves and cancels calendar events. Reminders are
// scheduler jobs that notify attendees through the notifier.
type Calendar struct {
	repo     types.Repository
	audit    *Auditor
	sched    *scheduler.Scheduler
	notifier *Notification

	// ReminderChannel is the delivery channel for reminders.
	ReminderChannel string
	Now             func() time.Time
}

// NewCalendar creates the executor. sched and notifier may be nil, in
// which case reminder creation fails as a secondary error.
func NewCalendar(repo types.Repository, audit *Auditor, sched *scheduler.Scheduler, notifier *Notification) *Calendar {
	c := &Calendar{
		repo:            repo,
		audit:           audit,
		sched:           sched,
		notifier:        notifier,
		ReminderChannel: delivery.ChannelEmail,
		Now:             time.Now,
	}
	if sched != nil {
		sched.Register(KindCalendarReminder, c.remind)
	}
	return c
}

func (c *Calendar) Handles() []types.ActionType {
	return []types.ActionType{types.ActionCreateEvent, types.ActionUpdateEvent, types.ActionCancelEvent}
}

func (c *Calendar) Execute(ctx context.Context, req Request) Outcome {
	meta := req.Meta()
	act := req.Action

	var res CalendarResult
	switch act.Type {
	case types.ActionCreateEvent:
		spec := EventSpec{
			CalendarID: act.String("calendar_id"),
			Title:      act.String("title"),
			Attendees:  act.Strings("attendees"),
		}
		spec.Start, _ = act.Time("start")
		spec.End, _ = act.Time("end")
		if mins, ok := act.Int("remind_minutes"); ok && mins > 0 {
			spec.RemindBefore = []time.Duration{time.Duration(mins) * time.Minute}
		}
		res = c.CreateEvent(ctx, meta, spec)
	case types.ActionUpdateEvent:
		start, _ := act.Time("start")
		end, _ := act.Time("end")
		res = c.Reschedule(ctx, meta, act.String("event_id"), start, end)
	case types.ActionCancelEvent:
		res = c.CancelEvent(ctx, meta, act.String("event_id"), act.String("reason"))
	default:
		return failed(errs.Validation("calendar.execute", "unsupported action %q", act.Type), nil)
	}

	if !res.Success {
		return Outcome{Status: execlog.StatusFailed, Error: res.Error, Kind: res.Kind, Detail: res}
	}
	o := succeeded(res)
	o.AuditID = res.AuditID
	return o
}

// CreateEvent books a new event unless it overlaps a scheduled event on
// the same calendar or one that shares an attendee.
func (c *Calendar) CreateEvent(ctx context.Context, meta Meta, spec EventSpec) CalendarResult {
	const op = "calendar.create_event"
	id := "evt_" + uuid.NewString()
	var conflicts []string
	ch := Apply(ctx, c.audit, meta, Mutation[*CalendarEvent]{
		Op:         op,
		EntityType: "calendar_event",
		EntityID:   id,
		Validate: func() error {
			switch {
			case spec.CalendarID == "":
				return errs.Validation(op, "calendar_id is required")
			case strings.TrimSpace(spec.Title) == "":
				return errs.Validation(op, "title is required")
			case spec.Start.IsZero() || spec.End.IsZero():
				return errs.Validation(op, "start and end are required")
			case !spec.End.After(spec.Start):
				return errs.Validation(op, "end must be after start")
			}
			return nil
		},
		Check: func(ctx context.Context, _ *CalendarEvent) error {
			var err error
			conflicts, err = c.conflicts(ctx, meta.OrgID, "", spec.CalendarID, spec.Attendees, spec.Start, spec.End)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				return errs.InvalidState(op, "overlaps %s", strings.Join(conflicts, ", "))
			}
			return nil
		},
		Mutate: func(ctx context.Context, _ *CalendarEvent) (*CalendarEvent, error) {
			ev := &CalendarEvent{
				ID:           id,
				OrgID:        meta.OrgID,
				CalendarID:   spec.CalendarID,
				Title:        spec.Title,
				Start:        spec.Start.UTC(),
				End:          spec.End.UTC(),
				Attendees:    spec.Attendees,
				Status:       EventScheduled,
				RemindBefore: spec.RemindBefore,
				UpdatedAt:    c.Now().UTC(),
			}
			if err := c.repo.Create(ctx, CollectionEvents, id, ev); err != nil {
				return nil, err
			}
			return ev, nil
		},
		Secondary: func(ctx context.Context, ev *CalendarEvent) error {
			return c.armReminders(ctx, meta, ev)
		},
	})
	res := calendarResult(ch)
	res.Conflicts = conflicts
	return res
}

// Reschedule moves a scheduled event and re-creates its reminders.
func (c *Calendar) Reschedule(ctx context.Context, meta Meta, eventID string, start, end time.Time) CalendarResult {
	const op = "calendar.reschedule"
	var conflicts []string
	ch := Apply(ctx, c.audit, meta, Mutation[*CalendarEvent]{
		Op:         op,
		EntityType: "calendar_event",
		EntityID:   eventID,
		Validate: func() error {
			switch {
			case eventID == "":
				return errs.Validation(op, "event_id is required")
			case start.IsZero() || end.IsZero() || !end.After(start):
				return errs.Validation(op, "a valid start and end are required")
			}
			return nil
		},
		Previous: c.load(eventID),
		Check: func(ctx context.Context, prev *CalendarEvent) error {
			if prev.Status == EventCancelled {
				return errs.InvalidState(op, "event %s is cancelled", eventID)
			}
			var err error
			conflicts, err = c.conflicts(ctx, prev.OrgID, prev.ID, prev.CalendarID, prev.Attendees, start, end)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				return errs.InvalidState(op, "overlaps %s", strings.Join(conflicts, ", "))
			}
			return nil
		},
		Mutate: func(ctx context.Context, prev *CalendarEvent) (*CalendarEvent, error) {
			next := *prev
			next.Start = start.UTC()
			next.End = end.UTC()
			next.UpdatedAt = c.Now().UTC()
			if err := c.repo.Update(ctx, CollectionEvents, next.ID, &next); err != nil {
				return nil, err
			}
			return &next, nil
		},
		Secondary: func(ctx context.Context, next *CalendarEvent) error {
			return errors.Join(c.dropReminders(next), c.armReminders(ctx, meta, next))
		},
	})
	res := calendarResult(ch)
	res.Conflicts = conflicts
	return res
}

// CancelEvent marks an event cancelled and drops its pending reminders.
func (c *Calendar) CancelEvent(ctx context.Context, meta Meta, eventID, reason string) CalendarResult {
	const op = "calendar.cancel_event"
	if reason != "" {
		meta.Reason = reason
	}
	ch := Apply(ctx, c.audit, meta, Mutation[*CalendarEvent]{
		Op:         op,
		EntityType: "calendar_event",
		EntityID:   eventID,
		Validate: func() error {
			if eventID == "" {
				return errs.Validation(op, "event_id is required")
			}
			return nil
		},
		Previous: c.load(eventID),
		Check: func(_ context.Context, prev *CalendarEvent) error {
			if prev.Status == EventCancelled {
				return errs.InvalidState(op, "event %s is already cancelled", eventID)
			}
			return nil
		},
		Mutate: func(ctx context.Context, prev *CalendarEvent) (*CalendarEvent, error) {
			next := *prev
			next.Status = EventCancelled
			next.UpdatedAt = c.Now().UTC()
			if err := c.repo.Update(ctx, CollectionEvents, next.ID, &next); err != nil {
				return nil, err
			}
			return &next, nil
		},
		Secondary: func(ctx context.Context, next *CalendarEvent) error {
			return c.dropReminders(next)
		},
	})
	return calendarResult(ch)
}

func (c *Calendar) load(id string) func(context.Context) (*CalendarEvent, error) {
	return func(ctx context.Context) (*CalendarEvent, error) {
		ev, err := repository.Load[CalendarEvent](ctx, c.repo, CollectionEvents, id)
		if err != nil {
			return nil, err
		}
		return &ev, nil
	}
}

// conflicts lists scheduled events overlapping [start, end) that share
// the calendar or an attendee, skipping excludeID.
func (c *Calendar) conflicts(ctx context.Context, orgID, excludeID, calendarID string, attendees []string, start, end time.Time) ([]string, error) {
	match := map[string]any{"status": EventScheduled}
	if orgID != "" {
		match["org_id"] = orgID
	}
	events, err := repository.Query[CalendarEvent](ctx, c.repo, CollectionEvents, match)
	if err != nil {
		return nil, err
	}
	var out []string
	for i := range events {
		ev := &events[i]
		if ev.ID == excludeID || !ev.overlaps(start, end) {
			continue
		}
		if ev.CalendarID == calendarID || sharesAttendee(ev.Attendees, attendees) {
			out = append(out, ev.ID)
		}
	}
	return out, nil
}

func sharesAttendee(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

// armReminders schedules one job per RemindBefore offset that is still
// in the future and stores the ids on the event.
func (c *Calendar) armReminders(ctx context.Context, meta Meta, ev *CalendarEvent) error {
	ev.Reminders = nil
	if len(ev.RemindBefore) == 0 {
		return nil
	}
	if c.sched == nil {
		return errs.InvalidState("calendar.reminders", "no scheduler configured")
	}
	now := c.Now()
	var errList []error
	for _, before := range ev.RemindBefore {
		at := ev.Start.Add(-before)
		if !at.After(now) {
			continue
		}
		id, err := c.sched.Schedule(ctx, KindCalendarReminder, reminderJob{EventID: ev.ID, Start: ev.Start}, at, meta.CorrelationID, ev.OrgID)
		if err != nil {
			errList = append(errList, err)
			continue
		}
		ev.Reminders = append(ev.Reminders, Reminder{ScheduleID: id, At: at})
	}
	if err := c.repo.Update(ctx, CollectionEvents, ev.ID, ev); err != nil {
		errList = append(errList, fmt.Errorf("store reminders: %w", err))
	}
	return errors.Join(errList...)
}

func (c *Calendar) dropReminders(ev *CalendarEvent) error {
	if c.sched == nil {
		return nil
	}
	for _, r := range ev.Reminders {
		if err := c.sched.Cancel(r.ScheduleID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
	}
	return nil
}

// remind notifies every attendee of an upcoming event. Reminders for
// cancelled or moved events are dropped.
func (c *Calendar) remind(ctx context.Context, job *state.Job) error {
	r, err := scheduler.Decode[reminderJob](job)
	if err != nil {
		return err
	}
	ev, err := repository.Load[CalendarEvent](ctx, c.repo, CollectionEvents, r.EventID)
	if err != nil {
		return err
	}
	if ev.Status != EventScheduled || !ev.Start.Equal(r.Start) {
		slog.Debug("stale reminder dropped", "event_id", ev.ID)
		return nil
	}
	if c.notifier == nil {
		return errs.InvalidState("calendar.remind", "no notifier configured")
	}
	payloads := make([]NotificationPayload, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		payloads = append(payloads, NotificationPayload{
			Channel:       c.ReminderChannel,
			Recipient:     a,
			Subject:       "Reminder: " + ev.Title,
			Body:          fmt.Sprintf("%s starts at %s.", ev.Title, ev.Start.Format(time.RFC1123)),
			CorrelationID: job.CorrelationID,
			OrgID:         ev.OrgID,
		})
	}
	bulk := c.notifier.SendBulk(ctx, payloads)
	if bulk.Failed > 0 {
		return fmt.Errorf("%d of %d reminders failed", bulk.Failed, bulk.Total)
	}
	return nil
}

func calendarResult(ch Change[*CalendarEvent]) CalendarResult {
	res := CalendarResult{Success: ch.Success, AuditID: ch.AuditID, PreviousState: ch.Previous, NewState: ch.Next}
	if ch.Err != nil {
		res.Error = ch.Err.Error()
		res.Kind = errs.KindOf(ch.Err)
	}
	if ch.SecondaryErr != nil {
		res.SecondaryError = ch.SecondaryErr.Error()
	}
	return res
}
