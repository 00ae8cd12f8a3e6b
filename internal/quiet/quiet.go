// Package quiet decides whether a recipient is inside their quiet hours.
// It holds no scheduling state; callers defer delivery to ResumeAt.
package quiet

import (
	"fmt"
	"strings"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Clock is a time of day in minutes after midnight.
type Clock int

// ParseClock parses "HH:MM" in 24-hour form.
func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60) }

// Window is a recipient's quiet-hours policy. Days lists the weekdays on
// which the window opens; empty means every day. An overnight window that
// opens on Friday covers early Saturday as well.
type Window struct {
	Enabled     bool
	Start       Clock
	End         Clock
	Location    *time.Location
	Days        []time.Weekday
	AllowUrgent bool
}

type Result struct {
	InQuietHours bool      `json:"in_quiet_hours"`
	ResumeAt     time.Time `json:"resume_at,omitempty"`
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWindow builds a Window from its textual settings.
func ParseWindow(enabled bool, start, end, tz string, days []string, allowUrgent bool) (Window, error) {
	w := Window{Enabled: enabled, AllowUrgent: allowUrgent, Location: time.UTC}
	var err error
	if w.Start, err = ParseClock(start); err != nil {
		return w, err
	}
	if w.End, err = ParseClock(end); err != nil {
		return w, err
	}
	if tz != "" {
		if w.Location, err = time.LoadLocation(tz); err != nil {
			return w, fmt.Errorf("quiet hours timezone: %w", err)
		}
	}
	for _, d := range days {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdays[key]
		if !ok {
			return w, fmt.Errorf("invalid weekday %q", d)
		}
		w.Days = append(w.Days, wd)
	}
	return w, nil
}

func (w Window) opensOn(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, day := range w.Days {
		if day == d {
			return true
		}
	}
	return false
}

// Evaluate reports whether now falls inside the window for an action of
// priority p. Overnight windows (Start > End) cover now >= Start or now < End.
func Evaluate(w Window, now time.Time, p types.Priority) Result {
	if !w.Enabled || w.Start == w.End {
		return Result{}
	}
	if p.IsUrgent() && w.AllowUrgent {
		return Result{}
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	m := Clock(local.Hour()*60 + local.Minute())
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var opened, resumeDay time.Time
	switch {
	case w.Start < w.End:
		if m < w.Start || m >= w.End {
			return Result{}
		}
		opened, resumeDay = today, today
	case m >= w.Start:
		opened, resumeDay = today, today.AddDate(0, 0, 1)
	case m < w.End:
		opened, resumeDay = today.AddDate(0, 0, -1), today
	default:
		return Result{}
	}
	if !w.opensOn(opened.Weekday()) {
		return Result{}
	}
	resume := time.Date(resumeDay.Year(), resumeDay.Month(), resumeDay.Day(), int(w.End)/60, int(w.End)%60, 0, 0, loc)
	return Result{InQuietHours: true, ResumeAt: resume}
}
