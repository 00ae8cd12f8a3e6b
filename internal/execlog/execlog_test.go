package execlog

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_StartFinish(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := New(10)
	l.Now = func() time.Time { return now }

	id := l.Start("item-1", "assignment.assign", "corr-1")
	now = now.Add(250 * time.Millisecond)
	l.Finish(id, StatusFailed, errors.New("boom"))

	e, ok := l.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, e.Status)
	assert.EqualValues(t, 250, e.DurationMs)
	assert.Equal(t, "boom", e.Error)
}

func TestLog_EvictsOldest(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Record(Entry{SubjectID: fmt.Sprintf("s%d", i), Status: StatusSuccess})
	}

	recent := l.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "s4", recent[0].SubjectID)
	assert.Equal(t, "s2", recent[2].SubjectID)

	_, ok := l.Get(recent[0].ID)
	assert.True(t, ok)
	for _, e := range l.Recent(0) {
		assert.NotEqual(t, "s0", e.SubjectID)
	}
	l.Finish("missing", StatusSuccess, nil)
}

func TestLog_Stats(t *testing.T) {
	l := New(10)
	l.Record(Entry{Status: StatusSuccess, DurationMs: 100, CompletedAt: time.Now()})
	l.Record(Entry{Status: StatusSuccess, DurationMs: 300, CompletedAt: time.Now()})
	l.Record(Entry{Status: StatusDeduplicated})

	s := l.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByStatus[StatusSuccess])
	assert.Equal(t, 1, s.ByStatus[StatusDeduplicated])
	assert.Equal(t, 200.0, s.AvgDurationMs)
}
