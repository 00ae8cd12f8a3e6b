//go:build integration

package test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astralisone/astralis-nextjs-sub001/internal/adapter"
	"github.com/astralisone/astralis-nextjs-sub001/internal/agent"
	"github.com/astralisone/astralis-nextjs-sub001/internal/bus"
	"github.com/astralisone/astralis-nextjs-sub001/internal/decision"
	"github.com/astralisone/astralis-nextjs-sub001/internal/dedup"
	"github.com/astralisone/astralis-nextjs-sub001/internal/delivery"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/executor"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/ratelimit"
	"github.com/astralisone/astralis-nextjs-sub001/internal/repository"
	"github.com/astralisone/astralis-nextjs-sub001/internal/retry"
	"github.com/astralisone/astralis-nextjs-sub001/internal/scheduler"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
	"github.com/astralisone/astralis-nextjs-sub001/internal/store"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

type stack struct {
	bus   *bus.Bus
	repo  *repository.SQLite
	audit *state.AuditLog
	sched *scheduler.Scheduler
	log   *execlog.Log
	coord *agent.Coordinator
	db    *adapter.DBTrigger
}

func newStack(t *testing.T, provider types.DecisionProvider) stack {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	kv := store.NewRedis(client, "it:")

	repo, err := repository.OpenSQLite(filepath.Join(dir, "astralis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	m := metrics.New()
	b := bus.New(bus.Options{HistorySize: 100, Metrics: m})
	t.Cleanup(b.Close)

	s := stack{
		bus:   b,
		repo:  repo,
		audit: state.NewAuditLog(dir),
		sched: scheduler.New(state.NewScheduleStore(filepath.Join(dir, "schedules.json")), m),
		log:   execlog.New(100),
	}

	senders := delivery.NewRegistry()
	senders.Register(delivery.ChannelEmail, delivery.NewLogSender(delivery.ChannelEmail))
	limits := ratelimit.Limits{Window: time.Minute, PerWindow: 10}
	cache := dedup.New(kv, 5*time.Minute)
	notifier := executor.NewNotification(executor.NotificationOptions{
		Delivery:  senders,
		Dedup:     cache,
		Limiter:   ratelimit.New(kv, "rl:notify:", limits),
		Retry:     retry.FromMillis(2, 1, 5),
		Scheduler: s.sched,
		Log:       s.log,
		Metrics:   m,
	})
	auditor := executor.NewAuditor(s.audit)
	reg := executor.NewRegistry(&executor.Guard{Dedup: cache, Log: s.log, Metrics: m})
	require.NoError(t, reg.Register(executor.NewCalendar(repo, auditor, s.sched, notifier)))
	require.NoError(t, reg.Register(notifier))

	s.coord = agent.New(agent.Options{
		Bus:           b,
		Provider:      provider,
		Dispatcher:    reg,
		Gate:          agent.NewGate(0.85, 0.6, []string{"cancel_event"}),
		ActionLimiter: ratelimit.New(kv, "rl:agent:", ratelimit.Limits{Window: time.Minute, PerWindow: 30}),
		Scheduler:     s.sched,
		Notifier:      notifier,
		Escalation:    agent.Escalation{Recipient: "ops@example.com"},
		Metrics:       m,
	})
	s.db = adapter.NewDBTrigger(b, m, adapter.DBTriggerOptions{IgnoredColumns: []string{"updated_at"}})

	require.NoError(t, s.sched.Start(ctx))
	t.Cleanup(s.sched.Stop)
	s.coord.Start(ctx)
	t.Cleanup(s.coord.Stop)
	return s
}

func bookingDecision(start time.Time) decision.Func {
	return func(_ context.Context, in types.AgentInput, _ types.OrgContext) (*types.Decision, error) {
		return &types.Decision{
			Intent:     "book_meeting",
			Confidence: 0.93,
			Urgency:    3,
			Actions: []types.Action{{
				Type: types.ActionCreateEvent,
				Params: map[string]any{
					"calendar_id": "cal-sales",
					"title":       "Intro call",
					"start":       start.Format(time.RFC3339),
					"end":         start.Add(time.Hour).Format(time.RFC3339),
					"attendees":   []any{"ada@example.com"},
				},
			}},
		}, nil
	}
}

func TestEndToEnd_DBChangeBooksMeeting(t *testing.T) {
	start := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	s := newStack(t, bookingDecision(start))
	ctx := context.Background()

	res := s.db.HandleInput(ctx, adapter.ChangeEvent{
		Table:     "leads",
		Operation: "INSERT",
		New:       map[string]any{"id": "L-1", "email": "ada@example.com", "status": "qualified"},
		OrgID:     "org-1",
	})
	require.True(t, res.Success, "%v", res.Errors)
	require.True(t, s.coord.WaitIdle(5*time.Second))

	var executed []bus.Event
	for _, ev := range s.bus.History(0) {
		if ev.Type == bus.TypeActionExecuted {
			executed = append(executed, ev)
		}
	}
	require.Len(t, executed, 1)
	assert.Equal(t, res.CorrelationID, executed[0].CorrelationID)

	events, err := repository.Query[executor.CalendarEvent](ctx, s.repo, executor.CollectionEvents, map[string]any{"calendar_id": "cal-sales"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, start, events[0].Start)

	trail, err := s.audit.Tail(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, res.CorrelationID, trail[0].CorrelationID)
	assert.Equal(t, types.ActorAgent, trail[0].PerformedBy.Type)
}

func TestEndToEnd_RedeliveredInputDoesNotDoubleBook(t *testing.T) {
	start := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	s := newStack(t, bookingDecision(start))
	ctx := context.Background()

	in := types.AgentInput{
		Source:        types.SourceDBTrigger,
		Type:          "leads.insert",
		CorrelationID: "corr-replay",
		OrgID:         "org-1",
		Timestamp:     time.Now(),
	}
	first, err := s.coord.Process(ctx, in)
	require.NoError(t, err)
	require.Equal(t, agent.StateExecuted, first.State)

	second, err := s.coord.Process(ctx, in)
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, string(execlog.StatusDeduplicated), second.Results[0].Status)

	events, err := repository.Query[executor.CalendarEvent](ctx, s.repo, executor.CollectionEvents, nil)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
