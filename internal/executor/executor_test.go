package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astralisone/astralis-nextjs-sub001/internal/dedup"
	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/repository"
	"github.com/astralisone/astralis-nextjs-sub001/internal/retry"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
	"github.com/astralisone/astralis-nextjs-sub001/internal/store"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

type brokenAudit struct{}

func (brokenAudit) Append(context.Context, *types.AuditLogEntry) error {
	return errors.New("disk full")
}
func (brokenAudit) Tail(context.Context, int) ([]*types.AuditLogEntry, error) { return nil, nil }
func (brokenAudit) ForEntity(context.Context, string, string) ([]*types.AuditLogEntry, error) {
	return nil, nil
}

// fastRetry retries without sleeping and records the requested delays.
func fastRetry(attempts int) *retry.Policy {
	p := retry.FromMillis(attempts, 10, 100)
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

type funcExecutor struct {
	types []types.ActionType
	fn    func(ctx context.Context, req Request) Outcome
}

func (f funcExecutor) Handles() []types.ActionType { return f.types }
func (f funcExecutor) Execute(ctx context.Context, req Request) Outcome {
	return f.fn(ctx, req)
}

func seedPipeline(t *testing.T, repo types.Repository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repository.Save(ctx, repo, CollectionPipelines, "sales", Pipeline{
		ID: "sales", Active: true,
		Stages:    []Stage{{ID: "qualified", Order: 2}, {ID: "new", Order: 1}},
		Assignees: []string{"u1", "u2", "u3"},
	}))
	require.NoError(t, repository.Save(ctx, repo, CollectionPipelines, "archive", Pipeline{
		ID: "archive", Active: false, Stages: []Stage{{ID: "done"}},
	}))
	require.NoError(t, repository.Save(ctx, repo, CollectionPipelines, "support", Pipeline{
		ID: "support", Active: true, Stages: []Stage{{ID: "triage"}}, Assignees: []string{"u3"},
	}))
	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, repository.Save(ctx, repo, CollectionAssignees, id, Assignee{ID: id, Capacity: 5, Available: true}))
	}
	require.NoError(t, repository.Save(ctx, repo, CollectionItems, "item-1", WorkItem{ID: "item-1", Status: "open"}))
	require.NoError(t, repository.Save(ctx, repo, CollectionItems, "item-closed", WorkItem{ID: "item-closed", Status: "closed"}))
}

func TestRegistry_RejectsDuplicateTypes(t *testing.T) {
	reg := NewRegistry(nil)
	noop := func(context.Context, Request) Outcome { return succeeded(nil) }
	require.NoError(t, reg.Register(funcExecutor{types: []types.ActionType{types.ActionTriggerWorkflow}, fn: noop}))

	err := reg.Register(funcExecutor{types: []types.ActionType{types.ActionTriggerWebhook, types.ActionTriggerWorkflow}, fn: noop})
	require.Error(t, err)
	_, ok := reg.Lookup(types.ActionTriggerWebhook)
	assert.False(t, ok, "a rejected registration must not claim any type")
	assert.Equal(t, []types.ActionType{types.ActionTriggerWorkflow}, reg.Types())
}

func TestRegistry_UnknownActionIsValidationFailure(t *testing.T) {
	out := NewRegistry(nil).Dispatch(context.Background(), Request{Action: types.Action{Type: "teleport"}})
	assert.False(t, out.Success)
	assert.Equal(t, execlog.StatusFailed, out.Status)
	assert.Equal(t, errs.KindValidation, out.Kind)
	assert.False(t, out.Retryable)
}

func TestGuard_RecoversPanics(t *testing.T) {
	log := execlog.New(10)
	reg := NewRegistry(&Guard{Log: log})
	require.NoError(t, reg.Register(funcExecutor{
		types: []types.ActionType{types.ActionTriggerWorkflow},
		fn:    func(context.Context, Request) Outcome { panic("nil map") },
	}))

	out := reg.Dispatch(context.Background(), Request{Action: types.Action{Type: types.ActionTriggerWorkflow}, CorrelationID: "c1"})
	assert.False(t, out.Success)
	assert.Equal(t, errs.KindInternal, out.Kind)
	assert.Contains(t, out.Error, "nil map")

	recent := log.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, execlog.StatusFailed, recent[0].Status)
}

func TestGuard_FailureReleasesDedupKey(t *testing.T) {
	calls := 0
	reg := NewRegistry(&Guard{Dedup: dedup.New(store.NewMemory(nil), time.Minute)})
	require.NoError(t, reg.Register(funcExecutor{
		types: []types.ActionType{types.ActionTriggerWorkflow},
		fn: func(context.Context, Request) Outcome {
			calls++
			if calls == 1 {
				return failed(errs.E(errs.KindTransientDelivery, "test", "down"), nil)
			}
			return succeeded(nil)
		},
	}))
	req := Request{Action: types.Action{Type: types.ActionTriggerWorkflow, Params: map[string]any{"workflow_id": "wf"}}, CorrelationID: "c1"}

	assert.False(t, reg.Dispatch(context.Background(), req).Success)
	assert.True(t, reg.Dispatch(context.Background(), req).Success)
	assert.Equal(t, execlog.StatusDeduplicated, reg.Dispatch(context.Background(), req).Status)
	assert.Equal(t, 2, calls)
}

func TestGuard_DeferralWithoutScheduleReleasesDedupKey(t *testing.T) {
	calls := 0
	reg := NewRegistry(&Guard{Dedup: dedup.New(store.NewMemory(nil), time.Minute)})
	require.NoError(t, reg.Register(funcExecutor{
		types: []types.ActionType{types.ActionTriggerWorkflow},
		fn: func(context.Context, Request) Outcome {
			calls++
			if calls == 1 {
				return failed(errs.RateLimited("test", time.Second, "window full"), nil)
			}
			return succeeded(nil)
		},
	}))
	req := Request{Action: types.Action{Type: types.ActionTriggerWorkflow, Params: map[string]any{"workflow_id": "wf"}}, CorrelationID: "c1"}

	first := reg.Dispatch(context.Background(), req)
	assert.Equal(t, execlog.StatusRateLimited, first.Status)
	assert.Empty(t, first.ScheduleID)
	assert.True(t, reg.Dispatch(context.Background(), req).Success, "redelivery runs the action")
	assert.Equal(t, 2, calls)
}

func TestGuard_QueuedDeferralKeepsDedupKey(t *testing.T) {
	calls := 0
	reg := NewRegistry(&Guard{Dedup: dedup.New(store.NewMemory(nil), time.Minute)})
	require.NoError(t, reg.Register(funcExecutor{
		types: []types.ActionType{types.ActionSendNotification},
		fn: func(context.Context, Request) Outcome {
			calls++
			return Outcome{Status: execlog.StatusDeferred, Retryable: true, ScheduleID: "sched-1"}
		},
	}))
	req := Request{Action: types.Action{Type: types.ActionSendNotification}, CorrelationID: "c1"}

	assert.Equal(t, execlog.StatusDeferred, reg.Dispatch(context.Background(), req).Status)
	assert.Equal(t, execlog.StatusDeduplicated, reg.Dispatch(context.Background(), req).Status)
	assert.Equal(t, 1, calls)
}

func TestIdempotentReplay_SingleAuditEntry(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	seedPipeline(t, repo)
	audit := state.NewAuditLog(t.TempDir())

	reg := NewRegistry(&Guard{
		Dedup: dedup.New(store.NewMemory(nil), 5*time.Minute),
		Log:   execlog.New(10),
	})
	require.NoError(t, reg.Register(NewAssignment(repo, NewAuditor(audit), nil)))

	req := Request{
		Action: types.Action{
			Type:   types.ActionAssignToPipeline,
			Params: map[string]any{"item_id": "item-1", "pipeline_id": "sales"},
		},
		CorrelationID: "corr-replay",
	}
	first := reg.Dispatch(ctx, req)
	second := reg.Dispatch(ctx, req)

	require.True(t, first.Success, first.Error)
	assert.NotEmpty(t, first.AuditID)
	assert.Equal(t, execlog.StatusDeduplicated, second.Status)

	entries, err := audit.ForEntity(ctx, "work_item", "item-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.CorrelationID("corr-replay"), entries[0].CorrelationID)
}

func TestApply_AuditFailureKeepsMutation(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	seedPipeline(t, repo)

	a := NewAssignment(repo, NewAuditor(brokenAudit{}), nil)
	res := a.SetAssignee(ctx, Meta{}, "item-1", "u2")

	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.AuditID)
	item, err := repository.Load[WorkItem](ctx, repo, CollectionItems, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "u2", item.AssigneeID)
}

func TestApply_PanicInMutateIsInternalError(t *testing.T) {
	c := Apply(context.Background(), NewAuditor(nil), Meta{}, Mutation[int]{
		Op:     "test.panic",
		Mutate: func(context.Context, int) (int, error) { panic("boom") },
	})
	assert.False(t, c.Success)
	assert.True(t, errors.Is(c.Err, errs.ErrInternal))
}

func TestApply_SecondaryFailureKeepsPrimary(t *testing.T) {
	audit := state.NewAuditLog(t.TempDir())
	c := Apply(context.Background(), NewAuditor(audit), Meta{CorrelationID: "c9"}, Mutation[int]{
		Op:         "test.partial",
		EntityType: "counter",
		EntityID:   "n",
		Previous:   func(context.Context) (int, error) { return 1, nil },
		Mutate:     func(_ context.Context, prev int) (int, error) { return prev + 1, nil },
		Secondary:  func(context.Context, int) error { return errors.New("reminder failed") },
	})
	assert.True(t, c.Success)
	assert.Equal(t, 2, c.Next)
	assert.NotEmpty(t, c.AuditID)
	assert.EqualError(t, c.SecondaryErr, "reminder failed")

	entries, err := audit.ForEntity(context.Background(), "counter", "n")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, "1", string(entries[0].PreviousState))
	assert.JSONEq(t, "2", string(entries[0].NewState))
	assert.Equal(t, types.ActorAgent, entries[0].PerformedBy.Type)
}
