package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/astralisone/astralis-nextjs-sub001/internal/dedup"
	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Guard wraps executor calls with the policies shared by every action:
// one execution per (type, correlation id, params) inside the dedup
// window, an execution-log entry per call, and panic recovery. Nil
// fields disable the matching policy.
type Guard struct {
	Dedup   *dedup.Cache
	Log     *execlog.Log
	Metrics *metrics.Metrics
}

// Run executes req on e. A repeat of an action already run for the same
// correlation id returns StatusDeduplicated without calling e. A failed
// run, or a deferred one that nothing will redeliver, releases its dedup
// key so a later retry is not suppressed.
func (g *Guard) Run(ctx context.Context, req Request, e Executor) (out Outcome) {
	op := string(req.Action.Type)
	subject := subjectOf(req)

	key := ""
	if g.Dedup != nil && req.CorrelationID != "" {
		key = dedup.Key("action", op, string(req.CorrelationID), paramsKey(req.Action.Params))
		dup, err := g.Dedup.CheckAndRecord(ctx, key)
		if err != nil {
			slog.Warn("dedup check failed, executing anyway", "action", op,
				"correlation_id", string(req.CorrelationID), "error", err)
			key = ""
		} else if dup {
			g.Metrics.PolicyApplied("dedup", op)
			g.Metrics.ActionExecuted(op, string(execlog.StatusDeduplicated))
			g.record(subject, op, req, execlog.StatusDeduplicated, nil)
			slog.Info("duplicate action suppressed", "action", op, "subject", subject,
				"correlation_id", string(req.CorrelationID))
			return Outcome{Success: true, Status: execlog.StatusDeduplicated}
		}
	}

	var id types.ExecutionID
	if g.Log != nil {
		id = g.Log.Start(subject, op, req.CorrelationID)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor panic recovered", "action", op, "subject", subject,
				"correlation_id", string(req.CorrelationID), "panic", r, "stack", string(debug.Stack()))
			out = failed(&errs.Error{Kind: errs.KindInternal, Op: "executor." + op, Message: fmt.Sprintf("panic: %v", r)}, nil)
		}
		unqueued := out.Deferred() && out.ScheduleID == ""
		if key != "" && (out.Status == execlog.StatusFailed || unqueued) {
			if err := g.Dedup.Forget(context.WithoutCancel(ctx), key); err != nil {
				slog.Warn("release dedup key", "action", op, "error", err)
			}
		}
		if g.Log != nil {
			var runErr error
			if out.Error != "" {
				runErr = errors.New(out.Error)
			}
			g.Log.Finish(id, out.Status, runErr)
		}
		g.Metrics.ActionExecuted(op, string(out.Status))
	}()

	return e.Execute(ctx, req)
}

func (g *Guard) record(subject, op string, req Request, status execlog.Status, err error) {
	if g.Log == nil {
		return
	}
	id := g.Log.Start(subject, op, req.CorrelationID)
	g.Log.Finish(id, status, err)
}
