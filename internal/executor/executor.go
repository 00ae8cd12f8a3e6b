// Package executor performs the side effects of decided actions:
// assignment, calendar, notification and workflow triggers. Every
// executor returns a structured Outcome instead of an error so the
// coordinator never needs to handle failures by type.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Request is one action handed to an executor.
type Request struct {
	Action        types.Action        `json:"action"`
	CorrelationID types.CorrelationID `json:"correlation_id"`
	OrgID         string              `json:"org_id,omitempty"`
	RunID         types.RunID         `json:"run_id,omitempty"`
	Actor         types.Actor         `json:"actor"`
	Reason        string              `json:"reason,omitempty"`
}

// Meta is the audit context of a request.
func (r Request) Meta() Meta {
	return Meta{CorrelationID: r.CorrelationID, OrgID: r.OrgID, Actor: r.Actor, Reason: r.Reason}
}

// Meta carries who performed an operation and on whose behalf.
type Meta struct {
	CorrelationID types.CorrelationID
	OrgID         string
	Actor         types.Actor
	Reason        string
}

func (m Meta) actor() types.Actor {
	if m.Actor.ID == "" {
		return types.Actor{Type: types.ActorAgent, ID: "coordinator"}
	}
	return m.Actor
}

// Outcome is the uniform result of executing one action.
type Outcome struct {
	Success    bool             `json:"success"`
	Status     execlog.Status   `json:"status"`
	Retryable  bool             `json:"retryable"`
	AuditID    types.AuditID    `json:"audit_id,omitempty"`
	ScheduleID types.ScheduleID `json:"schedule_id,omitempty"`
	ResumeAt   time.Time        `json:"resume_at,omitempty"`
	Error      string           `json:"error,omitempty"`
	Kind       errs.Kind        `json:"kind,omitempty"`
	Detail     any              `json:"detail,omitempty"`
}

// Deferred reports whether the action was queued for later rather than run.
func (o Outcome) Deferred() bool {
	return o.Status == execlog.StatusDeferred || o.Status == execlog.StatusRateLimited
}

func succeeded(detail any) Outcome {
	return Outcome{Success: true, Status: execlog.StatusSuccess, Detail: detail}
}

// failed classifies err into a failed Outcome. Rate-limit errors get their
// own status so callers can tell a deferral from a failure.
func failed(err error, detail any) Outcome {
	o := Outcome{
		Status:    execlog.StatusFailed,
		Retryable: errs.Retryable(err),
		Error:     err.Error(),
		Kind:      errs.KindOf(err),
		Detail:    detail,
	}
	if o.Kind == errs.KindRateLimited {
		o.Status = execlog.StatusRateLimited
	}
	return o
}

// Executor handles one family of action types.
type Executor interface {
	Handles() []types.ActionType
	Execute(ctx context.Context, req Request) Outcome
}

// Registry routes each action type to exactly one executor.
type Registry struct {
	mu     sync.RWMutex
	byType map[types.ActionType]Executor
	guard  *Guard
}

// NewRegistry creates a Registry. guard may be nil, in which case
// dispatch runs without dedup or execution logging.
func NewRegistry(guard *Guard) *Registry {
	if guard == nil {
		guard = &Guard{}
	}
	return &Registry{byType: make(map[types.ActionType]Executor), guard: guard}
}

// Register claims every type e handles. Claiming a type that another
// executor already handles is an error.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range e.Handles() {
		if _, taken := r.byType[t]; taken {
			return fmt.Errorf("action type %q already registered", t)
		}
	}
	for _, t := range e.Handles() {
		r.byType[t] = e
	}
	return nil
}

func (r *Registry) Lookup(t types.ActionType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[t]
	return e, ok
}

// Types lists the registered action types in sorted order.
func (r *Registry) Types() []types.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ActionType, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs req on its executor through the guard.
func (r *Registry) Dispatch(ctx context.Context, req Request) Outcome {
	e, ok := r.Lookup(req.Action.Type)
	if !ok {
		err := errs.Validation("executor.dispatch", "no executor for action type %q", req.Action.Type)
		slog.Warn("action dispatch failed", "action", string(req.Action.Type),
			"correlation_id", string(req.CorrelationID), "error", err)
		return failed(err, nil)
	}
	return r.guard.Run(ctx, req, e)
}

// subjectOf picks the entity an action is about, for execution logging.
func subjectOf(req Request) string {
	for _, name := range []string{"item_id", "event_id", "workflow_id", "recipient", "url", "calendar_id"} {
		if v := req.Action.String(name); v != "" {
			return v
		}
	}
	return string(req.RunID)
}

// paramsKey renders params canonically; encoding/json sorts map keys.
func paramsKey(params map[string]any) string {
	b, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprint(params)
	}
	return string(b)
}
