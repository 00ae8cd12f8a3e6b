// Package agent sequences inputs through the decision gate: it asks the
// decision provider what to do, routes by confidence, dispatches approved
// actions to executors by type and publishes the results on the bus.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/bus"
	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/executor"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/ratelimit"
	"github.com/astralisone/astralis-nextjs-sub001/internal/scheduler"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

const eventSource = "agent"

// KindDispatch is the scheduler job kind for actions held back by the
// organization action budget.
const KindDispatch = "agent.dispatch"

// Dispatcher runs one action on the executor registered for its type.
type Dispatcher interface {
	Dispatch(ctx context.Context, req executor.Request) executor.Outcome
}

// Notifier delivers operator escalations.
type Notifier interface {
	Send(ctx context.Context, p executor.NotificationPayload) executor.NotificationResult
}

// Escalation names who hears about escalated runs and exhausted actions.
type Escalation struct {
	Recipient string
	Channel   string
}

type Options struct {
	Bus        *bus.Bus
	Provider   types.DecisionProvider
	Dispatcher Dispatcher
	Gate       Gate
	// ActionLimiter caps actions per organization (per minute and hour).
	ActionLimiter *ratelimit.Limiter
	// Scheduler re-dispatches actions held back by ActionLimiter. Without
	// one, a held action is escalated to the operator instead.
	Scheduler  *scheduler.Scheduler
	Notifier   Notifier
	Escalation Escalation
	// OrgContext resolves the context handed to the provider; nil uses the
	// bare org id.
	OrgContext    func(ctx context.Context, orgID string) types.OrgContext
	MaxConcurrent int
	// Retain bounds how many finished runs Get can still return.
	Retain  int
	Metrics *metrics.Metrics
}

// Coordinator owns the run state machine.
type Coordinator struct {
	opts  Options
	queue *Queue

	mu    sync.Mutex
	runs  map[types.RunID]*Run
	order []types.RunID
	subs  []types.SubscriptionID

	Now func() time.Time
}

func New(opts Options) *Coordinator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Retain <= 0 {
		opts.Retain = 1000
	}
	if opts.Escalation.Channel == "" {
		opts.Escalation.Channel = "email"
	}
	c := &Coordinator{
		opts: opts,
		runs: make(map[types.RunID]*Run),
		Now:  time.Now,
	}
	c.queue = NewQueue(int64(opts.MaxConcurrent), 100, func(ctx context.Context, r *Run) { c.process(ctx, r) })
	if opts.Scheduler != nil {
		opts.Scheduler.Register(KindDispatch, c.redispatch)
		opts.Scheduler.OnFailure(c.jobFailed)
	}
	return c
}

// Start subscribes to every input event type and starts the run queue.
func (c *Coordinator) Start(ctx context.Context) {
	c.queue.Start(ctx)
	if c.opts.Bus == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range bus.InputTypes {
		c.subs = append(c.subs, c.opts.Bus.Subscribe(t, c.handleInput))
	}
}

// Stop unsubscribes and waits for queued runs to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, id := range subs {
		c.opts.Bus.Unsubscribe(id)
	}
	c.queue.Stop()
}

// WaitIdle blocks until the queue has drained or the timeout expires.
func (c *Coordinator) WaitIdle(timeout time.Duration) bool { return c.queue.WaitIdle(timeout) }

func (c *Coordinator) handleInput(ctx context.Context, ev bus.Event) error {
	in, ok := ev.Payload.(bus.InputReceived)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev.Payload, ev.Type)
	}
	r := c.track(NewRun(in.Input, c.Now()))
	if err := c.queue.Enqueue(r); err != nil {
		c.update(r, func(r *Run) { r.Error = err.Error() })
		return err
	}
	return nil
}

// Process runs input through the state machine synchronously and returns
// the resulting run.
func (c *Coordinator) Process(ctx context.Context, input types.AgentInput) (*Run, error) {
	if input.CorrelationID == "" {
		return nil, errs.Validation("agent.process", "correlation_id is required")
	}
	r := c.track(NewRun(input, c.Now()))
	c.process(ctx, r)
	return c.snapshot(r), nil
}

func (c *Coordinator) process(ctx context.Context, r *Run) {
	start := c.Now()
	log := c.logger(r)
	defer func() {
		if p := recover(); p != nil {
			log.Error("run panicked", "panic", p)
			c.update(r, func(r *Run) {
				r.State = StateEscalated
				r.Error = fmt.Sprintf("internal error: %v", p)
			})
		}
		c.opts.Metrics.RunFinished(string(c.stateOf(r)), c.Now().Sub(start))
		c.opts.Metrics.SetPendingApprovals(len(c.Awaiting()))
	}()

	c.update(r, func(r *Run) { r.State = StateDecisionRequested })
	org := c.orgContext(ctx, r.orgID())
	d, err := c.opts.Provider.Decide(ctx, r.Input, org)
	if err == nil && d == nil {
		err = errs.E(errs.KindInternal, "agent.decide", "provider returned no decision")
	}
	if err != nil {
		log.Warn("decision provider failed", "error", err)
		c.escalate(ctx, r, "decision provider failed: "+err.Error())
		return
	}

	route, reason := c.opts.Gate.Route(d)
	c.update(r, func(r *Run) {
		r.Decision = d
		r.State = StateDecisionReceived
	})
	c.emit(ctx, r, bus.DecisionReceived{RunID: r.ID, Decision: *d, Route: string(route)})
	log.Info("decision received", "intent", d.Intent, "confidence", d.Confidence,
		"actions", len(d.Actions), "route", string(route))

	switch route {
	case StateEscalated:
		c.escalate(ctx, r, reason)
	case StatePendingApproval:
		c.update(r, func(r *Run) {
			r.State = StatePendingApproval
			r.Reason = reason
		})
		c.emit(ctx, r, bus.ApprovalRequested{RunID: r.ID, Decision: *d, Reason: reason})
	default:
		c.update(r, func(r *Run) { r.State = StateAutoExecute })
		c.execute(ctx, r, types.Actor{Type: types.ActorAgent, ID: "coordinator"}, "")
	}
}

// Approve executes a run that is waiting for a human. Escalated runs may
// be approved as well.
func (c *Coordinator) Approve(ctx context.Context, id types.RunID, approver string) (*Run, error) {
	const op = "agent.approve"
	if approver == "" {
		return nil, errs.Validation(op, "approver is required")
	}
	r, err := c.claim(op, id, StateApproved)
	if err != nil {
		return nil, err
	}
	if r.Decision == nil {
		c.update(r, func(r *Run) {
			r.State = StateExecuted
			r.Error = "no decision to execute"
		})
		return c.snapshot(r), nil
	}
	c.execute(ctx, r, types.Actor{Type: types.ActorHuman, ID: approver}, "approved by "+approver)
	c.opts.Metrics.SetPendingApprovals(len(c.Awaiting()))
	return c.snapshot(r), nil
}

// Reject closes a waiting run without executing it.
func (c *Coordinator) Reject(ctx context.Context, id types.RunID, approver, reason string) (*Run, error) {
	const op = "agent.reject"
	if approver == "" {
		return nil, errs.Validation(op, "approver is required")
	}
	r, err := c.claim(op, id, StateRejected)
	if err != nil {
		return nil, err
	}
	c.update(r, func(r *Run) {
		r.Actor = &types.Actor{Type: types.ActorHuman, ID: approver}
		if reason != "" {
			r.Reason = reason
		}
	})
	c.emit(ctx, r, bus.RunRejected{RunID: id, Rejecter: approver, Reason: reason})
	c.logger(r).Info("run rejected", "approver", approver, "reason", reason)
	c.opts.Metrics.SetPendingApprovals(len(c.Awaiting()))
	return c.snapshot(r), nil
}

// claim moves a waiting run to next, failing if it is not waiting.
func (c *Coordinator) claim(op string, id types.RunID, next State) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[id]
	if !ok {
		return nil, errs.NotFound(op, "run %s not found", id)
	}
	if !r.State.Awaiting() {
		return nil, errs.InvalidState(op, "run %s is %s, not awaiting approval", id, r.State)
	}
	r.State = next
	r.UpdatedAt = c.Now()
	return r, nil
}

// execute dispatches each action in order and records its result. The
// per-organization action budget is checked before every dispatch.
func (c *Coordinator) execute(ctx context.Context, r *Run, actor types.Actor, reason string) {
	c.update(r, func(r *Run) { r.Actor = &actor })
	var failures []string
	for _, act := range r.Decision.Actions {
		req := executor.Request{
			Action:        act,
			CorrelationID: r.Input.CorrelationID,
			OrgID:         r.orgID(),
			RunID:         r.ID,
			Actor:         actor,
			Reason:        reason,
		}
		res, held := c.holdForBudget(ctx, req)
		if !held {
			res = c.dispatch(ctx, req)
		}
		c.update(r, func(r *Run) { r.Results = append(r.Results, res) })
		if msg := c.settle(ctx, r, res); msg != "" {
			failures = append(failures, msg)
		}
	}
	c.update(r, func(r *Run) {
		r.State = StateExecuted
		r.Error = strings.Join(failures, "; ")
	})
	c.logger(r).Info("run executed", "actions", len(r.Decision.Actions), "failures", len(failures))
}

// settle publishes the result of one action. It returns a failure line,
// or "" when the action succeeded or is queued for later.
func (c *Coordinator) settle(ctx context.Context, r *Run, res ActionResult) string {
	act := res.Action
	switch {
	case res.Success:
		c.emit(ctx, r, bus.ActionCompleted{RunID: r.ID, Action: act, Status: res.Status, AuditID: res.AuditID})
	case res.Status == string(execlog.StatusDeferred) || res.Status == string(execlog.StatusRateLimited):
		c.emit(ctx, r, bus.ActionDeferred{RunID: r.ID, Action: act, Status: res.Status,
			ResumeAt: res.ResumeAt, ScheduleID: res.ScheduleID})
		if res.ScheduleID == "" {
			c.notifyOperator(ctx, r, fmt.Sprintf("action %s deferred with no redelivery scheduled", act.Type), res.Error)
		}
	default:
		c.emit(ctx, r, bus.ActionFailed{RunID: r.ID, Action: act, Error: res.Error, Retryable: res.Retryable})
		if res.Kind == errs.KindExhausted {
			c.notifyOperator(ctx, r, fmt.Sprintf("action %s failed after retries", act.Type), res.Error)
		}
		return fmt.Sprintf("%s: %s", act.Type, res.Error)
	}
	return ""
}

// holdForBudget reports whether req exceeds its organization's action
// budget. A held action is queued on the scheduler for when the budget
// frees up.
func (c *Coordinator) holdForBudget(ctx context.Context, req executor.Request) (ActionResult, bool) {
	if c.opts.ActionLimiter == nil {
		return ActionResult{}, false
	}
	v, err := c.opts.ActionLimiter.Allow(ctx, types.Key("org", req.OrgID), req.Action.Priority)
	if err != nil {
		slog.Warn("action budget check failed, dispatching anyway", "org_id", req.OrgID,
			"correlation_id", string(req.CorrelationID), "error", err)
		return ActionResult{}, false
	}
	if v.Allowed {
		return ActionResult{}, false
	}
	c.opts.Metrics.PolicyApplied("rate_limit", "agent.dispatch")
	res := ActionResult{
		Action:    req.Action,
		Status:    string(execlog.StatusRateLimited),
		Retryable: true,
		ResumeAt:  c.Now().Add(v.RetryAfter),
		Error:     "organization action budget: " + v.Reason,
		Kind:      errs.KindRateLimited,
	}
	if c.opts.Scheduler == nil {
		return res, true
	}
	id, err := c.opts.Scheduler.Schedule(ctx, KindDispatch, req, res.ResumeAt, req.CorrelationID, req.OrgID)
	if err != nil {
		slog.Error("queue held action", "action", string(req.Action.Type), "org_id", req.OrgID, "error", err)
		res.Error += "; " + err.Error()
		return res, true
	}
	res.ScheduleID = id
	return res, true
}

func (c *Coordinator) dispatch(ctx context.Context, req executor.Request) ActionResult {
	out := c.opts.Dispatcher.Dispatch(ctx, req)
	return ActionResult{
		Action:     req.Action,
		Success:    out.Success,
		Status:     string(out.Status),
		Retryable:  out.Retryable,
		AuditID:    out.AuditID,
		ScheduleID: out.ScheduleID,
		ResumeAt:   out.ResumeAt,
		Error:      out.Error,
		Kind:       out.Kind,
	}
}

// redispatch runs an action that was held back by the action budget. The
// run's result for that action is replaced by the new one.
func (c *Coordinator) redispatch(ctx context.Context, job *state.Job) error {
	req, err := scheduler.Decode[executor.Request](job)
	if err != nil {
		return err
	}
	r := c.runFor(req)
	res, held := c.holdForBudget(ctx, req)
	if !held {
		res = c.dispatch(ctx, req)
	}
	c.update(r, func(r *Run) {
		for i := range r.Results {
			if r.Results[i].ScheduleID == job.ID {
				r.Results[i] = res
			}
		}
	})
	if msg := c.settle(ctx, r, res); msg != "" {
		c.logger(r).Warn("held action failed", "schedule_id", string(job.ID), "error", msg)
	}
	return nil
}

// runFor returns the tracked run of req, or a stand-in carrying its ids
// when the run has already been forgotten.
func (c *Coordinator) runFor(req executor.Request) *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[req.RunID]; ok {
		return r
	}
	return &Run{
		ID:    req.RunID,
		Input: types.AgentInput{CorrelationID: req.CorrelationID, OrgID: req.OrgID},
		State: StateExecuted,
	}
}

func (c *Coordinator) escalate(ctx context.Context, r *Run, reason string) {
	c.update(r, func(r *Run) {
		r.State = StateEscalated
		r.Reason = reason
	})
	c.emit(ctx, r, bus.InputEscalated{RunID: r.ID, Reason: reason})
	c.notifyOperator(ctx, r, "input escalated", reason)
}

func (c *Coordinator) notifyOperator(ctx context.Context, r *Run, subject, detail string) {
	body := fmt.Sprintf("Run %s (%s %s) needs attention.\n\n%s\n\nCorrelation id: %s",
		r.ID, r.Input.Source, r.Input.Type, detail, r.Input.CorrelationID)
	c.alert(ctx, c.logger(r), r.Input.CorrelationID, r.orgID(), subject, body)
}

// jobFailed tells the operator about scheduled work that ran out of
// retries. Failed deliveries of operator alerts are only logged.
func (c *Coordinator) jobFailed(ctx context.Context, job *state.Job, err error) {
	if errs.KindOf(err) != errs.KindExhausted {
		return
	}
	log := slog.With("schedule_id", string(job.ID), "kind", job.Kind,
		"correlation_id", string(job.CorrelationID), "org_id", job.OrgID)
	if job.Kind == executor.KindNotificationDeliver {
		if p, derr := scheduler.Decode[executor.NotificationPayload](job); derr == nil && p.Recipient == c.opts.Escalation.Recipient {
			log.Error("operator alert could not be delivered", "error", err)
			return
		}
	}
	body := fmt.Sprintf("Scheduled job %s (%s) failed after retries.\n\n%s\n\nCorrelation id: %s",
		job.ID, job.Kind, err, job.CorrelationID)
	c.alert(ctx, log, job.CorrelationID, job.OrgID, fmt.Sprintf("scheduled %s failed after retries", job.Kind), body)
}

func (c *Coordinator) alert(ctx context.Context, log *slog.Logger, corr types.CorrelationID, orgID, subject, body string) {
	if c.opts.Notifier == nil || c.opts.Escalation.Recipient == "" {
		log.Warn("escalation has no operator configured", "subject", subject, "detail", body)
		return
	}
	res := c.opts.Notifier.Send(context.WithoutCancel(ctx), executor.NotificationPayload{
		Channel:       c.opts.Escalation.Channel,
		Recipient:     c.opts.Escalation.Recipient,
		Subject:       "[astralis] " + subject,
		Body:          body,
		Priority:      types.PriorityHigh,
		CorrelationID: corr,
		OrgID:         orgID,
	})
	if !res.Success && !res.Deferred() {
		log.Error("operator escalation failed", "error", res.Error)
	}
}

func (c *Coordinator) emit(ctx context.Context, r *Run, p bus.Payload) {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Emit(ctx, p, bus.EmitContext{
		CorrelationID: r.Input.CorrelationID,
		OrgID:         r.orgID(),
		Source:        eventSource,
	})
}

func (c *Coordinator) orgContext(ctx context.Context, orgID string) types.OrgContext {
	if c.opts.OrgContext != nil {
		return c.opts.OrgContext(ctx, orgID)
	}
	return types.OrgContext{OrgID: orgID}
}

func (c *Coordinator) logger(r *Run) *slog.Logger {
	return slog.With("run_id", string(r.ID), "correlation_id", string(r.Input.CorrelationID), "org_id", r.orgID())
}

// track registers r and forgets the oldest finished runs beyond Retain.
// Runs still in flight or waiting for a human are skipped, never dropped.
func (c *Coordinator) track(r *Run) *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[r.ID] = r
	c.order = append(c.order, r.ID)

	over := len(c.order) - c.opts.Retain
	if over <= 0 {
		return r
	}
	kept := c.order[:0]
	for _, id := range c.order {
		run := c.runs[id]
		if over > 0 && (run == nil || run.State.Terminal()) {
			delete(c.runs, id)
			over--
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return r
}

func (c *Coordinator) update(r *Run, fn func(*Run)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(r)
	r.UpdatedAt = c.Now()
}

func (c *Coordinator) stateOf(r *Run) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.State
}

func (c *Coordinator) snapshot(r *Run) *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.clone()
}

// Get returns a copy of the run.
func (c *Coordinator) Get(id types.RunID) (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Awaiting returns copies of runs parked for a human, oldest first.
func (c *Coordinator) Awaiting() []*Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Run
	for _, r := range c.runs {
		if r.State.Awaiting() {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
