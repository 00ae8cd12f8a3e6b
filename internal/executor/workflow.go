package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/ratelimit"
	"github.com/astralisone/astralis-nextjs-sub001/internal/retry"
	"github.com/astralisone/astralis-nextjs-sub001/internal/scheduler"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// KindWorkflowTrigger is the scheduler job kind for scheduled automations.
const KindWorkflowTrigger = "workflow.trigger"

type TriggerOptions struct {
	Context       map[string]any
	Priority      types.Priority
	CorrelationID types.CorrelationID
	OrgID         string
	// Timeout bounds each attempt; zero uses the executor default.
	Timeout time.Duration
}

type TriggerResult struct {
	Success     bool              `json:"success"`
	Status      execlog.Status    `json:"status"`
	WorkflowID  string            `json:"workflow_id"`
	StatusCode  int               `json:"status_code,omitempty"`
	Response    json.RawMessage   `json:"response,omitempty"`
	Attempts    int               `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	Kind        errs.Kind         `json:"kind,omitempty"`
	Retryable   bool              `json:"retryable"`
	ExecutionID types.ExecutionID `json:"execution_id,omitempty"`
	// ScheduleID is set when a rate-limited trigger was queued for ResumeAt.
	ScheduleID types.ScheduleID `json:"schedule_id,omitempty"`
	ResumeAt   time.Time        `json:"resume_at,omitempty"`
}

type WebhookResult struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"status_code,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	Kind       errs.Kind       `json:"kind,omitempty"`
	Retryable  bool            `json:"retryable"`
}

// envelope is the body posted to workflow engines and webhooks.
type envelope struct {
	WorkflowID    string              `json:"workflow_id,omitempty"`
	Payload       any                 `json:"payload"`
	Context       map[string]any      `json:"context,omitempty"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
	OrgID         string              `json:"org_id,omitempty"`
	TriggeredAt   time.Time           `json:"triggered_at"`
}

type automationJob struct {
	WorkflowID string         `json:"workflow_id"`
	Payload    any            `json:"payload"`
	Context    map[string]any `json:"context,omitempty"`
	Priority   types.Priority `json:"priority,omitempty"`
}

// Workflow triggers external workflows and webhooks with per-workflow
// rate limits and retry.
type Workflow struct {
	invoker types.WorkflowInvoker
	policy  *retry.Policy
	limiter *ratelimit.Limiter
	sched   *scheduler.Scheduler
	log     *execlog.Log
	metrics *metrics.Metrics

	// Timeout bounds each attempt.
	Timeout time.Duration
	Now     func() time.Time
}

// NewWorkflow creates the executor; limiter, sched, log and m may be nil.
func NewWorkflow(inv types.WorkflowInvoker, policy *retry.Policy, limiter *ratelimit.Limiter, sched *scheduler.Scheduler, log *execlog.Log, m *metrics.Metrics) *Workflow {
	if policy == nil {
		policy = retry.Default()
	}
	w := &Workflow{
		invoker: inv,
		policy:  policy,
		limiter: limiter,
		sched:   sched,
		log:     log,
		metrics: m,
		Timeout: 30 * time.Second,
		Now:     time.Now,
	}
	if sched != nil {
		sched.Register(KindWorkflowTrigger, w.runScheduled)
	}
	return w
}

func (w *Workflow) Handles() []types.ActionType {
	return []types.ActionType{types.ActionTriggerWorkflow, types.ActionTriggerWebhook, types.ActionScheduleAutomation}
}

func (w *Workflow) Execute(ctx context.Context, req Request) Outcome {
	act := req.Action
	opts := TriggerOptions{
		Priority:      act.Priority,
		CorrelationID: req.CorrelationID,
		OrgID:         req.OrgID,
		Context:       map[string]any{"run_id": string(req.RunID)},
	}
	payload := act.Params["payload"]

	switch act.Type {
	case types.ActionTriggerWorkflow:
		res := w.Trigger(ctx, act.String("workflow_id"), payload, opts)
		return Outcome{
			Success:    res.Success,
			Status:     res.Status,
			Retryable:  res.Retryable,
			ScheduleID: res.ScheduleID,
			ResumeAt:   res.ResumeAt,
			Error:      res.Error,
			Kind:       res.Kind,
			Detail:     res,
		}
	case types.ActionTriggerWebhook:
		res := w.TriggerWebhook(ctx, act.String("url"), payload, opts)
		if !res.Success {
			return Outcome{Status: execlog.StatusFailed, Retryable: res.Retryable, Error: res.Error, Kind: res.Kind, Detail: res}
		}
		return succeeded(res)
	case types.ActionScheduleAutomation:
		runAt, ok := act.Time("run_at")
		if !ok {
			return failed(errs.Validation("workflow.schedule", "run_at must be an RFC 3339 time"), nil)
		}
		id, err := w.ScheduleAutomation(ctx, act.String("workflow_id"), payload, runAt, opts)
		if err != nil {
			return failed(err, nil)
		}
		return Outcome{Success: true, Status: execlog.StatusDeferred, ScheduleID: id, ResumeAt: runAt}
	}
	return failed(errs.Validation("workflow.execute", "unsupported action %q", act.Type), nil)
}

// Trigger runs workflowID once, retrying transient failures per policy.
// After the last attempt Retryable is false even if each attempt failed
// transiently. A trigger over the workflow's rate limit is queued on the
// scheduler for when the window frees up.
func (w *Workflow) Trigger(ctx context.Context, workflowID string, payload any, opts TriggerOptions) (res TriggerResult) {
	const op = "workflow.trigger"
	res.WorkflowID = workflowID
	if w.log != nil {
		res.ExecutionID = w.log.Start(workflowID, op, opts.CorrelationID)
	}
	defer func() {
		if w.log != nil {
			var err error
			if res.Error != "" {
				err = errors.New(res.Error)
			}
			w.log.Finish(res.ExecutionID, res.Status, err)
		}
		w.metrics.ActionExecuted(op, string(res.Status))
	}()

	if workflowID == "" {
		return w.triggerFailure(res, errs.Validation(op, "workflow_id is required"))
	}
	if w.limiter != nil {
		v, err := w.limiter.Allow(ctx, types.Key("workflow", workflowID), opts.Priority)
		if err != nil {
			slog.Warn("rate limit check failed, triggering anyway", "workflow_id", workflowID, "error", err)
		} else if !v.Allowed {
			w.metrics.PolicyApplied("rate_limit", op)
			res = w.triggerFailure(res, errs.RateLimited(op, v.RetryAfter, v.Reason))
			res.Status = execlog.StatusRateLimited
			res.ResumeAt = w.Now().Add(v.RetryAfter)
			if w.sched == nil {
				return res
			}
			id, err := w.ScheduleAutomation(ctx, workflowID, payload, res.ResumeAt, opts)
			if err != nil {
				slog.Error("queue rate-limited trigger", "workflow_id", workflowID, "error", err)
				res.Error += "; " + err.Error()
				return res
			}
			res.ScheduleID = id
			slog.Info("workflow trigger deferred", "workflow_id", workflowID, "resume_at", res.ResumeAt,
				"schedule_id", string(id), "correlation_id", string(opts.CorrelationID))
			return res
		}
	}

	env := envelope{
		WorkflowID:    workflowID,
		Payload:       payload,
		Context:       opts.Context,
		CorrelationID: opts.CorrelationID,
		OrgID:         opts.OrgID,
		TriggeredAt:   w.Now().UTC(),
	}
	code, body, attempts, err := w.call(ctx, op, workflowID, env, opts.Timeout, true)
	res.StatusCode = code
	res.Response = rawBody(body)
	res.Attempts = attempts
	if err != nil {
		slog.Warn("workflow trigger failed", "workflow_id", workflowID, "attempts", attempts,
			"correlation_id", string(opts.CorrelationID), "error", err)
		return w.triggerFailure(res, err)
	}
	res.Success = true
	res.Status = execlog.StatusSuccess
	slog.Info("workflow triggered", "workflow_id", workflowID, "status_code", code,
		"attempts", attempts, "correlation_id", string(opts.CorrelationID))
	return res
}

// TriggerWebhook posts payload to an arbitrary http(s) URL.
func (w *Workflow) TriggerWebhook(ctx context.Context, target string, payload any, opts TriggerOptions) WebhookResult {
	const op = "workflow.trigger_webhook"
	var res WebhookResult
	u, err := url.ParseRequestURI(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		err := errs.Validation(op, "invalid webhook url %q", target)
		res.Error, res.Kind = err.Error(), errs.KindOf(err)
		return res
	}

	env := envelope{
		Payload:       payload,
		Context:       opts.Context,
		CorrelationID: opts.CorrelationID,
		OrgID:         opts.OrgID,
		TriggeredAt:   w.Now().UTC(),
	}
	code, body, attempts, err := w.call(ctx, op, target, env, opts.Timeout, false)
	res.StatusCode = code
	res.Response = rawBody(body)
	res.Attempts = attempts
	w.metrics.ActionExecuted(op, statusOf(err))
	if err != nil {
		res.Error = err.Error()
		res.Kind = errs.KindOf(err)
		res.Retryable = errs.Retryable(err)
		return res
	}
	res.Success = true
	return res
}

// ScheduleAutomation queues a Trigger of workflowID at runAt.
func (w *Workflow) ScheduleAutomation(ctx context.Context, workflowID string, payload any, runAt time.Time, opts TriggerOptions) (types.ScheduleID, error) {
	const op = "workflow.schedule"
	if workflowID == "" {
		return "", errs.Validation(op, "workflow_id is required")
	}
	if w.sched == nil {
		return "", errs.InvalidState(op, "no scheduler configured")
	}
	job := automationJob{WorkflowID: workflowID, Payload: payload, Context: opts.Context, Priority: opts.Priority}
	return w.sched.Schedule(ctx, KindWorkflowTrigger, job, runAt, opts.CorrelationID, opts.OrgID)
}

func (w *Workflow) runScheduled(ctx context.Context, job *state.Job) error {
	a, err := scheduler.Decode[automationJob](job)
	if err != nil {
		return err
	}
	res := w.Trigger(ctx, a.WorkflowID, a.Payload, TriggerOptions{
		Context:       a.Context,
		Priority:      a.Priority,
		CorrelationID: job.CorrelationID,
		OrgID:         job.OrgID,
	})
	if !res.Success && res.ScheduleID == "" {
		return errs.E(res.Kind, "workflow.scheduled", "%s", res.Error)
	}
	return nil
}

// call invokes ref with retry and classifies each attempt. With
// notFound set, a 404 means the workflow itself is unknown.
func (w *Workflow) call(ctx context.Context, op, ref string, env envelope, timeout time.Duration, notFound bool) (code int, body []byte, attempts int, err error) {
	if timeout <= 0 {
		timeout = w.Timeout
	}
	rr := w.policy.Execute(ctx, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		c, b, ierr := w.invoker.Invoke(actx, ref, env)
		if c != 0 {
			code, body = c, b
		}
		if ierr != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return errs.Wrap(errs.KindExecutionTimeout, op, ierr)
			}
			return ierr
		}
		if notFound && c == http.StatusNotFound {
			return errs.E(errs.KindWorkflowNotFound, op, "workflow %q not found", ref)
		}
		return errs.FromStatus(op, c, 0, truncate(string(b), 200))
	})
	w.metrics.Retried(op, rr.Attempts-1)
	return code, body, rr.Attempts, rr.Err
}

func (w *Workflow) triggerFailure(res TriggerResult, err error) TriggerResult {
	res.Success = false
	res.Status = execlog.StatusFailed
	res.Error = err.Error()
	res.Kind = errs.KindOf(err)
	res.Retryable = errs.Retryable(err)
	return res
}

func rawBody(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func statusOf(err error) string {
	if err != nil {
		return string(execlog.StatusFailed)
	}
	return string(execlog.StatusSuccess)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
