package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astralisone/astralis-nextjs-sub001/internal/dedup"
	"github.com/astralisone/astralis-nextjs-sub001/internal/delivery"
	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/execlog"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/quiet"
	"github.com/astralisone/astralis-nextjs-sub001/internal/ratelimit"
	"github.com/astralisone/astralis-nextjs-sub001/internal/repository"
	"github.com/astralisone/astralis-nextjs-sub001/internal/retry"
	"github.com/astralisone/astralis-nextjs-sub001/internal/scheduler"
	"github.com/astralisone/astralis-nextjs-sub001/internal/state"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

const (
	// KindNotificationDeliver is the scheduler job kind for deferred sends.
	KindNotificationDeliver = "notification.deliver"

	CollectionPreferences = "notification_preferences"
)

// NotificationPayload is one message to one recipient.
type NotificationPayload struct {
	Channel       string              `json:"channel"`
	Recipient     string              `json:"recipient"`
	Subject       string              `json:"subject,omitempty"`
	Body          string              `json:"body"`
	TemplateID    string              `json:"template_id,omitempty"`
	Data          map[string]string   `json:"data,omitempty"`
	Priority      types.Priority      `json:"priority,omitempty"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
	OrgID         string              `json:"org_id,omitempty"`
	// Redelivery marks a send released from a deferral; it skips the
	// dedup check the original send already passed.
	Redelivery bool `json:"redelivery,omitempty"`
}

type NotificationResult struct {
	Success    bool             `json:"success"`
	Status     execlog.Status   `json:"status"`
	Recipient  string           `json:"recipient"`
	MessageID  string           `json:"message_id,omitempty"`
	ScheduleID types.ScheduleID `json:"schedule_id,omitempty"`
	ResumeAt   time.Time        `json:"resume_at,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
	Error      string           `json:"error,omitempty"`
	Kind       errs.Kind        `json:"kind,omitempty"`
	Retryable  bool             `json:"retryable"`
}

// Deferred reports whether delivery was postponed by quiet hours or a rate limit.
func (r NotificationResult) Deferred() bool {
	return r.Status == execlog.StatusDeferred || r.Status == execlog.StatusRateLimited
}

type BulkResult struct {
	Total        int                  `json:"total"`
	Sent         int                  `json:"sent"`
	Deferred     int                  `json:"deferred"`
	Deduplicated int                  `json:"deduplicated"`
	Failed       int                  `json:"failed"`
	Results      []NotificationResult `json:"results"`
}

// QuietPreference is a recipient's stored quiet-hours policy.
type QuietPreference struct {
	Enabled     bool     `json:"enabled"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Timezone    string   `json:"timezone,omitempty"`
	Days        []string `json:"days,omitempty"`
	AllowUrgent bool     `json:"allow_urgent"`
}

// RecipientPreferences are stored under the recipient address.
type RecipientPreferences struct {
	ID         string           `json:"id"`
	QuietHours *QuietPreference `json:"quiet_hours,omitempty"`
}

type NotificationOptions struct {
	Delivery  *delivery.Registry
	Dedup     *dedup.Cache
	Limiter   *ratelimit.Limiter
	Retry     *retry.Policy
	Scheduler *scheduler.Scheduler
	// Preferences holds per-recipient quiet hours; nil uses DefaultQuiet
	// for everyone.
	Preferences  types.Repository
	DefaultQuiet quiet.Window
	Log          *execlog.Log
	Metrics      *metrics.Metrics
	// BulkConcurrency bounds parallel sends in SendBulk (default 8).
	BulkConcurrency int
}

// Notification sends messages under dedup, quiet hours, rate limits and
// retry. Deferred sends are handed to the scheduler and redelivered when
// their window opens.
type Notification struct {
	opts NotificationOptions

	Now func() time.Time
}

// NewNotification creates the executor and registers its redelivery job
// kind with the scheduler.
func NewNotification(opts NotificationOptions) *Notification {
	if opts.Retry == nil {
		opts.Retry = retry.Default()
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = 8
	}
	n := &Notification{opts: opts, Now: time.Now}
	if opts.Scheduler != nil {
		opts.Scheduler.Register(KindNotificationDeliver, n.redeliver)
	}
	return n
}

func (n *Notification) Handles() []types.ActionType {
	return []types.ActionType{types.ActionSendNotification, types.ActionSendBulk, types.ActionNotifyExternal}
}

func (n *Notification) Execute(ctx context.Context, req Request) Outcome {
	act := req.Action
	p := NotificationPayload{
		Channel:       act.String("channel"),
		Recipient:     act.String("recipient"),
		Subject:       act.String("subject"),
		Body:          act.String("body"),
		TemplateID:    act.String("template_id"),
		Data:          stringMap(act.Params["data"]),
		Priority:      act.Priority,
		CorrelationID: req.CorrelationID,
		OrgID:         req.OrgID,
	}
	if p.Channel == "" {
		p.Channel = delivery.ChannelEmail
	}
	if p.Priority == "" {
		p.Priority = types.Priority(act.String("priority"))
	}

	if act.Type == types.ActionSendBulk {
		recipients := act.Strings("recipients")
		if len(recipients) == 0 {
			return failed(errs.Validation("notification.send_bulk", "recipients are required"), nil)
		}
		payloads := make([]NotificationPayload, len(recipients))
		for i, r := range recipients {
			payloads[i] = p
			payloads[i].Recipient = r
		}
		bulk := n.SendBulk(ctx, payloads)
		if bulk.Failed > 0 {
			o := Outcome{
				Status: execlog.StatusFailed,
				Error:  fmt.Sprintf("%d of %d notifications failed", bulk.Failed, bulk.Total),
				Kind:   errs.KindTransientDelivery,
				Detail: bulk,
			}
			for _, r := range bulk.Results {
				o.Retryable = o.Retryable || r.Retryable
			}
			return o
		}
		return succeeded(bulk)
	}

	if at, ok := act.Time("send_at"); ok && at.After(n.Now()) {
		id, err := n.ScheduleNotification(ctx, p, at)
		if err != nil {
			return failed(err, nil)
		}
		return Outcome{Success: true, Status: execlog.StatusDeferred, ScheduleID: id, ResumeAt: at}
	}

	res := n.Send(ctx, p)
	o := Outcome{
		Success:    res.Success,
		Status:     res.Status,
		Retryable:  res.Retryable,
		ScheduleID: res.ScheduleID,
		ResumeAt:   res.ResumeAt,
		Error:      res.Error,
		Kind:       res.Kind,
		Detail:     res,
	}
	return o
}

// Send delivers p now, or defers it. Deferral for quiet hours reports
// StatusDeferred and for rate limits StatusRateLimited; both carry the
// schedule id of the redelivery.
func (n *Notification) Send(ctx context.Context, p NotificationPayload) (res NotificationResult) {
	const op = "notification.send"
	res.Recipient = p.Recipient

	var execID types.ExecutionID
	if n.opts.Log != nil {
		execID = n.opts.Log.Start(p.Recipient, op, p.CorrelationID)
	}
	dedupKey := ""
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered", "operation", op, "recipient", p.Recipient,
				"correlation_id", string(p.CorrelationID), "panic", r, "stack", string(debug.Stack()))
			res = n.failure(res, &errs.Error{Kind: errs.KindInternal, Op: op, Message: fmt.Sprintf("panic: %v", r)})
		}
		if res.Status == execlog.StatusFailed && dedupKey != "" {
			if err := n.opts.Dedup.Forget(context.WithoutCancel(ctx), dedupKey); err != nil {
				slog.Warn("release dedup key", "operation", op, "error", err)
			}
		}
		if n.opts.Log != nil {
			var err error
			if res.Error != "" {
				err = errors.New(res.Error)
			}
			n.opts.Log.Finish(execID, res.Status, err)
		}
		n.opts.Metrics.ActionExecuted(op, string(res.Status))
	}()

	if err := n.validate(p); err != nil {
		return n.failure(res, err)
	}

	if n.opts.Dedup != nil && !p.Redelivery {
		key := dedup.Key("notify", p.Channel, p.Recipient, p.Subject, p.Body, p.TemplateID, string(p.CorrelationID))
		dup, err := n.opts.Dedup.CheckAndRecord(ctx, key)
		switch {
		case err != nil:
			slog.Warn("dedup check failed, sending anyway", "operation", op, "error", err)
		case dup:
			n.opts.Metrics.PolicyApplied("dedup", op)
			res.Success = true
			res.Status = execlog.StatusDeduplicated
			return res
		default:
			dedupKey = key
		}
	}

	now := n.Now()
	if q := quiet.Evaluate(n.quietWindow(ctx, p.Recipient), now, p.Priority); q.InQuietHours {
		n.opts.Metrics.PolicyApplied("quiet_hours", op)
		return n.deferUntil(ctx, res, p, q.ResumeAt, execlog.StatusDeferred)
	}

	if n.opts.Limiter != nil {
		v, err := n.opts.Limiter.Allow(ctx, p.Channel+":"+p.Recipient, p.Priority)
		if err != nil {
			slog.Warn("rate limit check failed, sending anyway", "operation", op, "error", err)
		} else if !v.Allowed {
			n.opts.Metrics.PolicyApplied("rate_limit", op)
			res.Error = v.Reason
			return n.deferUntil(ctx, res, p, now.Add(v.RetryAfter), execlog.StatusRateLimited)
		}
	}

	msg := types.Message{Subject: p.Subject, Body: p.Body, Data: p.Data}
	var delivered types.DeliveryResult
	rr := n.opts.Retry.Execute(ctx, func(ctx context.Context, attempt int) error {
		var err error
		delivered, err = n.opts.Delivery.Deliver(ctx, p.Channel, p.Recipient, msg)
		return err
	})
	res.Attempts = rr.Attempts
	n.opts.Metrics.Retried(op, rr.Attempts-1)
	if rr.Err != nil {
		slog.Warn("notification delivery failed", "channel", p.Channel, "recipient", p.Recipient,
			"attempts", rr.Attempts, "correlation_id", string(p.CorrelationID), "error", rr.Err)
		return n.failure(res, rr.Err)
	}

	res.Success = true
	res.Status = execlog.StatusSuccess
	res.MessageID = delivered.MessageID
	slog.Info("notification sent", "channel", p.Channel, "recipient", p.Recipient,
		"message_id", delivered.MessageID, "correlation_id", string(p.CorrelationID))
	return res
}

// SendBulk sends every payload concurrently and tallies the outcomes.
// Results keep the order of payloads.
func (n *Notification) SendBulk(ctx context.Context, payloads []NotificationPayload) BulkResult {
	out := BulkResult{Total: len(payloads), Results: make([]NotificationResult, len(payloads))}

	var g errgroup.Group
	g.SetLimit(n.opts.BulkConcurrency)
	for i, p := range payloads {
		g.Go(func() error {
			out.Results[i] = n.Send(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out.Results {
		switch r.Status {
		case execlog.StatusSuccess:
			out.Sent++
		case execlog.StatusDeferred, execlog.StatusRateLimited:
			out.Deferred++
		case execlog.StatusDeduplicated:
			out.Deduplicated++
		default:
			out.Failed++
		}
	}
	return out
}

// ScheduleNotification queues p for delivery at sendAt.
func (n *Notification) ScheduleNotification(ctx context.Context, p NotificationPayload, sendAt time.Time) (types.ScheduleID, error) {
	if err := n.validate(p); err != nil {
		return "", err
	}
	if n.opts.Scheduler == nil {
		return "", errs.InvalidState("notification.schedule", "no scheduler configured")
	}
	return n.opts.Scheduler.Schedule(ctx, KindNotificationDeliver, p, sendAt, p.CorrelationID, p.OrgID)
}

func (n *Notification) CancelScheduled(id types.ScheduleID) error {
	if n.opts.Scheduler == nil {
		return errs.NotFound("notification.cancel", "schedule %s not found", id)
	}
	return n.opts.Scheduler.Cancel(id)
}

func (n *Notification) redeliver(ctx context.Context, job *state.Job) error {
	p, err := scheduler.Decode[NotificationPayload](job)
	if err != nil {
		return err
	}
	p.Redelivery = true
	res := n.Send(ctx, p)
	if res.Status == execlog.StatusFailed {
		return errs.E(res.Kind, "notification.redeliver", "redeliver to %s: %s", p.Recipient, res.Error)
	}
	return nil
}

func (n *Notification) validate(p NotificationPayload) error {
	const op = "notification.validate"
	switch {
	case p.Recipient == "":
		return errs.Validation(op, "recipient is required")
	case p.Body == "" && p.TemplateID == "":
		return errs.Validation(op, "body or template_id is required")
	case n.opts.Delivery == nil || !n.opts.Delivery.Has(p.Channel):
		return errs.Validation(op, "unknown channel %q", p.Channel)
	}
	return nil
}

// deferUntil schedules a redelivery at at. Without a scheduler the send
// is reported deferred with no schedule id so the caller can retry.
func (n *Notification) deferUntil(ctx context.Context, res NotificationResult, p NotificationPayload, at time.Time, status execlog.Status) NotificationResult {
	res.Status = status
	res.ResumeAt = at
	res.Retryable = true
	if n.opts.Scheduler == nil {
		return res
	}
	p.Redelivery = true
	id, err := n.opts.Scheduler.Schedule(ctx, KindNotificationDeliver, p, at, p.CorrelationID, p.OrgID)
	if err != nil {
		slog.Error("schedule redelivery", "recipient", p.Recipient, "error", err)
		return n.failure(res, err)
	}
	res.ScheduleID = id
	slog.Info("notification deferred", "status", string(status), "recipient", p.Recipient,
		"resume_at", at, "schedule_id", string(id), "correlation_id", string(p.CorrelationID))
	return res
}

func (n *Notification) failure(res NotificationResult, err error) NotificationResult {
	res.Success = false
	res.Status = execlog.StatusFailed
	res.Error = err.Error()
	res.Kind = errs.KindOf(err)
	res.Retryable = errs.Retryable(err)
	return res
}

func (n *Notification) quietWindow(ctx context.Context, recipient string) quiet.Window {
	if n.opts.Preferences == nil {
		return n.opts.DefaultQuiet
	}
	prefs, err := repository.Load[RecipientPreferences](ctx, n.opts.Preferences, CollectionPreferences, recipient)
	if err != nil || prefs.QuietHours == nil {
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			slog.Warn("load recipient preferences", "recipient", recipient, "error", err)
		}
		return n.opts.DefaultQuiet
	}
	q := prefs.QuietHours
	w, err := quiet.ParseWindow(q.Enabled, q.Start, q.End, q.Timezone, q.Days, q.AllowUrgent)
	if err != nil {
		slog.Warn("invalid recipient quiet hours, using default", "recipient", recipient, "error", err)
		return n.opts.DefaultQuiet
	}
	return w
}

func stringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = fmt.Sprint(val)
		}
		return out
	}
	return nil
}
