package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Job lifecycle events.
const (
	JobAdded     = "added"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobStalled   = "stalled"
	JobProgress  = "progress"
	JobDelayed   = "delayed"
)

var jobEvents = map[string]bool{
	JobAdded: true, JobActive: true, JobCompleted: true, JobFailed: true,
	JobStalled: true, JobProgress: true, JobDelayed: true,
}

// JobEvent is one background-job lifecycle notification.
type JobEvent struct {
	Queue         string              `json:"queue"`
	Event         string              `json:"event"`
	JobID         string              `json:"job_id"`
	JobName       string              `json:"job_name,omitempty"`
	Data          map[string]any      `json:"data,omitempty"`
	Result        any                 `json:"result,omitempty"`
	FailedReason  string              `json:"failed_reason,omitempty"`
	AttemptsMade  int                 `json:"attempts_made,omitempty"`
	MaxAttempts   int                 `json:"max_attempts,omitempty"`
	Progress      float64             `json:"progress,omitempty"`
	OrgID         string              `json:"org_id,omitempty"`
	Timestamp     time.Time           `json:"timestamp,omitempty"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
}

type WorkerOptions struct {
	SkipProgress bool
	// IgnoredQueues are dropped as filtered.
	IgnoredQueues []string
}

type Worker struct {
	base
	opts WorkerOptions
}

func NewWorker(pub Publisher, m *metrics.Metrics, opts WorkerOptions) *Worker {
	return &Worker{base: newBase(types.SourceWorkerEvent, pub, m), opts: opts}
}

func (w *Worker) Validate(ev JobEvent) ValidationResult {
	v := ValidationResult{Valid: true, Sanitized: map[string]any{}}
	if strings.TrimSpace(ev.Queue) == "" {
		v.fail("queue is required")
	}
	if ev.JobID == "" {
		v.fail("job_id is required")
	}
	event := strings.ToLower(ev.Event)
	if !jobEvents[event] {
		v.fail("unknown job event %q", ev.Event)
	}
	if event == JobFailed && ev.FailedReason == "" {
		v.warn("failed event without failed_reason")
	}
	v.Sanitized["queue"] = strings.TrimSpace(ev.Queue)
	v.Sanitized["event"] = event
	v.Sanitized["job_id"] = ev.JobID
	if ev.JobName != "" {
		v.Sanitized["job_name"] = ev.JobName
	}
	return v
}

// HandleInput classifies a job event as "<queue>.<event>" and publishes it.
func (w *Worker) HandleInput(ctx context.Context, ev JobEvent) ProcessingResult {
	return process(ctx, &w.base, ev, w.Validate, w.normalize)
}

func (w *Worker) normalize(ev JobEvent, v ValidationResult) (normalized, error) {
	queue := v.Sanitized["queue"].(string)
	event := v.Sanitized["event"].(string)

	data := v.Sanitized
	if len(ev.Data) > 0 {
		data["data"] = ev.Data
	}
	if ev.Result != nil {
		data["result"] = ev.Result
	}
	if ev.FailedReason != "" {
		data["failed_reason"] = ev.FailedReason
	}
	if ev.AttemptsMade > 0 {
		data["attempts_made"] = ev.AttemptsMade
	}
	if event == JobProgress {
		data["progress"] = ev.Progress
	}

	in := types.AgentInput{
		Type:           queue + "." + event,
		RawContent:     jobText(ev, queue, event),
		StructuredData: data,
		Timestamp:      ev.Timestamp,
		CorrelationID:  ev.CorrelationID,
		OrgID:          ev.OrgID,
		Metadata: types.InputMetadata{
			Tags:       []string{"queue:" + queue, event},
			RelatedIDs: map[string]string{"job_id": ev.JobID},
			Priority:   jobPriority(ev, event),
		},
	}

	n := normalized{input: in}
	switch {
	case event == JobProgress && w.opts.SkipProgress:
		n.skipReason = "progress"
	case w.ignored(queue):
		n.skipReason = "ignored_queue"
	}
	return n, nil
}

func (w *Worker) ignored(queue string) bool {
	for _, q := range w.opts.IgnoredQueues {
		if strings.EqualFold(q, queue) {
			return true
		}
	}
	return false
}

// jobPriority raises failures that used up their attempts and stalled jobs.
func jobPriority(ev JobEvent, event string) types.Priority {
	switch event {
	case JobFailed:
		if ev.MaxAttempts > 0 && ev.AttemptsMade >= ev.MaxAttempts {
			return types.PriorityUrgent
		}
		return types.PriorityHigh
	case JobStalled:
		return types.PriorityHigh
	case JobProgress, JobActive:
		return types.PriorityLow
	}
	return types.PriorityNormal
}

func jobText(ev JobEvent, queue, event string) string {
	name := ev.JobName
	if name == "" {
		name = ev.JobID
	}
	s := fmt.Sprintf("job %s on queue %s: %s", name, queue, event)
	if ev.FailedReason != "" {
		s += " (" + ev.FailedReason + ")"
	}
	return s
}
