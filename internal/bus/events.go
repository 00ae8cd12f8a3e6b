package bus

import (
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// EventType names a kind of event; subscribers register per type.
type EventType string

const (
	TypeEmailReceived   EventType = "email.received"
	TypeWebhookReceived EventType = "webhook.received"
	TypeWorkerEvent     EventType = "worker.event"
	TypeDBChange        EventType = "db.change"

	TypeDecisionReceived EventType = "agent.decision"
	TypeApprovalRequired EventType = "agent.approval_required"
	TypeEscalated        EventType = "agent.escalated"
	TypeRunRejected      EventType = "agent.rejected"

	TypeActionExecuted EventType = "action.executed"
	TypeActionFailed   EventType = "action.failed"
	TypeActionDeferred EventType = "action.deferred"
)

// InputTypes lists the event types adapters publish.
var InputTypes = []EventType{TypeEmailReceived, TypeWebhookReceived, TypeWorkerEvent, TypeDBChange}

// InputEventType maps an input source onto the event type its adapter publishes.
func InputEventType(src types.InputSource) EventType {
	switch src {
	case types.SourceEmail:
		return TypeEmailReceived
	case types.SourceWorkerEvent:
		return TypeWorkerEvent
	case types.SourceDBTrigger:
		return TypeDBChange
	default:
		return TypeWebhookReceived
	}
}

// Payload is the closed set of event bodies. Handlers switch on the
// concrete type; the unexported method keeps other packages from adding
// variants.
type Payload interface {
	EventType() EventType
	payload()
}

// InputReceived carries a normalized input from an adapter.
type InputReceived struct {
	Input types.AgentInput `json:"input"`
}

// DecisionReceived is emitted once the decision provider has answered
// and the confidence gate has chosen a route.
type DecisionReceived struct {
	RunID    types.RunID    `json:"run_id"`
	Decision types.Decision `json:"decision"`
	Route    string         `json:"route"`
}

// ApprovalRequested parks a run until a human approves or rejects it.
type ApprovalRequested struct {
	RunID    types.RunID    `json:"run_id"`
	Decision types.Decision `json:"decision"`
	Reason   string         `json:"reason"`
}

type InputEscalated struct {
	RunID  types.RunID `json:"run_id"`
	Reason string      `json:"reason"`
}

type RunRejected struct {
	RunID    types.RunID `json:"run_id"`
	Rejecter string      `json:"rejecter"`
	Reason   string      `json:"reason,omitempty"`
}

type ActionCompleted struct {
	RunID   types.RunID   `json:"run_id"`
	Action  types.Action  `json:"action"`
	Status  string        `json:"status"`
	AuditID types.AuditID `json:"audit_id,omitempty"`
}

type ActionFailed struct {
	RunID     types.RunID  `json:"run_id"`
	Action    types.Action `json:"action"`
	Error     string       `json:"error"`
	Retryable bool         `json:"retryable"`
}

// ActionDeferred reports a rate-limited or quiet-hours action. ScheduleID
// is set when re-delivery was scheduled.
type ActionDeferred struct {
	RunID      types.RunID      `json:"run_id"`
	Action     types.Action     `json:"action"`
	Status     string           `json:"status"`
	ResumeAt   time.Time        `json:"resume_at,omitempty"`
	ScheduleID types.ScheduleID `json:"schedule_id,omitempty"`
}

func (p InputReceived) EventType() EventType     { return InputEventType(p.Input.Source) }
func (DecisionReceived) EventType() EventType    { return TypeDecisionReceived }
func (ApprovalRequested) EventType() EventType   { return TypeApprovalRequired }
func (InputEscalated) EventType() EventType      { return TypeEscalated }
func (RunRejected) EventType() EventType         { return TypeRunRejected }
func (ActionCompleted) EventType() EventType     { return TypeActionExecuted }
func (ActionFailed) EventType() EventType        { return TypeActionFailed }
func (ActionDeferred) EventType() EventType      { return TypeActionDeferred }
func (InputReceived) payload()                   {}
func (DecisionReceived) payload()                {}
func (ApprovalRequested) payload()               {}
func (InputEscalated) payload()                  {}
func (RunRejected) payload()                     {}
func (ActionCompleted) payload()                 {}
func (ActionFailed) payload()                    {}
func (ActionDeferred) payload()                  {}

// Event is one emitted payload with its envelope.
type Event struct {
	ID            types.EventID       `json:"id"`
	Type          EventType           `json:"type"`
	Payload       Payload             `json:"payload"`
	Source        string              `json:"source,omitempty"`
	CorrelationID types.CorrelationID `json:"correlation_id"`
	OrgID         string              `json:"org_id,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}
