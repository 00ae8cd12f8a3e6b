package agent

import (
	"slices"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// State is a step of the per-input state machine:
//
//	received → decision_requested → decision_received →
//	  auto_execute | pending_approval | escalated → executed | rejected
//
// approved is the short hop between a human approval and execution.
type State string

const (
	StateReceived          State = "received"
	StateDecisionRequested State = "decision_requested"
	StateDecisionReceived  State = "decision_received"
	StateAutoExecute       State = "auto_execute"
	StatePendingApproval   State = "pending_approval"
	StateEscalated         State = "escalated"
	StateApproved          State = "approved"
	StateExecuted          State = "executed"
	StateRejected          State = "rejected"
)

// Awaiting reports whether the run is parked for a human.
func (s State) Awaiting() bool { return s == StatePendingApproval || s == StateEscalated }

func (s State) Terminal() bool { return s == StateExecuted || s == StateRejected }

// ActionResult is the outcome of one dispatched action.
type ActionResult struct {
	Action     types.Action     `json:"action"`
	Success    bool             `json:"success"`
	Status     string           `json:"status"`
	Retryable  bool             `json:"retryable,omitempty"`
	AuditID    types.AuditID    `json:"audit_id,omitempty"`
	ScheduleID types.ScheduleID `json:"schedule_id,omitempty"`
	ResumeAt   time.Time        `json:"resume_at,omitempty"`
	Error      string           `json:"error,omitempty"`
	Kind       errs.Kind        `json:"kind,omitempty"`
}

// Run tracks one AgentInput through the state machine.
type Run struct {
	ID        types.RunID      `json:"id"`
	Input     types.AgentInput `json:"input"`
	State     State            `json:"state"`
	Decision  *types.Decision  `json:"decision,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Results   []ActionResult   `json:"results,omitempty"`
	Actor     *types.Actor     `json:"actor,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewRun creates a Run in the received state.
func NewRun(input types.AgentInput, now time.Time) *Run {
	return &Run{
		ID:        types.NewRunID(),
		Input:     input,
		State:     StateReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *Run) orgID() string { return r.Input.OrgID }

// clone copies the parts of r that change while it is processed.
func (r *Run) clone() *Run {
	cp := *r
	cp.Results = slices.Clone(r.Results)
	if r.Decision != nil {
		d := *r.Decision
		d.Actions = slices.Clone(r.Decision.Actions)
		cp.Decision = &d
	}
	if r.Actor != nil {
		a := *r.Actor
		cp.Actor = &a
	}
	return &cp
}
