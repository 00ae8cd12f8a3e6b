// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// InputSource identifies which adapter produced an AgentInput.
type InputSource string

const (
	SourceWebhook     InputSource = "webhook"
	SourceEmail       InputSource = "email"
	SourceWorkerEvent InputSource = "worker-event"
	SourceDBTrigger   InputSource = "db-trigger"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities from 0 (low) to 3 (urgent). Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

func (p Priority) IsUrgent() bool { return p == PriorityUrgent }

// PriorityFromUrgency maps a 1..5 decision urgency onto a Priority.
func PriorityFromUrgency(urgency int) Priority {
	switch {
	case urgency >= 5:
		return PriorityUrgent
	case urgency == 4:
		return PriorityHigh
	case urgency <= 1:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

type InputMetadata struct {
	Tags       []string          `json:"tags,omitempty"`
	RelatedIDs map[string]string `json:"related_ids,omitempty"`
	Priority   Priority          `json:"priority,omitempty"`
}

// AgentInput is the normalized envelope every adapter produces. It is
// passed by value downstream and must not be modified after publish.
type AgentInput struct {
	Source         InputSource    `json:"source"`
	Type           string         `json:"type"`
	RawContent     string         `json:"raw_content"`
	StructuredData map[string]any `json:"structured_data,omitempty"`
	Metadata       InputMetadata  `json:"metadata"`
	Timestamp      time.Time      `json:"timestamp"`
	CorrelationID  CorrelationID  `json:"correlation_id"`
	OrgID          string         `json:"org_id,omitempty"`
}

// Decision is produced by the external decision provider.
type Decision struct {
	Intent           string   `json:"intent"`
	Confidence       float64  `json:"confidence"`
	Urgency          int      `json:"urgency"`
	Actions          []Action `json:"actions"`
	RequiresApproval bool     `json:"requires_approval"`
	ApprovalReason   string   `json:"approval_reason,omitempty"`
	Reasoning        string   `json:"reasoning,omitempty"`
}

type ActionType string

const (
	ActionAssignToPipeline   ActionType = "assign_to_pipeline"
	ActionReassign           ActionType = "reassign"
	ActionMoveToStage        ActionType = "move_to_stage"
	ActionSetAssignee        ActionType = "set_assignee"
	ActionCreateEvent        ActionType = "create_event"
	ActionUpdateEvent        ActionType = "update_event"
	ActionCancelEvent        ActionType = "cancel_event"
	ActionSendNotification   ActionType = "send_notification"
	ActionSendBulk           ActionType = "send_bulk_notification"
	ActionNotifyExternal     ActionType = "notify_external"
	ActionTriggerWorkflow    ActionType = "trigger_workflow"
	ActionTriggerWebhook     ActionType = "trigger_webhook"
	ActionScheduleAutomation ActionType = "schedule_automation"
)

// Action is one declarative instruction from a Decision.
type Action struct {
	Type     ActionType     `json:"type"`
	Priority Priority       `json:"priority,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// String returns the named param as a string, or "" when absent.
func (a Action) String(name string) string {
	if v, ok := a.Params[name].(string); ok {
		return v
	}
	return ""
}

// Strings returns a string-list param, accepting []string or []any.
func (a Action) Strings(name string) []string {
	switch v := a.Params[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Time parses an RFC 3339 timestamp param.
func (a Action) Time(name string) (time.Time, bool) {
	switch v := a.Params[name].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		return t, err == nil
	}
	return time.Time{}, false
}

// Int reads a numeric param; JSON numbers arrive as float64.
func (a Action) Int(name string) (int, bool) {
	switch v := a.Params[name].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// AssignmentState is the audited snapshot of an assignable work item.
type AssignmentState struct {
	PipelineID string   `json:"pipeline_id,omitempty"`
	StageID    string   `json:"stage_id,omitempty"`
	AssigneeID string   `json:"assignee_id,omitempty"`
	Priority   Priority `json:"priority,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Status     string   `json:"status,omitempty"`
}

type ActorType string

const (
	ActorAgent ActorType = "agent"
	ActorHuman ActorType = "human"
)

type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// AuditLogEntry records one state-changing operation.
type AuditLogEntry struct {
	ID            AuditID         `json:"id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Action        string          `json:"action"`
	PreviousState json.RawMessage `json:"previous_state,omitempty"`
	NewState      json.RawMessage `json:"new_state,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	PerformedBy   Actor           `json:"performed_by"`
	CorrelationID CorrelationID   `json:"correlation_id,omitempty"`
	OrgID         string          `json:"org_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}
