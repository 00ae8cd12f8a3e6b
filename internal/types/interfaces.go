// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
)

// Record is one business entity as stored by a Repository.
type Record struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
}

// Repository persists business entities (pipelines, items, calendar events)
// as JSON documents grouped by collection.
type Repository interface {
	Create(ctx context.Context, collection, id string, data any) error
	Update(ctx context.Context, collection, id string, data any) error
	Find(ctx context.Context, collection, id string) (*Record, error)
	// FindWhere returns records whose top-level fields equal every value in match.
	FindWhere(ctx context.Context, collection string, match map[string]any) ([]*Record, error)
	Delete(ctx context.Context, collection, id string) error
}

// OrgContext is the per-organization view handed to the decision provider.
type OrgContext struct {
	OrgID    string         `json:"org_id"`
	Settings map[string]any `json:"settings,omitempty"`
}

type DecisionProvider interface {
	Decide(ctx context.Context, input AgentInput, org OrgContext) (*Decision, error)
}

// DeliveryResult is returned by a Sender for one message.
type DeliveryResult struct {
	MessageID  string `json:"message_id,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Message is the content handed to a delivery channel.
type Message struct {
	Subject string            `json:"subject,omitempty"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}

// Sender delivers a message over one channel (email, sms, push).
type Sender interface {
	Send(ctx context.Context, recipient string, msg Message) (DeliveryResult, error)
}

// WorkflowInvoker calls an external workflow engine.
type WorkflowInvoker interface {
	Invoke(ctx context.Context, ref string, payload any) (statusCode int, body []byte, err error)
}

type AuditStore interface {
	Append(ctx context.Context, entry *AuditLogEntry) error
	Tail(ctx context.Context, limit int) ([]*AuditLogEntry, error)
	ForEntity(ctx context.Context, entityType, entityID string) ([]*AuditLogEntry, error)
}
