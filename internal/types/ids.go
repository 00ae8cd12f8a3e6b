// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type CorrelationID string
type EventID string
type RunID string
type ScheduleID string
type AuditID string
type ExecutionID string
type SubscriptionID string

func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewScheduleID() ScheduleID {
	return ScheduleID(uuid.New().String())
}

func NewAuditID() AuditID {
	return AuditID(uuid.New().String())
}

func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.New().String())
}

func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.New().String())
}

// Key joins non-empty parts with ":" to build store and limiter keys,
// e.g. Key("notify", "email", "a@b.c") -> "notify:email:a@b.c".
func Key(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}
