package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Auditor writes audit entries for committed mutations. A failed write is
// logged and reported as an empty id; it never undoes the mutation.
type Auditor struct {
	store types.AuditStore

	Now func() time.Time
}

// NewAuditor creates an Auditor. A nil store disables auditing.
func NewAuditor(store types.AuditStore) *Auditor {
	return &Auditor{store: store, Now: time.Now}
}

// Record appends one entry describing the change of entityType/entityID
// from prev to next.
func (a *Auditor) Record(ctx context.Context, meta Meta, action, entityType, entityID string, prev, next any) types.AuditID {
	if a == nil || a.store == nil {
		return ""
	}
	entry := &types.AuditLogEntry{
		ID:            types.NewAuditID(),
		EntityType:    entityType,
		EntityID:      entityID,
		Action:        action,
		PreviousState: rawState(prev),
		NewState:      rawState(next),
		Reason:        meta.Reason,
		PerformedBy:   meta.actor(),
		CorrelationID: meta.CorrelationID,
		OrgID:         meta.OrgID,
		Timestamp:     a.Now().UTC(),
	}
	if err := a.store.Append(context.WithoutCancel(ctx), entry); err != nil {
		slog.Error("audit write failed", "action", action, "entity_type", entityType,
			"entity_id", entityID, "correlation_id", string(meta.CorrelationID), "error", err)
		return ""
	}
	return entry.ID
}

func rawState(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return b
}

// Mutation describes one state-changing operation on a single entity.
// Validate, Check and Secondary are optional.
type Mutation[S any] struct {
	Op         string
	EntityType string
	EntityID   string

	Validate func() error
	// Previous captures the state before the change.
	Previous func(ctx context.Context) (S, error)
	// Check rejects the operation for the current state.
	Check func(ctx context.Context, prev S) error
	// Mutate commits the change and returns the new state. It runs
	// detached from caller cancellation; an error means nothing changed.
	Mutate func(ctx context.Context, prev S) (S, error)
	// Secondary runs follow-up work after the audit write. Its failure
	// leaves the primary change and its audit entry in place.
	Secondary func(ctx context.Context, next S) error
}

// Change is the result of Apply.
type Change[S any] struct {
	Success      bool
	Previous     S
	Next         S
	AuditID      types.AuditID
	Err          error
	SecondaryErr error
}

// Apply runs m through validate, preconditions, state capture, mutation,
// audit and secondary steps. A panic anywhere becomes an internal error.
func Apply[S any](ctx context.Context, a *Auditor, meta Meta, m Mutation[S]) (c Change[S]) {
	committed := false
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered", "operation", m.Op, "entity_id", m.EntityID,
				"correlation_id", string(meta.CorrelationID), "panic", r, "stack", string(debug.Stack()))
			err := &errs.Error{Kind: errs.KindInternal, Op: m.Op, Message: fmt.Sprintf("panic: %v", r)}
			if committed {
				c.SecondaryErr = err
			} else {
				c.Success = false
				c.Err = err
			}
		}
	}()

	if m.Validate != nil {
		if err := m.Validate(); err != nil {
			c.Err = err
			return c
		}
	}
	if m.Previous != nil {
		prev, err := m.Previous(ctx)
		if err != nil {
			c.Err = err
			return c
		}
		c.Previous = prev
	}
	if m.Check != nil {
		if err := m.Check(ctx, c.Previous); err != nil {
			c.Err = err
			return c
		}
	}

	detached := context.WithoutCancel(ctx)
	next, err := m.Mutate(detached, c.Previous)
	if err != nil {
		c.Err = err
		return c
	}
	committed = true
	c.Success = true
	c.Next = next
	c.AuditID = a.Record(detached, meta, m.Op, m.EntityType, m.EntityID, c.Previous, next)

	if m.Secondary != nil {
		if err := m.Secondary(detached, next); err != nil {
			slog.Warn("secondary step failed after commit", "operation", m.Op,
				"entity_id", m.EntityID, "correlation_id", string(meta.CorrelationID), "error", err)
			c.SecondaryErr = err
		}
	}
	return c
}
