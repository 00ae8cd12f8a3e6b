package adapter

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

const maxFieldLen = 10000

// FormSubmission is a web-form or generic webhook delivery.
type FormSubmission struct {
	FormID        string              `json:"form_id"`
	OrgID         string              `json:"org_id,omitempty"`
	Type          string              `json:"type,omitempty"`
	Fields        map[string]any      `json:"fields"`
	SubmittedAt   time.Time           `json:"submitted_at,omitempty"`
	Referrer      string              `json:"referrer,omitempty"`
	RemoteAddr    string              `json:"remote_addr,omitempty"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
}

// Honeypot field names that real visitors never fill in.
var honeypotFields = []string{"_gotcha", "_honeypot", "website_url"}

var bookingFields = []string{"preferred_date", "preferred_time", "appointment", "booking_date", "date", "time_slot"}

type Webhook struct {
	base
}

func NewWebhook(pub Publisher, m *metrics.Metrics) *Webhook {
	return &Webhook{base: newBase(types.SourceWebhook, pub, m)}
}

// Validate checks required fields and returns a sanitized copy of the form
// fields: strings trimmed and capped, underscore-prefixed keys dropped.
func (w *Webhook) Validate(sub FormSubmission) ValidationResult {
	v := ValidationResult{Valid: true, Sanitized: make(map[string]any, len(sub.Fields))}
	if strings.TrimSpace(sub.FormID) == "" {
		v.fail("form_id is required")
	}
	if len(sub.Fields) == 0 {
		v.fail("fields must not be empty")
	}
	for k, val := range sub.Fields {
		if strings.HasPrefix(k, "_") || isHoneypot(k) {
			continue
		}
		if s, ok := val.(string); ok {
			s = strings.TrimSpace(s)
			if len(s) > maxFieldLen {
				v.warn("field %q truncated to %d characters", k, maxFieldLen)
				s = s[:maxFieldLen]
			}
			val = s
		}
		v.Sanitized[k] = val
	}
	if email, ok := v.Sanitized["email"].(string); ok && email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			v.fail("email %q is not a valid address", email)
		}
	} else if len(sub.Fields) > 0 {
		v.warn("no email field; replies cannot be sent")
	}
	return v
}

// HandleInput validates, classifies and publishes one submission.
func (w *Webhook) HandleInput(ctx context.Context, sub FormSubmission) ProcessingResult {
	return process(ctx, &w.base, sub, w.Validate, w.normalize)
}

func (w *Webhook) normalize(sub FormSubmission, v ValidationResult) (normalized, error) {
	fields := v.Sanitized
	in := types.AgentInput{
		Type:           classifyForm(sub.Type, fields),
		RawContent:     formText(fields),
		StructuredData: fields,
		Timestamp:      sub.SubmittedAt,
		CorrelationID:  sub.CorrelationID,
		OrgID:          sub.OrgID,
		Metadata: types.InputMetadata{
			Tags:       []string{"form:" + sub.FormID},
			RelatedIDs: map[string]string{"form_id": sub.FormID},
			Priority:   formPriority(fields),
		},
	}
	if honeypotHit(sub.Fields) != "" {
		return normalized{input: in, skipReason: "spam"}, nil
	}
	return normalized{input: in}, nil
}

func isHoneypot(field string) bool {
	for _, h := range honeypotFields {
		if field == h {
			return true
		}
	}
	return false
}

func honeypotHit(fields map[string]any) string {
	for _, h := range honeypotFields {
		if s, ok := fields[h].(string); ok && strings.TrimSpace(s) != "" {
			return h
		}
	}
	return ""
}

// classifyForm prefers the caller-declared type, then field heuristics.
func classifyForm(declared string, fields map[string]any) string {
	if declared != "" {
		return declared
	}
	for _, f := range bookingFields {
		if _, ok := fields[f]; ok {
			return "booking_request"
		}
	}
	_, hasMsg := fields["message"]
	_, hasEmail := fields["email"]
	if hasMsg && hasEmail {
		return "contact_request"
	}
	return "form_submission"
}

func formPriority(fields map[string]any) types.Priority {
	if p, ok := fields["priority"].(string); ok {
		switch types.Priority(strings.ToLower(p)) {
		case types.PriorityLow, types.PriorityHigh, types.PriorityUrgent:
			return types.Priority(strings.ToLower(p))
		}
	}
	if u, ok := fields["urgent"].(bool); ok && u {
		return types.PriorityUrgent
	}
	if msg, ok := fields["message"].(string); ok && containsAny(msg, "urgent", "asap", "emergency") {
		return types.PriorityHigh
	}
	return types.PriorityNormal
}

// formText renders fields as "key: value" lines in a stable order.
func formText(fields map[string]any) string {
	keys := sortedKeys(fields)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, fields[k])
	}
	return strings.TrimSuffix(b.String(), "\n")
}
