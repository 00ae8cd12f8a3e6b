package adapter

import (
	"context"
	"net/mail"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Email classifications.
const (
	EmailNewInquiry = "new_inquiry"
	EmailReply      = "reply"
	EmailAutoReply  = "auto_reply"
	EmailBounce     = "bounce"
	EmailSpam       = "spam"
	EmailForward    = "forward"
	EmailNewsletter = "newsletter"
)

const maxEmailBody = 50000

// EmailMessage is an inbound email as delivered by the mail provider's
// webhook. Header names are matched case-insensitively.
type EmailMessage struct {
	MessageID     string              `json:"message_id"`
	From          string              `json:"from"`
	To            []string            `json:"to"`
	Subject       string              `json:"subject"`
	TextBody      string              `json:"text_body,omitempty"`
	HTMLBody      string              `json:"html_body,omitempty"`
	Headers       map[string]string   `json:"headers,omitempty"`
	InReplyTo     string              `json:"in_reply_to,omitempty"`
	OrgID         string              `json:"org_id,omitempty"`
	ReceivedAt    time.Time           `json:"received_at,omitempty"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
}

func (m EmailMessage) header(name string) string {
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// EmailOptions selects which classifications are swallowed instead of
// published.
type EmailOptions struct {
	SkipAutoReplies bool
	SkipBounces     bool
	SkipSpam        bool
	SkipNewsletters bool
}

type Email struct {
	base
	opts EmailOptions
}

func NewEmail(pub Publisher, m *metrics.Metrics, opts EmailOptions) *Email {
	return &Email{base: newBase(types.SourceEmail, pub, m), opts: opts}
}

func (e *Email) Validate(msg EmailMessage) ValidationResult {
	v := ValidationResult{Valid: true, Sanitized: map[string]any{}}
	from, err := mail.ParseAddress(strings.TrimSpace(msg.From))
	if err != nil {
		v.fail("from %q is not a valid address", msg.From)
	} else {
		v.Sanitized["from"] = strings.ToLower(from.Address)
		if from.Name != "" {
			v.Sanitized["from_name"] = from.Name
		}
	}
	if strings.TrimSpace(msg.Subject) == "" && strings.TrimSpace(msg.TextBody) == "" && strings.TrimSpace(msg.HTMLBody) == "" {
		v.fail("email has neither subject nor body")
	}
	if msg.MessageID == "" {
		v.warn("missing message id; duplicate deliveries cannot be detected")
	}
	if len(msg.To) == 0 {
		v.warn("no recipients")
	}
	v.Sanitized["subject"] = strings.TrimSpace(msg.Subject)
	return v
}

// HandleInput classifies and publishes one email. Auto-replies, bounces,
// spam and newsletters are reported as filtered when the matching skip
// option is set.
func (e *Email) HandleInput(ctx context.Context, msg EmailMessage) ProcessingResult {
	return process(ctx, &e.base, msg, e.Validate, e.normalize)
}

func (e *Email) normalize(msg EmailMessage, v ValidationResult) (normalized, error) {
	body, err := emailBody(msg)
	if err != nil {
		return normalized{}, errs.Wrap(errs.KindValidation, "email.normalize", err)
	}
	class := ClassifyEmail(msg)

	data := v.Sanitized
	data["to"] = msg.To
	data["body"] = body
	data["classification"] = class
	if msg.MessageID != "" {
		data["message_id"] = msg.MessageID
	}

	related := map[string]string{}
	if msg.MessageID != "" {
		related["message_id"] = msg.MessageID
	}
	if msg.InReplyTo != "" {
		related["in_reply_to"] = msg.InReplyTo
	}

	in := types.AgentInput{
		Type:           class,
		RawContent:     "Subject: " + msg.Subject + "\n\n" + body,
		StructuredData: data,
		Timestamp:      msg.ReceivedAt,
		CorrelationID:  msg.CorrelationID,
		OrgID:          msg.OrgID,
		Metadata: types.InputMetadata{
			Tags:       []string{"email", class},
			RelatedIDs: related,
			Priority:   emailPriority(msg),
		},
	}

	n := normalized{input: in}
	switch {
	case class == EmailAutoReply && e.opts.SkipAutoReplies,
		class == EmailBounce && e.opts.SkipBounces,
		class == EmailSpam && e.opts.SkipSpam,
		class == EmailNewsletter && e.opts.SkipNewsletters:
		n.skipReason = class
	}
	return n, nil
}

func emailBody(msg EmailMessage) (string, error) {
	body := strings.TrimSpace(msg.TextBody)
	if body == "" && msg.HTMLBody != "" {
		md, err := htmltomarkdown.ConvertString(msg.HTMLBody)
		if err != nil {
			return "", err
		}
		body = strings.TrimSpace(md)
	}
	return truncate(body, maxEmailBody), nil
}

// ClassifyEmail applies header and subject heuristics. Checks run from the
// most to the least specific: bounce, auto-reply, spam, newsletter,
// forward, reply, new inquiry.
func ClassifyEmail(msg EmailMessage) string {
	subject := strings.ToLower(strings.TrimSpace(msg.Subject))
	from := strings.ToLower(msg.From)

	switch {
	case containsAny(from, "mailer-daemon", "postmaster@") ||
		containsAny(subject, "undeliverable", "delivery status notification", "mail delivery failed", "returned mail", "delivery failure"):
		return EmailBounce
	case isAutoReply(msg, subject):
		return EmailAutoReply
	case strings.EqualFold(msg.header("X-Spam-Flag"), "yes") ||
		strings.HasPrefix(strings.ToLower(msg.header("X-Spam-Status")), "yes"):
		return EmailSpam
	case msg.header("List-Unsubscribe") != "" || msg.header("List-Id") != "" ||
		strings.EqualFold(msg.header("Precedence"), "bulk") || strings.EqualFold(msg.header("Precedence"), "list"):
		return EmailNewsletter
	case hasPrefix(subject, "fwd:", "fw:"):
		return EmailForward
	case hasPrefix(subject, "re:", "aw:") || msg.InReplyTo != "":
		return EmailReply
	default:
		return EmailNewInquiry
	}
}

func isAutoReply(msg EmailMessage, subject string) bool {
	if v := strings.ToLower(msg.header("Auto-Submitted")); v != "" && v != "no" {
		return true
	}
	if msg.header("X-Autoreply") != "" || msg.header("X-Autorespond") != "" {
		return true
	}
	if strings.EqualFold(msg.header("Precedence"), "auto_reply") {
		return true
	}
	return hasPrefix(subject, "auto:", "automatic reply", "autoreply", "out of office", "out-of-office")
}

func emailPriority(msg EmailMessage) types.Priority {
	if p := msg.header("X-Priority"); strings.HasPrefix(p, "1") {
		return types.PriorityHigh
	}
	if strings.EqualFold(msg.header("Importance"), "high") {
		return types.PriorityHigh
	}
	if containsAny(msg.Subject, "urgent", "asap", "emergency") {
		return types.PriorityUrgent
	}
	return types.PriorityNormal
}

func hasPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
