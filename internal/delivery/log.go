package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Sent is one message captured by a LogSender.
type Sent struct {
	Recipient string
	Message   types.Message
}

// LogSender writes messages to the log instead of delivering them. It
// backs channels with no provider configured and keeps what it sent.
type LogSender struct {
	channel string

	mu   sync.Mutex
	sent []Sent
}

func NewLogSender(channel string) *LogSender {
	return &LogSender{channel: channel}
}

func (l *LogSender) Send(_ context.Context, recipient string, msg types.Message) (types.DeliveryResult, error) {
	l.mu.Lock()
	l.sent = append(l.sent, Sent{Recipient: recipient, Message: msg})
	l.mu.Unlock()
	slog.Info("message delivered to log", "channel", l.channel, "recipient", recipient, "subject", msg.Subject)
	return types.DeliveryResult{MessageID: string(types.NewEventID())}, nil
}

// Sent returns a copy of everything sent so far.
func (l *LogSender) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sent(nil), l.sent...)
}
