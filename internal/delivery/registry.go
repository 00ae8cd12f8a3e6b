// internal/delivery/registry.go
package delivery

import (
	"context"
	"sort"
	"sync"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Channel names a delivery route.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
	ChannelLog   = "log"
)

// Registry routes messages to the Sender registered for a channel.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]types.Sender
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		senders: make(map[string]types.Sender),
	}
}

// Register adds or replaces the sender for channel.
func (r *Registry) Register(channel string, sender types.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = sender
}

// Has reports whether a sender is registered for channel.
func (r *Registry) Has(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[channel]
	return ok
}

func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Deliver sends msg through the channel's sender. An unknown channel is a
// validation error.
func (r *Registry) Deliver(ctx context.Context, channel, recipient string, msg types.Message) (types.DeliveryResult, error) {
	r.mu.RLock()
	sender, ok := r.senders[channel]
	r.mu.RUnlock()
	if !ok {
		return types.DeliveryResult{}, errs.Validation("delivery.deliver", "no sender for channel %q", channel)
	}
	return sender.Send(ctx, recipient, msg)
}
