// Package bus is the in-process publish/subscribe dispatcher every other
// component communicates through.
//
// Each subscription owns a FIFO lane drained by one goroutine, so a
// subscriber sees events of its type in publish order. Emit enqueues the
// event on every matching lane before waiting on any of them, then waits
// for all handlers to finish.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

// Handler processes one event. A returned error is reported in the
// EmitResult; the bus never retries.
type Handler func(ctx context.Context, ev Event) error

// EmitContext is the envelope data the emitter supplies.
type EmitContext struct {
	CorrelationID types.CorrelationID
	OrgID         string
	Source        string
}

// HandlerError is one failed subscriber invocation.
type HandlerError struct {
	SubscriptionID types.SubscriptionID `json:"subscription_id"`
	Error          string               `json:"error"`
}

type EmitResult struct {
	EventID         types.EventID  `json:"event_id"`
	HandlersInvoked int            `json:"handlers_invoked"`
	Errors          []HandlerError `json:"errors,omitempty"`
}

type Options struct {
	HistorySize int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Bus struct {
	mu      sync.Mutex // guards subs, history; held while enqueuing so lanes see publish order
	subs    map[EventType][]*subscription
	byID    map[types.SubscriptionID]*subscription
	history []Event
	limit   int
	closed  bool

	wg      sync.WaitGroup
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	Now func() time.Time
}

type subscription struct {
	id        types.SubscriptionID
	eventType EventType
	handler   Handler
	lane      *lane
}

type delivery struct {
	ctx    context.Context
	ev     Event
	result chan error
}

func New(opts Options) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[EventType][]*subscription),
		byID:    make(map[types.SubscriptionID]*subscription),
		limit:   opts.HistorySize,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		tracer:  otel.Tracer("astralis/bus"),
		Now:     time.Now,
	}
}

// Subscribe registers handler for eventType and starts its lane.
func (b *Bus) Subscribe(eventType EventType, handler Handler) types.SubscriptionID {
	sub := &subscription{
		id:        types.NewSubscriptionID(),
		eventType: eventType,
		handler:   handler,
		lane:      newLane(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return sub.id
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.byID[sub.id] = sub
	b.wg.Add(1)
	go b.drain(sub)
	return sub.id
}

// Unsubscribe removes the subscription. Deliveries already queued on its
// lane still run. Returns false for an unknown id.
func (b *Bus) Unsubscribe(id types.SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	list := b.subs[sub.eventType]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.eventType] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.eventType]) == 0 {
		delete(b.subs, sub.eventType)
	}
	sub.lane.close()
	return true
}

// Emit publishes payload to every subscriber of its type and waits for all
// of them. Events without subscribers succeed with HandlersInvoked 0.
func (b *Bus) Emit(ctx context.Context, payload Payload, ec EmitContext) EmitResult {
	ev := Event{
		ID:            types.NewEventID(),
		Type:          payload.EventType(),
		Payload:       payload,
		Source:        ec.Source,
		CorrelationID: ec.CorrelationID,
		OrgID:         ec.OrgID,
		Timestamp:     b.Now(),
	}
	return b.dispatch(ctx, ev, true)
}

// Replay re-delivers a historical event to the current subscribers of its
// type. Handlers see IsReplay(ctx) == true and must skip side effects that
// already happened. The replayed event is not added to history again.
func (b *Bus) Replay(ctx context.Context, id types.EventID) (EmitResult, error) {
	ev, ok := b.find(id)
	if !ok {
		return EmitResult{}, errs.NotFound("bus.replay", "event %s not in history", id)
	}
	return b.dispatch(context.WithValue(ctx, replayKey{}, true), ev, false), nil
}

func (b *Bus) dispatch(ctx context.Context, ev Event, record bool) EmitResult {
	ctx, span := b.tracer.Start(ctx, "bus.emit", trace.WithAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("event.id", string(ev.ID)),
		attribute.String("correlation_id", string(ev.CorrelationID)),
	))
	defer span.End()

	res := EmitResult{EventID: ev.ID}
	type pending struct {
		sub    *subscription
		result chan error
	}
	var waits []pending

	b.mu.Lock()
	if record {
		b.remember(ev)
	}
	if !b.closed {
		current := inLane(ctx)
		for _, sub := range b.subs[ev.Type] {
			p := pending{sub: sub, result: make(chan error, 1)}
			if sub == current {
				// Re-entrant emit from this subscription's own handler; its lane
				// is busy with us, so run inline after releasing the lock.
				p.result = nil
			} else if !sub.lane.push(delivery{ctx: ctx, ev: ev, result: p.result}) {
				continue
			}
			waits = append(waits, p)
		}
	}
	b.mu.Unlock()

	for _, p := range waits {
		var err error
		if p.result == nil {
			err = b.invoke(ctx, p.sub, ev)
		} else {
			err = <-p.result
		}
		res.HandlersInvoked++
		if err != nil {
			res.Errors = append(res.Errors, HandlerError{SubscriptionID: p.sub.id, Error: err.Error()})
			b.logger.Warn("event handler failed",
				"event_type", string(ev.Type),
				"event_id", string(ev.ID),
				"subscription_id", string(p.sub.id),
				"correlation_id", string(ev.CorrelationID),
				"error", err)
		}
	}

	span.SetAttributes(attribute.Int("handlers", res.HandlersInvoked), attribute.Int("errors", len(res.Errors)))
	if record {
		b.metrics.EventEmitted(string(ev.Type), len(res.Errors))
	}
	return res
}

func (b *Bus) remember(ev Event) {
	b.history = append(b.history, ev)
	if over := len(b.history) - b.limit; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
}

func (b *Bus) find(id types.EventID) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].ID == id {
			return b.history[i], true
		}
	}
	return Event{}, false
}

// History returns up to limit of the most recent events, oldest first.
// A limit <= 0 returns everything retained.
func (b *Bus) History(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(b.history) {
		start = len(b.history) - limit
	}
	out := make([]Event, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}

// SubscriberCount reports how many handlers are registered for eventType.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[eventType])
}

// Close stops accepting deliveries, lets queued ones finish and waits for
// every lane goroutine to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.byID {
		sub.lane.close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		d, ok := sub.lane.pop()
		if !ok {
			return
		}
		d.result <- b.invoke(context.WithValue(d.ctx, laneKey{}, sub), sub, d.ev)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}

type replayKey struct{}
type laneKey struct{}

// IsReplay reports whether ctx belongs to a Replay delivery.
func IsReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}

func inLane(ctx context.Context) *subscription {
	sub, _ := ctx.Value(laneKey{}).(*subscription)
	return sub
}
