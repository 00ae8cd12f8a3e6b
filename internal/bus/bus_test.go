package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/metrics"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

func emailInput(subject string) InputReceived {
	return InputReceived{Input: types.AgentInput{
		Source:        types.SourceEmail,
		Type:          "new_inquiry",
		RawContent:    subject,
		CorrelationID: types.NewCorrelationID(),
	}}
}

func TestEmitNoSubscribers(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	res := b.Emit(context.Background(), emailInput("hi"), EmitContext{})
	if res.EventID == "" {
		t.Fatal("expected event id")
	}
	if res.HandlersInvoked != 0 || len(res.Errors) != 0 {
		t.Errorf("got %+v", res)
	}
	if len(b.History(0)) != 1 {
		t.Error("event without subscribers should still be recorded")
	}
}

func TestEmitCapturesHandlerErrors(t *testing.T) {
	b := New(Options{Metrics: metrics.New()})
	defer b.Close()

	var ok atomic.Int32
	b.Subscribe(TypeEmailReceived, func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	})
	b.Subscribe(TypeEmailReceived, func(ctx context.Context, ev Event) error {
		panic("kaboom")
	})
	b.Subscribe(TypeEmailReceived, func(ctx context.Context, ev Event) error {
		ok.Add(1)
		return nil
	})

	res := b.Emit(context.Background(), emailInput("hi"), EmitContext{CorrelationID: "c-1"})
	if res.HandlersInvoked != 3 {
		t.Errorf("handlers invoked = %d, want 3", res.HandlersInvoked)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("errors = %v, want 2", res.Errors)
	}
	if ok.Load() != 1 {
		t.Error("healthy sibling handler should still run")
	}
}

func TestEmitStartsHandlersConcurrently(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	// Each handler waits for the other; sequential dispatch would deadlock.
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		b.Subscribe(TypeWorkerEvent, func(ctx context.Context, ev Event) error {
			wg.Done()
			wg.Wait()
			return nil
		})
	}

	done := make(chan EmitResult, 1)
	go func() {
		done <- b.Emit(context.Background(), InputReceived{Input: types.AgentInput{Source: types.SourceWorkerEvent}}, EmitContext{})
	}()
	select {
	case res := <-done:
		if res.HandlersInvoked != 2 {
			t.Errorf("handlers invoked = %d", res.HandlersInvoked)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handlers were not started concurrently")
	}
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var mu sync.Mutex
	var seen []string
	b.Subscribe(TypeEmailReceived, func(ctx context.Context, ev Event) error {
		mu.Lock()
		seen = append(seen, ev.Payload.(InputReceived).Input.RawContent)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		b.Emit(context.Background(), emailInput(fmt.Sprintf("m%d", i)), EmitContext{})
	}

	mu.Lock()
	defer mu.Unlock()
	for i, s := range seen {
		if want := fmt.Sprintf("m%d", i); s != want {
			t.Fatalf("seen[%d] = %s, want %s", i, s, want)
		}
	}
}

func TestReentrantEmitDoesNotDeadlock(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var calls atomic.Int32
	b.Subscribe(TypeEscalated, func(ctx context.Context, ev Event) error {
		if calls.Add(1) == 1 {
			b.Emit(ctx, InputEscalated{Reason: "nested"}, EmitContext{})
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		b.Emit(context.Background(), InputEscalated{Reason: "outer"}, EmitContext{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant emit deadlocked")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestHistoryBounded(t *testing.T) {
	b := New(Options{HistorySize: 3})
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Emit(context.Background(), InputEscalated{Reason: fmt.Sprint(i)}, EmitContext{})
	}
	h := b.History(0)
	if len(h) != 3 {
		t.Fatalf("history len = %d", len(h))
	}
	if h[0].Payload.(InputEscalated).Reason != "2" || h[2].Payload.(InputEscalated).Reason != "4" {
		t.Errorf("unexpected history order: %+v", h)
	}
	if got := b.History(1); len(got) != 1 || got[0].Payload.(InputEscalated).Reason != "4" {
		t.Errorf("History(1) = %+v", got)
	}
}

func TestReplayFlagsContext(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var replays, live atomic.Int32
	b.Subscribe(TypeActionExecuted, func(ctx context.Context, ev Event) error {
		if IsReplay(ctx) {
			replays.Add(1)
		} else {
			live.Add(1)
		}
		return nil
	})

	res := b.Emit(context.Background(), ActionCompleted{Status: "success"}, EmitContext{CorrelationID: "c-9"})
	rep, err := b.Replay(context.Background(), res.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.EventID != res.EventID || rep.HandlersInvoked != 1 {
		t.Errorf("replay result = %+v", rep)
	}
	if live.Load() != 1 || replays.Load() != 1 {
		t.Errorf("live=%d replays=%d", live.Load(), replays.Load())
	}
	if len(b.History(0)) != 1 {
		t.Error("replay must not append to history")
	}
	if _, err := b.Replay(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown event")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	var calls atomic.Int32
	id := b.Subscribe(TypeDBChange, func(ctx context.Context, ev Event) error {
		calls.Add(1)
		return nil
	})
	if !b.Unsubscribe(id) {
		t.Fatal("unsubscribe failed")
	}
	if b.Unsubscribe(id) {
		t.Error("second unsubscribe should report false")
	}
	res := b.Emit(context.Background(), InputReceived{Input: types.AgentInput{Source: types.SourceDBTrigger}}, EmitContext{})
	if res.HandlersInvoked != 0 || calls.Load() != 0 {
		t.Errorf("handler ran after unsubscribe: %+v", res)
	}
}

func TestEventEnvelope(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	b.Now = func() time.Time { return fixed }

	got := make(chan Event, 1)
	b.Subscribe(TypeWebhookReceived, func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	})
	b.Emit(context.Background(), InputReceived{Input: types.AgentInput{Source: types.SourceWebhook}},
		EmitContext{CorrelationID: "corr", OrgID: "org-1", Source: "webhook"})

	ev := <-got
	if ev.Type != TypeWebhookReceived || ev.CorrelationID != "corr" || ev.OrgID != "org-1" || !ev.Timestamp.Equal(fixed) {
		t.Errorf("envelope = %+v", ev)
	}
}
