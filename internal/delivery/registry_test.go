// internal/delivery/registry_test.go
package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

type funcSender func(ctx context.Context, recipient string, msg types.Message) (types.DeliveryResult, error)

func (f funcSender) Send(ctx context.Context, recipient string, msg types.Message) (types.DeliveryResult, error) {
	return f(ctx, recipient, msg)
}

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotTo, gotBody string
	reg.Register(ChannelEmail, funcSender(func(ctx context.Context, recipient string, msg types.Message) (types.DeliveryResult, error) {
		gotTo, gotBody = recipient, msg.Body
		return types.DeliveryResult{MessageID: "m-1"}, nil
	}))

	res, err := reg.Deliver(context.Background(), ChannelEmail, "a@example.com", types.Message{Body: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTo != "a@example.com" || gotBody != "hello" {
		t.Errorf("sender got %q %q", gotTo, gotBody)
	}
	if res.MessageID != "m-1" {
		t.Errorf("expected message id m-1, got %q", res.MessageID)
	}
}

func TestRegistryNoSender(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Deliver(context.Background(), "pager", "x", types.Message{Body: "hello"})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error for unknown channel, got %v", err)
	}
}

func TestRegistryChannels(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ChannelSMS, NewLogSender(ChannelSMS))
	reg.Register(ChannelEmail, NewLogSender(ChannelEmail))

	chans := reg.Channels()
	if len(chans) != 2 || chans[0] != ChannelEmail || chans[1] != ChannelSMS {
		t.Errorf("unexpected channels %v", chans)
	}
	if !reg.Has(ChannelSMS) || reg.Has(ChannelPush) {
		t.Error("Has reported wrong membership")
	}
}
