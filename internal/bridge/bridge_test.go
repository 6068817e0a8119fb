package bridge

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/fleetline/fleetline/internal/envelope"
)

type fakeBus struct {
	published map[string][][]byte
	fail      bool
}

func (f *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	if f.fail {
		return errors.New("bus down")
	}
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func TestForwardPublishesAndAcks(t *testing.T) {
	bus := &fakeBus{}
	b := New(bus, nil, 8, slog.New(slog.DiscardHandler))

	ack := b.forward(context.Background(), "tenant/acme/device/d1/telemetry", []byte(`{"ts":1}`))
	if !ack {
		t.Fatal("successful publish should ack the broker")
	}

	msgs := bus.published["telemetry.acme"]
	if len(msgs) != 1 {
		t.Fatalf("published %d messages to telemetry.acme, want 1", len(msgs))
	}
	env, err := envelope.Decode(msgs[0])
	if err != nil {
		t.Fatal(err)
	}
	if env.Tenant != "acme" || env.Device != "d1" || env.MsgType != envelope.MsgTelemetry {
		t.Fatalf("envelope = %+v", env)
	}
	if env.ReceivedAt.IsZero() {
		t.Fatal("received_at not stamped")
	}
}

func TestForwardRoutesByMsgType(t *testing.T) {
	bus := &fakeBus{}
	b := New(bus, nil, 8, slog.New(slog.DiscardHandler))

	b.forward(context.Background(), "tenant/acme/device/d1/shadow", []byte(`{}`))
	b.forward(context.Background(), "tenant/acme/device/d1/command", []byte(`{}`))

	if len(bus.published["shadow.acme"]) != 1 {
		t.Error("shadow message not routed to shadow.acme")
	}
	if len(bus.published["commands.acme"]) != 1 {
		t.Error("command message not routed to commands.acme")
	}
}

func TestForwardWithholdsAckOnBusFailure(t *testing.T) {
	bus := &fakeBus{fail: true}
	b := New(bus, nil, 8, slog.New(slog.DiscardHandler))

	if b.forward(context.Background(), "tenant/acme/device/d1/telemetry", []byte(`{}`)) {
		t.Fatal("bus failure must withhold the broker ack")
	}
}

func TestForwardAcksUnparseableTopic(t *testing.T) {
	bus := &fakeBus{}
	b := New(bus, nil, 8, slog.New(slog.DiscardHandler))

	if !b.forward(context.Background(), "some/other/topic", []byte(`{}`)) {
		t.Fatal("non-device topics should be acked and dropped")
	}
	if len(bus.published) != 0 {
		t.Fatalf("unexpected publishes: %v", bus.published)
	}
}
