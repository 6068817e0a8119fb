// Package bridge translates device-facing MQTT traffic into durable
// bus envelopes. A message is acked to the broker only after the bus
// has durably confirmed the publish; on bus failure the puback is
// withheld so the broker redelivers.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/eclipse/paho.golang/autopaho"

	"github.com/fleetline/fleetline/internal/config"
	"github.com/fleetline/fleetline/internal/envelope"
	"github.com/fleetline/fleetline/internal/events"
	"github.com/fleetline/fleetline/internal/metrics"
	"github.com/fleetline/fleetline/internal/mqttconn"
)

// deviceTopicFilter matches every device publish topic.
const deviceTopicFilter = "tenant/+/device/+/+"

// BusPublisher is the slice of the bus the bridge needs.
type BusPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Bridge owns the broker subscription and the bus forwarding path.
type Bridge struct {
	bus      BusPublisher
	events   *events.Bus
	logger   *slog.Logger
	inflight chan struct{}
}

// New builds a bridge capping concurrent bus publishes at
// inFlightLimit.
func New(bus BusPublisher, ev *events.Bus, inFlightLimit int, logger *slog.Logger) *Bridge {
	if inFlightLimit <= 0 {
		inFlightLimit = 64
	}
	return &Bridge{
		bus:      bus,
		events:   ev,
		logger:   logger.With("component", "bridge"),
		inflight: make(chan struct{}, inFlightLimit),
	}
}

// Run connects to the broker with manual acks enabled and forwards
// messages until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, cfg config.MQTTConfig) error {
	conn, err := mqttconn.Connect(ctx, cfg, mqttconn.Options{
		Role:          "bridge",
		ManualAcks:    true,
		Subscriptions: []mqttconn.Subscription{{Filter: deviceTopicFilter, QoS: 1}},
		OnPublish: func(pr autopaho.PublishReceived) {
			b.handle(ctx, pr)
		},
	}, b.logger)
	if err != nil {
		return err
	}

	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Close(closeCtx); err != nil {
		b.logger.Warn("mqtt disconnect failed", "error", err)
	}
	b.logger.Info("bridge stopped")
	return ctx.Err()
}

// handle forwards one broker message to the bus. The puback is sent
// only after the bus confirms the publish.
func (b *Bridge) handle(ctx context.Context, pr autopaho.PublishReceived) {
	select {
	case b.inflight <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-b.inflight }()

	if b.forward(ctx, pr.Packet.Topic, pr.Packet.Payload) {
		b.ack(pr)
	}
}

// forward builds and publishes the envelope. It reports whether the
// broker delivery should be acknowledged: true on durable publish and
// on messages that can never succeed, false when the bus refused the
// publish and the broker should redeliver.
func (b *Bridge) forward(ctx context.Context, topic string, payload []byte) bool {
	tenant, device, msgType, err := envelope.ParseTopic(topic)
	if err != nil {
		// Not a device topic; ack and drop so it does not redeliver
		// forever.
		b.logger.Debug("ignoring unrecognized topic", "topic", topic)
		return true
	}

	env := &envelope.Envelope{
		Tenant:     tenant,
		Device:     device,
		MsgType:    msgType,
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	data, err := env.Encode()
	if err != nil {
		b.logger.Error("envelope encode failed", "topic", topic, "error", err)
		return true
	}

	if err := b.bus.Publish(ctx, env.Subject(), data); err != nil {
		metrics.MessagesTotal.WithLabelValues("bridge_publish_failed").Inc()
		b.logger.Error("bus publish failed, withholding mqtt ack",
			"topic", topic, "subject", env.Subject(), "error", err)
		return false
	}

	metrics.MessagesTotal.WithLabelValues("bridged").Inc()
	b.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBridge,
		Kind:      events.KindAccepted,
		Data:      map[string]any{"tenant": tenant, "device": device, "msg_type": msgType},
	})
	return true
}

func (b *Bridge) ack(pr autopaho.PublishReceived) {
	if err := pr.Client.Ack(pr.Packet); err != nil {
		b.logger.Warn("mqtt ack failed", "topic", pr.Packet.Topic, "error", err)
	}
}
