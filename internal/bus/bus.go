// Package bus wraps the internal NATS JetStream message bus: stream
// provisioning, acknowledged publishes, and durable pull consumption
// with at-least-once semantics.
//
// Every publish waits for the JetStream ack before returning — the
// source (MQTT packet, ingest queue slot) is never advanced until the
// bus has durably accepted the message. Redelivery is capped per
// consumer; messages that exhaust the cap surface as max-deliveries
// advisories and land in the server-side DLQ bucket.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrPublishFailed wraps any bus refusal to durably accept a publish.
// Callers must not advance their source when they see it.
var ErrPublishFailed = errors.New("bus publish failed")

// MaxDeliver is the redelivery cap on every consumer. A message seen
// this many times is poison and stops being redelivered.
const MaxDeliver = 3

// streamDef describes one durable stream.
type streamDef struct {
	name     string
	subjects []string
	maxAge   time.Duration
}

// Stream names.
const (
	StreamTelemetry     = "TELEMETRY"
	StreamShadow        = "SHADOW"
	StreamCommands      = "COMMANDS"
	StreamRoutes        = "ROUTES"
	StreamNotifications = "NOTIFICATIONS"
)

var streamDefs = []streamDef{
	{StreamTelemetry, []string{"telemetry.>"}, 24 * time.Hour},
	{StreamShadow, []string{"shadow.>"}, 24 * time.Hour},
	{StreamCommands, []string{"commands.>"}, 24 * time.Hour},
	{StreamRoutes, []string{"routes.>"}, 6 * time.Hour},
	{StreamNotifications, []string{"notify.>"}, 24 * time.Hour},
}

// Bus is a connected JetStream client.
type Bus struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	timeout time.Duration
	logger  *slog.Logger
}

// Connect dials the bus and binds a JetStream context. opTimeout
// bounds each bus operation (publish ack, fetch).
func Connect(url string, opTimeout time.Duration, logger *slog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleetd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect bus %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bind jetstream: %w", err)
	}

	return &Bus{nc: nc, js: js, timeout: opTimeout, logger: logger}, nil
}

// EnsureStreams creates or updates every platform stream. Idempotent;
// each process calls it at boot.
func (b *Bus) EnsureStreams() error {
	for _, def := range streamDefs {
		cfg := &nats.StreamConfig{
			Name:       def.name,
			Subjects:   def.subjects,
			Retention:  nats.LimitsPolicy,
			MaxAge:     def.maxAge,
			Storage:    nats.FileStorage,
			Duplicates: 2 * time.Minute,
		}
		_, err := b.js.AddStream(cfg)
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			_, err = b.js.UpdateStream(cfg)
		}
		if err != nil {
			return fmt.Errorf("ensure stream %s: %w", def.name, err)
		}
	}
	return nil
}

// Watch calls fn with the subject of every new message published on
// subject until ctx is cancelled. The consumer is ephemeral, starts at
// new messages only, and does not ack: it exists to nudge pollers out
// of their fallback interval, never to carry data.
func (b *Bus) Watch(ctx context.Context, subject string, fn func(subject string)) error {
	sub, err := b.js.Subscribe(subject, func(m *nats.Msg) {
		fn(m.Subject)
	}, nats.DeliverNew(), nats.AckNone())
	if err != nil {
		return fmt.Errorf("watch %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("watch unsubscribe", "subject", subject, "error", err)
		}
	}()
	return nil
}

// Publish sends data to subject and waits for the JetStream ack.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if _, err := b.js.Publish(subject, data, nats.Context(pubCtx)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, subject, err)
	}
	return nil
}

// PublishDedup publishes with a message ID for server-side duplicate
// suppression inside the stream's duplicates window. Used for
// idempotent notification production.
func (b *Bus) PublishDedup(ctx context.Context, subject string, data []byte, msgID string) error {
	pubCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if _, err := b.js.Publish(subject, data, nats.Context(pubCtx), nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, subject, err)
	}
	return nil
}

// PullSubscribe binds a durable pull consumer on stream for the given
// subject filter. Multiple subscriptions sharing a durable name form a
// competing-consumer group: each message is processed by exactly one.
func (b *Bus) PullSubscribe(stream, subject, durable string) (*nats.Subscription, error) {
	sub, err := b.js.PullSubscribe(subject, durable,
		nats.BindStream(stream),
		nats.AckExplicit(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(MaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s %s: %w", stream, subject, err)
	}
	return sub, nil
}

// Healthy reports whether the bus connection is up.
func (b *Bus) Healthy() bool {
	return b.nc != nil && b.nc.Status() == nats.CONNECTED
}

// Close drains and closes the connection. In-flight acks are flushed
// before the connection drops.
func (b *Bus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("bus drain failed", "error", err)
		b.nc.Close()
	}
}
