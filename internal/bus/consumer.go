package bus

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// Disposition is a handler's verdict on a delivered message.
type Disposition int

const (
	// DispositionAck removes the message: processed, or permanently
	// unprocessable after being recorded elsewhere.
	DispositionAck Disposition = iota
	// DispositionNak requests immediate redelivery.
	DispositionNak
	// DispositionTerm stops redelivery without counting as success.
	DispositionTerm
	// DispositionNone leaves the message unacked so it redelivers
	// after the ack wait elapses. Used for backoff on transient sink
	// failures.
	DispositionNone
)

// Delivery is one fetched message handed to a Handler.
type Delivery struct {
	Subject   string
	Data      []byte
	Delivered int // delivery attempt, starting at 1
}

// Handler processes one delivery and returns its disposition.
type Handler func(ctx context.Context, d Delivery) Disposition

// Msg couples a delivery with its ack handle so a disposition can be
// applied outside the fetch loop, after the message has passed through
// an internal work queue.
type Msg struct {
	Delivery
	raw *nats.Msg
}

// Fetch pulls up to batch messages from sub. A fetch timeout is an
// idle poll and returns an empty slice with a nil error; ctx
// cancellation surfaces as ctx.Err().
func (b *Bus) Fetch(ctx context.Context, sub *nats.Subscription, batch int) ([]*Msg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, b.timeout)
	msgs, err := sub.Fetch(batch, nats.Context(fetchCtx))
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, err
	}

	out := make([]*Msg, 0, len(msgs))
	for _, msg := range msgs {
		m := &Msg{Delivery: Delivery{Subject: msg.Subject, Data: msg.Data, Delivered: 1}, raw: msg}
		if meta, err := msg.Metadata(); err == nil {
			m.Delivered = int(meta.NumDelivered)
		}
		out = append(out, m)
	}
	return out, nil
}

// Finish applies a disposition to a fetched message.
func (b *Bus) Finish(m *Msg, d Disposition) {
	var err error
	switch d {
	case DispositionAck:
		err = m.raw.Ack()
	case DispositionNak:
		err = m.raw.Nak()
	case DispositionTerm:
		err = m.raw.Term()
	case DispositionNone:
		// fall through; redelivers after ack wait
	}
	if err != nil {
		b.logger.Warn("bus ack failed", "subject", m.Subject, "error", err)
	}
}

// NakDelay requests redelivery after delay instead of immediately.
// Used to honour Retry-After hints from delivery destinations.
func (b *Bus) NakDelay(m *Msg, delay time.Duration) {
	if err := m.raw.NakWithDelay(delay); err != nil {
		b.logger.Warn("bus nak failed", "subject", m.Subject, "error", err)
	}
}

// Consume fetch-loops sub until ctx is done, dispatching each message
// to h and applying its disposition. Fetch timeouts are idle polls,
// not errors.
func (b *Bus) Consume(ctx context.Context, sub *nats.Subscription, batch int, h Handler) error {
	for {
		msgs, err := b.Fetch(ctx, sub, batch)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			b.logger.Warn("bus fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			b.Finish(m, h(ctx, m.Delivery))
		}
	}
}
