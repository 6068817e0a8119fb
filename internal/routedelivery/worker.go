// Package routedelivery drains the ROUTES stream and pushes each job
// to its destination sink. Retries ride on bus redelivery rather than
// an in-process retry loop, so a crashed worker never loses a job: an
// unacked message simply comes back. Failures that redelivery cannot
// fix, and jobs that exhaust the redelivery cap, land in the
// dead-letter table.
package routedelivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetline/fleetline/internal/bus"
	"github.com/fleetline/fleetline/internal/events"
	"github.com/fleetline/fleetline/internal/metrics"
	"github.com/fleetline/fleetline/internal/routes"
	"github.com/fleetline/fleetline/internal/store"
)

const (
	routeDurable = "route-delivery"
	fetchBatch   = 16

	// DefaultQueueSize bounds the internal delivery queue.
	DefaultQueueSize = 256
	// DefaultWorkers is the delivery goroutine pool size.
	DefaultWorkers = 2

	// Above this fill-ratio the puller pauses so slow sinks can
	// catch up instead of piling unacked messages onto the queue.
	backpressureRatio = 0.8
	backpressurePause = 50 * time.Millisecond
)

// DeadLetters records deliveries that will never succeed.
type DeadLetters interface {
	InsertDeadLetter(ctx context.Context, d store.DeadLetter) error
}

// Worker consumes route jobs from the bus and dispatches them to sinks
// by destination kind.
type Worker struct {
	bus     *bus.Bus
	store   DeadLetters
	events  *events.Bus
	logger  *slog.Logger
	sinks   map[string]Sink
	queue   chan *bus.Msg
	workers int
}

func New(b *bus.Bus, st DeadLetters, evs *events.Bus, sinks map[string]Sink, workers int, logger *slog.Logger) *Worker {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Worker{
		bus:     b,
		store:   st,
		events:  evs,
		logger:  logger.With("component", "routedelivery"),
		sinks:   sinks,
		queue:   make(chan *bus.Msg, DefaultQueueSize),
		workers: workers,
	}
}

// Run pulls jobs until ctx is cancelled. Queued jobs still unhandled
// at shutdown are left unacked and redeliver to the next worker.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.bus.PullSubscribe(bus.StreamRoutes, "routes.>", routeDurable)
	if err != nil {
		return fmt.Errorf("subscribe routes: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.deliverLoop(ctx)
		}()
	}

	err = w.pull(ctx, sub)
	close(w.queue)
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) fill() float64 {
	return float64(len(w.queue)) / float64(cap(w.queue))
}

func (w *Worker) pull(ctx context.Context, sub *nats.Subscription) error {
	for {
		if w.fill() > backpressureRatio {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backpressurePause):
			}
		}
		metrics.QueueDepth.WithLabelValues("route_delivery").Set(float64(len(w.queue)))

		msgs, err := w.bus.Fetch(ctx, sub, fetchBatch)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			w.logger.Warn("route fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			select {
			case w.queue <- m:
			case <-ctx.Done():
				w.bus.Finish(m, bus.DispositionNone)
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) deliverLoop(ctx context.Context) {
	for m := range w.queue {
		if ctx.Err() != nil {
			// Shutting down; leave unacked for redelivery.
			w.bus.Finish(m, bus.DispositionNone)
			continue
		}
		disp, delay := w.handle(ctx, m.Delivery)
		if delay > 0 && disp == bus.DispositionNak {
			w.bus.NakDelay(m, delay)
			continue
		}
		w.bus.Finish(m, disp)
	}
}

// handle delivers one job and decides its disposition. A non-zero
// delay with a nak carries a destination-requested backoff.
func (w *Worker) handle(ctx context.Context, d bus.Delivery) (bus.Disposition, time.Duration) {
	job, err := routes.DecodeJob(d.Data)
	if err != nil {
		w.logger.Warn("dropping undecodable route job", "subject", d.Subject, "error", err)
		return bus.DispositionTerm, 0
	}

	sink, ok := w.sinks[job.DestinationKind]
	if !ok {
		w.deadLetter(ctx, job, fmt.Errorf("unknown destination kind %q", job.DestinationKind))
		return bus.DispositionAck, 0
	}

	if err := sink.Deliver(ctx, job); err != nil {
		return w.failed(ctx, d, job, err)
	}

	w.logger.Debug("route delivered",
		"tenant", job.Tenant, "route", job.RouteID, "kind", job.DestinationKind)
	w.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDelivery,
		Kind:      events.KindDelivered,
		Data:      map[string]any{"tenant": job.Tenant, "route_id": job.RouteID, "kind": job.DestinationKind},
	})
	return bus.DispositionAck, 0
}

func (w *Worker) failed(ctx context.Context, d bus.Delivery, job routes.Job, cause error) (bus.Disposition, time.Duration) {
	metrics.DeliveryFailures.WithLabelValues(job.DestinationKind).Inc()
	retryable := !isPermanent(cause)
	w.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDelivery,
		Kind:      events.KindDeliveryFailed,
		Data: map[string]any{
			"tenant": job.Tenant, "route_id": job.RouteID,
			"kind": job.DestinationKind, "retryable": retryable,
		},
	})

	if retryable && d.Delivered < bus.MaxDeliver {
		w.logger.Warn("route delivery failed, will retry",
			"tenant", job.Tenant, "route", job.RouteID,
			"attempt", d.Delivered, "error", cause)
		return bus.DispositionNak, retryDelay(cause)
	}

	if retryable {
		cause = fmt.Errorf("retries exhausted: %w", cause)
	}
	if ok := w.deadLetter(ctx, job, cause); !ok && retryable {
		// Last redelivery and the failure ledger is down. Nak so the
		// ack wait gives the store one more chance before the cap
		// drops the message.
		return bus.DispositionNak, 0
	}
	return bus.DispositionAck, 0
}

func (w *Worker) deadLetter(ctx context.Context, job routes.Job, cause error) bool {
	dl := store.DeadLetter{
		Tenant:          job.Tenant,
		RouteID:         job.RouteID,
		Topic:           job.Topic,
		Payload:         job.Payload,
		DestinationKind: job.DestinationKind,
		DestinationCfg:  job.DestinationCfg,
		Error:           cause.Error(),
	}
	if err := w.store.InsertDeadLetter(ctx, dl); err != nil {
		w.logger.Error("dead letter write failed",
			"tenant", job.Tenant, "route", job.RouteID, "error", err)
		return false
	}

	metrics.DLQWrites.Inc()
	w.logger.Warn("route delivery dead-lettered",
		"tenant", job.Tenant, "route", job.RouteID,
		"kind", job.DestinationKind, "error", cause)
	w.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDelivery,
		Kind:      events.KindDeadLettered,
		Data:      map[string]any{"tenant": job.Tenant, "route_id": job.RouteID, "kind": job.DestinationKind},
	})
	return true
}
