package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetline/fleetline/internal/events"
	"github.com/fleetline/fleetline/internal/metrics"
	"github.com/fleetline/fleetline/internal/routes"
)

// DefaultFanoutCapacity is the bound on the in-process delivery queue.
const DefaultFanoutCapacity = 10000

// JobPublisher publishes delivery jobs to the ROUTES stream.
type JobPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Fanout is the bounded queue between the ingest pipeline and the bus
// publishers that feed the ROUTES stream. Enqueue never blocks the
// ingest path: when the queue is full the job is dropped and counted.
type Fanout struct {
	bus    JobPublisher
	events *events.Bus
	logger *slog.Logger
	queue  chan routes.Job
	done   chan struct{}
}

// NewFanout builds a fan-out queue. capacity <= 0 uses the default.
func NewFanout(bus JobPublisher, ev *events.Bus, capacity int, logger *slog.Logger) *Fanout {
	if capacity <= 0 {
		capacity = DefaultFanoutCapacity
	}
	return &Fanout{
		bus:    bus,
		events: ev,
		logger: logger.With("component", "fanout"),
		queue:  make(chan routes.Job, capacity),
		done:   make(chan struct{}),
	}
}

// Enqueue hands one job to the publishers. Non-blocking; reports
// whether the job was queued.
func (f *Fanout) Enqueue(job routes.Job) bool {
	select {
	case f.queue <- job:
		metrics.QueueDepth.WithLabelValues("route_fanout").Set(float64(len(f.queue)))
		return true
	default:
		metrics.RouteJobsDropped.Inc()
		f.logger.Warn("route fan-out queue full, dropping job",
			"tenant", job.Tenant, "route_id", job.RouteID)
		return false
	}
}

// Run starts workers goroutines publishing queued jobs until ctx is
// cancelled, then drains the queue for up to drainTimeout and closes
// Done.
func (f *Fanout) Run(ctx context.Context, workers int, drainTimeout time.Duration) {
	if workers <= 0 {
		workers = 2
	}
	finished := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { finished <- struct{}{} }()
			f.publishLoop(ctx)
		}()
	}

	for i := 0; i < workers; i++ {
		<-finished
	}

	f.drain(drainTimeout)
	close(f.done)
}

// Done is closed after the shutdown drain completes.
func (f *Fanout) Done() <-chan struct{} {
	return f.done
}

func (f *Fanout) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-f.queue:
			f.publish(ctx, job)
		}
	}
}

// drain publishes what remains in the queue after shutdown begins.
func (f *Fanout) drain(timeout time.Duration) {
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		select {
		case job := <-f.queue:
			f.publish(drainCtx, job)
			if drainCtx.Err() != nil {
				f.logger.Warn("fan-out drain timed out", "remaining", len(f.queue))
				return
			}
		default:
			return
		}
	}
}

func (f *Fanout) publish(ctx context.Context, job routes.Job) {
	data, err := routes.EncodeJob(job)
	if err != nil {
		f.logger.Error("encode delivery job", "route_id", job.RouteID, "error", err)
		return
	}
	if err := f.bus.Publish(ctx, job.Subject(), data); err != nil {
		f.logger.Warn("delivery job publish failed",
			"tenant", job.Tenant, "route_id", job.RouteID, "error", err)
		return
	}
	metrics.QueueDepth.WithLabelValues("route_fanout").Set(float64(len(f.queue)))
	f.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceIngest,
		Kind:      events.KindAccepted,
		Data:      map[string]any{"tenant": job.Tenant, "route_id": job.RouteID, "stage": "fanout"},
	})
}
