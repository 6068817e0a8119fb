package ingest

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetline/fleetline/internal/bus"
	"github.com/fleetline/fleetline/internal/config"
)

// ingestDurable is the consumer-group name shared by every ingest
// worker across all machines.
const ingestDurable = "ingest"

// fanoutDrainTimeout bounds the shutdown drain of the route fan-out
// queue.
const fanoutDrainTimeout = 5 * time.Second

// Flusher is the batch writer lifecycle the service owns: Run until
// cancelled, Done closed after the final flush.
type Flusher interface {
	Run(ctx context.Context)
	Done() <-chan struct{}
}

// Service runs the ingest worker pool against the TELEMETRY stream.
type Service struct {
	bus      *bus.Bus
	pipeline *Pipeline
	writer   Flusher
	fanout   *Fanout
	cfg      config.IngestConfig
	logger   *slog.Logger
}

// NewService wires the worker pool. writer is the batch writer whose
// Run/Done lifecycle the service owns.
func NewService(b *bus.Bus, p *Pipeline, writer Flusher, fanout *Fanout, cfg config.IngestConfig, logger *slog.Logger) *Service {
	return &Service{
		bus:      b,
		pipeline: p,
		writer:   writer,
		fanout:   fanout,
		cfg:      cfg,
		logger:   logger.With("component", "ingest"),
	}
}

// Run consumes until ctx is cancelled, then executes the contractual
// shutdown sequence: stop consuming, drain the fan-out queue, and
// flush the batch writer.
func (s *Service) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	go s.writer.Run(workCtx)
	if s.fanout != nil {
		go s.fanout.Run(workCtx, s.cfg.DeliveryWorkerCount, fanoutDrainTimeout)
	}

	g, consumeCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.WorkerCount; i++ {
		worker := i
		g.Go(func() error {
			sub, err := s.bus.PullSubscribe(bus.StreamTelemetry, "telemetry.>", ingestDurable)
			if err != nil {
				return err
			}
			defer func() {
				if err := sub.Unsubscribe(); err != nil {
					s.logger.Debug("unsubscribe failed", "worker", worker, "error", err)
				}
			}()
			s.logger.Info("ingest worker started", "worker", worker)
			return s.bus.Consume(consumeCtx, sub, 16, s.handle)
		})
	}

	err := g.Wait()
	if ctx.Err() == nil && err != nil {
		// A worker died on its own; take the process down with it.
		return err
	}

	s.logger.Info("ingest consumers stopped, draining")
	cancelWork()
	if s.fanout != nil {
		<-s.fanout.Done()
		s.logger.Info("route fan-out drained")
	}
	<-s.writer.Done()
	s.logger.Info("batch writer flushed")
	return nil
}

// handle adapts pipeline results to bus dispositions: terminal states
// ack, transient failures redeliver.
func (s *Service) handle(ctx context.Context, d bus.Delivery) bus.Disposition {
	_, err := s.pipeline.Process(ctx, d.Data)
	if err != nil {
		s.logger.Warn("transient ingest failure, redelivering",
			"subject", d.Subject, "attempt", d.Delivered, "error", err)
		return bus.DispositionNak
	}
	return bus.DispositionAck
}
