// Package batch accumulates validated telemetry records per tenant and
// commits them to the store in multi-row transactions. A single
// goroutine owns all buffers; producers hand records over a channel,
// so no buffer is ever touched concurrently.
package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetline/fleetline/internal/events"
	"github.com/fleetline/fleetline/internal/metrics"
	"github.com/fleetline/fleetline/internal/store"
)

// TelemetryStore is the slice of the store the writer needs.
type TelemetryStore interface {
	WriteBatch(ctx context.Context, tenant string, records []store.Record) error
	QuarantineBatch(ctx context.Context, tenant, reason string, records []store.Record) error
}

const (
	flushAttempts = 3
	backoffCap    = 5 * time.Second
	// flushTimeout bounds one flush including retries and the
	// quarantine fallback, so a dead store cannot wedge the writer
	// or process exit.
	flushTimeout = 10 * time.Second
)

// buffer holds one tenant's pending records.
type buffer struct {
	records []store.Record
	oldest  time.Time
}

// Writer is the batch writer. Run must be started before Enqueue is
// called.
type Writer struct {
	store    TelemetryStore
	events   *events.Bus
	logger   *slog.Logger
	size     int
	interval time.Duration

	backoffBase time.Duration // test seam
	in          chan store.Record
	done        chan struct{}
}

// NewWriter builds a writer flushing at size records or when the
// oldest buffered record exceeds interval.
func NewWriter(st TelemetryStore, ev *events.Bus, logger *slog.Logger, size int, interval time.Duration) *Writer {
	return &Writer{
		store:       st,
		events:      ev,
		logger:      logger.With("component", "batch"),
		size:        size,
		interval:    interval,
		backoffBase: 100 * time.Millisecond,
		in:          make(chan store.Record, size),
		done:        make(chan struct{}),
	}
}

// Enqueue hands a record to the writer. Blocks while the intake
// channel is full; returns ctx.Err() if the caller gives up first.
func (w *Writer) Enqueue(ctx context.Context, rec store.Record) error {
	select {
	case w.in <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed after the final shutdown flush completes.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Run owns the buffers until ctx is cancelled, then performs one final
// flush of everything buffered and closes Done.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	buffers := map[string]*buffer{}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-w.in:
			b := buffers[rec.Tenant]
			if b == nil {
				b = &buffer{}
				buffers[rec.Tenant] = b
			}
			if len(b.records) == 0 {
				b.oldest = time.Now()
			}
			b.records = append(b.records, rec)
			if len(b.records) >= w.size {
				w.flush(rec.Tenant, b)
			}

		case <-ticker.C:
			now := time.Now()
			for tenant, b := range buffers {
				if len(b.records) > 0 && now.Sub(b.oldest) >= w.interval {
					w.flush(tenant, b)
				}
			}

		case <-ctx.Done():
			w.drainIntake(buffers)
			for tenant, b := range buffers {
				if len(b.records) > 0 {
					w.flush(tenant, b)
				}
			}
			w.logger.Info("batch writer stopped")
			return
		}
	}
}

// drainIntake empties records already handed over before the final
// flush, so an accepted record is never lost to shutdown timing.
func (w *Writer) drainIntake(buffers map[string]*buffer) {
	for {
		select {
		case rec := <-w.in:
			b := buffers[rec.Tenant]
			if b == nil {
				b = &buffer{}
				buffers[rec.Tenant] = b
			}
			if len(b.records) == 0 {
				b.oldest = time.Now()
			}
			b.records = append(b.records, rec)
		default:
			return
		}
	}
}

// flush commits one tenant's buffer, retrying with exponential backoff.
// Records that survive every attempt are quarantined rather than
// dropped. The records were already acked to the bus when enqueued, so
// the flush runs on its own deadline: cancellation of the run context
// must not abort retries or the quarantine fallback mid-flight.
func (w *Writer) flush(tenant string, b *buffer) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	records := b.records
	b.records = nil

	start := time.Now()
	backoff := w.backoffBase
	var err error
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		if err = w.store.WriteBatch(ctx, tenant, records); err == nil {
			metrics.RecordsWritten.Add(float64(len(records)))
			metrics.BatchesFlushed.Inc()
			metrics.FlushSeconds.Observe(time.Since(start).Seconds())
			w.events.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceBatch,
				Kind:      events.KindBatchFlushed,
				Data:      map[string]any{"tenant": tenant, "records": len(records)},
			})
			w.events.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceBatch,
				Kind:      events.KindTelemetryWritten,
				Data:      map[string]any{"tenant": tenant},
			})
			return
		}
		if attempt == flushAttempts {
			break
		}
		w.logger.Warn("batch flush failed, retrying",
			"tenant", tenant, "attempt", attempt, "records", len(records), "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff = min(backoff*2, backoffCap)
	}

	w.logger.Error("batch flush exhausted retries, quarantining",
		"tenant", tenant, "records", len(records), "error", err)
	if qerr := w.store.QuarantineBatch(ctx, tenant, store.ReasonWriteFailed, records); qerr != nil {
		w.logger.Error("quarantine of failed batch also failed",
			"tenant", tenant, "records", len(records), "error", qerr)
	}
	w.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBatch,
		Kind:      events.KindQuarantined,
		Data:      map[string]any{"tenant": tenant, "records": len(records), "reason": store.ReasonWriteFailed},
	})
}
