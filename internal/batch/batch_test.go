package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetline/fleetline/internal/envelope"
	"github.com/fleetline/fleetline/internal/events"
	"github.com/fleetline/fleetline/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	writes      [][]store.Record
	quarantined [][]store.Record
	failWrites  int // fail this many WriteBatch calls, then succeed
}

func (f *fakeStore) WriteBatch(_ context.Context, _ string, records []store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites > 0 {
		f.failWrites--
		return errors.New("store down")
	}
	f.writes = append(f.writes, records)
	return nil
}

func (f *fakeStore) QuarantineBatch(_ context.Context, _, _ string, records []store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quarantined = append(f.quarantined, records)
	return nil
}

func (f *fakeStore) snapshot() (writes, quarantined [][]store.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]store.Record{}, f.writes...), append([][]store.Record{}, f.quarantined...)
}

func record(tenant, device string) store.Record {
	return store.Record{
		Tenant:  tenant,
		Device:  device,
		Time:    time.Now(),
		Metrics: map[string]envelope.Value{"temp_c": envelope.Num(21)},
	}
}

func newTestWriter(st TelemetryStore, size int, interval time.Duration) *Writer {
	w := NewWriter(st, nil, slog.New(slog.DiscardHandler), size, interval)
	w.backoffBase = time.Millisecond
	return w
}

func TestFlushOnSize(t *testing.T) {
	st := &fakeStore{}
	w := newTestWriter(st, 3, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	for i := 0; i < 3; i++ {
		if err := w.Enqueue(ctx, record("acme", "d1")); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		writes, _ := st.snapshot()
		if len(writes) == 1 {
			if len(writes[0]) != 3 {
				t.Fatalf("flushed %d records, want 3", len(writes[0]))
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("size-triggered flush never happened")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-w.Done()
}

func TestFlushOnAge(t *testing.T) {
	st := &fakeStore{}
	w := newTestWriter(st, 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	if err := w.Enqueue(ctx, record("acme", "d1")); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		writes, _ := st.snapshot()
		if len(writes) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("age-triggered flush never happened")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-w.Done()
}

func TestShutdownFlushesEverything(t *testing.T) {
	st := &fakeStore{}
	w := newTestWriter(st, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	for i := 0; i < 5; i++ {
		if err := w.Enqueue(ctx, record("acme", "d1")); err != nil {
			t.Fatal(err)
		}
	}
	cancel()
	<-w.Done()

	writes, _ := st.snapshot()
	total := 0
	for _, batch := range writes {
		total += len(batch)
	}
	if total != 5 {
		t.Fatalf("shutdown flushed %d records, want 5", total)
	}
}

// cancellingStore cancels the writer's run context from inside the
// first WriteBatch, simulating shutdown landing mid-flush. Both store
// methods honor their context, so a flush run on the cancelled run
// context would fail every attempt instantly.
type cancellingStore struct {
	cancel context.CancelFunc

	mu          sync.Mutex
	writeCalls  int
	quarantined [][]store.Record
}

func (s *cancellingStore) WriteBatch(ctx context.Context, _ string, _ []store.Record) error {
	s.mu.Lock()
	s.writeCalls++
	s.mu.Unlock()
	s.cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("store down")
}

func (s *cancellingStore) QuarantineBatch(ctx context.Context, _, _ string, records []store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.quarantined = append(s.quarantined, records)
	s.mu.Unlock()
	return nil
}

func TestCancellationMidFlushDoesNotLoseRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &cancellingStore{cancel: cancel}
	w := newTestWriter(st, 1, time.Hour)
	go w.Run(ctx)

	// Size 1 triggers a flush as soon as the record lands; the store
	// cancels the run context on the first attempt. The record was
	// already acked to the bus when enqueued, so it must still reach
	// the store or quarantine.
	if err := w.Enqueue(context.Background(), record("acme", "d1")); err != nil {
		t.Fatal(err)
	}
	<-w.Done()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.writeCalls != flushAttempts {
		t.Fatalf("write attempts = %d, want %d", st.writeCalls, flushAttempts)
	}
	if len(st.quarantined) != 1 || len(st.quarantined[0]) != 1 {
		t.Fatalf("record lost to mid-flush cancellation: quarantined = %v", st.quarantined)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	st := &fakeStore{failWrites: 2}
	w := newTestWriter(st, 1, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	if err := w.Enqueue(ctx, record("acme", "d1")); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		writes, quarantined := st.snapshot()
		if len(writes) == 1 {
			if len(quarantined) != 0 {
				t.Fatalf("quarantined despite eventual success: %v", quarantined)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("retried flush never succeeded")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-w.Done()
}

func TestExhaustedRetriesQuarantine(t *testing.T) {
	st := &fakeStore{failWrites: 10}
	ev := events.New()
	w := NewWriter(st, ev, slog.New(slog.DiscardHandler), 1, time.Hour)
	w.backoffBase = time.Millisecond

	sub := ev.Subscribe(8)
	defer ev.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	if err := w.Enqueue(ctx, record("acme", "d1")); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		_, quarantined := st.snapshot()
		if len(quarantined) == 1 {
			if len(quarantined[0]) != 1 {
				t.Fatalf("quarantined %d records, want 1", len(quarantined[0]))
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("exhausted flush never quarantined")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindQuarantined {
			t.Fatalf("event kind = %s, want %s", e.Kind, events.KindQuarantined)
		}
	case <-time.After(time.Second):
		t.Fatal("no quarantine event published")
	}
	cancel()
	<-w.Done()
}
