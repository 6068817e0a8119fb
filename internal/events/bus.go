// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (ingest pipeline, batch
// writer, evaluator, orchestrator, delivery worker) to subscribers (the
// ops WebSocket handler and the evaluator's wake path). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBridge identifies events from the MQTT-to-bus bridge.
	SourceBridge = "bridge"
	// SourceIngest identifies events from the ingest pipeline.
	SourceIngest = "ingest"
	// SourceBatch identifies events from the batch writer.
	SourceBatch = "batch"
	// SourceBus identifies events relayed from bus traffic, such as
	// the evaluator's telemetry wake.
	SourceBus = "bus"
	// SourceEvaluator identifies events from the rule evaluator.
	SourceEvaluator = "evaluator"
	// SourceEscalate identifies events from the alert orchestrator.
	SourceEscalate = "escalate"
	// SourceDelivery identifies events from the route delivery worker.
	SourceDelivery = "delivery"
)

// Kind constants describe the type of event within a source.
const (
	// KindAccepted signals a telemetry record passed the pipeline.
	// Data: tenant, device, metrics.
	KindAccepted = "accepted"
	// KindQuarantined signals a record was rejected into quarantine.
	// Data: tenant, device, reason.
	KindQuarantined = "quarantined"
	// KindRateLimited signals an admission was denied.
	// Data: tenant, device.
	KindRateLimited = "rate_limited"
	// KindBatchFlushed signals a batch writer flush completed.
	// Data: tenant, records, elapsed_ms.
	KindBatchFlushed = "batch_flushed"
	// KindTelemetryWritten signals records for a tenant reached the
	// store. The evaluator's wake path subscribes to this kind.
	// Data: tenant, records.
	KindTelemetryWritten = "telemetry_written"

	// KindAlertOpened signals a new OPEN alert.
	// Data: tenant, device, fingerprint, severity.
	KindAlertOpened = "alert_opened"
	// KindAlertClosed signals an alert transitioned to CLOSED.
	// Data: tenant, fingerprint.
	KindAlertClosed = "alert_closed"
	// KindDeviceStatus signals a device status transition.
	// Data: tenant, device, from, to.
	KindDeviceStatus = "device_status"

	// KindEscalated signals an escalation level advanced.
	// Data: tenant, alert_id, level, responder.
	KindEscalated = "escalated"

	// KindDelivered signals a route delivery succeeded.
	// Data: tenant, route_id, kind.
	KindDelivered = "delivered"
	// KindDeliveryFailed signals a delivery attempt failed.
	// Data: tenant, route_id, kind, retryable.
	KindDeliveryFailed = "delivery_failed"
	// KindDeadLettered signals a delivery was written to the DLQ.
	// Data: tenant, route_id.
	KindDeadLettered = "dead_lettered"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
