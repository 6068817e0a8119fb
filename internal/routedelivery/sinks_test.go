package routedelivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleetline/fleetline/internal/routes"
)

type fakePublisher struct {
	topic   string
	payload []byte
	qos     byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte, qos byte) error {
	f.topic, f.payload, f.qos = topic, payload, qos
	return f.err
}

func TestMQTTSinkRepublishesAtQoS1(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub)
	job := routes.Job{
		Tenant:          "acme",
		RouteID:         "r2",
		Payload:         []byte(`{"status":"OFFLINE"}`),
		DestinationKind: "mqtt_republish",
		DestinationCfg:  map[string]any{"topic": "fleet/alerts/d1"},
	}

	if err := sink.Deliver(context.Background(), job); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pub.topic != "fleet/alerts/d1" || pub.qos != 1 {
		t.Fatalf("published topic=%q qos=%d", pub.topic, pub.qos)
	}
	if string(pub.payload) != `{"status":"OFFLINE"}` {
		t.Fatalf("payload = %s", pub.payload)
	}
}

func TestMQTTSinkBrokerFailureIsRetryable(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	sink := NewMQTTSink(pub)
	job := routes.Job{
		RouteID:        "r2",
		DestinationCfg: map[string]any{"topic": "fleet/alerts/d1"},
	}

	err := sink.Deliver(context.Background(), job)
	if err == nil {
		t.Fatal("expected error")
	}
	if isPermanent(err) {
		t.Fatalf("broker failure must stay retryable: %v", err)
	}
}

func TestMQTTSinkMissingTopicIsPermanent(t *testing.T) {
	sink := NewMQTTSink(&fakePublisher{})
	err := sink.Deliver(context.Background(), routes.Job{RouteID: "r2", DestinationCfg: map[string]any{}})
	if !isPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}

func TestObjectStorageSinkPutsUnderPrefix(t *testing.T) {
	var method, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := NewObjectStorageSink()
	job := routes.Job{
		Tenant:          "acme",
		RouteID:         "r4",
		Payload:         []byte(`{"metrics":{"temp_c":20}}`),
		DestinationKind: "object_storage",
		DestinationCfg:  map[string]any{"endpoint": srv.URL, "prefix": "telemetry/raw"},
		EnqueuedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	if err := sink.Deliver(context.Background(), job); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if method != http.MethodPut {
		t.Fatalf("method = %s, want PUT", method)
	}
	if !strings.HasPrefix(path, "/telemetry/raw/acme/2026/03/01/") || !strings.HasSuffix(path, ".json") {
		t.Fatalf("object path = %q", path)
	}
}

func TestObjectStorageSinkStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"forbidden", http.StatusForbidden, true},
		{"unavailable", http.StatusServiceUnavailable, false},
		{"throttled", http.StatusTooManyRequests, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			sink := NewObjectStorageSink()
			err := sink.Deliver(context.Background(), routes.Job{
				Tenant:         "acme",
				RouteID:        "r4",
				DestinationCfg: map[string]any{"endpoint": srv.URL},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if isPermanent(err) != tt.permanent {
				t.Fatalf("isPermanent = %v, want %v: %v", isPermanent(err), tt.permanent, err)
			}
		})
	}
}

func TestObjectStorageSinkMissingEndpointIsPermanent(t *testing.T) {
	sink := NewObjectStorageSink()
	err := sink.Deliver(context.Background(), routes.Job{RouteID: "r4", DestinationCfg: map[string]any{}})
	if !isPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}
