package routedelivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/fleetline/fleetline/internal/httpkit"
	"github.com/fleetline/fleetline/internal/routes"
)

const (
	webhookTimeout = 10 * time.Second
	retryAfterCap  = 60 * time.Second
	errorBodyLimit = 2048
)

// Sink delivers one route job to its destination. Errors are retryable
// unless wrapped by permanent().
type Sink interface {
	Deliver(ctx context.Context, job routes.Job) error
}

// permanentError marks a failure that redelivery will never fix, such
// as a rejected payload or broken destination config.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err} }

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// retryAfterError is a retryable failure that carries the
// destination's requested backoff.
type retryAfterError struct {
	status int
	after  time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("webhook status %d, retry after %s", e.status, e.after)
}

// retryDelay extracts a destination-requested backoff, or zero.
func retryDelay(err error) time.Duration {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.after
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}
	if d <= 0 {
		return 0
	}
	return min(d, retryAfterCap)
}

// WebhookSink POSTs job payloads to the route's configured URL. A
// circuit breaker per destination host sheds load from endpoints that
// keep failing, so one dead webhook cannot monopolise the worker pool.
type WebhookSink struct {
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewWebhookSink() *WebhookSink {
	return &WebhookSink{
		client:   httpkit.NewClient(httpkit.WithTimeout(webhookTimeout)),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *WebhookSink) breaker(host string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: 2,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		})
		s.breakers[host] = cb
	}
	return cb
}

func (s *WebhookSink) Deliver(ctx context.Context, job routes.Job) error {
	raw, _ := job.DestinationCfg["url"].(string)
	if raw == "" {
		return permanent(fmt.Errorf("route %s: webhook url missing", job.RouteID))
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return permanent(fmt.Errorf("route %s: bad webhook url %q", job.RouteID, raw))
	}

	_, err = s.breaker(u.Host).Execute(func() (any, error) {
		return nil, s.post(ctx, raw, job)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("webhook %s: %w", u.Host, err)
	}
	return err
}

func (s *WebhookSink) post(ctx context.Context, url string, job routes.Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(job.Payload))
	if err != nil {
		return permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fleetd-Tenant", job.Tenant)
	req.Header.Set("X-Fleetd-Topic", job.Topic)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		httpkit.DrainAndClose(resp.Body, errorBodyLimit)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		after := parseRetryAfter(resp.Header.Get("Retry-After"))
		httpkit.DrainAndClose(resp.Body, errorBodyLimit)
		return &retryAfterError{status: resp.StatusCode, after: after}
	case resp.StatusCode >= 500:
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			httpkit.DrainAndClose(resp.Body, errorBodyLimit)
			return &retryAfterError{status: resp.StatusCode, after: after}
		}
		body := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, body)
	default:
		body := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
		return permanent(fmt.Errorf("webhook status %d: %s", resp.StatusCode, body))
	}
}

// MQTTPublisher is the broker connection surface the republish sink
// needs.
type MQTTPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
}

// MQTTSink republishes job payloads on the device-facing broker at
// QoS 1. Success is the broker's puback; anything else is retryable
// since broker trouble is transient.
type MQTTSink struct {
	conn MQTTPublisher
}

func NewMQTTSink(conn MQTTPublisher) *MQTTSink {
	return &MQTTSink{conn: conn}
}

func (s *MQTTSink) Deliver(ctx context.Context, job routes.Job) error {
	topic, _ := job.DestinationCfg["topic"].(string)
	if topic == "" {
		return permanent(fmt.Errorf("route %s: republish topic missing", job.RouteID))
	}
	if err := s.conn.Publish(ctx, topic, job.Payload, 1); err != nil {
		return fmt.Errorf("republish %s: %w", topic, err)
	}
	return nil
}

// ObjectStorageSink PUTs job payloads under the route's configured
// prefix, keyed by tenant, day and a time-ordered id.
type ObjectStorageSink struct {
	client *http.Client
}

func NewObjectStorageSink() *ObjectStorageSink {
	return &ObjectStorageSink{
		client: httpkit.NewClient(httpkit.WithTimeout(webhookTimeout)),
	}
}

func (s *ObjectStorageSink) Deliver(ctx context.Context, job routes.Job) error {
	endpoint, _ := job.DestinationCfg["endpoint"].(string)
	if endpoint == "" {
		return permanent(fmt.Errorf("route %s: storage endpoint missing", job.RouteID))
	}
	prefix, _ := job.DestinationCfg["prefix"].(string)

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("object key id: %w", err)
	}
	when := job.EnqueuedAt
	if when.IsZero() {
		when = time.Now()
	}
	key := path.Join(prefix, job.Tenant, when.UTC().Format("2006/01/02"), id.String()+".json")
	target := strings.TrimSuffix(endpoint, "/") + "/" + key

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(job.Payload))
	if err != nil {
		return permanent(fmt.Errorf("build storage request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, errorBodyLimit)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("storage status %d for %s", resp.StatusCode, key)
	default:
		return permanent(fmt.Errorf("storage status %d for %s", resp.StatusCode, key))
	}
}
