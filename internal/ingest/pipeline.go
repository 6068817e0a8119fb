// Package ingest is the central telemetry pipeline: it consumes
// envelopes from the TELEMETRY stream, authorizes and validates them,
// admits them through the rate limiter, normalizes metric keys, and
// hands accepted records to the batch writer and the route fan-out.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetline/fleetline/internal/authcache"
	"github.com/fleetline/fleetline/internal/envelope"
	"github.com/fleetline/fleetline/internal/events"
	"github.com/fleetline/fleetline/internal/metricmap"
	"github.com/fleetline/fleetline/internal/metrics"
	"github.com/fleetline/fleetline/internal/ratelimit"
	"github.com/fleetline/fleetline/internal/routes"
	"github.com/fleetline/fleetline/internal/store"
)

// Timestamp acceptance window relative to ingest time.
const (
	maxTimestampAge  = 24 * time.Hour
	maxTimestampSkew = 5 * time.Minute
)

// Result is the pipeline's verdict on one envelope.
type Result int

const (
	// ResultAccepted means the record was enqueued to the batch writer.
	ResultAccepted Result = iota
	// ResultQuarantined means the record was decisively rejected and a
	// quarantine row written.
	ResultQuarantined
	// ResultRateLimited is a quarantine with reason rate_limited,
	// reported separately for admission metrics.
	ResultRateLimited
)

// RecordWriter accepts validated records for batched commit.
type RecordWriter interface {
	Enqueue(ctx context.Context, rec store.Record) error
}

// Quarantiner persists rejected records.
type Quarantiner interface {
	Quarantine(ctx context.Context, q store.QuarantineRecord) error
}

// Pipeline holds the per-process ingest state. Safe for concurrent use
// by the worker pool.
type Pipeline struct {
	auth      *authcache.Cache
	limiter   *ratelimit.Limiter
	metricMap *metricmap.Cache
	writer    RecordWriter
	quar      Quarantiner
	matcher   *routes.Matcher
	fanout    *Fanout
	events    *events.Bus
	logger    *slog.Logger

	maxPayloadBytes int
	maxMetrics      int
	defaultLimits   ratelimit.Limits
	now             func() time.Time
}

// PipelineDeps bundles the collaborators a Pipeline needs.
type PipelineDeps struct {
	Auth      *authcache.Cache
	Limiter   *ratelimit.Limiter
	MetricMap *metricmap.Cache
	Writer    RecordWriter
	Quar      Quarantiner
	Matcher   *routes.Matcher
	Fanout    *Fanout
	Events    *events.Bus
	Logger    *slog.Logger

	MaxPayloadBytes int
	MaxMetrics      int

	// DefaultLimits apply when a tenant's tier row carries no
	// explicit rate or burst.
	DefaultLimits ratelimit.Limits
}

// NewPipeline builds a pipeline.
func NewPipeline(d PipelineDeps) *Pipeline {
	return &Pipeline{
		auth:            d.Auth,
		limiter:         d.Limiter,
		metricMap:       d.MetricMap,
		writer:          d.Writer,
		quar:            d.Quar,
		matcher:         d.Matcher,
		fanout:          d.Fanout,
		events:          d.Events,
		logger:          d.Logger.With("component", "ingest"),
		maxPayloadBytes: d.MaxPayloadBytes,
		maxMetrics:      d.MaxMetrics,
		defaultLimits:   d.DefaultLimits,
		now:             time.Now,
	}
}

// Process runs one bus message through every pipeline stage. A non-nil
// error is transient (store unavailable, quarantine write failed): the
// caller must not ack, so the bus redelivers. A nil error means the
// message reached a terminal state and must be acked.
func (p *Pipeline) Process(ctx context.Context, data []byte) (Result, error) {
	env, err := envelope.Decode(data)
	if err != nil {
		// No tenant to attribute the record to; drop with a counter.
		p.logger.Warn("undecodable envelope dropped", "error", err)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return ResultQuarantined, nil
	}
	res, _, err := p.ProcessEnvelope(ctx, env)
	return res, err
}

// ProcessEnvelope runs a decoded envelope through the pipeline. The
// reason return carries the quarantine reason code for rejections and
// is empty on acceptance.
func (p *Pipeline) ProcessEnvelope(ctx context.Context, env *envelope.Envelope) (Result, string, error) {
	if err := env.Validate(); err != nil {
		return p.quarantine(ctx, env, store.ReasonBadEnvelope, err)
	}

	if p.maxPayloadBytes > 0 && len(env.Payload) > p.maxPayloadBytes {
		return p.quarantine(ctx, env, store.ReasonPayloadTooLarge,
			fmt.Errorf("payload is %d bytes, max %d", len(env.Payload), p.maxPayloadBytes))
	}

	payload, err := envelope.ParsePayload(env.Payload)
	if err != nil {
		// Structural scalar violations surface here; everything else
		// is malformed JSON.
		return p.quarantine(ctx, env, store.ReasonBadMetricValue, err)
	}

	// Device authorization: cache first, single-flight DB on miss.
	entry, err := p.auth.Get(ctx, env.Tenant, env.Device)
	if err != nil {
		return 0, "", fmt.Errorf("auth lookup %s/%s: %w", env.Tenant, env.Device, err)
	}
	if entry == nil {
		return p.quarantine(ctx, env, store.ReasonDeviceUnknown, nil)
	}
	if entry.DeviceStatus != store.ProvisionActive {
		return p.quarantine(ctx, env, store.ReasonAuthFailed, nil)
	}
	// Bridged publishes were already authenticated by the broker; a
	// token only rides on direct HTTP ingest, and is checked when
	// presented.
	if payload.Token != "" && !entry.VerifyToken(payload.Token) {
		return p.quarantine(ctx, env, store.ReasonAuthFailed, nil)
	}

	// Subscription status.
	if entry.TenantStatus != store.TenantActive {
		return p.quarantine(ctx, env, store.ReasonTenantSuspended, nil)
	}

	// Payload validation.
	if reason, verr := p.validate(entry, payload); reason != "" {
		return p.quarantine(ctx, env, reason, verr)
	}

	// Rate-limit admission, tenant-aggregate first.
	limits := ratelimit.Limits{Rate: entry.Rate, Burst: entry.Burst}.OrDefault(p.defaultLimits)
	if !p.limiter.Allow(env.Tenant, env.Device, limits) {
		// Counted and acked, never retried or quarantined: a flooding
		// device must not buy a DB write per rejected message.
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		p.logger.Debug("envelope rate limited", "tenant", env.Tenant, "device", env.Device)
		p.events.Publish(events.Event{
			Timestamp: p.now(),
			Source:    events.SourceIngest,
			Kind:      events.KindRateLimited,
			Data:      map[string]any{"tenant": env.Tenant, "device": env.Device},
		})
		return ResultRateLimited, store.ReasonRateLimited, nil
	}

	// Metric-key normalization.
	normalized, rewritten, err := p.metricMap.NormalizeAll(ctx, env.Tenant, env.Device, payload.Metrics)
	if err != nil {
		return 0, "", fmt.Errorf("normalize metrics %s/%s: %w", env.Tenant, env.Device, err)
	}
	if rewritten > 0 {
		metrics.MetricKeysRewritten.Add(float64(rewritten))
	}

	rec := store.Record{
		Tenant:  env.Tenant,
		Device:  env.Device,
		SiteID:  payload.SiteID,
		Time:    payload.Time(),
		Seq:     payload.Seq,
		Metrics: normalized,
	}
	if err := p.writer.Enqueue(ctx, rec); err != nil {
		return 0, "", fmt.Errorf("enqueue batch write: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	p.events.Publish(events.Event{
		Timestamp: p.now(),
		Source:    events.SourceIngest,
		Kind:      events.KindAccepted,
		Data:      map[string]any{"tenant": env.Tenant, "device": env.Device},
	})

	p.enqueueRouteJobs(ctx, env, payload)
	return ResultAccepted, "", nil
}

// validate applies the semantic payload checks. It returns the
// quarantine reason code, or "" when the payload is valid.
func (p *Pipeline) validate(entry *authcache.Entry, payload *envelope.Payload) (string, error) {
	if entry.SiteID != "" && payload.SiteID != entry.SiteID {
		return store.ReasonSiteMismatch,
			fmt.Errorf("payload site %q, device registered at %q", payload.SiteID, entry.SiteID)
	}

	now := p.now()
	ts := payload.Time()
	if payload.TS == 0 || ts.Before(now.Add(-maxTimestampAge)) || ts.After(now.Add(maxTimestampSkew)) {
		return store.ReasonBadTimestamp, fmt.Errorf("timestamp %s outside acceptance window", ts)
	}

	if len(payload.Metrics) == 0 {
		return store.ReasonBadEnvelope, fmt.Errorf("payload has no metrics")
	}
	if p.maxMetrics > 0 && len(payload.Metrics) > p.maxMetrics {
		return store.ReasonTooManyMetrics,
			fmt.Errorf("payload has %d metrics, max %d", len(payload.Metrics), p.maxMetrics)
	}
	return "", nil
}

// quarantine writes the forensic row and reports the terminal result.
// A failed quarantine write is transient: the message must redeliver.
func (p *Pipeline) quarantine(ctx context.Context, env *envelope.Envelope, reason string, cause error) (Result, string, error) {
	q := store.QuarantineRecord{
		Tenant:     env.Tenant,
		DeviceID:   env.Device,
		Reason:     reason,
		RawPayload: env.Payload,
		ReceivedAt: env.ReceivedAt,
	}
	if err := p.quar.Quarantine(ctx, q); err != nil {
		return 0, "", fmt.Errorf("quarantine write (%s): %w", reason, err)
	}

	metrics.MessagesTotal.WithLabelValues("quarantined").Inc()

	p.logger.Debug("envelope quarantined",
		"tenant", env.Tenant, "device", env.Device, "reason", reason, "cause", cause)
	p.events.Publish(events.Event{
		Timestamp: p.now(),
		Source:    events.SourceIngest,
		Kind:      events.KindQuarantined,
		Data:      map[string]any{"tenant": env.Tenant, "device": env.Device, "reason": reason},
	})
	return ResultQuarantined, reason, nil
}

// enqueueRouteJobs matches the accepted envelope against the tenant's
// routes and hands the jobs to the fan-out queue. Route problems never
// fail the ingest path.
func (p *Pipeline) enqueueRouteJobs(ctx context.Context, env *envelope.Envelope, payload *envelope.Payload) {
	if p.matcher == nil || p.fanout == nil {
		return
	}
	jobs, err := p.matcher.Match(ctx, env, payload)
	if err != nil {
		p.logger.Warn("route match failed", "tenant", env.Tenant, "error", err)
		return
	}
	for _, job := range jobs {
		p.fanout.Enqueue(job)
	}
}
