// Package routes matches accepted telemetry against tenant delivery
// routes and builds the jobs published on the ROUTES stream.
package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fleetline/fleetline/internal/envelope"
	"github.com/fleetline/fleetline/internal/store"
)

// Job is one delivery unit on the ROUTES stream.
type Job struct {
	Tenant          string         `json:"tenant"`
	RouteID         string         `json:"route_id"`
	Topic           string         `json:"topic"`
	Payload         []byte         `json:"payload"`
	DestinationKind string         `json:"destination_kind"`
	DestinationCfg  map[string]any `json:"destination_config"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
}

// Subject returns the bus subject a job is published on.
func (j Job) Subject() string {
	return "routes." + j.Tenant
}

// EncodeJob serializes a job for the bus.
func EncodeJob(j Job) ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a job off the bus.
func DecodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("decode delivery job: %w", err)
	}
	return j, nil
}

// MatchTopic reports whether an MQTT-style filter matches a topic.
// `+` matches one level, `#` matches the remainder and must be last.
func MatchTopic(filter, topic string) bool {
	if filter == "#" {
		return true
	}
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")

	for i, fp := range fparts {
		if fp == "#" {
			return i == len(fparts)-1
		}
		if i >= len(tparts) {
			return false
		}
		if fp != "+" && fp != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}

// payloadFilter is the decoded form of a route's optional payload
// filter. A route with a filter matches only envelopes carrying the
// given msg_type (when set) and all of the listed metric keys.
type payloadFilter struct {
	MsgType string   `json:"msg_type,omitempty"`
	Metrics []string `json:"metrics,omitempty"`
}

func matchPayload(raw string, env *envelope.Envelope, p *envelope.Payload) bool {
	if strings.TrimSpace(raw) == "" {
		return true
	}
	var f payloadFilter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		// Unparseable filter never matches; fixed via route config, not
		// by delivering everything.
		return false
	}
	if f.MsgType != "" && f.MsgType != env.MsgType {
		return false
	}
	for _, key := range f.Metrics {
		if _, ok := p.Metrics[key]; !ok {
			return false
		}
	}
	return true
}

// RouteLister loads a tenant's enabled routes.
type RouteLister interface {
	EnabledRoutes(ctx context.Context, tenant string) ([]store.Route, error)
}

// Matcher caches per-tenant route lists and matches envelopes against
// them.
type Matcher struct {
	lister RouteLister
	cache  *expirable.LRU[string, []store.Route]
}

// NewMatcher builds a matcher with a TTL-bounded route cache.
func NewMatcher(lister RouteLister, size int, ttl time.Duration) *Matcher {
	return &Matcher{
		lister: lister,
		cache:  expirable.NewLRU[string, []store.Route](size, nil, ttl),
	}
}

// Match returns the delivery jobs for every enabled route whose topic
// and payload filters accept the envelope.
func (m *Matcher) Match(ctx context.Context, env *envelope.Envelope, p *envelope.Payload) ([]Job, error) {
	list, ok := m.cache.Get(env.Tenant)
	if !ok {
		var err error
		list, err = m.lister.EnabledRoutes(ctx, env.Tenant)
		if err != nil {
			return nil, fmt.Errorf("load routes for %s: %w", env.Tenant, err)
		}
		m.cache.Add(env.Tenant, list)
	}

	var jobs []Job
	for _, r := range list {
		if !MatchTopic(r.TopicFilter, env.Topic) {
			continue
		}
		if !matchPayload(r.PayloadFilter, env, p) {
			continue
		}
		jobs = append(jobs, Job{
			Tenant:          env.Tenant,
			RouteID:         r.ID,
			Topic:           env.Topic,
			Payload:         env.Payload,
			DestinationKind: r.DestinationKind,
			DestinationCfg:  r.DestinationCfg,
			EnqueuedAt:      time.Now().UTC(),
		})
	}
	return jobs, nil
}

// Invalidate drops a tenant's cached route list.
func (m *Matcher) Invalidate(tenant string) {
	m.cache.Remove(tenant)
}
