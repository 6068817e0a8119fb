package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the device telemetry payload schema, version "1".
type Payload struct {
	Version string `json:"version"`
	// TS is the device timestamp in Unix seconds. "time" is accepted
	// as an alias for firmware that predates the v1 schema.
	TS      int64            `json:"ts"`
	SiteID  string           `json:"site_id"`
	Seq     int64            `json:"seq"`
	Metrics map[string]Value `json:"metrics"`
	// ProvisionToken is only honored on first contact, before the
	// device is registered. Afterward tokens come from the store.
	ProvisionToken string `json:"provision_token,omitempty"`
	// Token is the device auth token on direct HTTP ingest. Bridged
	// publishes omit it; the broker authenticated those already.
	Token string `json:"token,omitempty"`
}

// payloadAlias accepts the legacy "time" field as an alias for "ts".
type payloadAlias struct {
	Payload
	LegacyTime *int64 `json:"time,omitempty"`
}

// ParsePayload decodes a telemetry payload. It enforces only structural
// constraints (valid JSON, scalar metric values); semantic validation
// (site match, timestamp window, metric count) happens in the ingest
// pipeline where the reason codes live.
func ParsePayload(data []byte) (*Payload, error) {
	var a payloadAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse telemetry payload: %w", err)
	}
	p := a.Payload
	if p.TS == 0 && a.LegacyTime != nil {
		p.TS = *a.LegacyTime
	}
	return &p, nil
}

// Time returns the device timestamp as UTC time.
func (p *Payload) Time() time.Time {
	return time.Unix(p.TS, 0).UTC()
}
