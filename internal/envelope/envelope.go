// Package envelope defines the internal bus message format that wraps
// raw device payloads with tenant/device/topic metadata, and the
// telemetry payload schema carried inside it.
//
// Envelopes are produced by the bridge (and the HTTP ingest path),
// consumed by the ingestor, and re-published on the ROUTES stream for
// delivery jobs. The JSON encoding is the platform's wire contract:
// a serialize→publish→consume→parse round trip must yield a
// semantically equal envelope.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message types carried in Envelope.MsgType. Each maps to its own bus
// stream subject prefix.
const (
	MsgTelemetry = "telemetry"
	MsgShadow    = "shadow"
	MsgCommand   = "command"
)

// Envelope is the internal bus message wrapping a raw device payload.
type Envelope struct {
	// Tenant is the verified tenant identifier.
	Tenant string `json:"tenant"`
	// Device is the device identifier within the tenant.
	Device string `json:"device"`
	// MsgType is one of the Msg* constants.
	MsgType string `json:"msg_type"`
	// Topic is the original MQTT topic the message arrived on.
	Topic string `json:"topic"`
	// ReceivedAt is when the bridge accepted the message (UTC).
	ReceivedAt time.Time `json:"received_at"`
	// Payload is the original device payload, passed through verbatim.
	Payload json.RawMessage `json:"payload"`
	// Seq is the device-assigned sequence number, when present.
	Seq *int64 `json:"seq,omitempty"`
}

// Subject returns the bus subject this envelope belongs on:
// telemetry.{tenant}, shadow.{tenant}, or commands.{tenant}.
func (e *Envelope) Subject() string {
	switch e.MsgType {
	case MsgShadow:
		return "shadow." + e.Tenant
	case MsgCommand:
		return "commands." + e.Tenant
	default:
		return "telemetry." + e.Tenant
	}
}

// Validate checks envelope shape: all identity fields present and a
// non-empty payload. It does not inspect the payload itself.
func (e *Envelope) Validate() error {
	switch {
	case e.Tenant == "":
		return fmt.Errorf("envelope missing tenant")
	case e.Device == "":
		return fmt.Errorf("envelope missing device")
	case e.MsgType != MsgTelemetry && e.MsgType != MsgShadow && e.MsgType != MsgCommand:
		return fmt.Errorf("envelope has unknown msg_type %q", e.MsgType)
	case len(e.Payload) == 0:
		return fmt.Errorf("envelope missing payload")
	}
	return nil
}

// Encode serializes the envelope for bus publication.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a bus message body into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// ParseTopic splits a device-facing MQTT topic of the form
// tenant/{tenant}/device/{device}/{msg_type} into its parts.
func ParseTopic(topic string) (tenant, device, msgType string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "tenant" || parts[2] != "device" {
		return "", "", "", fmt.Errorf("topic %q does not match tenant/+/device/+/+", topic)
	}
	tenant, device, msgType = parts[1], parts[3], parts[4]
	if tenant == "" || device == "" || msgType == "" {
		return "", "", "", fmt.Errorf("topic %q has empty segments", topic)
	}
	return tenant, device, msgType, nil
}
