package store

import (
	"time"

	"github.com/fleetline/fleetline/internal/envelope"
)

// Tenant statuses.
const (
	TenantActive    = "ACTIVE"
	TenantSuspended = "SUSPENDED"
	TenantExpired   = "EXPIRED"
)

// Device heartbeat statuses, maintained by the evaluator.
const (
	DeviceOnline  = "ONLINE"
	DeviceStale   = "STALE"
	DeviceOffline = "OFFLINE"
)

// Device provisioning statuses, carried on the auth token row.
const (
	ProvisionActive    = "ACTIVE"
	ProvisionSuspended = "SUSPENDED"
)

// Alert statuses.
const (
	AlertOpen   = "OPEN"
	AlertAck    = "ACK"
	AlertClosed = "CLOSED"
)

// Quarantine reason codes. These are the platform's forensic contract;
// the ingest pipeline and batch writer pick exactly one per rejection.
const (
	ReasonBadEnvelope     = "bad_envelope"
	ReasonDeviceUnknown   = "device_unknown"
	ReasonAuthFailed      = "auth_failed"
	ReasonTenantSuspended = "tenant_suspended"
	ReasonSiteMismatch    = "site_mismatch"
	ReasonBadTimestamp    = "bad_timestamp"
	ReasonPayloadTooLarge = "payload_too_large"
	ReasonTooManyMetrics  = "too_many_metrics"
	ReasonBadMetricValue  = "bad_metric_value"
	ReasonRateLimited     = "rate_limited"
	ReasonWriteFailed     = "write_failed"
)

// Record is one validated, normalized telemetry record bound for the
// time-series table. Immutable once accepted.
type Record struct {
	Tenant  string
	Device  string
	SiteID  string
	Time    time.Time
	Seq     int64
	Metrics map[string]envelope.Value
}

// DeviceState mirrors the device_state row.
type DeviceState struct {
	Tenant     string
	DeviceID   string
	SiteID     string
	TemplateID string
	Status     string
	LastSeenAt time.Time
	Tags       []string
}

// Alert mirrors the alert row.
type Alert struct {
	ID               string
	Tenant           string
	DeviceID         string
	RuleID           string
	AlertType        string
	Severity         string
	Status           string
	Fingerprint      string
	Summary          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	AcknowledgedAt   *time.Time
	ClosedAt         *time.Time
	EscalationLevel  int
	NextEscalationAt *time.Time
	PolicyID         string
}

// PolicyLevel is one step of an escalation policy.
type PolicyLevel struct {
	DelaySeconds int            `json:"delay_seconds"`
	ActionKind   string         `json:"action_kind"`
	ActionConfig map[string]any `json:"action_config,omitempty"`
	// ScheduleID references an on-call schedule for actions that page
	// a responder.
	ScheduleID string `json:"schedule_id,omitempty"`
}

// EscalationPolicy mirrors the escalation_policy row.
type EscalationPolicy struct {
	ID     string
	Tenant string
	Levels []PolicyLevel
}

// Rotation is one on-call rotation within a schedule. Times are UTC.
type Rotation struct {
	Start        time.Time `json:"start"`
	CadenceHours int       `json:"cadence_hours"`
	Users        []string  `json:"users"`
}

// OnCallSchedule mirrors the oncall_schedule row.
type OnCallSchedule struct {
	ID        string
	Tenant    string
	Rotations []Rotation
}

// Route mirrors the route row.
type Route struct {
	ID              string
	Tenant          string
	TopicFilter     string
	PayloadFilter   string
	DestinationKind string
	DestinationCfg  map[string]any
	Enabled         bool
}

// Route destination kinds.
const (
	DestWebhook       = "webhook"
	DestMQTTRepublish = "mqtt_republish"
	DestObjectStorage = "object_storage"
)

// DeadLetter mirrors the dead_letter row.
type DeadLetter struct {
	ID              string
	Tenant          string
	RouteID         string
	Topic           string
	Payload         []byte
	DestinationKind string
	DestinationCfg  map[string]any
	Error           string
	FailedAt        time.Time
}

// QuarantineRecord mirrors the quarantine row.
type QuarantineRecord struct {
	ID         string
	Tenant     string
	DeviceID   string
	Reason     string
	RawPayload []byte
	ReceivedAt time.Time
}
