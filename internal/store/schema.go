package store

import (
	"context"
	"fmt"
)

// schema is the platform DDL. The telemetry table is written
// append-only and is hypertable-compatible: on TimescaleDB deployments
// `SELECT create_hypertable('telemetry', 'time')` converts it without
// touching any query in this package.
//
// RLS policies key on the app.tenant_id session variable set by
// Store.WithTenant. The fleetd role has no BYPASSRLS; operator tooling
// uses a separate role and the audit_log table.
const schema = `
CREATE TABLE IF NOT EXISTS tenant (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'ACTIVE',
	tier_rate   DOUBLE PRECISION NOT NULL DEFAULT 10,
	tier_burst  DOUBLE PRECISION NOT NULL DEFAULT 20
);

CREATE TABLE IF NOT EXISTS device_state (
	tenant      TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	site_id     TEXT NOT NULL DEFAULT '',
	template_id TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'OFFLINE',
	last_seen_at TIMESTAMPTZ,
	lat         DOUBLE PRECISION,
	lon         DOUBLE PRECISION,
	address     TEXT,
	tags        TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (tenant, device_id)
);

CREATE TABLE IF NOT EXISTS device_token (
	tenant      TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	token_hash  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'ACTIVE',
	PRIMARY KEY (tenant, device_id)
);

CREATE TABLE IF NOT EXISTS metric_key_map (
	tenant        TEXT NOT NULL,
	device_id     TEXT NOT NULL,
	raw_key       TEXT NOT NULL,
	canonical_key TEXT NOT NULL,
	PRIMARY KEY (tenant, device_id, raw_key)
);

CREATE TABLE IF NOT EXISTS telemetry (
	tenant    TEXT NOT NULL,
	device_id TEXT NOT NULL,
	site_id   TEXT NOT NULL,
	time      TIMESTAMPTZ NOT NULL,
	seq       BIGINT NOT NULL DEFAULT 0,
	metrics   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS telemetry_tenant_time_idx
	ON telemetry (tenant, time DESC);
CREATE INDEX IF NOT EXISTS telemetry_tenant_device_time_idx
	ON telemetry (tenant, device_id, time DESC);

CREATE TABLE IF NOT EXISTS quarantine (
	id          UUID PRIMARY KEY,
	tenant      TEXT NOT NULL,
	device_id   TEXT,
	reason      TEXT NOT NULL,
	raw_payload BYTEA,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS quarantine_tenant_received_idx
	ON quarantine (tenant, received_at DESC);

CREATE TABLE IF NOT EXISTS alert_rule (
	rule_id          UUID PRIMARY KEY,
	tenant           TEXT NOT NULL,
	mode             TEXT NOT NULL,
	severity         TEXT NOT NULL DEFAULT 'warning',
	enabled          BOOLEAN NOT NULL DEFAULT true,
	device_scope     TEXT[] NOT NULL DEFAULT '{}',
	duration_seconds INT NOT NULL DEFAULT 0,
	metric_name      TEXT NOT NULL DEFAULT '',
	operator         TEXT NOT NULL DEFAULT '',
	threshold        DOUBLE PRECISION NOT NULL DEFAULT 0,
	conditions       JSONB,
	match            TEXT NOT NULL DEFAULT '',
	sensitivity      DOUBLE PRECISION NOT NULL DEFAULT 0,
	policy_id        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS alert_rule_tenant_enabled_idx
	ON alert_rule (tenant, enabled);

CREATE TABLE IF NOT EXISTS alert (
	alert_id           UUID PRIMARY KEY,
	tenant             TEXT NOT NULL,
	device_id          TEXT NOT NULL,
	rule_id            TEXT,
	alert_type         TEXT NOT NULL,
	severity           TEXT NOT NULL,
	status             TEXT NOT NULL,
	fingerprint        TEXT NOT NULL,
	summary            TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	acknowledged_at    TIMESTAMPTZ,
	closed_at          TIMESTAMPTZ,
	escalation_level   INT NOT NULL DEFAULT 0,
	next_escalation_at TIMESTAMPTZ,
	policy_id          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS alert_tenant_fingerprint_status_idx
	ON alert (tenant, fingerprint, status);
CREATE UNIQUE INDEX IF NOT EXISTS alert_one_open_per_fingerprint
	ON alert (tenant, fingerprint) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS alert_escalation_due_idx
	ON alert (next_escalation_at) WHERE status = 'OPEN';

CREATE TABLE IF NOT EXISTS escalation_policy (
	policy_id TEXT PRIMARY KEY,
	tenant    TEXT NOT NULL,
	levels    JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS oncall_schedule (
	schedule_id TEXT PRIMARY KEY,
	tenant      TEXT NOT NULL,
	rotations   JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS route (
	route_id           TEXT PRIMARY KEY,
	tenant             TEXT NOT NULL,
	topic_filter       TEXT NOT NULL,
	payload_filter     TEXT NOT NULL DEFAULT '',
	destination_kind   TEXT NOT NULL,
	destination_config JSONB NOT NULL DEFAULT '{}',
	enabled            BOOLEAN NOT NULL DEFAULT true
);
CREATE INDEX IF NOT EXISTS route_tenant_enabled_idx ON route (tenant, enabled);

CREATE TABLE IF NOT EXISTS dead_letter (
	id                 UUID PRIMARY KEY,
	tenant             TEXT NOT NULL,
	route_id           TEXT NOT NULL,
	topic              TEXT NOT NULL,
	payload            BYTEA,
	destination_kind   TEXT NOT NULL,
	destination_config JSONB,
	error              TEXT NOT NULL,
	failed_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letter_tenant_failed_idx
	ON dead_letter (tenant, failed_at DESC);

CREATE TABLE IF NOT EXISTS platform_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id       BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	operator TEXT NOT NULL,
	action   TEXT NOT NULL,
	detail   TEXT NOT NULL DEFAULT '',
	at       TIMESTAMPTZ NOT NULL
);
`

// rlsPolicies enables row-level security on every tenant-scoped table.
// Idempotent: dropped and recreated on each migrate.
var rlsTables = []string{
	"device_state", "device_token", "metric_key_map", "telemetry",
	"quarantine", "alert_rule", "alert", "escalation_policy",
	"oncall_schedule", "route", "dead_letter",
}

// Migrate creates the schema and RLS policies. Safe to run repeatedly;
// used at first boot and by integration tests.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	for _, table := range rlsTables {
		stmts := []string{
			fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, table),
			fmt.Sprintf(`DROP POLICY IF EXISTS %s_tenant_isolation ON %s`, table, table),
			fmt.Sprintf(
				`CREATE POLICY %s_tenant_isolation ON %s
				 USING (tenant = current_setting('app.tenant_id', true))`,
				table, table),
		}
		for _, stmt := range stmts {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("rls on %s: %w", table, err)
			}
		}
	}
	return nil
}
