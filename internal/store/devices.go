package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fleetline/fleetline/internal/authcache"
	"github.com/fleetline/fleetline/internal/metricmap"
)

// AuthLookup is the auth cache fill function: it joins the device
// token, device state, and tenant rows. A nil entry means the device
// does not exist.
func (s *Store) AuthLookup(ctx context.Context, tenant, device string) (*authcache.Entry, error) {
	var e authcache.Entry

	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT dt.token_hash, dt.status, ds.site_id, t.status, t.tier_rate, t.tier_burst
			 FROM device_token dt
			 JOIN device_state ds ON ds.tenant = dt.tenant AND ds.device_id = dt.device_id
			 JOIN tenant t ON t.id = dt.tenant
			 WHERE dt.tenant = $1 AND dt.device_id = $2`,
			tenant, device,
		).Scan(&e.TokenHash, &e.DeviceStatus, &e.SiteID, &e.TenantStatus, &e.Rate, &e.Burst)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth lookup %s/%s: %w", tenant, device, err)
	}
	return &e, nil
}

// MetricMapLookup is the metric map cache fill function.
func (s *Store) MetricMapLookup(ctx context.Context, tenant, device string) (metricmap.Map, error) {
	m := metricmap.Map{}

	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT raw_key, canonical_key FROM metric_key_map
			 WHERE tenant = $1 AND device_id = $2`,
			tenant, device)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var raw, canonical string
			if err := rows.Scan(&raw, &canonical); err != nil {
				return err
			}
			m[raw] = canonical
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("metric map lookup %s/%s: %w", tenant, device, err)
	}
	return m, nil
}

// DeviceStates returns every device row for a tenant, for heartbeat
// evaluation.
func (s *Store) DeviceStates(ctx context.Context, tenant string) ([]DeviceState, error) {
	var states []DeviceState

	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT tenant, device_id, site_id, template_id, status,
			        COALESCE(last_seen_at, 'epoch'::timestamptz), tags
			 FROM device_state WHERE tenant = $1`,
			tenant)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var d DeviceState
			if err := rows.Scan(&d.Tenant, &d.DeviceID, &d.SiteID, &d.TemplateID,
				&d.Status, &d.LastSeenAt, &d.Tags); err != nil {
				return err
			}
			states = append(states, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("device states %s: %w", tenant, err)
	}
	return states, nil
}

// SetDeviceStatus records a heartbeat status transition.
func (s *Store) SetDeviceStatus(ctx context.Context, tenant, device, status string) error {
	return s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE device_state SET status = $3
			 WHERE tenant = $1 AND device_id = $2`,
			tenant, device, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("device %s/%s: %w", tenant, device, ErrNotFound)
		}
		return nil
	})
}

// Tenants returns the identifiers of all tenants with at least one
// device, the evaluator's work list.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM tenant ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Setting reads a platform_settings value, returning def when unset.
func (s *Store) Setting(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM platform_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("setting %s: %w", key, err)
	}
	return value, nil
}

// TouchDeviceSeen advances last_seen_at directly, used by the HTTP
// ingest path for heartbeat-only payloads.
func (s *Store) TouchDeviceSeen(ctx context.Context, tenant, device string, seen time.Time) error {
	return s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE device_state SET last_seen_at = $3
			 WHERE tenant = $1 AND device_id = $2
			   AND (last_seen_at IS NULL OR last_seen_at < $3)`,
			tenant, device, seen)
		return err
	})
}
