package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fleetline/fleetline/internal/envelope"
	"github.com/fleetline/fleetline/internal/rules"
)

// WriteBatch persists a batch of accepted records for one tenant in a
// single transaction: a multi-row insert into the telemetry table plus
// a conditional last_seen advance per device. Records may commit out of
// received order; each record's own time field is authoritative.
func (s *Store) WriteBatch(ctx context.Context, tenant string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	return s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		lastSeen := map[string]time.Time{}

		for _, r := range records {
			metrics, err := json.Marshal(r.Metrics)
			if err != nil {
				return fmt.Errorf("marshal metrics for %s/%s: %w", r.Tenant, r.Device, err)
			}
			batch.Queue(
				`INSERT INTO telemetry (tenant, device_id, site_id, time, seq, metrics)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				tenant, r.Device, r.SiteID, r.Time, r.Seq, metrics)

			if r.Time.After(lastSeen[r.Device]) {
				lastSeen[r.Device] = r.Time
			}
		}

		for device, seen := range lastSeen {
			batch.Queue(
				`UPDATE device_state
				 SET last_seen_at = $3
				 WHERE tenant = $1 AND device_id = $2
				   AND (last_seen_at IS NULL OR last_seen_at < $3)`,
				tenant, device, seen)
		}

		return tx.SendBatch(ctx, batch).Close()
	})
}

// RecentSeries returns per-metric readings for a device since the given
// time, ascending by time, shaped for rule evaluation.
func (s *Store) RecentSeries(ctx context.Context, tenant, device string, since time.Time) (rules.Series, error) {
	series := rules.Series{}

	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT time, metrics FROM telemetry
			 WHERE tenant = $1 AND device_id = $2 AND time >= $3
			 ORDER BY time ASC`,
			tenant, device, since)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var ts time.Time
			var raw []byte
			if err := rows.Scan(&ts, &raw); err != nil {
				return err
			}
			var metrics map[string]envelope.Value
			if err := json.Unmarshal(raw, &metrics); err != nil {
				return fmt.Errorf("decode stored metrics: %w", err)
			}
			for key, v := range metrics {
				series[key] = append(series[key], rules.Reading{Time: ts, Value: v})
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("recent series %s/%s: %w", tenant, device, err)
	}
	return series, nil
}

// Quarantine writes one rejected record for forensics.
func (s *Store) Quarantine(ctx context.Context, q QuarantineRecord) error {
	if q.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("quarantine id: %w", err)
		}
		q.ID = id.String()
	}
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = time.Now().UTC()
	}

	return s.WithTenant(ctx, q.Tenant, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO quarantine (id, tenant, device_id, reason, raw_payload, received_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			q.ID, q.Tenant, q.DeviceID, q.Reason, q.RawPayload, q.ReceivedAt)
		return err
	})
}

// QuarantineBatch writes a whole failed batch with one reason. Used by
// the batch writer when a flush exhausts its retries.
func (s *Store) QuarantineBatch(ctx context.Context, tenant, reason string, records []Record) error {
	return s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("quarantine id: %w", err)
			}
			payload, err := json.Marshal(r.Metrics)
			if err != nil {
				return fmt.Errorf("marshal quarantined metrics: %w", err)
			}
			batch.Queue(
				`INSERT INTO quarantine (id, tenant, device_id, reason, raw_payload, received_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				id.String(), tenant, r.Device, reason, payload, r.Time)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
