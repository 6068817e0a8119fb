package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EnabledRoutes returns the tenant's enabled delivery routes.
func (s *Store) EnabledRoutes(ctx context.Context, tenant string) ([]Route, error) {
	var out []Route

	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT route_id, topic_filter, payload_filter, destination_kind,
			        destination_config
			 FROM route WHERE tenant = $1 AND enabled`,
			tenant)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			r := Route{Tenant: tenant, Enabled: true}
			var cfg []byte
			if err := rows.Scan(&r.ID, &r.TopicFilter, &r.PayloadFilter,
				&r.DestinationKind, &cfg); err != nil {
				return err
			}
			if len(cfg) > 0 {
				if err := json.Unmarshal(cfg, &r.DestinationCfg); err != nil {
					return fmt.Errorf("decode route %s config: %w", r.ID, err)
				}
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("enabled routes %s: %w", tenant, err)
	}
	return out, nil
}

// Truncation limits for dead-letter rows. Whole payloads belong on the
// bus, not in the failure ledger.
const (
	deadLetterPayloadMax = 8 * 1024
	deadLetterErrorMax   = 2 * 1024
)

// InsertDeadLetter records a route delivery that failed permanently or
// exhausted its redeliveries. Payload and error are truncated.
func (s *Store) InsertDeadLetter(ctx context.Context, d DeadLetter) error {
	if d.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("dead letter id: %w", err)
		}
		d.ID = id.String()
	}
	if d.FailedAt.IsZero() {
		d.FailedAt = time.Now().UTC()
	}
	if len(d.Payload) > deadLetterPayloadMax {
		d.Payload = d.Payload[:deadLetterPayloadMax]
	}
	if len(d.Error) > deadLetterErrorMax {
		d.Error = d.Error[:deadLetterErrorMax]
	}

	cfg, err := json.Marshal(d.DestinationCfg)
	if err != nil {
		return fmt.Errorf("marshal dead letter config: %w", err)
	}

	return s.WithTenant(ctx, d.Tenant, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO dead_letter (id, tenant, route_id, topic, payload,
			                          destination_kind, destination_config, error, failed_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			d.ID, d.Tenant, d.RouteID, d.Topic, d.Payload,
			d.DestinationKind, cfg, d.Error, d.FailedAt)
		return err
	})
}
