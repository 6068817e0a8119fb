package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fleetline/fleetline/internal/rules"
)

// severityRank orders severities so an OPEN alert's severity only ever
// rises while the alert stays open.
var severityRank = map[string]int{
	"info": 0, "warning": 1, "error": 2, "critical": 3,
}

// SeverityRising reports whether next outranks current.
func SeverityRising(current, next string) bool {
	return severityRank[next] > severityRank[current]
}

// EnabledRules returns the tenant's enabled alert rules.
func (s *Store) EnabledRules(ctx context.Context, tenant string) ([]rules.Rule, error) {
	var out []rules.Rule

	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT rule_id, mode, severity, device_scope, duration_seconds,
			        metric_name, operator, threshold, conditions, match,
			        sensitivity, policy_id
			 FROM alert_rule WHERE tenant = $1 AND enabled`,
			tenant)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			r := rules.Rule{Tenant: tenant, Enabled: true}
			var mode, op, match string
			var conditions []byte
			if err := rows.Scan(&r.ID, &mode, &r.Severity, &r.DeviceScope,
				&r.DurationSeconds, &r.Condition.Metric, &op,
				&r.Condition.Threshold, &conditions, &match,
				&r.Sensitivity, &r.PolicyID); err != nil {
				return err
			}
			r.Mode = rules.Mode(mode)
			r.Condition.Op = rules.Operator(op)
			r.Match = rules.Match(match)
			r.Metric = r.Condition.Metric
			if len(conditions) > 0 {
				if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
					return fmt.Errorf("decode rule %s conditions: %w", r.ID, err)
				}
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("enabled rules %s: %w", tenant, err)
	}
	return out, nil
}

// OpenAlert returns the OPEN alert with the given fingerprint, or
// ErrNotFound.
func (s *Store) OpenAlert(ctx context.Context, tenant, fingerprint string) (*Alert, error) {
	var a Alert

	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		return scanAlert(tx.QueryRow(ctx, selectAlert+
			` WHERE tenant = $1 AND fingerprint = $2 AND status = 'OPEN'`,
			tenant, fingerprint), &a)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open alert %s/%s: %w", tenant, fingerprint, err)
	}
	return &a, nil
}

const selectAlert = `
	SELECT alert_id, tenant, device_id, COALESCE(rule_id, ''), alert_type,
	       severity, status, fingerprint, summary, created_at, updated_at,
	       acknowledged_at, closed_at, escalation_level, next_escalation_at,
	       policy_id
	FROM alert`

func scanAlert(row pgx.Row, a *Alert) error {
	return row.Scan(&a.ID, &a.Tenant, &a.DeviceID, &a.RuleID, &a.AlertType,
		&a.Severity, &a.Status, &a.Fingerprint, &a.Summary, &a.CreatedAt,
		&a.UpdatedAt, &a.AcknowledgedAt, &a.ClosedAt, &a.EscalationLevel,
		&a.NextEscalationAt, &a.PolicyID)
}

// InsertOpenAlert opens a new alert. The partial unique index on
// (tenant, fingerprint) WHERE status='OPEN' makes a concurrent double
// open impossible; the loser gets a constraint error and should
// re-read.
func (s *Store) InsertOpenAlert(ctx context.Context, a *Alert) error {
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("alert id: %w", err)
		}
		a.ID = id.String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Status = AlertOpen

	return s.WithTenant(ctx, a.Tenant, func(tx pgx.Tx) error {
		var ruleID any
		if a.RuleID != "" {
			ruleID = a.RuleID
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO alert (alert_id, tenant, device_id, rule_id, alert_type,
			                    severity, status, fingerprint, summary, created_at,
			                    updated_at, escalation_level, next_escalation_at, policy_id)
			 VALUES ($1,$2,$3,$4,$5,$6,'OPEN',$7,$8,$9,$9,$10,$11,$12)`,
			a.ID, a.Tenant, a.DeviceID, ruleID, a.AlertType, a.Severity,
			a.Fingerprint, a.Summary, a.CreatedAt, a.EscalationLevel,
			a.NextEscalationAt, a.PolicyID)
		return err
	})
}

// TouchOpenAlert refreshes updated_at and raises severity when rising.
func (s *Store) TouchOpenAlert(ctx context.Context, tenant, alertID, severity string) error {
	return s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE alert SET updated_at = now(), severity = $3
			 WHERE tenant = $1 AND alert_id = $2 AND status = 'OPEN'`,
			tenant, alertID, severity)
		return err
	})
}

// CloseByFingerprint transitions the OPEN alert with this fingerprint
// to CLOSED. The fingerprint must be the same string used on open.
// Closing an already-closed fingerprint is a no-op.
func (s *Store) CloseByFingerprint(ctx context.Context, tenant, fingerprint string) (bool, error) {
	var closed bool
	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE alert SET status = 'CLOSED', closed_at = now(), updated_at = now(),
			                  next_escalation_at = NULL
			 WHERE tenant = $1 AND fingerprint = $2 AND status = 'OPEN'`,
			tenant, fingerprint)
		if err != nil {
			return err
		}
		closed = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("close alert %s/%s: %w", tenant, fingerprint, err)
	}
	return closed, nil
}

// DueEscalations returns OPEN alerts for the tenant whose
// next_escalation_at has arrived.
func (s *Store) DueEscalations(ctx context.Context, tenant string, now time.Time) ([]Alert, error) {
	var out []Alert

	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectAlert+
			` WHERE tenant = $1 AND status = 'OPEN' AND next_escalation_at <= $2
			  ORDER BY next_escalation_at`,
			tenant, now)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var a Alert
			if err := scanAlert(rows, &a); err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("due escalations %s: %w", tenant, err)
	}
	return out, nil
}

// AdvanceEscalation records a processed escalation step: the new level
// and the next due time (nil when the policy is exhausted).
func (s *Store) AdvanceEscalation(ctx context.Context, tenant, alertID string, level int, next *time.Time) error {
	return s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE alert SET escalation_level = $3, next_escalation_at = $4, updated_at = now()
			 WHERE tenant = $1 AND alert_id = $2 AND status = 'OPEN'`,
			tenant, alertID, level, next)
		return err
	})
}

// Policy fetches an escalation policy.
func (s *Store) Policy(ctx context.Context, tenant, policyID string) (*EscalationPolicy, error) {
	p := EscalationPolicy{ID: policyID, Tenant: tenant}

	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		var levels []byte
		if err := tx.QueryRow(ctx,
			`SELECT levels FROM escalation_policy WHERE tenant = $1 AND policy_id = $2`,
			tenant, policyID).Scan(&levels); err != nil {
			return err
		}
		return json.Unmarshal(levels, &p.Levels)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("policy %s/%s: %w", tenant, policyID, err)
	}
	return &p, nil
}

// Schedule fetches an on-call schedule.
func (s *Store) Schedule(ctx context.Context, tenant, scheduleID string) (*OnCallSchedule, error) {
	sched := OnCallSchedule{ID: scheduleID, Tenant: tenant}

	err := s.WithTenant(ctx, tenant, func(tx pgx.Tx) error {
		var rotations []byte
		if err := tx.QueryRow(ctx,
			`SELECT rotations FROM oncall_schedule WHERE tenant = $1 AND schedule_id = $2`,
			tenant, scheduleID).Scan(&rotations); err != nil {
			return err
		}
		return json.Unmarshal(rotations, &sched.Rotations)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("schedule %s/%s: %w", tenant, scheduleID, err)
	}
	return &sched, nil
}
