// Package escalate is the alert orchestrator: it walks OPEN alerts
// whose escalation is due, advances them through their policy levels,
// resolves the on-call responder, and produces notification jobs on
// the NOTIFICATIONS stream.
//
// Production is at-least-once; the bus deduplicates on a message ID of
// alert_id:level, so a tick that crashes after publishing cannot page
// twice for the same level.
package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetline/fleetline/internal/config"
	"github.com/fleetline/fleetline/internal/events"
	"github.com/fleetline/fleetline/internal/store"
)

// Store is the slice of the store the orchestrator needs.
type Store interface {
	Tenants(ctx context.Context) ([]string, error)
	DueEscalations(ctx context.Context, tenant string, now time.Time) ([]store.Alert, error)
	AdvanceEscalation(ctx context.Context, tenant, alertID string, level int, next *time.Time) error
	Policy(ctx context.Context, tenant, policyID string) (*store.EscalationPolicy, error)
	Schedule(ctx context.Context, tenant, scheduleID string) (*store.OnCallSchedule, error)
	WithAdvisoryLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error)
}

// NotificationSink accepts notification jobs with idempotent
// production.
type NotificationSink interface {
	PublishDedup(ctx context.Context, subject string, data []byte, msgID string) error
}

// Notification is the opaque job handed to external notification
// senders.
type Notification struct {
	Tenant     string         `json:"tenant"`
	AlertID    string         `json:"alert_id"`
	DeviceID   string         `json:"device_id"`
	Severity   string         `json:"severity"`
	Summary    string         `json:"summary"`
	Level      int            `json:"level"`
	ActionKind string         `json:"action_kind"`
	ActionCfg  map[string]any `json:"action_config,omitempty"`
	Responder  string         `json:"responder,omitempty"`
	ProducedAt time.Time      `json:"produced_at"`
}

// Orchestrator drives escalation ticks.
type Orchestrator struct {
	store  Store
	sink   NotificationSink
	events *events.Bus
	cfg    config.EscalateConfig
	logger *slog.Logger
	now    func() time.Time
}

// New builds an orchestrator.
func New(st Store, sink NotificationSink, ev *events.Bus, cfg config.EscalateConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  st,
		sink:   sink,
		events: ev,
		cfg:    cfg,
		logger: logger.With("component", "escalate"),
		now:    time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := time.Duration(o.cfg.TickSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return ctx.Err()
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick processes every tenant's due escalations once. Each tenant is
// claimed with an advisory lock so exactly one orchestrator drives it.
func (o *Orchestrator) Tick(ctx context.Context) {
	tenants, err := o.store.Tenants(ctx)
	if err != nil {
		o.logger.Error("list tenants", "error", err)
		return
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		acquired, err := o.store.WithAdvisoryLock(ctx, "escalate:"+tenant, func(ctx context.Context) error {
			return o.escalateTenant(ctx, tenant)
		})
		if err != nil {
			o.logger.Error("tenant escalation failed", "tenant", tenant, "error", err)
			continue
		}
		if !acquired {
			o.logger.Debug("another orchestrator holds the tenant", "tenant", tenant)
		}
	}
}

func (o *Orchestrator) escalateTenant(ctx context.Context, tenant string) error {
	now := o.now()
	due, err := o.store.DueEscalations(ctx, tenant, now)
	if err != nil {
		return err
	}

	for _, alert := range due {
		if err := o.escalateAlert(ctx, tenant, alert, now); err != nil {
			// One bad alert must not stall the rest of the tenant.
			o.logger.Error("escalation step failed",
				"tenant", tenant, "alert", alert.ID, "error", err)
		}
	}
	return nil
}

// escalateAlert advances one alert a single level and produces its
// notification.
func (o *Orchestrator) escalateAlert(ctx context.Context, tenant string, alert store.Alert, now time.Time) error {
	if alert.PolicyID == "" {
		// Nothing to drive; stop re-selecting it.
		return o.store.AdvanceEscalation(ctx, tenant, alert.ID, alert.EscalationLevel, nil)
	}

	policy, err := o.store.Policy(ctx, tenant, alert.PolicyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("alert references missing policy",
				"tenant", tenant, "alert", alert.ID, "policy", alert.PolicyID)
			return o.store.AdvanceEscalation(ctx, tenant, alert.ID, alert.EscalationLevel, nil)
		}
		return err
	}

	level := alert.EscalationLevel + 1
	if level > len(policy.Levels) {
		// Policy exhausted.
		return o.store.AdvanceEscalation(ctx, tenant, alert.ID, alert.EscalationLevel, nil)
	}
	step := policy.Levels[level-1]

	responder := ""
	if step.ScheduleID != "" {
		responder, err = o.resolveResponder(ctx, tenant, step.ScheduleID, now)
		if err != nil {
			return fmt.Errorf("resolve responder: %w", err)
		}
	}

	n := Notification{
		Tenant:     tenant,
		AlertID:    alert.ID,
		DeviceID:   alert.DeviceID,
		Severity:   alert.Severity,
		Summary:    alert.Summary,
		Level:      level,
		ActionKind: step.ActionKind,
		ActionCfg:  step.ActionConfig,
		Responder:  responder,
		ProducedAt: now.UTC(),
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msgID := fmt.Sprintf("%s:%d", alert.ID, level)
	if err := o.sink.PublishDedup(ctx, "notify."+tenant, data, msgID); err != nil {
		// Not advanced: the next tick retries this level, and the
		// bus-side dedup absorbs any duplicate that did get through.
		return fmt.Errorf("produce notification: %w", err)
	}

	var next *time.Time
	if level < len(policy.Levels) {
		t := now.Add(time.Duration(policy.Levels[level].DelaySeconds) * time.Second)
		next = &t
	}
	if err := o.store.AdvanceEscalation(ctx, tenant, alert.ID, level, next); err != nil {
		return fmt.Errorf("advance escalation: %w", err)
	}

	o.logger.Info("alert escalated",
		"tenant", tenant, "alert", alert.ID, "level", level,
		"action", step.ActionKind, "responder", responder)
	o.events.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceEscalate,
		Kind:      events.KindEscalated,
		Data: map[string]any{
			"tenant": tenant, "alert": alert.ID, "level": level, "responder": responder,
		},
	})
	return nil
}

// resolveResponder computes the current on-call user for a schedule.
func (o *Orchestrator) resolveResponder(ctx context.Context, tenant, scheduleID string, now time.Time) (string, error) {
	sched, err := o.store.Schedule(ctx, tenant, scheduleID)
	if err != nil {
		return "", err
	}
	responder := Responder(sched, now)
	if responder == "" {
		return "", fmt.Errorf("schedule %s has no active rotation at %s", scheduleID, now.UTC())
	}
	return responder, nil
}

// Responder returns the on-call user for the schedule at now: the
// first rotation that has started wins, and within it the slot is
// floor((now - start) / cadence) mod len(users). All times UTC.
func Responder(sched *store.OnCallSchedule, now time.Time) string {
	now = now.UTC()
	for _, rot := range sched.Rotations {
		if len(rot.Users) == 0 || rot.CadenceHours <= 0 {
			continue
		}
		if now.Before(rot.Start) {
			continue
		}
		cadence := time.Duration(rot.CadenceHours) * time.Hour
		slot := int(now.Sub(rot.Start)/cadence) % len(rot.Users)
		return rot.Users[slot]
	}
	return ""
}
