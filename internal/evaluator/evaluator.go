// Package evaluator maintains device heartbeat status and computes
// alert state from telemetry. It wakes on telemetry-written
// notifications, debounced to collapse bursts, with a safety-net poll
// so no tenant is ever starved of evaluation.
//
// Alert mutation for a tenant is serialized across the deployment by a
// database advisory lock named evaluator:{tenant}; instances that lose
// the lock skip the tenant and move on.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fleetline/fleetline/internal/config"
	"github.com/fleetline/fleetline/internal/events"
	"github.com/fleetline/fleetline/internal/rules"
	"github.com/fleetline/fleetline/internal/store"
)

// minSeriesWindow is the floor on how much telemetry history is
// fetched per device, regardless of rule windows.
const minSeriesWindow = 10 * time.Minute

// Store is the slice of the store the evaluator needs.
type Store interface {
	Tenants(ctx context.Context) ([]string, error)
	Setting(ctx context.Context, key, def string) (string, error)
	DeviceStates(ctx context.Context, tenant string) ([]store.DeviceState, error)
	SetDeviceStatus(ctx context.Context, tenant, device, status string) error
	EnabledRules(ctx context.Context, tenant string) ([]rules.Rule, error)
	RecentSeries(ctx context.Context, tenant, device string, since time.Time) (rules.Series, error)
	OpenAlert(ctx context.Context, tenant, fingerprint string) (*store.Alert, error)
	InsertOpenAlert(ctx context.Context, a *store.Alert) error
	TouchOpenAlert(ctx context.Context, tenant, alertID, severity string) error
	CloseByFingerprint(ctx context.Context, tenant, fingerprint string) (bool, error)
	WithAdvisoryLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error)
}

// Evaluator runs evaluation passes over every tenant.
type Evaluator struct {
	store  Store
	events *events.Bus
	cfg    config.EvaluatorConfig
	logger *slog.Logger
	now    func() time.Time

	// settings caches platform_settings overrides for
	// SettingsPollSeconds, so burst wakes do not hammer the settings
	// table once per pass.
	settingsMu sync.Mutex
	settings   map[string]cachedSetting
}

type cachedSetting struct {
	value   int
	expires time.Time
}

// New builds an evaluator.
func New(st Store, ev *events.Bus, cfg config.EvaluatorConfig, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:    st,
		events:   ev,
		cfg:      cfg,
		logger:   logger.With("component", "evaluator"),
		now:      time.Now,
		settings: make(map[string]cachedSetting),
	}
}

// Run evaluates until ctx is cancelled: immediately on start, then on
// each debounced wake, and at the fallback interval regardless.
func (e *Evaluator) Run(ctx context.Context) error {
	fallback := time.Duration(e.cfg.FallbackPollSeconds) * time.Second
	if fallback <= 0 {
		fallback = 30 * time.Second
	}
	debounce := time.Duration(e.cfg.DebounceMS) * time.Millisecond

	var wake <-chan events.Event
	if e.events != nil {
		ch := e.events.Subscribe(64)
		defer e.events.Unsubscribe(ch)
		wake = ch
	}

	ticker := time.NewTicker(fallback)
	defer ticker.Stop()

	e.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("evaluator stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Pass(ctx)
		case ev := <-wake:
			if ev.Kind != events.KindTelemetryWritten {
				continue
			}
			e.debounceWakes(ctx, wake, debounce)
			e.Pass(ctx)
		}
	}
}

// debounceWakes absorbs further wake events for the debounce window so
// a write burst triggers one pass.
func (e *Evaluator) debounceWakes(ctx context.Context, wake <-chan events.Event, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-wake:
		}
	}
}

// Pass evaluates every tenant once.
func (e *Evaluator) Pass(ctx context.Context) {
	tenants, err := e.store.Tenants(ctx)
	if err != nil {
		e.logger.Error("list tenants", "error", err)
		return
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		acquired, err := e.store.WithAdvisoryLock(ctx, "evaluator:"+tenant, func(ctx context.Context) error {
			return e.evaluateTenant(ctx, tenant)
		})
		if err != nil {
			e.logger.Error("tenant evaluation failed", "tenant", tenant, "error", err)
			continue
		}
		if !acquired {
			e.logger.Debug("another evaluator holds the tenant", "tenant", tenant)
		}
	}
}

func (e *Evaluator) evaluateTenant(ctx context.Context, tenant string) error {
	if err := e.evaluateHeartbeats(ctx, tenant); err != nil {
		return fmt.Errorf("heartbeats: %w", err)
	}
	if err := e.evaluateRules(ctx, tenant); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}

// intSetting reads a platform setting with a config fallback, cached
// for the configured settings poll interval.
func (e *Evaluator) intSetting(ctx context.Context, key string, def int) int {
	now := e.now()

	e.settingsMu.Lock()
	if c, ok := e.settings[key]; ok && now.Before(c.expires) {
		e.settingsMu.Unlock()
		return c.value
	}
	e.settingsMu.Unlock()

	raw, err := e.store.Setting(ctx, key, strconv.Itoa(def))
	if err != nil {
		e.logger.Warn("setting lookup failed, using default", "key", key, "error", err)
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		n = def
	}

	ttl := time.Duration(e.cfg.SettingsPollSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	e.settingsMu.Lock()
	e.settings[key] = cachedSetting{value: n, expires: now.Add(ttl)}
	e.settingsMu.Unlock()
	return n
}

// evaluateHeartbeats recomputes ONLINE/STALE/OFFLINE per device and
// opens or closes NO_HEARTBEAT alerts on the OFFLINE boundary.
func (e *Evaluator) evaluateHeartbeats(ctx context.Context, tenant string) error {
	staleAfter := time.Duration(e.intSetting(ctx, "heartbeat_stale_seconds", e.cfg.HeartbeatStaleSeconds)) * time.Second
	offlineAfter := time.Duration(e.intSetting(ctx, "heartbeat_offline_seconds", e.cfg.HeartbeatOfflineSeconds)) * time.Second

	devices, err := e.store.DeviceStates(ctx, tenant)
	if err != nil {
		return err
	}

	now := e.now()
	for _, d := range devices {
		age := now.Sub(d.LastSeenAt)
		status := store.DeviceOnline
		switch {
		case age > offlineAfter:
			status = store.DeviceOffline
		case age > staleAfter:
			status = store.DeviceStale
		}
		if status == d.Status {
			continue
		}

		if err := e.store.SetDeviceStatus(ctx, tenant, d.DeviceID, status); err != nil {
			return fmt.Errorf("set status %s: %w", d.DeviceID, err)
		}
		e.logger.Info("device status changed",
			"tenant", tenant, "device", d.DeviceID, "from", d.Status, "to", status,
			"age", age.Truncate(time.Second))
		e.events.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceEvaluator,
			Kind:      events.KindDeviceStatus,
			Data:      map[string]any{"tenant": tenant, "device": d.DeviceID, "status": status},
		})

		fp := rules.HeartbeatFingerprint(d.DeviceID)
		switch status {
		case store.DeviceOffline:
			if err := e.openOrTouch(ctx, tenant, &store.Alert{
				Tenant:      tenant,
				DeviceID:    d.DeviceID,
				AlertType:   "NO_HEARTBEAT",
				Severity:    "critical",
				Fingerprint: fp,
				Summary:     fmt.Sprintf("device %s has not reported for %s", d.DeviceID, age.Truncate(time.Second)),
			}); err != nil {
				return err
			}
		case store.DeviceOnline:
			if err := e.closeAlert(ctx, tenant, d.DeviceID, fp); err != nil {
				return err
			}
		}
	}
	return nil
}

// evaluateRules runs every enabled rule against each in-scope device's
// recent telemetry.
func (e *Evaluator) evaluateRules(ctx context.Context, tenant string) error {
	ruleSet, err := e.store.EnabledRules(ctx, tenant)
	if err != nil {
		return err
	}
	if len(ruleSet) == 0 {
		return nil
	}

	devices, err := e.store.DeviceStates(ctx, tenant)
	if err != nil {
		return err
	}

	window := minSeriesWindow
	for _, r := range ruleSet {
		if d := time.Duration(r.DurationSeconds) * time.Second; d*2 > window {
			window = d * 2
		}
	}

	now := e.now()
	for _, d := range devices {
		var series rules.Series
		loaded := false

		for i := range ruleSet {
			r := &ruleSet[i]
			if !r.AppliesTo(d.DeviceID) {
				continue
			}
			if !loaded {
				series, err = e.store.RecentSeries(ctx, tenant, d.DeviceID, now.Add(-window))
				if err != nil {
					return fmt.Errorf("series %s: %w", d.DeviceID, err)
				}
				loaded = true
			}

			fired, err := rules.Evaluate(r, now, series)
			if err != nil {
				e.logger.Warn("rule evaluation failed",
					"tenant", tenant, "rule", r.ID, "device", d.DeviceID, "error", err)
				continue
			}

			fp := rules.RuleFingerprint(r.ID, d.DeviceID)
			if fired {
				if err := e.openOrTouch(ctx, tenant, &store.Alert{
					Tenant:      tenant,
					DeviceID:    d.DeviceID,
					RuleID:      r.ID,
					AlertType:   string(r.Mode),
					Severity:    r.Severity,
					Fingerprint: fp,
					PolicyID:    r.PolicyID,
					Summary:     fmt.Sprintf("rule %s firing for device %s", r.ID, d.DeviceID),
				}); err != nil {
					return err
				}
			} else {
				if err := e.closeAlert(ctx, tenant, d.DeviceID, fp); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// openOrTouch inserts an OPEN alert for the fingerprint, or refreshes
// the existing one, raising severity but never lowering it.
func (e *Evaluator) openOrTouch(ctx context.Context, tenant string, a *store.Alert) error {
	open, err := e.store.OpenAlert(ctx, tenant, a.Fingerprint)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("open alert lookup %s: %w", a.Fingerprint, err)
	}

	if open != nil {
		severity := open.Severity
		if store.SeverityRising(open.Severity, a.Severity) {
			severity = a.Severity
		}
		return e.store.TouchOpenAlert(ctx, tenant, open.ID, severity)
	}

	now := e.now()
	if a.PolicyID != "" {
		// Due immediately; the orchestrator applies the level delays.
		a.NextEscalationAt = &now
	}
	if err := e.store.InsertOpenAlert(ctx, a); err != nil {
		return fmt.Errorf("insert alert %s: %w", a.Fingerprint, err)
	}

	e.logger.Info("alert opened",
		"tenant", tenant, "device", a.DeviceID, "type", a.AlertType,
		"severity", a.Severity, "fingerprint", a.Fingerprint)
	e.events.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceEvaluator,
		Kind:      events.KindAlertOpened,
		Data: map[string]any{
			"tenant": tenant, "device": a.DeviceID,
			"fingerprint": a.Fingerprint, "severity": a.Severity,
		},
	})
	return nil
}

func (e *Evaluator) closeAlert(ctx context.Context, tenant, device, fingerprint string) error {
	closed, err := e.store.CloseByFingerprint(ctx, tenant, fingerprint)
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}
	e.logger.Info("alert closed", "tenant", tenant, "device", device, "fingerprint", fingerprint)
	e.events.Publish(events.Event{
		Timestamp: e.now(),
		Source:    events.SourceEvaluator,
		Kind:      events.KindAlertClosed,
		Data:      map[string]any{"tenant": tenant, "device": device, "fingerprint": fingerprint},
	})
	return nil
}
