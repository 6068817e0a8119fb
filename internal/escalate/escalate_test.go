package escalate

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/fleetline/fleetline/internal/config"
	"github.com/fleetline/fleetline/internal/events"
	"github.com/fleetline/fleetline/internal/store"
)

type fakeStore struct {
	tenants   []string
	due       map[string][]store.Alert
	policies  map[string]*store.EscalationPolicy
	schedules map[string]*store.OnCallSchedule

	advanced []advance
}

type advance struct {
	alertID string
	level   int
	next    *time.Time
}

func (f *fakeStore) Tenants(context.Context) ([]string, error) { return f.tenants, nil }

func (f *fakeStore) DueEscalations(_ context.Context, tenant string, _ time.Time) ([]store.Alert, error) {
	return f.due[tenant], nil
}

func (f *fakeStore) AdvanceEscalation(_ context.Context, _, alertID string, level int, next *time.Time) error {
	f.advanced = append(f.advanced, advance{alertID, level, next})
	return nil
}

func (f *fakeStore) Policy(_ context.Context, _, policyID string) (*store.EscalationPolicy, error) {
	p, ok := f.policies[policyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) Schedule(_ context.Context, _, scheduleID string) (*store.OnCallSchedule, error) {
	s, ok := f.schedules[scheduleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) WithAdvisoryLock(ctx context.Context, _ string, fn func(context.Context) error) (bool, error) {
	return true, fn(ctx)
}

type fakeSink struct {
	published map[string][]Notification // msgID not tracked per entry
	msgIDs    []string
}

func (f *fakeSink) PublishDedup(_ context.Context, subject string, data []byte, msgID string) error {
	if f.published == nil {
		f.published = map[string][]Notification{}
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	f.published[subject] = append(f.published[subject], n)
	f.msgIDs = append(f.msgIDs, msgID)
	return nil
}

func newOrchestrator(st Store, sink NotificationSink) *Orchestrator {
	o := New(st, sink, events.New(), config.EscalateConfig{TickSeconds: 30}, slog.New(slog.DiscardHandler))
	return o
}

func twoLevelPolicy() *store.EscalationPolicy {
	return &store.EscalationPolicy{
		ID: "p1",
		Levels: []store.PolicyLevel{
			{DelaySeconds: 0, ActionKind: "email", ScheduleID: "s1"},
			{DelaySeconds: 300, ActionKind: "page", ScheduleID: "s1"},
		},
	}
}

func TestTickEscalatesDueAlert(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{
		tenants: []string{"acme"},
		due: map[string][]store.Alert{"acme": {{
			ID: "a1", Tenant: "acme", DeviceID: "d1", Severity: "critical",
			PolicyID: "p1", EscalationLevel: 0,
		}}},
		policies: map[string]*store.EscalationPolicy{"p1": twoLevelPolicy()},
		schedules: map[string]*store.OnCallSchedule{"s1": {
			ID: "s1",
			Rotations: []store.Rotation{{
				Start: now.Add(-24 * time.Hour), CadenceHours: 8, Users: []string{"u1", "u2", "u3"},
			}},
		}},
	}
	sink := &fakeSink{}
	o := newOrchestrator(st, sink)
	o.now = func() time.Time { return now }

	o.Tick(context.Background())

	msgs := sink.published["notify.acme"]
	if len(msgs) != 1 {
		t.Fatalf("published %d notifications, want 1", len(msgs))
	}
	n := msgs[0]
	if n.Level != 1 || n.ActionKind != "email" || n.AlertID != "a1" {
		t.Fatalf("notification = %+v", n)
	}
	// 24h since rotation start at 8h cadence: slot 3 mod 3 = 0.
	if n.Responder != "u1" {
		t.Fatalf("responder = %q, want u1", n.Responder)
	}
	if sink.msgIDs[0] != "a1:1" {
		t.Fatalf("msg id = %q, want a1:1", sink.msgIDs[0])
	}

	if len(st.advanced) != 1 {
		t.Fatalf("advanced %d times, want 1", len(st.advanced))
	}
	adv := st.advanced[0]
	if adv.level != 1 || adv.next == nil {
		t.Fatalf("advance = %+v, want level 1 with a next time", adv)
	}
	if want := now.Add(300 * time.Second); !adv.next.Equal(want) {
		t.Fatalf("next escalation at %s, want %s", adv.next, want)
	}
}

func TestPolicyExhaustedClearsNext(t *testing.T) {
	now := time.Now().UTC()
	st := &fakeStore{
		tenants: []string{"acme"},
		due: map[string][]store.Alert{"acme": {{
			ID: "a1", Tenant: "acme", PolicyID: "p1", EscalationLevel: 2,
		}}},
		policies: map[string]*store.EscalationPolicy{"p1": twoLevelPolicy()},
	}
	sink := &fakeSink{}
	o := newOrchestrator(st, sink)
	o.now = func() time.Time { return now }

	o.Tick(context.Background())

	if len(sink.msgIDs) != 0 {
		t.Fatal("exhausted policy must not notify")
	}
	if len(st.advanced) != 1 || st.advanced[0].next != nil {
		t.Fatalf("advance = %+v, want nil next", st.advanced)
	}
}

func TestAlertWithoutPolicyIsParked(t *testing.T) {
	st := &fakeStore{
		tenants: []string{"acme"},
		due:     map[string][]store.Alert{"acme": {{ID: "a1", Tenant: "acme"}}},
	}
	sink := &fakeSink{}
	o := newOrchestrator(st, sink)

	o.Tick(context.Background())

	if len(sink.msgIDs) != 0 {
		t.Fatal("policy-less alert must not notify")
	}
	if len(st.advanced) != 1 || st.advanced[0].next != nil {
		t.Fatalf("advance = %+v, want nil next", st.advanced)
	}
}

func TestResponderRotation(t *testing.T) {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	sched := &store.OnCallSchedule{
		Rotations: []store.Rotation{{
			Start: start, CadenceHours: 168, Users: []string{"alice", "bob"},
		}},
	}

	cases := []struct {
		at   time.Time
		want string
	}{
		{start, "alice"},
		{start.Add(167 * time.Hour), "alice"},
		{start.Add(168 * time.Hour), "bob"},
		{start.Add(2 * 168 * time.Hour), "alice"},
		{start.Add(3*168*time.Hour + time.Minute), "bob"},
	}
	for _, tc := range cases {
		if got := Responder(sched, tc.at); got != tc.want {
			t.Errorf("Responder(%s) = %q, want %q", tc.at, got, tc.want)
		}
	}
}

func TestEscalationFollowsOnCallDay(t *testing.T) {
	start := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	sched := &store.OnCallSchedule{
		ID: "s1",
		Rotations: []store.Rotation{{
			Start: start, CadenceHours: 24, Users: []string{"U1", "U2"},
		}},
	}

	if got := Responder(sched, start.Add(12*time.Hour)); got != "U1" {
		t.Fatalf("responder at +12h = %q, want U1", got)
	}
	if got := Responder(sched, start.Add(24*time.Hour)); got != "U2" {
		t.Fatalf("responder at +24h = %q, want U2", got)
	}
	if got := Responder(sched, start.Add(48*time.Hour)); got != "U1" {
		t.Fatalf("responder at +48h = %q, want U1", got)
	}

	alert := store.Alert{ID: "a1", Tenant: "acme", PolicyID: "p1"}
	st := &fakeStore{
		tenants: []string{"acme"},
		due:     map[string][]store.Alert{"acme": {alert}},
		policies: map[string]*store.EscalationPolicy{"p1": {
			ID: "p1",
			Levels: []store.PolicyLevel{
				{DelaySeconds: 0, ActionKind: "page", ScheduleID: "s1"},
				{DelaySeconds: 3600, ActionKind: "page", ScheduleID: "s1"},
			},
		}},
		schedules: map[string]*store.OnCallSchedule{"s1": sched},
	}
	sink := &fakeSink{}
	o := newOrchestrator(st, sink)

	// First tick at 12:00 pages U1 and schedules the next level for
	// 13:00; the second tick is still within U1's day.
	o.now = func() time.Time { return start.Add(12 * time.Hour) }
	o.Tick(context.Background())

	st.due["acme"] = []store.Alert{{ID: "a1", Tenant: "acme", PolicyID: "p1", EscalationLevel: 1}}
	o.now = func() time.Time { return start.Add(13 * time.Hour) }
	o.Tick(context.Background())

	msgs := sink.published["notify.acme"]
	if len(msgs) != 2 {
		t.Fatalf("published %d notifications, want 2", len(msgs))
	}
	if msgs[0].Responder != "U1" || msgs[1].Responder != "U1" {
		t.Fatalf("responders = %q, %q, want U1 both times", msgs[0].Responder, msgs[1].Responder)
	}
	if msgs[0].Level != 1 || msgs[1].Level != 2 {
		t.Fatalf("levels = %d, %d, want 1 then 2", msgs[0].Level, msgs[1].Level)
	}
	if st.advanced[0].next == nil || !st.advanced[0].next.Equal(start.Add(13*time.Hour)) {
		t.Fatalf("next after level 1 = %v, want 13:00", st.advanced[0].next)
	}
	if st.advanced[1].next != nil {
		t.Fatalf("next after final level = %v, want nil", st.advanced[1].next)
	}
}

func TestResponderFirstActiveRotationWins(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sched := &store.OnCallSchedule{
		Rotations: []store.Rotation{
			{Start: now.Add(24 * time.Hour), CadenceHours: 24, Users: []string{"future"}},
			{Start: now.Add(-24 * time.Hour), CadenceHours: 24, Users: []string{"first"}},
			{Start: now.Add(-48 * time.Hour), CadenceHours: 24, Users: []string{"second"}},
		},
	}
	if got := Responder(sched, now); got != "first" {
		t.Fatalf("responder = %q, want first listed active rotation", got)
	}
}

func TestResponderEmptySchedule(t *testing.T) {
	if got := Responder(&store.OnCallSchedule{}, time.Now()); got != "" {
		t.Fatalf("responder = %q, want empty", got)
	}
}
