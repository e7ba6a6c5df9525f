package automation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/store"
	"openpeer-hub/internal/template"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHub(t *testing.T) *core.Hub {
	t.Helper()
	h := core.New(testLogger(), core.WithLocation(core.Location{Latitude: 52.37, Longitude: 4.89, TimeZone: time.UTC}))
	h.Templates = template.NewRenderer(h)
	t.Cleanup(h.Scheduler.Stop)
	return h
}

// recorder counts calls to a service.
type recorder struct {
	mu    sync.Mutex
	calls []map[string]any
}

func record(h *core.Hub, domain, service string) *recorder {
	r := &recorder{}
	h.Services.Register(domain, service, func(_ context.Context, call *core.ServiceCall) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, call.Data)
		return nil
	})
	return r
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) values(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, template.ToString(c[key]))
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// newEntity decodes a single automation and builds it.
func newEntity(t *testing.T, h *core.Hub, src string, st Store) *Entity {
	t.Helper()
	defs, err := Decode([]byte(src), testLogger())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(defs.Automations) != 1 {
		t.Fatalf("decoded %d automations, want 1", len(defs.Automations))
	}
	e, err := New(h, defs.Automations[0], Options{Store: st, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func newStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		src         string
		automations []string
		scripts     []string
	}{
		{
			name: "list",
			src: `
- id: a
  trigger: {platform: event, event_type: go}
  action: {service: test.record}
- alias: B
  trigger: {platform: event, event_type: go}
  action: {service: test.record}
`,
			automations: []string{"a", "B"},
		},
		{
			name: "single",
			src: `
id: only
trigger: {platform: event, event_type: go}
action: {service: test.record}
`,
			automations: []string{"only"},
		},
		{
			name: "mapping",
			src: `
automations:
  - id: a
    trigger: {platform: event, event_type: go}
    action: {service: test.record}
scripts:
  wake:
    sequence:
      - service: test.record
`,
			automations: []string{"a"},
			scripts:     []string{"wake"},
		},
		{
			name: "bad entries dropped",
			src: `
automations:
  - id: no_trigger
    action: {service: test.record}
  - id: bad_platform
    trigger: {platform: nope}
    action: {service: test.record}
  - id: good
    trigger: {platform: event, event_type: go}
    action: {service: test.record}
scripts:
  Bad-ID:
    sequence: [{service: test.record}]
  empty:
    sequence: []
`,
			automations: []string{"good"},
		},
		{
			name: "empty",
			src:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs, err := Decode([]byte(tt.src), testLogger())
			if err != nil {
				t.Fatal(err)
			}
			var names []string
			for _, c := range defs.Automations {
				names = append(names, c.Name())
			}
			if !reflect.DeepEqual(names, tt.automations) {
				t.Errorf("automations = %v, want %v", names, tt.automations)
			}
			var scripts []string
			for id := range defs.Scripts {
				scripts = append(scripts, id)
			}
			if !reflect.DeepEqual(scripts, tt.scripts) {
				t.Errorf("scripts = %v, want %v", scripts, tt.scripts)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte("- id: [unclosed"), testLogger()); err == nil {
		t.Error("expected error for malformed YAML")
	}
	if _, err := Decode([]byte("just a string"), testLogger()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("scalar document err = %v, want ErrInvalidConfig", err)
	}
}

func TestEntityID(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{ID: "wake_up"}, "automation.wake_up"},
		{Config{ID: "1700000000", Alias: "Morning"}, "automation.1700000000"},
		{Config{Alias: "Porch light at dusk!"}, "automation.porch_light_at_dusk"},
		{Config{}, ""},
	}
	for _, tt := range tests {
		if got := EntityID(&tt.cfg); got != tt.want {
			t.Errorf("EntityID(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestStateTriggerFiresOnChangeOnly(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	lights := record(h, "light", "turn_on")
	h.States.Set("sensor.x", "off", nil, nil)

	e := newEntity(t, h, `
id: porch
trigger:
  platform: state
  entity_id: sensor.x
  to: "on"
action:
  service: light.turn_on
  entity_id: light.porch
`, nil)
	e.Start()

	h.States.Set("sensor.x", "on", nil, nil)
	waitFor(t, "light.turn_on", func() bool { return lights.count() == 1 })
	if got := lights.values("entity_id"); !reflect.DeepEqual(got, []string{"light.porch"}) {
		t.Errorf("entity_id = %v", got)
	}

	// Same state with new attributes is not a transition.
	h.States.Set("sensor.x", "on", map[string]any{"battery": 90}, nil)
	time.Sleep(50 * time.Millisecond)
	if n := lights.count(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}

	waitFor(t, "run to end", func() bool { return !e.Script().IsRunning() })
	st := h.States.Get("automation.porch")
	if st == nil || st.State != core.StateOn {
		t.Fatalf("automation state = %v, want on", st)
	}
	if st.Attributes["last_triggered"] == nil {
		t.Error("last_triggered not set")
	}
	if st.Attributes["id"] != "porch" || st.Attributes["mode"] != "single" {
		t.Errorf("attributes = %v", st.Attributes)
	}
}

func TestNumericConditionGatesAction(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")

	e := newEntity(t, h, `
id: heat
trigger:
  platform: event
  event_type: check
condition:
  - condition: numeric_state
    entity_id: sensor.temp
    above: 10
action:
  service: test.record
`, nil)
	e.Start()
	ctx := context.Background()

	h.States.Set("sensor.temp", "9", nil, nil)
	if err := e.Trigger(ctx, nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(); n != 0 {
		t.Fatalf("calls at 9 = %d, want 0", n)
	}

	h.States.Set("sensor.temp", "11", nil, nil)
	if err := e.Trigger(ctx, nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(); n != 1 {
		t.Errorf("calls at 11 = %d, want 1", n)
	}

	// Skipping the condition runs regardless.
	h.States.Set("sensor.temp", "5", nil, nil)
	if err := e.Trigger(ctx, nil, nil, true); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(); n != 2 {
		t.Errorf("calls with skip_condition = %d, want 2", n)
	}
}

func TestConditionErrorIsFalse(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")

	e := newEntity(t, h, `
id: missing
trigger: {platform: event, event_type: go}
condition:
  - condition: numeric_state
    entity_id: sensor.nowhere
    below: 5
action: {service: test.record}
`, nil)
	if err := e.Trigger(context.Background(), nil, nil, false); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if n := rec.count(); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
}

func TestRepeatUntilRunsThreeTimes(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")

	e := newEntity(t, h, `
id: count
trigger: {platform: event, event_type: go}
variables:
  counter: 0
action:
  - repeat:
      until: "{{ counter >= 3 }}"
      sequence:
        - service: test.record
          data:
            counter: "{{ counter }}"
        - variables:
            counter: "{{ counter + 1 }}"
`, nil)
	if err := e.Trigger(context.Background(), nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if got, want := rec.values("counter"), []string{"0", "1", "2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("counter = %v, want %v", got, want)
	}
}

func TestDisableDuringDelay(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")
	st := newStore(t)

	e := newEntity(t, h, `
id: slow
trigger: {platform: event, event_type: go}
action:
  - service: test.record
    data: {step: 1}
  - delay:
      hours: 1
  - service: test.record
    data: {step: 2}
`, st)
	e.Start()

	h.Bus.Fire("go", nil, nil)
	waitFor(t, "first step", func() bool { return rec.count() == 1 })
	waitFor(t, "delay", func() bool { return e.Script().LastAction() == "delay 1h0m0s" })

	e.Disable(true)
	if e.Script().IsRunning() {
		t.Fatal("run still active after disable")
	}
	if got := h.States.Get("automation.slow"); got == nil || got.State != core.StateOff {
		t.Fatalf("state = %v, want off", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := rec.values("step"); !reflect.DeepEqual(got, []string{"1"}) {
		t.Errorf("steps = %v, want [1]", got)
	}
	rec2, err := st.GetAutomation("automation.slow")
	if err != nil {
		t.Fatal(err)
	}
	if rec2.Enabled {
		t.Error("persisted enabled = true, want false")
	}

	changes := 0
	h.Bus.On(core.EventStateChanged, func(core.Event) { changes++ })
	e.Disable(true)
	if changes != 0 {
		t.Errorf("second disable wrote state %d times", changes)
	}

	// Detached: the trigger no longer runs the automation.
	h.Bus.Fire("go", nil, nil)
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("calls after disable = %d, want 1", n)
	}
}

func TestQueuedTriggersRunInOrder(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")

	e := newEntity(t, h, `
id: ordered
mode: queued
max: 100
trigger: {platform: event, event_type: go}
action:
  service: test.record
  data:
    n: "{{ trigger.event.data.n }}"
`, nil)
	e.Start()

	var want []string
	for i := 0; i < 40; i++ {
		h.Bus.Fire("go", map[string]any{"n": i}, nil)
		want = append(want, strconv.Itoa(i))
	}
	waitFor(t, "all runs", func() bool { return rec.count() == len(want) })
	if got := rec.values("n"); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestSingleModeKeepsFirstTrigger(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")

	e := newEntity(t, h, `
id: single
mode: single
max_exceeded: silent
trigger: {platform: event, event_type: go}
action:
  - service: test.record
    data:
      n: "{{ trigger.event.data.n }}"
  - delay:
      milliseconds: 200
`, nil)
	e.Start()

	h.Bus.Fire("go", map[string]any{"n": 1}, nil)
	h.Bus.Fire("go", map[string]any{"n": 2}, nil)
	waitFor(t, "first run", func() bool { return rec.count() >= 1 })
	waitFor(t, "run to end", func() bool { return !e.Script().IsRunning() })
	if got := rec.values("n"); !reflect.DeepEqual(got, []string{"1"}) {
		t.Errorf("ran = %v, want [1]", got)
	}
}

func TestEnableWaitsForHubStart(t *testing.T) {
	h := newTestHub(t)
	rec := record(h, "test", "record")

	e := newEntity(t, h, `
id: early
trigger:
  - platform: event
    event_type: go
  - platform: core
    event: start
action:
  service: test.record
  data:
    platform: "{{ trigger.platform }}"
`, nil)
	e.Start()
	if !e.Enabled() {
		t.Fatal("enabled = false, want true")
	}

	h.Bus.Fire("go", nil, nil)
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Fatalf("calls before start = %d, want 0", n)
	}

	h.Start()
	waitFor(t, "core start trigger", func() bool { return rec.count() == 1 })
	waitFor(t, "run to end", func() bool { return !e.Script().IsRunning() })
	h.Bus.Fire("go", nil, nil)
	waitFor(t, "event trigger", func() bool { return rec.count() == 2 })
	if got := rec.values("platform"); !reflect.DeepEqual(got, []string{"core", "event"}) {
		t.Errorf("platforms = %v", got)
	}
}

func TestEnableIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")

	e := newEntity(t, h, `
id: twice
mode: parallel
trigger: {platform: event, event_type: go}
action: {service: test.record}
`, nil)
	e.Enable()
	e.Enable()

	h.Bus.Fire("go", nil, nil)
	waitFor(t, "call", func() bool { return rec.count() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestInitialState(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name    string
		stored  *bool
		initial *bool
		want    bool
	}{
		{"default", nil, nil, true},
		{"restored off", &no, nil, false},
		{"restored on", &yes, nil, true},
		{"initial overrides restored", &no, &yes, true},
		{"initial off", nil, &no, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(t)
			h.Start()
			st := newStore(t)
			if tt.stored != nil {
				st.SaveAutomation(&store.AutomationRecord{EntityID: "automation.lamp", Enabled: *tt.stored})
			}
			defs, err := Decode([]byte(`
id: lamp
trigger: {platform: event, event_type: go}
action: {service: test.record}
`), testLogger())
			if err != nil {
				t.Fatal(err)
			}
			cfg := defs.Automations[0]
			cfg.InitialState = tt.initial
			e, err := New(h, cfg, Options{Store: st, Logger: testLogger()})
			if err != nil {
				t.Fatal(err)
			}
			defer e.Close()
			e.Start()

			if e.Enabled() != tt.want {
				t.Errorf("enabled = %v, want %v", e.Enabled(), tt.want)
			}
			want := core.StateOff
			if tt.want {
				want = core.StateOn
			}
			if got := h.States.Get("automation.lamp"); got == nil || got.State != want {
				t.Errorf("state = %v, want %s", got, want)
			}
		})
	}
}

func TestLastTriggeredPersisted(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	h := core.New(testLogger(), core.WithClock(func() time.Time { return now }))
	h.Templates = template.NewRenderer(h)
	t.Cleanup(h.Scheduler.Stop)
	h.Start()
	record(h, "test", "record")
	st := newStore(t)

	e := newEntity(t, h, `
id: clock
trigger: {platform: event, event_type: go}
action: {service: test.record}
`, st)
	e.Start()
	if err := e.Trigger(context.Background(), nil, nil, false); err != nil {
		t.Fatal(err)
	}
	if !e.LastTriggered().Equal(now) {
		t.Errorf("last triggered = %v, want %v", e.LastTriggered(), now)
	}
	rec, err := st.GetAutomation("automation.clock")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.LastTriggered.Equal(now) || !rec.Enabled {
		t.Errorf("record = %+v", rec)
	}

	// A rebuilt entity restores it.
	again, err := New(h, e.Config(), Options{Store: st, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	again.Start()
	if !again.LastTriggered().Equal(now) {
		t.Errorf("restored last triggered = %v, want %v", again.LastTriggered(), now)
	}
}

func TestTriggeredEventAndContext(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	var (
		mu       sync.Mutex
		contexts []*core.Context
	)
	h.Services.Register("test", "record", func(_ context.Context, call *core.ServiceCall) error {
		mu.Lock()
		contexts = append(contexts, call.Context)
		mu.Unlock()
		return nil
	})
	events := make(chan core.Event, 1)
	h.Bus.On(core.EventAutomationTriggered, func(ev core.Event) { events <- ev })

	e := newEntity(t, h, `
id: ctx
alias: Context check
trigger: {platform: event, event_type: go}
action: {service: test.record}
`, nil)
	parent := core.NewContext()
	vars := map[string]any{"trigger": map[string]any{"platform": "event", "description": "event 'go'"}}
	if err := e.Trigger(context.Background(), vars, parent, false); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Data["name"] != "Context check" || ev.Data["entity_id"] != "automation.ctx" || ev.Data["source"] != "event 'go'" {
			t.Errorf("event data = %v", ev.Data)
		}
		if ev.Context.ParentID != parent.ID {
			t.Errorf("event parent = %q, want %q", ev.Context.ParentID, parent.ID)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(contexts) != 1 || contexts[0] != ev.Context {
			t.Errorf("service call context differs from triggered event context")
		}
	case <-time.After(time.Second):
		t.Fatal("no automation_triggered event")
	}
}

func TestVariables(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")

	e := newEntity(t, h, `
id: vars
trigger: {platform: event, event_type: go}
trigger_variables:
  room: kitchen
variables:
  target: "light.{{ room }}"
  level: 10
action:
  service: test.record
  data:
    target: "{{ target }}"
    level: "{{ level }}"
`, nil)
	e.Start()

	h.Bus.Fire("go", nil, nil)
	waitFor(t, "call", func() bool { return rec.count() == 1 })
	if got := rec.values("target"); got[0] != "light.kitchen" {
		t.Errorf("target = %v", got)
	}
	waitFor(t, "run to end", func() bool { return !e.Script().IsRunning() })

	// Caller variables win over automation variables.
	if err := e.Trigger(context.Background(), map[string]any{"level": 99}, nil, false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second call", func() bool { return rec.count() == 2 })
	if got := rec.values("level"); got[1] != "99" {
		t.Errorf("level = %v, want 99", got[1])
	}
}

func TestVariablesRenderError(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")

	e := newEntity(t, h, `
id: broken
trigger: {platform: event, event_type: go}
variables:
  x: "{{ nosuch.call() }}"
action: {service: test.record}
`, nil)
	if err := e.Trigger(context.Background(), nil, nil, false); err == nil {
		t.Error("expected render error")
	}
	if n := rec.count(); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
}

func TestStepErrorContained(t *testing.T) {
	h := newTestHub(t)
	h.Start()

	e := newEntity(t, h, `
id: fails
trigger: {platform: event, event_type: go}
action: {service: missing.service}
`, nil)
	err := e.Trigger(context.Background(), nil, nil, false)
	if !errors.Is(err, core.ErrServiceNotFound) {
		t.Errorf("err = %v, want ErrServiceNotFound", err)
	}
	if e.Script().IsRunning() {
		t.Error("failed run still registered")
	}
}

func TestReferenced(t *testing.T) {
	h := newTestHub(t)
	e := newEntity(t, h, `
id: refs
trigger:
  - platform: device
    device_id: remote
    domain: sensor
    type: pressed
  - platform: state
    entity_id: sensor.ignored
condition:
  - condition: state
    entity_id: binary_sensor.door
    state: "on"
  - condition: device
    device_id: lock
    domain: lock
    entity_id: lock.front
    type: is_locked
action:
  - service: light.turn_on
    entity_id: light.hall
  - device_id: lamp
    domain: light
    entity_id: light.lamp
    type: turn_on
`, nil)

	wantEntities := []string{"light.hall", "light.lamp", "binary_sensor.door", "lock.front"}
	if got := e.ReferencedEntities(); !reflect.DeepEqual(got, wantEntities) {
		t.Errorf("entities = %v, want %v", got, wantEntities)
	}
	wantDevices := []string{"lamp", "lock", "remote"}
	if got := e.ReferencedDevices(); !reflect.DeepEqual(got, wantDevices) {
		t.Errorf("devices = %v, want %v", got, wantDevices)
	}
}
