package automation

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"openpeer-hub/internal/core"
)

const managerSource = `
automations:
  - id: hall
    alias: Hall
    trigger: {platform: event, event_type: go}
    condition:
      - condition: state
        entity_id: input_boolean.guest
        state: "on"
    action: {service: test.record, data: {who: hall}}
  - id: hall
    trigger: {platform: event, event_type: other}
    action: {service: test.record, data: {who: dup}}
  - id: broken
    trigger: {platform: event, event_type: go}
scripts:
  greet:
    alias: Greeter
    sequence:
      - service: test.record
        data: {who: "{{ name }}"}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestManager(t *testing.T, h *core.Hub, sources Sources) *Manager {
	t.Helper()
	m := NewManager(h, sources, newStore(t), testLogger())
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func call(t *testing.T, h *core.Hub, domain, service string, data map[string]any) {
	t.Helper()
	if err := h.Services.Call(context.Background(), domain, service, data, nil, true, 0); err != nil {
		t.Fatalf("%s.%s: %v", domain, service, err)
	}
}

func stateOf(h *core.Hub, id string) string {
	if st := h.States.Get(id); st != nil {
		return st.State
	}
	return ""
}

func TestManagerLoad(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	record(h, "test", "record")
	path := filepath.Join(t.TempDir(), "automations.yaml")
	writeFile(t, path, managerSource)

	m := newTestManager(t, h, Sources{File: path})

	var ids []string
	for _, e := range m.Automations() {
		ids = append(ids, e.EntityID())
	}
	if want := []string{"automation.hall", "automation.hall_2"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("automations = %v, want %v", ids, want)
	}
	if m.Get("hall") == nil || m.Get("automation.hall_2") == nil {
		t.Error("Get did not find loaded automations")
	}
	if stateOf(h, "automation.hall") != core.StateOn {
		t.Errorf("automation.hall = %q, want on", stateOf(h, "automation.hall"))
	}
	if stateOf(h, "script.greet") != core.StateOff {
		t.Errorf("script.greet = %q, want off", stateOf(h, "script.greet"))
	}
	if se := m.Script("script.greet"); se == nil || se.Name() != "Greeter" {
		t.Errorf("script = %v", se)
	}
}

func TestManagerMissingFile(t *testing.T) {
	h := newTestHub(t)
	m := newTestManager(t, h, Sources{File: filepath.Join(t.TempDir(), "none.yaml")})
	if n := len(m.Automations()); n != 0 {
		t.Errorf("automations = %d, want 0", n)
	}
}

func TestManagerAutomationServices(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")
	path := filepath.Join(t.TempDir(), "automations.yaml")
	writeFile(t, path, managerSource)
	m := newTestManager(t, h, Sources{File: path})

	call(t, h, "automation", "turn_off", map[string]any{"entity_id": "automation.hall"})
	if m.Get("hall").Enabled() || stateOf(h, "automation.hall") != core.StateOff {
		t.Fatal("turn_off did not disable automation.hall")
	}
	call(t, h, "automation", "toggle", map[string]any{"entity_id": []any{"automation.hall", "automation.hall_2"}})
	if !m.Get("hall").Enabled() || m.Get("hall_2").Enabled() {
		t.Errorf("after toggle hall=%v hall_2=%v", m.Get("hall").Enabled(), m.Get("hall_2").Enabled())
	}
	call(t, h, "automation", "turn_on", map[string]any{"entity_id": "all"})
	if !m.Get("hall_2").Enabled() {
		t.Error("turn_on all did not enable automation.hall_2")
	}

	// trigger skips the condition by default.
	call(t, h, "automation", "trigger", map[string]any{"entity_id": "automation.hall"})
	if got := rec.values("who"); !reflect.DeepEqual(got, []string{"hall"}) {
		t.Fatalf("calls = %v, want [hall]", got)
	}
	call(t, h, "automation", "trigger", map[string]any{"entity_id": "automation.hall", "skip_condition": false})
	if n := rec.count(); n != 1 {
		t.Errorf("calls with condition = %d, want 1", n)
	}
}

func TestManagerScriptServices(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")
	path := filepath.Join(t.TempDir(), "automations.yaml")
	writeFile(t, path, managerSource)
	newTestManager(t, h, Sources{File: path})

	call(t, h, "script", "greet", map[string]any{"name": "Ada"})
	if got := rec.values("who"); !reflect.DeepEqual(got, []string{"Ada"}) {
		t.Fatalf("calls = %v, want [Ada]", got)
	}
	st := h.States.Get("script.greet")
	if st == nil || st.State != core.StateOff || st.Attributes["last_triggered"] == nil {
		t.Errorf("script state = %v", st)
	}

	call(t, h, "script", "turn_on", map[string]any{
		"entity_id": "script.greet",
		"variables": map[string]any{"name": "Bo"},
	})
	waitFor(t, "script.turn_on", func() bool { return rec.count() == 2 })
	if got := rec.values("who"); got[1] != "Bo" {
		t.Errorf("who = %q, want Bo", got[1])
	}
}

func TestManagerScriptsFile(t *testing.T) {
	h := newTestHub(t)
	rec := record(h, "test", "record")
	path := filepath.Join(t.TempDir(), "scripts.yaml")
	writeFile(t, path, `
bedtime:
  sequence:
    - service: test.record
      data: {who: bed}
turn_on:
  sequence:
    - service: test.record
`)
	m := newTestManager(t, h, Sources{ScriptsFile: path})

	if n := len(m.Scripts()); n != 1 {
		t.Fatalf("scripts = %d, want 1", n)
	}
	call(t, h, "script", "bedtime", nil)
	if n := rec.count(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestManagerDir(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	files := newTestFiles(t)
	if _, err := files.Save(&Definition{Source: lampSource}); err != nil {
		t.Fatal(err)
	}
	lights := record(h, "light", "turn_on")

	newTestManager(t, h, Sources{Dir: files})
	h.States.Set("binary_sensor.hall_motion", "on", nil, nil)
	waitFor(t, "light.turn_on", func() bool { return lights.count() == 1 })
}

func TestManagerReload(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	record(h, "test", "record")
	path := filepath.Join(t.TempDir(), "automations.yaml")
	writeFile(t, path, managerSource)
	m := newTestManager(t, h, Sources{File: path})

	reloaded := make(chan struct{}, 1)
	h.Bus.On(core.EventAutomationReloaded, func(core.Event) { reloaded <- struct{}{} })

	writeFile(t, path, `
- id: hall
  trigger: {platform: event, event_type: go}
  action: {service: test.record}
- id: new_one
  trigger: {platform: event, event_type: go}
  action: {service: test.record}
`)
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("no automation_reloaded event")
	}
	if h.States.Get("automation.hall_2") != nil {
		t.Error("automation.hall_2 state kept after reload")
	}
	if h.States.Get("script.greet") != nil || h.Services.Has("script", "greet") {
		t.Error("script.greet kept after reload")
	}
	if stateOf(h, "automation.new_one") != core.StateOn {
		t.Errorf("automation.new_one = %q, want on", stateOf(h, "automation.new_one"))
	}
	if n := len(m.Registry().Scripts()); n != 2 {
		t.Errorf("registry holds %d scripts, want 2", n)
	}
}

func TestReloadFromAutomation(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	path := filepath.Join(t.TempDir(), "automations.yaml")
	writeFile(t, path, `
- id: reloader
  trigger: {platform: event, event_type: reload}
  action: {service: automation.reload}
`)
	newTestManager(t, h, Sources{File: path})

	reloaded := make(chan struct{}, 1)
	h.Bus.On(core.EventAutomationReloaded, func(core.Event) { reloaded <- struct{}{} })
	h.Bus.Fire("reload", nil, nil)

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("reload from an automation did not finish")
	}
}

func TestManagerShutdown(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")
	path := filepath.Join(t.TempDir(), "automations.yaml")
	writeFile(t, path, `
- id: sleepy
  trigger: {platform: event, event_type: go}
  action:
    - service: test.record
    - delay: {minutes: 5}
    - service: test.record
`)
	m := newTestManager(t, h, Sources{File: path})

	h.Bus.Fire("go", nil, nil)
	waitFor(t, "first step", func() bool { return rec.count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Get("sleepy").Script().IsRunning() {
		t.Error("script still running after shutdown")
	}
	if !m.Get("sleepy").Enabled() {
		t.Error("shutdown changed the enabled flag")
	}

	h.Bus.Fire("go", nil, nil)
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("calls after shutdown = %d, want 1", n)
	}
}

func TestManagerUnsupportedDeviceEntries(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	rec := record(h, "test", "record")
	path := filepath.Join(t.TempDir(), "automations.yaml")
	writeFile(t, path, `
- id: gated
  trigger: {platform: event, event_type: go}
  condition:
    - condition: device
      domain: vacuum
      device_id: robot
      type: is_cleaning
  action: {service: test.record, data: {who: gated}}
- id: mixed
  trigger:
    - platform: device
      domain: vacuum
      device_id: robot
      type: docked
    - platform: event
      event_type: go
  action: {service: test.record, data: {who: mixed}}
`)

	m := newTestManager(t, h, Sources{File: path})
	if m.Get("gated") != nil {
		t.Error("automation with an unsupported device condition was loaded")
	}
	if m.Get("mixed") == nil {
		t.Fatal("automation with an unsupported device trigger was dropped")
	}

	h.Bus.Fire("go", nil, nil)
	waitFor(t, "mixed", func() bool { return rec.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := rec.values("who"); !reflect.DeepEqual(got, []string{"mixed"}) {
		t.Errorf("ran = %v, want [mixed]", got)
	}
}
