package device

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHub(t *testing.T) *core.Hub {
	t.Helper()
	h := core.New(testLogger())
	h.Templates = template.NewRenderer(h)
	t.Cleanup(h.Scheduler.Stop)
	return h
}

func TestRegistryAddGet(t *testing.T) {
	r := NewRegistry()
	r.Add(Device{ID: "dev1", Name: "Desk lamp", Entities: []string{"light.desk", "sensor.desk_power"}})

	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	d := r.Get("dev1")
	if d == nil {
		t.Fatal("Get returned nil")
	}
	if d.Name != "Desk lamp" {
		t.Errorf("name = %q, want %q", d.Name, "Desk lamp")
	}
	d.Entities[0] = "light.changed"
	if got := r.Get("dev1").Entities[0]; got != "light.desk" {
		t.Errorf("registry entity mutated through copy: %q", got)
	}
	if r.Get("unknown") != nil {
		t.Error("expected nil for unknown device")
	}
}

func TestRegistryEntityFor(t *testing.T) {
	r := NewRegistry()
	r.Add(Device{ID: "lamp", Entities: []string{"light.desk", "sensor.desk_power"}})
	r.Add(Device{ID: "strip", Entities: []string{"switch.a", "switch.b"}})

	tests := []struct {
		name    string
		id      string
		domain  string
		want    string
		wantErr bool
	}{
		{"single match", "lamp", "light", "light.desk", false},
		{"no entity in domain", "lamp", "switch", "", true},
		{"ambiguous", "strip", "switch", "", true},
		{"unknown device", "nope", "light", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.EntityFor(tt.id, tt.domain)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, core.ErrInvalidDeviceAutomationConfig) {
				t.Errorf("err = %v, want ErrInvalidDeviceAutomationConfig", err)
			}
			if got != tt.want {
				t.Errorf("EntityFor = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "lights.json"), []byte(`{
		"devices": [
			{"id": "lamp", "name": "Desk lamp", "entities": ["light.desk"]},
			{"name": "no id", "entities": ["light.x"]}
		]
	}`), 0644)
	os.WriteFile(filepath.Join(dir, "ikea.json"), []byte(`{
		"manufacturers": [
			{
				"name": "IKEA of Sweden",
				"devices": [
					{"id": "plug", "model": "TRADFRI control outlet", "entities": ["switch.plug"]}
				]
			}
		]
	}`), 0644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)

	r, err := LoadDir(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 2 {
		t.Fatalf("device count = %d, want 2", r.Len())
	}
	plug := r.Get("plug")
	if plug == nil {
		t.Fatal("plug not found")
	}
	if plug.Manufacturer != "IKEA of Sweden" {
		t.Errorf("manufacturer = %q", plug.Manufacturer)
	}
	devs := r.Devices()
	if devs[0].ID != "lamp" || devs[1].ID != "plug" {
		t.Errorf("Devices() order = %s, %s", devs[0].ID, devs[1].ID)
	}
}

func TestLoadDirMissing(t *testing.T) {
	r, err := LoadDir("/nonexistent/dir", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
}

func TestLoadDirBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"devices": [`), 0644)
	if _, err := LoadDir(dir, testLogger()); err == nil {
		t.Error("expected parse error")
	}
}

func TestToggleServices(t *testing.T) {
	h := newTestHub(t)
	Register(h, nil)
	ctx := context.Background()

	call := func(service string, data map[string]any) {
		t.Helper()
		if err := h.Services.Call(ctx, "light", service, data, nil, true, 0); err != nil {
			t.Fatalf("%s: %v", service, err)
		}
	}
	state := func(id string) string {
		if st := h.States.Get(id); st != nil {
			return st.State
		}
		return ""
	}

	call("turn_on", map[string]any{"entity_id": "light.a", "brightness": 120})
	if got := state("light.a"); got != "on" {
		t.Errorf("after turn_on = %q, want on", got)
	}
	if got := h.States.Get("light.a").Attributes["brightness"]; got != 120 {
		t.Errorf("brightness = %v, want 120", got)
	}

	call("toggle", map[string]any{"entity_id": []any{"light.a", "light.b"}})
	if state("light.a") != "off" || state("light.b") != "on" {
		t.Errorf("after toggle a=%q b=%q", state("light.a"), state("light.b"))
	}
	if got := h.States.Get("light.a").Attributes["brightness"]; got != 120 {
		t.Errorf("attributes not kept on turn_off: %v", got)
	}

	call("turn_off", map[string]any{"entity_id": "all"})
	if state("light.a") != "off" || state("light.b") != "off" {
		t.Errorf("after turn_off all a=%q b=%q", state("light.a"), state("light.b"))
	}

	if err := h.Services.Call(ctx, "light", "turn_on", map[string]any{"entity_id": "switch.x"}, nil, true, 0); err == nil {
		t.Error("expected error for entity of another domain")
	}
}

func TestToggleTrigger(t *testing.T) {
	h := newTestHub(t)
	reg := NewRegistry()
	reg.Add(Device{ID: "lamp", Entities: []string{"light.desk"}})
	toggle := Register(h, reg)
	h.States.Set("light.desk", "off", nil, nil)

	fired := make(chan map[string]any, 4)
	remove, err := toggle.AttachTrigger(context.Background(), h, core.DeviceConfig{
		DeviceID: "lamp",
		Domain:   "light",
		Type:     TriggerTurnedOn,
	}, func(vars map[string]any, _ *core.Context) { fired <- vars })
	if err != nil {
		t.Fatal(err)
	}
	defer remove()

	h.States.Set("light.desk", "on", nil, nil)
	select {
	case data := <-fired:
		if data["entity_id"] != "light.desk" || data["type"] != TriggerTurnedOn {
			t.Errorf("trigger data = %v", data)
		}
		if data["description"] != "turned on light.desk" {
			t.Errorf("description = %v", data["description"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not fire")
	}

	h.States.Set("light.desk", "off", nil, nil)
	select {
	case data := <-fired:
		t.Errorf("turned_on fired on turn off: %v", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestToggleTriggerErrors(t *testing.T) {
	h := newTestHub(t)
	toggle := Register(h, nil)
	noop := func(map[string]any, *core.Context) {}

	if _, err := toggle.AttachTrigger(context.Background(), h, core.DeviceConfig{Domain: "light", EntityID: "light.a", Type: "dimmed"}, noop); !errors.Is(err, core.ErrInvalidDeviceAutomationConfig) {
		t.Errorf("unknown type err = %v", err)
	}
	if _, err := toggle.AttachTrigger(context.Background(), h, core.DeviceConfig{DeviceID: "nope", Domain: "light", Type: TriggerTurnedOn}, noop); !errors.Is(err, core.ErrInvalidDeviceAutomationConfig) {
		t.Errorf("unknown device err = %v", err)
	}
}

func TestToggleCondition(t *testing.T) {
	h := newTestHub(t)
	toggle := Register(h, nil)
	h.States.Set("switch.fan", "on", nil, nil)

	tests := []struct {
		typ  string
		want bool
	}{
		{ConditionIsOn, true},
		{ConditionIsOff, false},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			check, err := toggle.Condition(h, core.DeviceConfig{Domain: "switch", EntityID: "switch.fan", Type: tt.typ})
			if err != nil {
				t.Fatal(err)
			}
			got, err := check(nil)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("%s = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}

	if _, err := toggle.Condition(h, core.DeviceConfig{Domain: "switch", EntityID: "switch.fan", Type: "is_dim"}); !errors.Is(err, core.ErrInvalidDeviceAutomationConfig) {
		t.Errorf("unknown type err = %v", err)
	}
}

func TestToggleAction(t *testing.T) {
	h := newTestHub(t)
	toggle := Register(h, nil)
	ctx := context.Background()
	hctx := core.NewContext()

	for _, typ := range []string{ActionTurnOn, ActionToggle} {
		if err := toggle.CallAction(ctx, h, core.DeviceConfig{Domain: "fan", EntityID: "fan.ceiling", Type: typ}, nil, hctx); err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
	}
	st := h.States.Get("fan.ceiling")
	if st == nil || st.State != "off" {
		t.Fatalf("state = %v, want off", st)
	}
	if st.Context != hctx {
		t.Error("state change did not carry the action's context")
	}
	if err := toggle.CallAction(ctx, h, core.DeviceConfig{Domain: "fan", EntityID: "fan.ceiling", Type: "spin"}, nil, hctx); !errors.Is(err, core.ErrInvalidDeviceAutomationConfig) {
		t.Errorf("unknown type err = %v", err)
	}
}
