package trigger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

func newTestHub(t *testing.T) *core.Hub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := core.New(logger, core.WithLocation(core.Location{Latitude: 52.37, Longitude: 4.89, TimeZone: time.UTC}))
	h.Templates = template.NewRenderer(h)
	t.Cleanup(h.Scheduler.Stop)
	return h
}

type firing struct {
	vars map[string]any
	ctx  *core.Context
}

func collector() (ActionFunc, chan firing) {
	ch := make(chan firing, 32)
	return func(vars map[string]any, hctx *core.Context) {
		ch <- firing{vars: vars, ctx: hctx}
	}, ch
}

func decode(t *testing.T, src string) List {
	t.Helper()
	var l List
	if err := yaml.Unmarshal([]byte(src), &l); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return l
}

func attach(t *testing.T, h *core.Hub, src string, info Info) chan firing {
	t.Helper()
	action, ch := collector()
	detach := Attach(context.Background(), h, decode(t, src), action, info)
	if detach == nil {
		t.Fatal("no trigger attached")
	}
	t.Cleanup(detach)
	return ch
}

func expectFire(t *testing.T, ch chan firing) firing {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not fire")
	}
	return firing{}
}

func expectNone(t *testing.T, ch chan firing, wait time.Duration) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected firing: %v", f.vars["trigger"])
	case <-time.After(wait):
	}
}

func triggerData(f firing) map[string]any {
	data, _ := f.vars["trigger"].(map[string]any)
	return data
}

func TestStateTriggerFiresOnTransitionOnly(t *testing.T) {
	h := newTestHub(t)
	h.States.Set("sensor.x", "off", nil, nil)
	ch := attach(t, h, "platform: state\nentity_id: sensor.x\nto: \"on\"", Info{Name: "test"})

	ctx := core.NewContext()
	h.States.Set("sensor.x", "on", nil, ctx)
	f := expectFire(t, ch)
	data := triggerData(f)
	if data["platform"] != "state" || data["idx"] != 0 || data["entity_id"] != "sensor.x" {
		t.Errorf("trigger data = %v", data)
	}
	if to, _ := data["to_state"].(*core.State); to == nil || to.State != "on" {
		t.Errorf("to_state = %v, want on", data["to_state"])
	}
	if f.ctx != ctx {
		t.Errorf("context = %v, want the state change context", f.ctx)
	}

	h.States.Set("sensor.x", "on", nil, nil)
	h.States.Set("sensor.x", "on", map[string]any{"battery": 80}, nil)
	expectNone(t, ch, 50*time.Millisecond)
}

type stateStep struct {
	state string
	attrs map[string]any
}

func TestStateTriggerFilters(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		steps []stateStep
		want  int
	}{
		{
			name:  "from",
			src:   "platform: state\nentity_id: light.a\nfrom: \"off\"",
			steps: []stateStep{{"on", nil}, {"dim", nil}, {"off", nil}, {"on", nil}},
			want:  2,
		},
		{
			name:  "any change",
			src:   "platform: state\nentity_id: light.a",
			steps: []stateStep{{"on", nil}, {"on", map[string]any{"brightness": 10}}, {"off", nil}},
			want:  3,
		},
		{
			name:  "attribute",
			src:   "platform: state\nentity_id: light.a\nattribute: brightness\nto: 20",
			steps: []stateStep{{"on", map[string]any{"brightness": 10}}, {"on", map[string]any{"brightness": 20}}, {"on", map[string]any{"brightness": 20, "color": "red"}}},
			want:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(t)
			h.States.Set("light.a", "off", nil, nil)
			ch := attach(t, h, tt.src, Info{})
			for _, s := range tt.steps {
				h.States.Set("light.a", s.state, s.attrs, nil)
			}
			if got := len(ch); got != tt.want {
				t.Errorf("firings = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStateTriggerFor(t *testing.T) {
	h := newTestHub(t)
	h.States.Set("binary_sensor.door", "off", nil, nil)
	ch := attach(t, h, "platform: state\nentity_id: binary_sensor.door\nto: \"on\"\nfor:\n  milliseconds: 50", Info{})

	h.States.Set("binary_sensor.door", "on", nil, nil)
	h.States.Set("binary_sensor.door", "off", nil, nil)
	expectNone(t, ch, 150*time.Millisecond)

	h.States.Set("binary_sensor.door", "on", nil, nil)
	data := triggerData(expectFire(t, ch))
	if data["for"] != 50*time.Millisecond {
		t.Errorf("for = %v, want 50ms", data["for"])
	}
}

func TestNumericStateTrigger(t *testing.T) {
	h := newTestHub(t)
	h.States.Set("sensor.temp", "15", nil, nil)
	ch := attach(t, h, "platform: numeric_state\nentity_id: sensor.temp\nabove: 10", Info{})

	h.States.Set("sensor.temp", "16", nil, nil)
	expectNone(t, ch, 20*time.Millisecond)

	h.States.Set("sensor.temp", "5", nil, nil)
	h.States.Set("sensor.temp", "12", nil, nil)
	data := triggerData(expectFire(t, ch))
	if data["above"] != "10" || data["entity_id"] != "sensor.temp" {
		t.Errorf("trigger data = %v", data)
	}
	h.States.Set("sensor.temp", "13", nil, nil)
	h.States.Set("sensor.temp", "unavailable", nil, nil)
	expectNone(t, ch, 20*time.Millisecond)
}

func TestEventTrigger(t *testing.T) {
	h := newTestHub(t)
	ch := attach(t, h, "platform: event\nevent_type: [button_pressed, other]\nevent_data:\n  button: 2", Info{})

	h.Bus.Fire("button_pressed", map[string]any{"button": 1}, nil)
	h.Bus.Fire("unrelated", map[string]any{"button": 2}, nil)
	h.Bus.Fire("other", map[string]any{"button": 2.0, "extra": true}, nil)

	data := triggerData(expectFire(t, ch))
	ev, _ := data["event"].(map[string]any)
	if ev["event_type"] != "other" {
		t.Errorf("event = %v, want other", ev)
	}
	expectNone(t, ch, 20*time.Millisecond)
}

func TestMatchSubset(t *testing.T) {
	tests := []struct {
		want, got map[string]any
		match     bool
	}{
		{nil, map[string]any{"a": 1}, true},
		{map[string]any{"a": 1}, map[string]any{"a": 1.0}, true},
		{map[string]any{"a": "x"}, map[string]any{"a": "y"}, false},
		{map[string]any{"a": 1}, map[string]any{}, false},
		{map[string]any{"n": map[string]any{"b": true}}, map[string]any{"n": map[string]any{"b": true, "c": 1}}, true},
		{map[string]any{"n": map[string]any{"b": true}}, map[string]any{"n": "flat"}, false},
	}
	for i, tt := range tests {
		if got := matchSubset(tt.want, tt.got); got != tt.match {
			t.Errorf("case %d: matchSubset = %v, want %v", i, got, tt.match)
		}
	}
}

func TestTimePatternSpec(t *testing.T) {
	tests := []struct {
		src     string
		want    string
		wantErr bool
	}{
		{"hours: /2", "0 0 */2 * * *", false},
		{"minutes: 5", "0 5 * * * *", false},
		{"seconds: \"*\"", "* * * * * *", false},
		{"seconds: /10", "*/10 * * * * *", false},
		{"hours: 7\nminutes: 30", "0 30 7 * * *", false},
		{"minutes: 61", "", true},
		{"hours: /0", "", true},
	}
	for _, tt := range tests {
		var cfg TimePatternConfig
		if err := yaml.Unmarshal([]byte(tt.src), &cfg); err != nil {
			t.Fatal(err)
		}
		got, err := cfg.spec()
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err = %v, wantErr %v", tt.src, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("%q: spec = %q, want %q", tt.src, got, tt.want)
		}
	}
}

func TestTemplateTriggerFiresOnRisingEdge(t *testing.T) {
	h := newTestHub(t)
	ch := attach(t, h, "platform: template\nvalue_template: \"{{ states('sensor.t') == 'on' }}\"", Info{})

	h.States.Set("sensor.t", "on", nil, nil)
	data := triggerData(expectFire(t, ch))
	if data["entity_id"] != "sensor.t" {
		t.Errorf("entity_id = %v, want sensor.t", data["entity_id"])
	}
	h.States.Set("sensor.t", "on", map[string]any{"x": 1}, nil)
	expectNone(t, ch, 20*time.Millisecond)

	h.States.Set("sensor.t", "off", nil, nil)
	h.States.Set("sensor.t", "on", nil, nil)
	expectFire(t, ch)
}

func TestWebhookTrigger(t *testing.T) {
	h := newTestHub(t)
	ch := attach(t, h, "platform: webhook\nwebhook_id: door-bell", Info{Name: "bell"})

	err := h.Webhooks.Handle(context.Background(), "door-bell", &core.WebhookRequest{
		Method: "POST",
		JSON:   map[string]any{"who": "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	data := triggerData(expectFire(t, ch))
	body, _ := data["json"].(map[string]any)
	if data["webhook_id"] != "door-bell" || body["who"] != "alice" {
		t.Errorf("trigger data = %v", data)
	}
}

func TestCoreTrigger(t *testing.T) {
	h := newTestHub(t)
	start := "platform: core\nevent: start"

	action, ch := collector()
	detach := Attach(context.Background(), h, decode(t, start), action, Info{})
	if detach == nil {
		t.Fatal("no trigger attached")
	}
	detach()
	if len(ch) != 0 {
		t.Errorf("start fired outside hub start")
	}

	ch = attach(t, h, start, Info{HubStart: true})
	if data := triggerData(expectFire(t, ch)); data["event"] != "start" {
		t.Errorf("event = %v, want start", data["event"])
	}

	ch = attach(t, h, "platform: core\nevent: shutdown", Info{})
	h.Bus.Fire(core.EventCoreStop, nil, nil)
	h.Bus.Fire(core.EventCoreStop, nil, nil)
	expectFire(t, ch)
	expectNone(t, ch, 20*time.Millisecond)
}

func TestZoneTrigger(t *testing.T) {
	h := newTestHub(t)
	h.States.Set("zone.home", "zoning", map[string]any{"latitude": 52.0, "longitude": 4.0, "radius": 100.0}, nil)
	away := map[string]any{"latitude": 53.0, "longitude": 4.0}
	home := map[string]any{"latitude": 52.0, "longitude": 4.0}
	h.States.Set("person.a", "away", away, nil)

	enter := attach(t, h, "platform: zone\nentity_id: person.a\nzone: zone.home", Info{})
	leave := attach(t, h, "platform: zone\nentity_id: person.a\nzone: zone.home\nevent: leave", Info{})

	h.States.Set("person.a", "home", home, nil)
	if data := triggerData(expectFire(t, enter)); data["event"] != "enter" {
		t.Errorf("event = %v, want enter", data["event"])
	}
	expectNone(t, leave, 20*time.Millisecond)

	h.States.Set("person.a", "away", away, nil)
	expectFire(t, leave)
	expectNone(t, enter, 20*time.Millisecond)
}

type fakeDevicePlatform struct {
	action func(map[string]any, *core.Context)
}

func (p *fakeDevicePlatform) AttachTrigger(_ context.Context, _ *core.Hub, cfg core.DeviceConfig, action func(map[string]any, *core.Context)) (func(), error) {
	if cfg.Type != "pressed" {
		return nil, core.ErrInvalidDeviceAutomationConfig
	}
	p.action = action
	return func() { p.action = nil }, nil
}

func TestDeviceTrigger(t *testing.T) {
	h := newTestHub(t)
	p := &fakeDevicePlatform{}
	h.Devices.Register("remote", p)

	ch := attach(t, h, "platform: device\ndevice_id: r1\ndomain: remote\ntype: pressed", Info{})
	p.action(map[string]any{"type": "pressed"}, nil)
	data := triggerData(expectFire(t, ch))
	if data["platform"] != "device" || data["description"] != "device" || data["type"] != "pressed" {
		t.Errorf("trigger data = %v", data)
	}
}

func TestAttachIsolatesFailures(t *testing.T) {
	h := newTestHub(t)
	h.States.Set("sensor.x", "off", nil, nil)
	src := `
- platform: device
  domain: missing
  type: pressed
- platform: state
  entity_id: sensor.x
`
	action, ch := collector()
	detach := Attach(context.Background(), h, decode(t, src), action, Info{})
	if detach == nil {
		t.Fatal("Attach = nil, want the state trigger attached")
	}
	h.States.Set("sensor.x", "on", nil, nil)
	if data := triggerData(expectFire(t, ch)); data["idx"] != 1 {
		t.Errorf("idx = %v, want 1", data["idx"])
	}

	detach()
	h.States.Set("sensor.x", "off", nil, nil)
	expectNone(t, ch, 20*time.Millisecond)
}

func TestAttachAllFail(t *testing.T) {
	h := newTestHub(t)
	if _, err := h.Webhooks.Register("taken", "other", func(context.Context, string, *core.WebhookRequest) error { return nil }); err != nil {
		t.Fatal(err)
	}
	src := `
- platform: webhook
  webhook_id: taken
- platform: device
  domain: missing
  type: x
`
	action, _ := collector()
	if detach := Attach(context.Background(), h, decode(t, src), action, Info{}); detach != nil {
		t.Error("Attach returned a detach func with no trigger attached")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []string{
		"platform: bogus",
		"platform: state",
		"platform: numeric_state\nentity_id: sensor.x",
		"platform: event",
		"platform: time_pattern",
		"platform: core\nevent: reboot",
		"platform: sun\nevent: noon",
		"platform: zone\nentity_id: person.a\nzone: zone.home\nevent: wander",
		"- just a string",
	}
	for _, src := range tests {
		var l List
		if err := yaml.Unmarshal([]byte(src), &l); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("decode %q err = %v, want ErrInvalidConfig", src, err)
		}
	}
}

func TestReferencedDevices(t *testing.T) {
	l := decode(t, `
- platform: device
  device_id: d1
  entity_id: light.a
  domain: light
  type: turned_on
- platform: state
  entity_id: light.b
`)
	if got := ReferencedDevices(l); len(got) != 1 || got[0] != "d1" {
		t.Errorf("devices = %v, want [d1]", got)
	}
	if got := ReferencedEntities(l); len(got) != 1 || got[0] != "light.a" {
		t.Errorf("entities = %v, want [light.a]", got)
	}
}
