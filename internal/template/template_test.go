package template

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/core"
)

func newTestHub(t *testing.T) *core.Hub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := core.New(logger)
	h.Templates = NewRenderer(h)
	return h
}

func TestRenderNativeAndText(t *testing.T) {
	h := newTestHub(t)
	h.States.Set("sensor.temp", "21.5", map[string]any{"unit": "C"}, nil)

	tests := []struct {
		name string
		src  string
		vars map[string]any
		want any
	}{
		{"plain text", "hello", nil, "hello"},
		{"integer", "{{ 1 + 2 }}", nil, 3},
		{"float", "{{ 1.5 * 2 + 0.25 }}", nil, 3.25},
		{"bool", "{{ 3 > 2 }}", nil, true},
		{"padded single expression", "  {{ 7 }} ", nil, 7},
		{"mixed text", "n={{ 1 + 1 }}!", nil, "n=2!"},
		{"variable global", "{{ count * 2 }}", map[string]any{"count": 4}, 8},
		{"vars table", "{{ vars.count }}", map[string]any{"count": 4}, 4},
		{"states", "{{ states('sensor.temp') }}", nil, "21.5"},
		{"unknown state", "{{ states('sensor.none') }}", nil, "unknown"},
		{"float of state", "{{ float(states('sensor.temp')) > 20 }}", nil, true},
		{"state_attr", "{{ state_attr('sensor.temp', 'unit') }}", nil, "C"},
		{"is_state", "{{ is_state('sensor.temp', '21.5') }}", nil, true},
		{"float default", "{{ float('abc', 0) }}", nil, 0},
		{"keyword name via vars", "{{ vars['repeat'].index }}", map[string]any{"repeat": map[string]any{"index": 2}}, 2},
		{"nested map", "{{ trigger.to_state.state }}", map[string]any{
			"trigger": map[string]any{"to_state": &core.State{EntityID: "light.a", State: "on"}},
		}, "on"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Templates.Render(tt.src, tt.vars, false)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Render(%q) = %#v, want %#v", tt.src, got, tt.want)
			}
		})
	}
}

func TestRenderErrors(t *testing.T) {
	h := newTestHub(t)
	for _, src := range []string{"{{ 1 + }}", "{{ unclosed", "{{ }}", "{{ nothing.field }}"} {
		_, err := h.Templates.Render(src, nil, false)
		if !errors.Is(err, ErrTemplate) {
			t.Errorf("Render(%q) err = %v, want ErrTemplate", src, err)
		}
	}
}

func TestRenderLimitedHasNoStates(t *testing.T) {
	h := newTestHub(t)
	h.States.Set("sensor.x", "on", nil, nil)
	if _, err := h.Templates.Render("{{ states('sensor.x') }}", nil, true); !errors.Is(err, ErrTemplate) {
		t.Errorf("err = %v, want ErrTemplate in limited mode", err)
	}
	got, err := h.Templates.Render("{{ trigger.platform }}", map[string]any{"trigger": map[string]any{"platform": "state"}}, true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "state" {
		t.Errorf("got %v, want state", got)
	}
}

func TestRenderSandbox(t *testing.T) {
	h := newTestHub(t)
	for _, src := range []string{"{{ os.time() }}", "{{ io.write('x') }}", "{{ dofile('/etc/passwd') }}", "{{ require('os') }}"} {
		if _, err := h.Templates.Render(src, nil, false); err == nil {
			t.Errorf("Render(%q) succeeded, want error", src)
		}
	}
}

func TestRenderTimeout(t *testing.T) {
	h := newTestHub(t)
	r := NewRenderer(h)
	r.SetTimeout(50 * time.Millisecond)
	_, err := r.Render("{{ (function() while true do end end)() }}", nil, false)
	if !errors.Is(err, ErrTemplate) {
		t.Errorf("err = %v, want ErrTemplate", err)
	}
}

func TestTimeBetween(t *testing.T) {
	at := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	h := core.New(nil, core.WithClock(func() time.Time { return at }), core.WithLocation(core.Location{TimeZone: time.UTC}))
	h.Templates = NewRenderer(h)

	tests := []struct {
		src  string
		want bool
	}{
		{"{{ time_between(22, 6) }}", true},
		{"{{ time_between(8, 22) }}", false},
		{"{{ datetime('hour') == 23 }}", true},
	}
	for _, tt := range tests {
		got, err := h.Templates.Render(tt.src, nil, false)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("Render(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestTemplateYAML(t *testing.T) {
	h := newTestHub(t)
	var cfg struct {
		Static  Template `yaml:"static"`
		Number  Template `yaml:"number"`
		Dynamic Template `yaml:"dynamic"`
	}
	src := "static: hello\nnumber: 5\ndynamic: \"{{ x + 1 }}\"\n"
	if err := yaml.Unmarshal([]byte(src), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Static.IsTemplate() || !cfg.Dynamic.IsTemplate() {
		t.Error("template detection wrong")
	}
	if v, _ := cfg.Number.Render(h, nil); v != 5 {
		t.Errorf("number = %v, want 5", v)
	}
	if v, _ := cfg.Dynamic.Render(h, map[string]any{"x": 1}); v != 2 {
		t.Errorf("dynamic = %v, want 2", v)
	}

	var bad struct {
		T Template `yaml:"t"`
	}
	if err := yaml.Unmarshal([]byte("t: \"{{ x\"\n"), &bad); err == nil {
		t.Error("expected error for unclosed template")
	}
}

func TestRenderComplex(t *testing.T) {
	h := newTestHub(t)
	in := map[string]any{
		"entity_id":  "light.a",
		"brightness": "{{ level * 10 }}",
		"list":       []any{"{{ level }}", "x"},
	}
	out, err := RenderComplex(h, in, map[string]any{"level": 5})
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["brightness"] != 50 {
		t.Errorf("brightness = %v, want 50", m["brightness"])
	}
	if l := m["list"].([]any); l[0] != 5 || l[1] != "x" {
		t.Errorf("list = %v, want [5 x]", l)
	}
	if in["brightness"] != "{{ level * 10 }}" {
		t.Error("input mutated")
	}
}

func TestPeriodYAML(t *testing.T) {
	h := newTestHub(t)
	tests := []struct {
		name string
		src  string
		vars map[string]any
		want time.Duration
	}{
		{"seconds", "5", nil, 5 * time.Second},
		{"clock", "\"00:01:30\"", nil, 90 * time.Second},
		{"hh:mm", "\"01:30\"", nil, 90 * time.Minute},
		{"go duration", "250ms", nil, 250 * time.Millisecond},
		{"map", "{minutes: 1, seconds: 5}", nil, 65 * time.Second},
		{"template", "\"{{ wait }}\"", map[string]any{"wait": 3}, 3 * time.Second},
		{"template in map", "{seconds: \"{{ wait }}\"}", map[string]any{"wait": 2}, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Period
			if err := yaml.Unmarshal([]byte(tt.src), &p); err != nil {
				t.Fatal(err)
			}
			if !p.IsSet() {
				t.Fatal("period not set")
			}
			got, err := p.Resolve(h, tt.vars)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("period = %v, want %v", got, tt.want)
			}
		})
	}

	var p Period
	if err := yaml.Unmarshal([]byte("{weeks: 1}"), &p); err == nil {
		t.Error("expected error for unknown unit")
	}
}

func TestVariablesRender(t *testing.T) {
	h := newTestHub(t)
	var vars Variables
	src := "a: 1\nb: \"{{ a + 1 }}\"\nc: \"{{ b * 2 }}\"\n"
	if err := yaml.Unmarshal([]byte(src), &vars); err != nil {
		t.Fatal(err)
	}

	out, err := vars.Render(h, map[string]any{"a": 10}, true)
	if err != nil {
		t.Fatal(err)
	}
	if out["a"] != 10 || out["b"] != 11 || out["c"] != 22 {
		t.Errorf("defaults render = %v, want a=10 b=11 c=22", out)
	}

	out, err = vars.Render(h, map[string]any{"a": 10}, false)
	if err != nil {
		t.Fatal(err)
	}
	if out["a"] != 1 || out["b"] != 2 || out["c"] != 4 {
		t.Errorf("overwrite render = %v, want a=1 b=2 c=4", out)
	}
}

func TestAsBool(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{true, true},
		{"True", true},
		{"on", true},
		{"off", false},
		{1, true},
		{0, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := AsBool(tt.in); got != tt.want {
			t.Errorf("AsBool(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
