package template

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/core"
)

// Period is a duration given as seconds, "HH:MM[:SS]", a Go duration
// string, a map of units, or a template rendering to any of those.
type Period struct {
	static   time.Duration
	set      bool
	template string
	parts    map[string]Template
}

// NewPeriod returns a static period.
func NewPeriod(d time.Duration) Period {
	return Period{static: d, set: true}
}

// PeriodTemplate returns a period rendered from source at use time.
func PeriodTemplate(source string) Period {
	return Period{template: source, set: true}
}

var periodUnits = map[string]time.Duration{
	"days":         24 * time.Hour,
	"hours":        time.Hour,
	"minutes":      time.Minute,
	"seconds":      time.Second,
	"milliseconds": time.Millisecond,
}

func (p *Period) UnmarshalYAML(node *yaml.Node) error {
	*p = Period{set: true}
	switch node.Kind {
	case yaml.ScalarNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return err
		}
		if s, ok := v.(string); ok && IsTemplate(s) {
			p.template = s
			return nil
		}
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		p.static = d
		return nil
	case yaml.MappingNode:
		var raw map[string]Template
		if err := node.Decode(&raw); err != nil {
			return err
		}
		dynamic := false
		for unit, t := range raw {
			if _, ok := periodUnits[unit]; !ok {
				return fmt.Errorf("line %d: unknown time unit %q", node.Line, unit)
			}
			dynamic = dynamic || t.IsTemplate()
		}
		if dynamic {
			p.parts = raw
			return nil
		}
		m := make(map[string]any, len(raw))
		for k, t := range raw {
			m[k] = t.Raw()
		}
		d, err := ParseDuration(m)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		p.static = d
		return nil
	}
	return fmt.Errorf("line %d: invalid time period", node.Line)
}

// IsSet reports whether a period was configured.
func (p Period) IsSet() bool {
	return p.set
}

// IsTemplate reports whether the period is rendered at use time.
func (p Period) IsTemplate() bool {
	return p.template != "" || p.parts != nil
}

// Resolve returns the period, rendering templates against vars.
func (p Period) Resolve(h *core.Hub, vars map[string]any) (time.Duration, error) {
	switch {
	case p.template != "":
		v, err := New(p.template).Render(h, vars)
		if err != nil {
			return 0, err
		}
		d, err := ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrTemplate, p.template, err)
		}
		return d, nil
	case p.parts != nil:
		m := make(map[string]any, len(p.parts))
		for k, t := range p.parts {
			v, err := t.Render(h, vars)
			if err != nil {
				return 0, err
			}
			m[k] = v
		}
		return ParseDuration(m)
	}
	return p.static, nil
}

func (p Period) String() string {
	if p.template != "" {
		return p.template
	}
	if p.parts != nil {
		return fmt.Sprint(p.parts)
	}
	return p.static.String()
}

// ParseDuration converts a configured or rendered value to a duration.
func ParseDuration(v any) (time.Duration, error) {
	switch val := v.(type) {
	case nil:
		return 0, fmt.Errorf("missing time period")
	case time.Duration:
		return val, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, fmt.Errorf("invalid time period %v", val)
		}
		return time.Duration(val * float64(time.Second)), nil
	case string:
		return parseDurationString(strings.TrimSpace(val))
	case map[string]any:
		var total time.Duration
		for unit, n := range val {
			mult, ok := periodUnits[unit]
			if !ok {
				return 0, fmt.Errorf("unknown time unit %q", unit)
			}
			f, err := toNumber(n)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", unit, err)
			}
			total += time.Duration(f * float64(mult))
		}
		return total, nil
	}
	return 0, fmt.Errorf("invalid time period %v", v)
}

func parseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty time period")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	if strings.Contains(s, ":") {
		neg := strings.HasPrefix(s, "-")
		parts := strings.Split(strings.TrimPrefix(s, "-"), ":")
		if len(parts) < 2 || len(parts) > 3 {
			return 0, fmt.Errorf("invalid time period %q", s)
		}
		units := []time.Duration{time.Hour, time.Minute, time.Second}
		var total time.Duration
		for i, part := range parts {
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid time period %q", s)
			}
			total += time.Duration(f * float64(units[i]))
		}
		if neg {
			total = -total
		}
		return total, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid time period %q", s)
	}
	return d, nil
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("not a number: %v", v)
}
