package template

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/core"
)

// Template is a configuration value that is either static or a template
// string rendered at use time.
type Template struct {
	raw any
}

// New wraps a value. Strings containing {{ are rendered, anything else is
// returned unchanged.
func New(v any) Template {
	return Template{raw: v}
}

func (t *Template) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	if s, ok := v.(string); ok && IsTemplate(s) {
		if _, err := parse(s); err != nil {
			return fmt.Errorf("line %d: %w: %v", node.Line, ErrTemplate, err)
		}
	}
	t.raw = v
	return nil
}

// IsSet reports whether a value was configured.
func (t Template) IsSet() bool {
	return t.raw != nil
}

// IsTemplate reports whether the value needs rendering.
func (t Template) IsTemplate() bool {
	s, ok := t.raw.(string)
	return ok && IsTemplate(s)
}

// Raw returns the configured value.
func (t Template) Raw() any {
	return t.raw
}

func (t Template) String() string {
	return ToString(t.raw)
}

// Render renders the template with full state access.
func (t Template) Render(h *core.Hub, vars map[string]any) (any, error) {
	return t.render(h, vars, false)
}

// RenderLimited renders without state access.
func (t Template) RenderLimited(h *core.Hub, vars map[string]any) (any, error) {
	return t.render(h, vars, true)
}

// RenderString renders and formats the result as text.
func (t Template) RenderString(h *core.Hub, vars map[string]any) (string, error) {
	v, err := t.Render(h, vars)
	if err != nil {
		return "", err
	}
	return ToString(v), nil
}

func (t Template) render(h *core.Hub, vars map[string]any, limited bool) (any, error) {
	s, ok := t.raw.(string)
	if !ok || !IsTemplate(s) {
		return t.raw, nil
	}
	return renderString(h, s, vars, limited)
}

func renderString(h *core.Hub, s string, vars map[string]any, limited bool) (any, error) {
	if h.Templates == nil {
		return nil, fmt.Errorf("%w: no template engine", ErrTemplate)
	}
	return h.Templates.Render(s, vars, limited)
}

// RenderComplex renders every template string inside nested maps and
// lists, returning a new structure.
func RenderComplex(h *core.Hub, v any, vars map[string]any) (any, error) {
	return renderComplex(h, v, vars, false)
}

func renderComplex(h *core.Hub, v any, vars map[string]any, limited bool) (any, error) {
	switch val := v.(type) {
	case string:
		if !IsTemplate(val) {
			return val, nil
		}
		return renderString(h, val, vars, limited)
	case Template:
		return val.render(h, vars, limited)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			r, err := renderComplex(h, vv, vars, limited)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			r, err := renderComplex(h, vv, vars, limited)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ContainsTemplate reports whether any string inside v is a template.
func ContainsTemplate(v any) bool {
	switch val := v.(type) {
	case string:
		return IsTemplate(val)
	case map[string]any:
		for _, vv := range val {
			if ContainsTemplate(vv) {
				return true
			}
		}
	case []any:
		for _, vv := range val {
			if ContainsTemplate(vv) {
				return true
			}
		}
	}
	return false
}

// AsBool interprets a rendered value as a boolean: true, "true", "yes",
// "on", "enable" and non-zero numbers.
func AsBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int:
		return val != 0
	case float64:
		return val != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "on", "enable", "1":
			return true
		}
	}
	return false
}
