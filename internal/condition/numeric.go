package condition

import (
	"strconv"
	"strings"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

func numericStateFromConfig(h *core.Hub, cfg Config) (Checker, error) {
	c := cfg.(*NumericStateConfig)
	ids := []string(c.EntityID)
	return func(vars map[string]any) (bool, error) {
		return allOf(KindNumericState, len(ids), func(i int) (bool, error) {
			return NumericState(h, ids[i], c.Below, c.Above, c.ValueTemplate, c.Attribute, vars)
		})
	}, nil
}

// NumericState looks entityID up and tests it with NumericStateOf.
func NumericState(h *core.Hub, entityID string, below, above *Bound, valueTemplate template.Template, attribute string, vars map[string]any) (bool, error) {
	st := h.States.Get(entityID)
	if st == nil {
		return false, messagef(KindNumericState, "unknown entity %s", entityID)
	}
	return NumericStateOf(h, st, below, above, valueTemplate, attribute, vars)
}

// NumericStateOf reports whether the value of st lies strictly above
// above and strictly below below. The value is the state, an attribute, or
// valueTemplate rendered with the state bound to "state".
func NumericStateOf(h *core.Hub, st *core.State, below, above *Bound, valueTemplate template.Template, attribute string, vars map[string]any) (bool, error) {
	if attribute != "" {
		if _, ok := st.Attributes[attribute]; !ok {
			return false, messagef(KindNumericState, "attribute '%s' (of entity %s) does not exist", attribute, st.EntityID)
		}
	}

	var value any
	switch {
	case valueTemplate.IsSet():
		tvars := make(map[string]any, len(vars)+1)
		for k, v := range vars {
			tvars[k] = v
		}
		tvars["state"] = st
		v, err := valueTemplate.Render(h, tvars)
		if err != nil {
			return false, &ErrorMessage{Type: string(KindNumericState), Message: "template error: " + err.Error(), Err: err}
		}
		value = v
	case attribute != "":
		value = st.Attributes[attribute]
	default:
		value = st.State
	}

	if s, ok := value.(string); ok && (s == core.StateUnavailable || s == core.StateUnknown) {
		return false, messagef(KindNumericState, "state of %s is unavailable", st.EntityID)
	}
	f, ok := toFloat(value)
	if !ok {
		return false, messagef(KindNumericState, "entity %s state '%v' cannot be processed as a number", st.EntityID, value)
	}

	if below != nil {
		limit, err := resolveBound(h, below, "below")
		if err != nil {
			return false, err
		}
		if f >= limit {
			return false, nil
		}
	}
	if above != nil {
		limit, err := resolveBound(h, above, "above")
		if err != nil {
			return false, err
		}
		if f <= limit {
			return false, nil
		}
	}
	return true, nil
}

func resolveBound(h *core.Hub, b *Bound, name string) (float64, error) {
	if b.EntityID == "" {
		return b.Value, nil
	}
	st := h.States.Get(b.EntityID)
	if st == nil || !st.Available() {
		return 0, messagef(KindNumericState, "the '%s' entity %s is unavailable", name, b.EntityID)
	}
	f, ok := toFloat(st.State)
	if !ok {
		return 0, messagef(KindNumericState, "the '%s' entity %s state '%s' cannot be processed as a number", name, b.EntityID, st.State)
	}
	return f, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
