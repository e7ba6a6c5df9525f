package condition

import (
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

func stateFromConfig(h *core.Hub, cfg Config) (Checker, error) {
	c := cfg.(*StateConfig)
	ids := []string(c.EntityID)
	combine := allOf
	if c.Match == "any" {
		combine = anyOf
	}
	return func(vars map[string]any) (bool, error) {
		return combine(KindState, len(ids), func(i int) (bool, error) {
			return State(h, ids[i], c.State, c.Attribute, c.For, vars)
		})
	}, nil
}

// State tests one entity against the accepted values. An accepted value
// naming an existing entity also matches that entity's current state.
// With forPeriod set, the state must have held for longer than it.
func State(h *core.Hub, entityID string, accepted []string, attribute string, forPeriod template.Period, vars map[string]any) (bool, error) {
	st := h.States.Get(entityID)
	if st == nil {
		return false, messagef(KindState, "unknown entity %s", entityID)
	}
	value := st.State
	if attribute != "" {
		v, ok := st.Attributes[attribute]
		if !ok {
			return false, messagef(KindState, "attribute '%s' (of entity %s) does not exist", attribute, entityID)
		}
		value = template.ToString(v)
	}

	matched := false
	for _, want := range accepted {
		if value == want {
			matched = true
			break
		}
		if looksLikeEntityID(want) {
			if ref := h.States.Get(want); ref != nil && ref.State == value {
				matched = true
				break
			}
		}
	}
	if !matched || !forPeriod.IsSet() {
		return matched, nil
	}

	d, err := forPeriod.Resolve(h, vars)
	if err != nil {
		return false, &ErrorMessage{Type: string(KindState), Message: "for: " + err.Error(), Err: err}
	}
	return h.Now().Sub(st.LastChanged) > d, nil
}

func looksLikeEntityID(s string) bool {
	if !core.ValidEntityID(s) {
		return false
	}
	return s[0] >= 'a' && s[0] <= 'z'
}
