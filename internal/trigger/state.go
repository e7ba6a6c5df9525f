package trigger

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

// StateConfig fires when an entity's state (or attribute) changes. From and
// To restrict the old and new values; empty means any value.
type StateConfig struct {
	EntityID  core.EntityList `yaml:"entity_id"`
	From      core.StringList `yaml:"from"`
	To        core.StringList `yaml:"to"`
	Attribute string          `yaml:"attribute"`
	For       template.Period  `yaml:"for"`
}

func (*StateConfig) Kind() Kind { return KindState }

func (c *StateConfig) Validate() error {
	if len(c.EntityID) == 0 {
		return fmt.Errorf("%w: state requires entity_id", ErrInvalidConfig)
	}
	return nil
}

// stateValue is an entity's state or attribute value; ok is false when the
// entity or attribute is absent.
func stateValue(st *core.State, attribute string) (v any, ok bool) {
	if st == nil {
		return nil, false
	}
	if attribute == "" {
		return st.State, true
	}
	v, ok = st.Attributes[attribute]
	return v, ok
}

func matchValue(accepted core.StringList, v any, ok bool) bool {
	if len(accepted) == 0 {
		return true
	}
	return ok && accepted.Contains(template.ToString(v))
}

func attachState(_ context.Context, h *core.Hub, cfg Config, fire FireFunc, info Info) (func(), error) {
	c := cfg.(*StateConfig)
	matchAll := len(c.From) == 0 && len(c.To) == 0
	ids := []string(c.EntityID)

	var mu sync.Mutex
	pending := make(map[string]func())

	unsub := h.Bus.On(core.EventStateChanged, func(event core.Event) {
		entityID, from, to := core.StatesFromEvent(event)
		if !contains(ids, entityID) {
			return
		}
		oldValue, oldOK := stateValue(from, c.Attribute)
		newValue, newOK := stateValue(to, c.Attribute)
		same := oldOK == newOK && reflect.DeepEqual(oldValue, newValue)

		// With an attribute, changes to other attributes are ignored.
		if c.Attribute != "" && same {
			return
		}
		if !matchValue(c.From, oldValue, oldOK) || !matchValue(c.To, newValue, newOK) {
			return
		}
		if !matchAll && same {
			return
		}

		data := map[string]any{
			"entity_id":   entityID,
			"from_state":  from,
			"to_state":    to,
			"attribute":   c.Attribute,
			"for":         nil,
			"description": "state of " + entityID,
		}
		if !c.For.IsSet() {
			fire(data, event.Context)
			return
		}

		vars := mergeVars(info.Variables, map[string]any{"trigger": data})
		d, err := c.For.Resolve(h, vars)
		if err != nil {
			info.Logger.Error("render 'for' template", "automation", info.Name, "err", err)
			return
		}
		data["for"] = d

		hctx := event.Context
		mu.Lock()
		if cancel, ok := pending[entityID]; ok {
			cancel()
		}
		pending[entityID] = trackSameState(h, d, []string{entityID}, func(_ string, _, cur *core.State) bool {
			if cur == nil {
				return false
			}
			v, ok := stateValue(cur, c.Attribute)
			if len(c.From) > 0 && len(c.To) == 0 {
				return !(ok == oldOK && reflect.DeepEqual(v, oldValue))
			}
			return ok == newOK && reflect.DeepEqual(v, newValue)
		}, func() {
			mu.Lock()
			delete(pending, entityID)
			mu.Unlock()
			fire(data, hctx)
		})
		mu.Unlock()
	})

	return func() {
		unsub()
		mu.Lock()
		for id, cancel := range pending {
			cancel()
			delete(pending, id)
		}
		mu.Unlock()
	}, nil
}

// mergeVars returns base overlaid with extra.
func mergeVars(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
