package trigger

import (
	"context"
	"fmt"
	"sync"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

// NumericStateConfig fires when an entity's value crosses into the range
// (Above, Below).
type NumericStateConfig struct {
	EntityID      core.EntityList   `yaml:"entity_id"`
	Attribute     string            `yaml:"attribute"`
	Above         *condition.Bound  `yaml:"above"`
	Below         *condition.Bound  `yaml:"below"`
	ValueTemplate template.Template `yaml:"value_template"`
	For           template.Period   `yaml:"for"`
}

func (*NumericStateConfig) Kind() Kind { return KindNumericState }

func (c *NumericStateConfig) Validate() error {
	if len(c.EntityID) == 0 {
		return fmt.Errorf("%w: numeric_state requires entity_id", ErrInvalidConfig)
	}
	if c.Above == nil && c.Below == nil {
		return fmt.Errorf("%w: numeric_state requires above or below", ErrInvalidConfig)
	}
	return nil
}

func attachNumericState(_ context.Context, h *core.Hub, cfg Config, fire FireFunc, info Info) (func(), error) {
	c := cfg.(*NumericStateConfig)
	ids := []string(c.EntityID)

	data := func(entityID string) map[string]any {
		d := map[string]any{
			"entity_id": entityID,
			"attribute": c.Attribute,
		}
		if c.Above != nil {
			d["above"] = c.Above.String()
		}
		if c.Below != nil {
			d["below"] = c.Below.String()
		}
		return d
	}
	inRange := func(entityID string, st *core.State) bool {
		if st == nil {
			return false
		}
		vars := mergeVars(info.Variables, map[string]any{"trigger": data(entityID)})
		ok, err := condition.NumericStateOf(h, st, c.Below, c.Above, c.ValueTemplate, c.Attribute, vars)
		if err != nil {
			info.Logger.Debug("numeric_state check", "automation", info.Name, "entity_id", entityID, "err", err)
			return false
		}
		return ok
	}

	var mu sync.Mutex
	// Entities already in range do not fire until they leave it.
	triggered := make(map[string]bool)
	pending := make(map[string]func())
	for _, id := range ids {
		if inRange(id, h.States.Get(id)) {
			triggered[id] = true
		}
	}

	unsub := h.Bus.On(core.EventStateChanged, func(event core.Event) {
		entityID, from, to := core.StatesFromEvent(event)
		if !contains(ids, entityID) {
			return
		}
		matching := inRange(entityID, to)

		mu.Lock()
		if !matching {
			delete(triggered, entityID)
			mu.Unlock()
			return
		}
		if triggered[entityID] {
			mu.Unlock()
			return
		}
		triggered[entityID] = true
		mu.Unlock()

		d := data(entityID)
		d["from_state"] = from
		d["to_state"] = to
		d["for"] = nil
		d["description"] = "numeric state of " + entityID
		if !c.For.IsSet() {
			fire(d, event.Context)
			return
		}

		vars := mergeVars(info.Variables, map[string]any{"trigger": d})
		period, err := c.For.Resolve(h, vars)
		if err != nil {
			info.Logger.Error("render 'for' template", "automation", info.Name, "err", err)
			return
		}
		d["for"] = period
		hctx := event.Context
		mu.Lock()
		defer mu.Unlock()
		if cancel, ok := pending[entityID]; ok {
			cancel()
		}
		pending[entityID] = trackSameState(h, period, []string{entityID}, func(id string, _, cur *core.State) bool {
			return inRange(id, cur)
		}, func() {
			mu.Lock()
			delete(pending, entityID)
			mu.Unlock()
			fire(d, hctx)
		})
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
