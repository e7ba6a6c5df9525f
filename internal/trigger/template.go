package trigger

import (
	"context"
	"fmt"
	"sync"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

// TemplateConfig fires when ValueTemplate turns true. It is re-rendered on
// every state change.
type TemplateConfig struct {
	ValueTemplate template.Template `yaml:"value_template"`
	For           template.Period   `yaml:"for"`
}

func (*TemplateConfig) Kind() Kind { return KindTemplate }

func (c *TemplateConfig) Validate() error {
	if !c.ValueTemplate.IsSet() {
		return fmt.Errorf("%w: template requires value_template", ErrInvalidConfig)
	}
	return nil
}

func attachTemplate(_ context.Context, h *core.Hub, cfg Config, fire FireFunc, info Info) (func(), error) {
	c := cfg.(*TemplateConfig)
	check := func() bool {
		ok, err := condition.Template(h, c.ValueTemplate, info.Variables)
		if err != nil {
			info.Logger.Warn("template trigger", "automation", info.Name, "err", err)
			return false
		}
		return ok
	}

	var (
		mu      sync.Mutex
		last    = check()
		pending func()
	)

	unsub := h.Bus.On(core.EventStateChanged, func(event core.Event) {
		entityID, from, to := core.StatesFromEvent(event)
		result := check()

		mu.Lock()
		prev := last
		last = result
		if !result && pending != nil {
			pending()
			pending = nil
		}
		mu.Unlock()
		if !result || prev {
			return
		}

		data := map[string]any{
			"entity_id":   entityID,
			"from_state":  from,
			"to_state":    to,
			"for":         nil,
			"description": "template",
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
		defer mu.Unlock()
		if pending != nil {
			pending()
		}
		pending = trackSameState(h, d, nil, func(string, *core.State, *core.State) bool {
			return check()
		}, func() {
			mu.Lock()
			pending = nil
			mu.Unlock()
			fire(data, hctx)
		})
	})

	return func() {
		unsub()
		mu.Lock()
		if pending != nil {
			pending()
			pending = nil
		}
		mu.Unlock()
	}, nil
}
