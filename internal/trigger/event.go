package trigger

import (
	"context"
	"fmt"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

// EventConfig fires on bus events of the listed types whose data contains
// EventData.
type EventConfig struct {
	EventType core.StringList `yaml:"event_type"`
	EventData map[string]any  `yaml:"event_data"`
}

func (*EventConfig) Kind() Kind { return KindEvent }

func (c *EventConfig) Validate() error {
	if len(c.EventType) == 0 {
		return fmt.Errorf("%w: event requires event_type", ErrInvalidConfig)
	}
	return nil
}

func attachEvent(_ context.Context, h *core.Hub, cfg Config, fire FireFunc, _ Info) (func(), error) {
	c := cfg.(*EventConfig)
	handler := func(event core.Event) {
		if !matchSubset(c.EventData, event.Data) {
			return
		}
		fire(map[string]any{
			"event":       event.AsMap(),
			"description": fmt.Sprintf("event '%s'", event.Type),
		}, event.Context)
	}
	unsubs := make([]func(), 0, len(c.EventType))
	for _, t := range c.EventType {
		unsubs = append(unsubs, h.Bus.On(t, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

// matchSubset reports whether every key of want is in got with an equal
// value. Nested maps match recursively; scalars compare by string form.
func matchSubset(want, got map[string]any) bool {
	for k, w := range want {
		g, ok := got[k]
		if !ok {
			return false
		}
		if wm, ok := w.(map[string]any); ok {
			gm, ok := g.(map[string]any)
			if !ok || !matchSubset(wm, gm) {
				return false
			}
			continue
		}
		if template.ToString(w) != template.ToString(g) {
			return false
		}
	}
	return true
}
