package trigger

import (
	"context"
	"fmt"
	"sync"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

// SunConfig fires at sunrise or sunset shifted by Offset.
type SunConfig struct {
	Event  string          `yaml:"event"`
	Offset template.Period `yaml:"offset"`
}

func (*SunConfig) Kind() Kind { return KindSun }

func (c *SunConfig) Validate() error {
	if c.Event != condition.SunEventSunrise && c.Event != condition.SunEventSunset {
		return fmt.Errorf("%w: sun event must be sunrise or sunset", ErrInvalidConfig)
	}
	if c.Offset.IsTemplate() {
		return fmt.Errorf("%w: sun offset cannot be a template", ErrInvalidConfig)
	}
	return nil
}

func attachSun(_ context.Context, h *core.Hub, cfg Config, fire FireFunc, info Info) (func(), error) {
	c := cfg.(*SunConfig)
	offset, err := c.Offset.Resolve(h, nil)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		stopped bool
		cancel  func()
	)
	var schedule func()
	schedule = func() {
		next, ok := condition.NextSunEvent(h, c.Event, offset, h.Now())
		if !ok {
			info.Logger.Warn("no upcoming sun event", "automation", info.Name, "event", c.Event)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		cancel = h.Scheduler.At(next, func() {
			fire(map[string]any{
				"event":       c.Event,
				"offset":      offset,
				"description": fmt.Sprintf("%s with offset", c.Event),
			}, nil)
			schedule()
		})
	}
	schedule()

	return func() {
		mu.Lock()
		stopped = true
		if cancel != nil {
			cancel()
		}
		mu.Unlock()
	}, nil
}
