package trigger

import (
	"context"
	"fmt"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/core"
)

// Zone events.
const (
	ZoneEventEnter = "enter"
	ZoneEventLeave = "leave"
)

// ZoneConfig fires when an entity enters or leaves a zone.
type ZoneConfig struct {
	EntityID core.EntityList `yaml:"entity_id"`
	Zone     string          `yaml:"zone"`
	Event    string          `yaml:"event"`
}

func (*ZoneConfig) Kind() Kind { return KindZone }

func (c *ZoneConfig) Validate() error {
	if len(c.EntityID) == 0 || c.Zone == "" {
		return fmt.Errorf("%w: zone requires entity_id and zone", ErrInvalidConfig)
	}
	switch c.Event {
	case "":
		c.Event = ZoneEventEnter
	case ZoneEventEnter, ZoneEventLeave:
	default:
		return fmt.Errorf("%w: zone event must be enter or leave", ErrInvalidConfig)
	}
	return nil
}

func hasLocation(st *core.State) bool {
	_, lat := st.Attributes["latitude"]
	_, lon := st.Attributes["longitude"]
	return lat && lon
}

func attachZone(_ context.Context, h *core.Hub, cfg Config, fire FireFunc, _ Info) (func(), error) {
	c := cfg.(*ZoneConfig)
	ids := []string(c.EntityID)
	zones := []string{c.Zone}

	return h.Bus.On(core.EventStateChanged, func(event core.Event) {
		entityID, from, to := core.StatesFromEvent(event)
		if !contains(ids, entityID) || to == nil {
			return
		}
		if (from != nil && !hasLocation(from)) || !hasLocation(to) {
			return
		}
		fromMatch := condition.ZoneOf(h, from, zones) != ""
		toMatch := condition.ZoneOf(h, to, zones) != ""
		if (c.Event == ZoneEventEnter && !fromMatch && toMatch) ||
			(c.Event == ZoneEventLeave && fromMatch && !toMatch) {
			fire(map[string]any{
				"entity_id":   entityID,
				"from_state":  from,
				"to_state":    to,
				"zone":        h.States.Get(c.Zone),
				"event":       c.Event,
				"description": fmt.Sprintf("%s %s %s", entityID, c.Event, c.Zone),
			}, event.Context)
		}
	}), nil
}

// DeviceConfig delegates to the device's integration.
type DeviceConfig struct {
	core.DeviceConfig
}

func (*DeviceConfig) Kind() Kind { return KindDevice }

func (c *DeviceConfig) Validate() error {
	if c.Domain == "" || c.Type == "" {
		return fmt.Errorf("%w: device requires domain and type", ErrInvalidConfig)
	}
	return nil
}

func attachDevice(ctx context.Context, h *core.Hub, cfg Config, fire FireFunc, _ Info) (func(), error) {
	c := cfg.(*DeviceConfig)
	platform, err := h.Devices.TriggerPlatform(c.Domain)
	if err != nil {
		return nil, err
	}
	return platform.AttachTrigger(ctx, h, c.DeviceConfig, func(data map[string]any, hctx *core.Context) {
		out := make(map[string]any, len(data)+2)
		for k, v := range data {
			out[k] = v
		}
		if _, ok := out["description"]; !ok {
			out["description"] = "device"
		}
		fire(out, hctx)
	})
}
