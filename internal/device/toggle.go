package device

import (
	"context"
	"fmt"
	"strings"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
	"openpeer-hub/internal/trigger"
)

// ToggleDomains are the domains served by the toggle platform.
var ToggleDomains = []string{"light", "switch", "fan", "input_boolean"}

// Trigger, condition and action types of the toggle platform.
const (
	TriggerTurnedOn  = "turned_on"
	TriggerTurnedOff = "turned_off"
	ConditionIsOn    = "is_on"
	ConditionIsOff   = "is_off"
	ActionTurnOn     = "turn_on"
	ActionTurnOff    = "turn_off"
	ActionToggle     = "toggle"
)

// Toggle is the device automation platform for on/off entities.
type Toggle struct {
	registry *Registry
}

// NewToggle creates a toggle platform. Configs without entity_id are
// resolved through registry.
func NewToggle(registry *Registry) *Toggle {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Toggle{registry: registry}
}

// Register installs the platform and the turn_on, turn_off and toggle
// services for every toggle domain.
func Register(h *core.Hub, registry *Registry) *Toggle {
	t := NewToggle(registry)
	for _, domain := range ToggleDomains {
		h.Devices.Register(domain, t)
		RegisterServices(h, domain)
	}
	return t
}

func (t *Toggle) entity(cfg core.DeviceConfig) (string, error) {
	if cfg.EntityID != "" {
		return cfg.EntityID, nil
	}
	return t.registry.EntityFor(cfg.DeviceID, cfg.Domain)
}

// period reads an optional "for" from the config's extra keys.
func period(cfg core.DeviceConfig) (template.Period, error) {
	v, ok := cfg.Extra["for"]
	if !ok {
		return template.Period{}, nil
	}
	d, err := template.ParseDuration(v)
	if err != nil {
		return template.Period{}, fmt.Errorf("%w: for: %v", core.ErrInvalidDeviceAutomationConfig, err)
	}
	return template.NewPeriod(d), nil
}

// AttachTrigger fires when the entity turns on or off.
func (t *Toggle) AttachTrigger(ctx context.Context, h *core.Hub, cfg core.DeviceConfig, action func(vars map[string]any, hctx *core.Context)) (func(), error) {
	from, to := core.StateOff, core.StateOn
	switch cfg.Type {
	case TriggerTurnedOn:
	case TriggerTurnedOff:
		from, to = core.StateOn, core.StateOff
	default:
		return nil, fmt.Errorf("%w: unknown trigger type %q", core.ErrInvalidDeviceAutomationConfig, cfg.Type)
	}
	entityID, err := t.entity(cfg)
	if err != nil {
		return nil, err
	}
	forPeriod, err := period(cfg)
	if err != nil {
		return nil, err
	}

	state := &trigger.StateConfig{
		EntityID: core.EntityList{entityID},
		From:     core.StringList{from},
		To:       core.StringList{to},
		For:      forPeriod,
	}
	desc := strings.ReplaceAll(cfg.Type, "_", " ") + " " + entityID
	remove := trigger.Attach(ctx, h, trigger.List{state}, func(vars map[string]any, hctx *core.Context) {
		data, _ := vars["trigger"].(map[string]any)
		out := make(map[string]any, len(data)+2)
		for k, v := range data {
			out[k] = v
		}
		out["type"] = cfg.Type
		out["description"] = desc
		action(out, hctx)
	}, trigger.Info{Name: "device " + cfg.DeviceID, Logger: h.Logger.With("component", "device")})
	if remove == nil {
		return nil, fmt.Errorf("attach %s trigger for %s failed", cfg.Type, entityID)
	}
	return remove, nil
}

// Condition checks whether the entity is on or off.
func (t *Toggle) Condition(h *core.Hub, cfg core.DeviceConfig) (func(vars map[string]any) (bool, error), error) {
	var want string
	switch cfg.Type {
	case ConditionIsOn:
		want = core.StateOn
	case ConditionIsOff:
		want = core.StateOff
	default:
		return nil, fmt.Errorf("%w: unknown condition type %q", core.ErrInvalidDeviceAutomationConfig, cfg.Type)
	}
	entityID, err := t.entity(cfg)
	if err != nil {
		return nil, err
	}
	forPeriod, err := period(cfg)
	if err != nil {
		return nil, err
	}
	check, err := condition.FromConfig(h, &condition.StateConfig{
		EntityID: core.EntityList{entityID},
		State:    core.StringList{want},
		For:      forPeriod,
	})
	if err != nil {
		return nil, err
	}
	return check, nil
}

// CallAction turns the entity on, off or toggles it through its domain's
// service.
func (t *Toggle) CallAction(ctx context.Context, h *core.Hub, cfg core.DeviceConfig, _ map[string]any, hctx *core.Context) error {
	switch cfg.Type {
	case ActionTurnOn, ActionTurnOff, ActionToggle:
	default:
		return fmt.Errorf("%w: unknown action type %q", core.ErrInvalidDeviceAutomationConfig, cfg.Type)
	}
	entityID, err := t.entity(cfg)
	if err != nil {
		return err
	}
	return h.Services.Call(ctx, cfg.Domain, cfg.Type, map[string]any{"entity_id": entityID}, hctx, true, 0)
}

// RegisterServices registers turn_on, turn_off and toggle for domain. Each
// sets the targeted entities' state and keeps their attributes; extra
// service data is merged into the attributes of turn_on.
func RegisterServices(h *core.Hub, domain string) {
	set := func(call *core.ServiceCall, next func(current string) string) error {
		ids, err := targetEntities(h, domain, call.Data["entity_id"])
		if err != nil {
			return err
		}
		for _, id := range ids {
			attrs := map[string]any{}
			current := core.StateOff
			if st := h.States.Get(id); st != nil {
				for k, v := range st.Attributes {
					attrs[k] = v
				}
				current = st.State
			}
			state := next(current)
			if state == core.StateOn {
				for k, v := range call.Data {
					if k != "entity_id" {
						attrs[k] = v
					}
				}
			}
			h.States.Set(id, state, attrs, call.Context)
		}
		return nil
	}
	h.Services.Register(domain, "turn_on", func(_ context.Context, call *core.ServiceCall) error {
		return set(call, func(string) string { return core.StateOn })
	})
	h.Services.Register(domain, "turn_off", func(_ context.Context, call *core.ServiceCall) error {
		return set(call, func(string) string { return core.StateOff })
	})
	h.Services.Register(domain, "toggle", func(_ context.Context, call *core.ServiceCall) error {
		return set(call, func(current string) string {
			if current == core.StateOn {
				return core.StateOff
			}
			return core.StateOn
		})
	})
}

// targetEntities reads entity_id service data: an ID, a comma separated
// list, a list, or "all" for every entity of domain.
func targetEntities(h *core.Hub, domain string, v any) ([]string, error) {
	var ids []string
	switch v := v.(type) {
	case string:
		if v == "all" {
			return h.States.EntityIDs(domain), nil
		}
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	case []any:
		for _, item := range v {
			ids = append(ids, template.ToString(item))
		}
	case []string:
		ids = append(ids, v...)
	case nil:
		return nil, fmt.Errorf("%s: entity_id is required", domain)
	default:
		return nil, fmt.Errorf("%s: invalid entity_id %v", domain, v)
	}
	for _, id := range ids {
		if d, _ := core.SplitEntityID(id); d != domain || !core.ValidEntityID(id) {
			return nil, fmt.Errorf("%s: invalid entity_id %q", domain, id)
		}
	}
	return ids, nil
}
