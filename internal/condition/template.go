package condition

import (
	"strings"

	"openpeer-hub/internal/core"
	"openpeer-hub/internal/template"
)

func templateFromConfig(h *core.Hub, cfg Config) (Checker, error) {
	c := cfg.(*TemplateConfig)
	return func(vars map[string]any) (bool, error) {
		return Template(h, c.ValueTemplate, vars)
	}, nil
}

// Template reports whether t renders to "true", ignoring case.
func Template(h *core.Hub, t template.Template, vars map[string]any) (bool, error) {
	v, err := t.Render(h, vars)
	if err != nil {
		return false, &ErrorMessage{Type: string(KindTemplate), Message: err.Error(), Err: err}
	}
	return strings.ToLower(strings.TrimSpace(template.ToString(v))) == "true", nil
}

func deviceFromConfig(h *core.Hub, cfg Config) (Checker, error) {
	c := cfg.(*DeviceConfig)
	platform, err := h.Devices.ConditionPlatform(c.Domain)
	if err != nil {
		return nil, err
	}
	check, err := platform.Condition(h, c.DeviceConfig)
	if err != nil {
		return nil, err
	}
	return func(vars map[string]any) (bool, error) {
		ok, err := check(vars)
		if err != nil {
			return false, asError(KindDevice, err)
		}
		return ok, nil
	}, nil
}
