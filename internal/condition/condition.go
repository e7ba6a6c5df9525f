// Package condition compiles condition configs into checkers that test
// entity state, time, sun position, zones and templates.
package condition

import (
	"fmt"

	"openpeer-hub/internal/core"
)

// Checker evaluates a compiled condition. A non-nil error is always an
// Error and means no definitive result could be reached.
type Checker func(vars map[string]any) (bool, error)

type factory func(h *core.Hub, cfg Config) (Checker, error)

var factories map[Kind]factory

func init() {
	factories = map[Kind]factory{
		KindAnd:          andFromConfig,
		KindOr:           orFromConfig,
		KindNot:          notFromConfig,
		KindState:        stateFromConfig,
		KindNumericState: numericStateFromConfig,
		KindTime:         timeFromConfig,
		KindSun:          sunFromConfig,
		KindZone:         zoneFromConfig,
		KindTemplate:     templateFromConfig,
		KindDevice:       deviceFromConfig,
	}
}

// FromConfig compiles cfg.
func FromConfig(h *core.Hub, cfg Config) (Checker, error) {
	f, ok := factories[cfg.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: unknown condition %q", ErrInvalidConfig, cfg.Kind())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return f(h, cfg)
}

// FromList compiles a condition list into a checker that is true when all
// conditions are true. An empty list is always true.
func FromList(h *core.Hub, list List) (Checker, error) {
	checks, err := compileAll(h, list)
	if err != nil {
		return nil, err
	}
	return func(vars map[string]any) (bool, error) {
		return allOf(kindList, len(checks), func(i int) (bool, error) { return checks[i](vars) })
	}, nil
}

// Evaluate compiles and evaluates cfg once.
func Evaluate(h *core.Hub, cfg Config, vars map[string]any) (bool, error) {
	check, err := FromConfig(h, cfg)
	if err != nil {
		return false, err
	}
	return check(vars)
}

func compileAll(h *core.Hub, list List) ([]Checker, error) {
	checks := make([]Checker, 0, len(list))
	for i, cfg := range list {
		check, err := FromConfig(h, cfg)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i+1, err)
		}
		checks = append(checks, check)
	}
	return checks, nil
}

// allOf evaluates n items in order. The first false decides the result and
// discards errors seen so far. Otherwise any error is raised together.
func allOf(kind Kind, n int, item func(i int) (bool, error)) (bool, error) {
	var errs []Error
	for i := 0; i < n; i++ {
		ok, err := item(i)
		if err != nil {
			errs = append(errs, &ErrorIndex{Type: string(kind), Index: i, Total: n, Err: asError(kind, err)})
			continue
		}
		if !ok {
			return false, nil
		}
	}
	if len(errs) > 0 {
		return false, &ErrorContainer{Type: string(kind), Errs: errs}
	}
	return true, nil
}

// anyOf is the mirror of allOf: the first true decides.
func anyOf(kind Kind, n int, item func(i int) (bool, error)) (bool, error) {
	var errs []Error
	for i := 0; i < n; i++ {
		ok, err := item(i)
		if err != nil {
			errs = append(errs, &ErrorIndex{Type: string(kind), Index: i, Total: n, Err: asError(kind, err)})
			continue
		}
		if ok {
			return true, nil
		}
	}
	if len(errs) > 0 {
		return false, &ErrorContainer{Type: string(kind), Errs: errs}
	}
	return false, nil
}

func andFromConfig(h *core.Hub, cfg Config) (Checker, error) {
	checks, err := compileAll(h, cfg.(*AndConfig).Conditions)
	if err != nil {
		return nil, err
	}
	return func(vars map[string]any) (bool, error) {
		return allOf(KindAnd, len(checks), func(i int) (bool, error) { return checks[i](vars) })
	}, nil
}

func orFromConfig(h *core.Hub, cfg Config) (Checker, error) {
	checks, err := compileAll(h, cfg.(*OrConfig).Conditions)
	if err != nil {
		return nil, err
	}
	return func(vars map[string]any) (bool, error) {
		return anyOf(KindOr, len(checks), func(i int) (bool, error) { return checks[i](vars) })
	}, nil
}

func notFromConfig(h *core.Hub, cfg Config) (Checker, error) {
	checks, err := compileAll(h, cfg.(*NotConfig).Conditions)
	if err != nil {
		return nil, err
	}
	return func(vars map[string]any) (bool, error) {
		ok, err := anyOf(KindNot, len(checks), func(i int) (bool, error) { return checks[i](vars) })
		if ok {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}, nil
}

// ReferencedEntities lists the entity IDs the conditions read.
func ReferencedEntities(list List) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	var walk func(List)
	walk = func(l List) {
		for _, cfg := range l {
			switch c := cfg.(type) {
			case *AndConfig:
				walk(c.Conditions)
			case *OrConfig:
				walk(c.Conditions)
			case *NotConfig:
				walk(c.Conditions)
			case *StateConfig:
				add(c.EntityID...)
			case *NumericStateConfig:
				add(c.EntityID...)
			case *ZoneConfig:
				add(c.EntityID...)
				add(c.Zone...)
			case *DeviceConfig:
				add(c.EntityID)
			}
		}
	}
	walk(list)
	return out
}

// ReferencedDevices lists the device IDs the conditions read.
func ReferencedDevices(list List) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(List)
	walk = func(l List) {
		for _, cfg := range l {
			switch c := cfg.(type) {
			case *AndConfig:
				walk(c.Conditions)
			case *OrConfig:
				walk(c.Conditions)
			case *NotConfig:
				walk(c.Conditions)
			case *DeviceConfig:
				if c.DeviceID != "" && !seen[c.DeviceID] {
					seen[c.DeviceID] = true
					out = append(out, c.DeviceID)
				}
			}
		}
	}
	walk(list)
	return out
}
