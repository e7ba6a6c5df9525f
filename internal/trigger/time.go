package trigger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/core"
)

// TimePatternConfig fires when the local time matches every given field.
// A field is "*", a number, or "/n" for every n units.
type TimePatternConfig struct {
	Hours   *string `yaml:"hours"`
	Minutes *string `yaml:"minutes"`
	Seconds *string `yaml:"seconds"`
}

func (*TimePatternConfig) Kind() Kind { return KindTimePattern }

func (c *TimePatternConfig) Validate() error {
	if c.Hours == nil && c.Minutes == nil && c.Seconds == nil {
		return fmt.Errorf("%w: time_pattern requires hours, minutes or seconds", ErrInvalidConfig)
	}
	_, err := c.spec()
	return err
}

// spec builds the six field cron spec. Smaller units default to zero when
// a larger one is set.
func (c *TimePatternConfig) spec() (string, error) {
	hours, minutes, seconds := c.Hours, c.Minutes, c.Seconds
	zero := "0"
	if minutes == nil && hours != nil {
		minutes = &zero
	}
	if seconds == nil && minutes != nil {
		seconds = &zero
	}
	var fields [3]string
	for i, f := range []struct {
		v   *string
		max int
	}{{seconds, 59}, {minutes, 59}, {hours, 23}} {
		field, err := patternField(f.v, f.max)
		if err != nil {
			return "", err
		}
		fields[i] = field
	}
	return fmt.Sprintf("%s %s %s * * *", fields[0], fields[1], fields[2]), nil
}

func patternField(v *string, max int) (string, error) {
	if v == nil {
		return "*", nil
	}
	s := strings.TrimSpace(*v)
	if s == "*" {
		return s, nil
	}
	if rest, ok := strings.CutPrefix(s, "/"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 || n > max {
			return "", fmt.Errorf("%w: invalid time pattern %q", ErrInvalidConfig, s)
		}
		return "*/" + rest, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max {
		return "", fmt.Errorf("%w: invalid time pattern %q", ErrInvalidConfig, s)
	}
	return strconv.Itoa(n), nil
}

func attachTimePattern(_ context.Context, h *core.Hub, cfg Config, fire FireFunc, _ Info) (func(), error) {
	spec, err := cfg.(*TimePatternConfig).spec()
	if err != nil {
		return nil, err
	}
	return h.Scheduler.Cron(spec, func() {
		fire(map[string]any{"now": h.Now(), "description": "time pattern"}, nil)
	})
}

// AtList is a list of times of day or entities holding one.
type AtList []condition.TimeOfDay

func (l *AtList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var out []condition.TimeOfDay
		if err := node.Decode(&out); err != nil {
			return err
		}
		*l = out
		return nil
	}
	var t condition.TimeOfDay
	if err := node.Decode(&t); err != nil {
		return err
	}
	*l = AtList{t}
	return nil
}

// TimeConfig fires at fixed times of day, or at the time an entity holds.
type TimeConfig struct {
	At AtList `yaml:"at"`
}

func (*TimeConfig) Kind() Kind { return KindTime }

func (c *TimeConfig) Validate() error {
	if len(c.At) == 0 {
		return fmt.Errorf("%w: time requires at", ErrInvalidConfig)
	}
	return nil
}

func dailySpec(t condition.TimeOfDay) string {
	return fmt.Sprintf("%d %d %d * * *", t.Second, t.Minute, t.Hour)
}

func attachTime(_ context.Context, h *core.Hub, cfg Config, fire FireFunc, info Info) (func(), error) {
	c := cfg.(*TimeConfig)
	var removes []func()
	removeAll := func() {
		for _, r := range removes {
			r()
		}
	}
	for _, at := range c.At {
		if at.EntityID == "" {
			remove, err := h.Scheduler.Cron(dailySpec(at), func() {
				fire(map[string]any{"now": h.Now(), "description": "time"}, nil)
			})
			if err != nil {
				removeAll()
				return nil, err
			}
			removes = append(removes, remove)
			continue
		}
		removes = append(removes, trackEntityTime(h, at.EntityID, fire, info))
	}
	return removeAll, nil
}

// trackEntityTime schedules a firing at the time held by entityID and
// reschedules whenever that entity changes.
func trackEntityTime(h *core.Hub, entityID string, fire FireFunc, info Info) func() {
	var (
		mu     sync.Mutex
		cancel func()
	)
	fireEntity := func() {
		fire(map[string]any{"now": h.Now(), "entity_id": entityID, "description": "time set in " + entityID}, nil)
	}
	schedule := func(st *core.State) {
		mu.Lock()
		defer mu.Unlock()
		if cancel != nil {
			cancel()
			cancel = nil
		}
		if st == nil || !st.Available() {
			return
		}
		if at, ok := parseDateTime(st.State, h.Location.TimeZone); ok {
			if at.After(h.Now()) {
				cancel = h.Scheduler.At(at, fireEntity)
			}
			return
		}
		tod, ok := entityTimeOfDay(st)
		if !ok {
			info.Logger.Warn("entity holds no time", "automation", info.Name, "entity_id", entityID, "state", st.State)
			return
		}
		remove, err := h.Scheduler.Cron(dailySpec(tod), fireEntity)
		if err != nil {
			info.Logger.Error("schedule entity time", "automation", info.Name, "entity_id", entityID, "err", err)
			return
		}
		cancel = remove
	}

	unsub := h.Bus.On(core.EventStateChanged, func(event core.Event) {
		id, _, to := core.StatesFromEvent(event)
		if id == entityID {
			schedule(to)
		}
	})
	schedule(h.States.Get(entityID))

	return func() {
		unsub()
		mu.Lock()
		if cancel != nil {
			cancel()
			cancel = nil
		}
		mu.Unlock()
	}
}

var dateTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

func parseDateTime(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// entityTimeOfDay reads a time from hour/minute/second attributes or an
// "HH:MM[:SS]" state.
func entityTimeOfDay(st *core.State) (condition.TimeOfDay, bool) {
	if _, ok := st.Attributes["hour"]; ok {
		var t condition.TimeOfDay
		var ok bool
		if t.Hour, ok = intValue(st.Attributes["hour"]); !ok {
			return t, false
		}
		t.Minute, _ = intValue(st.Attributes["minute"])
		t.Second, _ = intValue(st.Attributes["second"])
		return t, true
	}
	t, err := condition.ParseTimeOfDay(st.State)
	return t, err == nil
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
