package condition

import (
	"fmt"
	"strconv"

	"openpeer-hub/internal/core"
)

func timeFromConfig(h *core.Hub, cfg Config) (Checker, error) {
	c := cfg.(*TimeConfig)
	return func(vars map[string]any) (bool, error) {
		return Time(h, c.After, c.Before, c.Weekday)
	}, nil
}

// Time reports whether local now is within [after, before). When after is
// not earlier than before the range wraps past midnight.
func Time(h *core.Hub, after, before *TimeOfDay, weekday []string) (bool, error) {
	now := h.Now()
	nowSec := now.Hour()*3600 + now.Minute()*60 + now.Second()

	afterSec := 0
	if after != nil {
		t, err := resolveTimeOfDay(h, after, "after")
		if err != nil {
			return false, err
		}
		afterSec = t.seconds()
	}
	// End of day; before is exclusive so 23:59:59 itself stays inside.
	beforeSec := 24 * 3600
	if before != nil {
		t, err := resolveTimeOfDay(h, before, "before")
		if err != nil {
			return false, err
		}
		beforeSec = t.seconds()
	}

	if afterSec < beforeSec {
		if nowSec < afterSec || nowSec >= beforeSec {
			return false, nil
		}
	} else if nowSec >= beforeSec && nowSec < afterSec {
		return false, nil
	}

	if len(weekday) > 0 {
		today := weekdays[now.Weekday()]
		found := false
		for _, d := range weekday {
			if d == today {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// resolveTimeOfDay reads an entity-backed time from hour/minute/second
// attributes or an "HH:MM[:SS]" state.
func resolveTimeOfDay(h *core.Hub, t *TimeOfDay, name string) (TimeOfDay, error) {
	if t.EntityID == "" {
		return *t, nil
	}
	st := h.States.Get(t.EntityID)
	if st == nil {
		return TimeOfDay{}, messagef(KindTime, "unknown '%s' entity %s", name, t.EntityID)
	}
	if _, ok := st.Attributes["hour"]; ok {
		var out TimeOfDay
		var err error
		if out.Hour, err = intAttr(st, "hour"); err != nil {
			return TimeOfDay{}, messagef(KindTime, "'%s' entity %s: %v", name, t.EntityID, err)
		}
		out.Minute, _ = intAttr(st, "minute")
		out.Second, _ = intAttr(st, "second")
		return out, nil
	}
	parsed, err := ParseTimeOfDay(st.State)
	if err != nil {
		return TimeOfDay{}, messagef(KindTime, "'%s' entity %s state '%s' is not a time", name, t.EntityID, st.State)
	}
	return parsed, nil
}

func intAttr(st *core.State, name string) (int, error) {
	switch v := st.Attributes[name].(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	}
	return 0, fmt.Errorf("attribute %s is not a number", name)
}
