package condition

import (
	"time"

	"github.com/nathan-osman/go-sunrise"

	"openpeer-hub/internal/core"
)

// SunEvent returns the sunrise or sunset falling on day's local date at
// the hub location. ok is false when the sun does not rise or set that day.
func SunEvent(h *core.Hub, event string, day time.Time) (t time.Time, ok bool) {
	day = day.In(h.Location.TimeZone)
	rise, set := sunrise.SunriseSunset(h.Location.Latitude, h.Location.Longitude, day.Year(), day.Month(), day.Day())
	t = rise
	if event == SunEventSunset {
		t = set
	}
	if t.IsZero() {
		return time.Time{}, false
	}
	return t.In(h.Location.TimeZone), true
}

// sunEventToday is today's event, moved to tomorrow's when the solar
// calculation lands on the previous local date.
func sunEventToday(h *core.Hub, event string, now time.Time) (time.Time, bool) {
	t, ok := SunEvent(h, event, now)
	if !ok {
		return t, false
	}
	y1, m1, d1 := now.Date()
	y2, m2, d2 := t.Date()
	if y2 < y1 || (y2 == y1 && (m2 < m1 || (m2 == m1 && d2 < d1))) {
		return SunEvent(h, event, now.AddDate(0, 0, 1))
	}
	return t, true
}

// NextSunEvent returns the first occurrence of event plus offset strictly
// after now, looking up to a year ahead.
func NextSunEvent(h *core.Hub, event string, offset time.Duration, now time.Time) (time.Time, bool) {
	day := now
	for i := 0; i < 366; i++ {
		if t, ok := SunEvent(h, event, day); ok {
			if at := t.Add(offset); at.After(now) {
				return at, true
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

func sunFromConfig(h *core.Hub, cfg Config) (Checker, error) {
	c := cfg.(*SunConfig)
	return func(vars map[string]any) (bool, error) {
		var beforeOffset, afterOffset time.Duration
		var err error
		if c.BeforeOffset.IsSet() {
			if beforeOffset, err = c.BeforeOffset.Resolve(h, vars); err != nil {
				return false, &ErrorMessage{Type: string(KindSun), Message: "before_offset: " + err.Error(), Err: err}
			}
		}
		if c.AfterOffset.IsSet() {
			if afterOffset, err = c.AfterOffset.Resolve(h, vars); err != nil {
				return false, &ErrorMessage{Type: string(KindSun), Message: "after_offset: " + err.Error(), Err: err}
			}
		}
		return Sun(h, c.Before, c.After, beforeOffset, afterOffset), nil
	}, nil
}

// Sun reports whether now is before the before event and after the after
// event, each shifted by its offset. Without a sunrise or sunset today the
// result is false.
func Sun(h *core.Hub, before, after string, beforeOffset, afterOffset time.Duration) bool {
	now := h.Now()
	uses := func(event string) bool { return before == event || after == event }

	rise, riseOK := sunEventToday(h, SunEventSunrise, now)
	set, setOK := sunEventToday(h, SunEventSunset, now)
	if uses(SunEventSunrise) && !riseOK {
		return false
	}
	if uses(SunEventSunset) && !setOK {
		return false
	}

	switch before {
	case SunEventSunrise:
		if now.After(rise.Add(beforeOffset)) {
			return false
		}
	case SunEventSunset:
		if now.After(set.Add(beforeOffset)) {
			return false
		}
	}
	switch after {
	case SunEventSunrise:
		if now.Before(rise.Add(afterOffset)) {
			return false
		}
	case SunEventSunset:
		if now.Before(set.Add(afterOffset)) {
			return false
		}
	}
	return true
}
