package condition

import (
	"errors"
	"math"

	"openpeer-hub/internal/core"
)

const earthRadiusMeters = 6371008.8

func zoneFromConfig(h *core.Hub, cfg Config) (Checker, error) {
	c := cfg.(*ZoneConfig)
	return func(vars map[string]any) (bool, error) {
		var errs []Error
		allOK := true
		for _, entityID := range c.EntityID {
			entityOK := false
			for _, zoneID := range c.Zone {
				ok, err := Zone(h, zoneID, entityID)
				if err != nil {
					msg := err.Error()
					var em *ErrorMessage
					if errors.As(err, &em) {
						msg = em.Message
					}
					errs = append(errs, messagef(KindZone, "error matching %s with %s: %s", entityID, zoneID, msg))
					continue
				}
				if ok {
					entityOK = true
				}
			}
			if !entityOK {
				allOK = false
			}
		}
		if len(errs) > 0 && !allOK {
			return false, &ErrorContainer{Type: string(KindZone), Errs: errs}
		}
		return allOK, nil
	}, nil
}

// Zone reports whether entityID's position lies in zoneID.
func Zone(h *core.Hub, zoneID, entityID string) (bool, error) {
	zone := h.States.Get(zoneID)
	if zone == nil {
		return false, messagef(KindZone, "unknown zone %s", zoneID)
	}
	st := h.States.Get(entityID)
	if st == nil {
		return false, messagef(KindZone, "unknown entity %s", entityID)
	}
	lat, ok := floatAttr(st, "latitude")
	if !ok {
		return false, messagef(KindZone, "entity %s has no 'latitude' attribute", entityID)
	}
	lon, ok := floatAttr(st, "longitude")
	if !ok {
		return false, messagef(KindZone, "entity %s has no 'longitude' attribute", entityID)
	}
	accuracy, _ := floatAttr(st, "gps_accuracy")
	return InZone(zone, lat, lon, accuracy), nil
}

// InZone reports whether a point with the given accuracy radius (meters)
// overlaps zone's geofence.
func InZone(zone *core.State, lat, lon, radius float64) bool {
	if zone.State == core.StateUnavailable {
		return false
	}
	zlat, ok1 := floatAttr(zone, "latitude")
	zlon, ok2 := floatAttr(zone, "longitude")
	zradius, ok3 := floatAttr(zone, "radius")
	if !ok1 || !ok2 || !ok3 {
		return false
	}
	return Distance(lat, lon, zlat, zlon)-radius < zradius
}

// Distance is the great circle distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

func floatAttr(st *core.State, name string) (float64, bool) {
	v, ok := st.Attributes[name]
	if !ok || v == nil {
		return 0, false
	}
	return toFloat(v)
}

// ZoneOf returns the first zone in zoneIDs containing st, or "".
func ZoneOf(h *core.Hub, st *core.State, zoneIDs []string) string {
	if st == nil {
		return ""
	}
	lat, ok1 := floatAttr(st, "latitude")
	lon, ok2 := floatAttr(st, "longitude")
	if !ok1 || !ok2 {
		return ""
	}
	accuracy, _ := floatAttr(st, "gps_accuracy")
	for _, id := range zoneIDs {
		if zone := h.States.Get(id); zone != nil && InZone(zone, lat, lon, accuracy) {
			return id
		}
	}
	return ""
}
