package script

import (
	"strings"

	"openpeer-hub/internal/condition"
	"openpeer-hub/internal/template"
	"openpeer-hub/internal/trigger"
)

// ReferencedEntities lists the entity IDs the script's steps target or read.
func (s *Script) ReferencedEntities() []string {
	s.refOnce.Do(s.collectReferences)
	return s.refEntities
}

// ReferencedDevices lists the device IDs the script's steps target or read.
func (s *Script) ReferencedDevices() []string {
	s.refOnce.Do(s.collectReferences)
	return s.refDevices
}

type refSet struct {
	seen map[string]bool
	list []string
}

func (r *refSet) add(ids ...string) {
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	for _, id := range ids {
		if id != "" && !r.seen[id] {
			r.seen[id] = true
			r.list = append(r.list, id)
		}
	}
}

func (s *Script) collectReferences() {
	var entities, devices refSet
	walkSequence(s.sequence, &entities, &devices)
	s.refEntities = entities.list
	s.refDevices = devices.list
}

func walkSequence(seq Sequence, entities, devices *refSet) {
	for _, a := range seq {
		switch a := a.(type) {
		case *ServiceAction:
			entities.add(idList(a.EntityID)...)
			for _, m := range []map[string]any{a.Data, a.DataTemplate, a.Target} {
				entities.add(idList(m["entity_id"])...)
				devices.add(idList(m["device_id"])...)
			}
		case *DeviceAction:
			devices.add(a.DeviceID)
			entities.add(a.EntityID)
		case *SceneAction:
			entities.add(a.Scene)
		case *ConditionAction:
			conditions(condition.List{a.Condition}, entities, devices)
		case *WaitForTriggerAction:
			entities.add(trigger.ReferencedEntities(a.WaitForTrigger)...)
			devices.add(trigger.ReferencedDevices(a.WaitForTrigger)...)
		case *RepeatAction:
			conditions(a.Repeat.While, entities, devices)
			conditions(a.Repeat.Until, entities, devices)
			walkSequence(a.Repeat.Sequence, entities, devices)
		case *ChooseAction:
			for _, c := range a.Choose {
				conditions(c.Conditions, entities, devices)
				walkSequence(c.Sequence, entities, devices)
			}
			walkSequence(a.Default, entities, devices)
		}
	}
}

func conditions(list condition.List, entities, devices *refSet) {
	entities.add(condition.ReferencedEntities(list)...)
	devices.add(condition.ReferencedDevices(list)...)
}

// idList reads a literal ID or ID list. Templates are skipped.
func idList(v any) []string {
	var out []string
	switch v := v.(type) {
	case string:
		if template.IsTemplate(v) {
			return nil
		}
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && !template.IsTemplate(s) {
				out = append(out, s)
			}
		}
	}
	return out
}
