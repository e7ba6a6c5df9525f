package core

import (
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Well-known state values.
const (
	StateOn          = "on"
	StateOff         = "off"
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

var entityIDRe = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// ValidEntityID reports whether s looks like "domain.object_id".
func ValidEntityID(s string) bool {
	return entityIDRe.MatchString(s)
}

// SplitEntityID splits an entity ID into domain and object ID.
func SplitEntityID(entityID string) (domain, objectID string) {
	domain, objectID, _ = strings.Cut(entityID, ".")
	return domain, objectID
}

// State is the current state of one entity.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     *Context       `json:"context,omitempty"`
}

// Domain returns the entity's domain.
func (s *State) Domain() string {
	d, _ := SplitEntityID(s.EntityID)
	return d
}

// Available reports whether the state carries a usable value.
func (s *State) Available() bool {
	return s.State != StateUnknown && s.State != StateUnavailable
}

func (s *State) clone() *State {
	c := *s
	c.Attributes = make(map[string]any, len(s.Attributes))
	for k, v := range s.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

// StateMachine maps entity IDs to their current state and announces every
// change on the bus as a state_changed event.
type StateMachine struct {
	mu     sync.RWMutex
	states map[string]*State
	bus    *EventBus
	now    func() time.Time
}

// NewStateMachine creates an empty state machine that reports to bus.
func NewStateMachine(bus *EventBus, now func() time.Time) *StateMachine {
	if now == nil {
		now = time.Now
	}
	return &StateMachine{
		states: make(map[string]*State),
		bus:    bus,
		now:    now,
	}
}

// Get returns a copy of the entity's state, or nil.
func (sm *StateMachine) Get(entityID string) *State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	st, ok := sm.states[strings.ToLower(entityID)]
	if !ok {
		return nil
	}
	return st.clone()
}

// All returns copies of all states ordered by entity ID.
func (sm *StateMachine) All() []*State {
	sm.mu.RLock()
	out := make([]*State, 0, len(sm.states))
	for _, st := range sm.states {
		out = append(out, st.clone())
	}
	sm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// EntityIDs returns the IDs of all entities in domain (all if domain is empty).
func (sm *StateMachine) EntityIDs(domain string) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var ids []string
	for id := range sm.states {
		if domain == "" || strings.HasPrefix(id, domain+".") {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Set writes a state. Nothing is written or announced when both the state
// value and the attributes are unchanged. LastChanged only moves when the
// state value changes.
func (sm *StateMachine) Set(entityID, state string, attrs map[string]any, ctx *Context) {
	entityID = strings.ToLower(entityID)
	if attrs == nil {
		attrs = map[string]any{}
	}
	if ctx == nil {
		ctx = NewContext()
	}

	sm.mu.Lock()
	old, exists := sm.states[entityID]
	if exists && old.State == state && reflect.DeepEqual(old.Attributes, attrs) {
		sm.mu.Unlock()
		return
	}
	now := sm.now()
	lastChanged := now
	if exists && old.State == state {
		lastChanged = old.LastChanged
	}
	st := (&State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attrs,
		LastChanged: lastChanged,
		LastUpdated: now,
		Context:     ctx,
	}).clone()
	sm.states[entityID] = st
	newCopy := st.clone()
	sm.mu.Unlock()

	var oldCopy *State
	if exists {
		oldCopy = old.clone()
	}
	sm.bus.Emit(Event{
		Type: EventStateChanged,
		Data: map[string]any{
			"entity_id": entityID,
			"old_state": oldCopy,
			"new_state": newCopy,
		},
		Context:   ctx,
		TimeFired: now,
	})
}

// Restore writes a state without announcing it. Used to seed states with
// their original timestamps.
func (sm *StateMachine) Restore(st *State) {
	c := st.clone()
	c.EntityID = strings.ToLower(c.EntityID)
	sm.mu.Lock()
	sm.states[c.EntityID] = c
	sm.mu.Unlock()
}

// Remove deletes an entity and announces the removal. Reports whether the
// entity existed.
func (sm *StateMachine) Remove(entityID string, ctx *Context) bool {
	entityID = strings.ToLower(entityID)
	sm.mu.Lock()
	old, ok := sm.states[entityID]
	delete(sm.states, entityID)
	sm.mu.Unlock()
	if !ok {
		return false
	}
	if ctx == nil {
		ctx = NewContext()
	}
	sm.bus.Emit(Event{
		Type: EventStateChanged,
		Data: map[string]any{
			"entity_id": entityID,
			"old_state": old.clone(),
			"new_state": (*State)(nil),
		},
		Context:   ctx,
		TimeFired: sm.now(),
	})
	return true
}

// StatesFromEvent extracts the old and new states of a state_changed event.
func StatesFromEvent(event Event) (entityID string, oldState, newState *State) {
	entityID, _ = event.Data["entity_id"].(string)
	oldState, _ = event.Data["old_state"].(*State)
	newState, _ = event.Data["new_state"].(*State)
	return entityID, oldState, newState
}
