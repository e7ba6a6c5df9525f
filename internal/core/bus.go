package core

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventStateChanged        = "state_changed"
	EventCallService         = "call_service"
	EventServiceRegistered   = "service_registered"
	EventCoreStart           = "core_start"
	EventCoreStarted         = "core_started"
	EventCoreStop            = "core_stop"
	EventAutomationTriggered = "automation_triggered"
	EventAutomationReloaded  = "automation_reloaded"
	EventMQTTMessageReceived = "mqtt_message_received"
)

// Event represents a bus event.
type Event struct {
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Context   *Context       `json:"context,omitempty"`
	TimeFired time.Time      `json:"time_fired"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for hub events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
	now         func() time.Time
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
		now:         time.Now,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// Once registers a handler that is removed after its first invocation.
func (eb *EventBus) Once(eventType string, handler EventHandler) func() {
	var (
		once  sync.Once
		mu    sync.Mutex
		unsub func()
	)
	remove := func() {
		mu.Lock()
		u := unsub
		mu.Unlock()
		u()
	}
	mu.Lock()
	unsub = eb.On(eventType, func(event Event) {
		fired := false
		once.Do(func() { fired = true })
		if !fired {
			return
		}
		remove()
		handler(event)
	})
	mu.Unlock()
	return func() {
		once.Do(func() {})
		remove()
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Fire builds an event and emits it.
func (eb *EventBus) Fire(eventType string, data map[string]any, ctx *Context) {
	if ctx == nil {
		ctx = NewContext()
	}
	if data == nil {
		data = map[string]any{}
	}
	eb.Emit(Event{Type: eventType, Data: data, Context: ctx, TimeFired: eb.now()})
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// AsMap converts an event into the plain map form exposed to templates.
func (e Event) AsMap() map[string]any {
	m := map[string]any{
		"event_type": e.Type,
		"data":       e.Data,
		"time_fired": e.TimeFired,
	}
	if e.Context != nil {
		m["context"] = map[string]any{
			"id":        e.Context.ID,
			"parent_id": e.Context.ParentID,
			"user_id":   e.Context.UserID,
		}
	}
	return m
}
