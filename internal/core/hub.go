package core

import (
	"log/slog"
	"sync"
	"time"
)

// CoreState is the lifecycle phase of the hub.
type CoreState string

const (
	CoreNotRunning CoreState = "not_running"
	CoreStarting   CoreState = "starting"
	CoreRunning    CoreState = "running"
	CoreStopping   CoreState = "stopping"
	CoreStopped    CoreState = "stopped"
)

// Location is where the hub is. Used by sun and zone logic and for
// local time.
type Location struct {
	Name      string
	Latitude  float64
	Longitude float64
	TimeZone  *time.Location
}

// TemplateEngine renders template source against variables. Limited
// renders get no access to entity states.
type TemplateEngine interface {
	Render(source string, vars map[string]any, limited bool) (any, error)
}

// Hub ties the substrate together: bus, states, services, webhooks,
// device platforms, scheduler and template engine.
type Hub struct {
	Bus       *EventBus
	States    *StateMachine
	Services  *ServiceRegistry
	Webhooks  *Webhooks
	Devices   *DeviceAutomations
	Scheduler *Scheduler
	Templates TemplateEngine
	Location  Location
	Logger    *slog.Logger

	mu    sync.RWMutex
	state CoreState
	clock func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.clock = now }
}

// WithLocation sets the hub location.
func WithLocation(loc Location) Option {
	return func(h *Hub) { h.Location = loc }
}

// New creates a hub in the not_running state.
func New(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		Logger: logger,
		state:  CoreNotRunning,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.Location.TimeZone == nil {
		h.Location.TimeZone = time.Local
	}

	h.Bus = NewEventBus(logger.With("component", "bus"))
	h.Bus.now = h.Now
	h.States = NewStateMachine(h.Bus, h.Now)
	h.Services = NewServiceRegistry(h.Bus, logger.With("component", "services"))
	h.Webhooks = NewWebhooks()
	h.Devices = NewDeviceAutomations()
	h.Scheduler = NewScheduler(h.Location.TimeZone, h.Now, logger.With("component", "scheduler"))
	return h
}

// Now returns the current time in the hub's time zone.
func (h *Hub) Now() time.Time {
	return h.clock().In(h.Location.TimeZone)
}

// State returns the lifecycle phase.
func (h *Hub) State() CoreState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Hub) setState(s CoreState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Start moves the hub to running, firing core_start and then core_started.
// Listeners deferring work until startup hook core_started.
func (h *Hub) Start() {
	if h.State() != CoreNotRunning {
		return
	}
	h.setState(CoreStarting)
	h.Bus.Fire(EventCoreStart, nil, nil)
	h.Scheduler.Start()
	h.setState(CoreRunning)
	h.Bus.Fire(EventCoreStarted, nil, nil)
	h.Logger.Info("hub started", "name", h.Location.Name)
}

// Stop fires core_stop and halts the scheduler.
func (h *Hub) Stop() {
	switch h.State() {
	case CoreStopping, CoreStopped:
		return
	}
	h.setState(CoreStopping)
	h.Bus.Fire(EventCoreStop, nil, nil)
	h.Scheduler.Stop()
	h.setState(CoreStopped)
	h.Logger.Info("hub stopped")
}
