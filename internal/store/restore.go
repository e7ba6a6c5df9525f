package store

import (
	"log/slog"
	"sync"

	"openpeer-hub/internal/core"
)

// StateCache mirrors hub states into the restore-state bucket so they
// survive a restart. Writes are coalesced per entity and flushed by a single
// goroutine.
type StateCache struct {
	hub    *core.Hub
	store  Store
	skip   map[string]bool
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*core.State // nil value: entity removed
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	unsub   func()
}

// NewStateCache creates a cache for h. Entities in skipDomains are neither
// persisted nor restored.
func NewStateCache(h *core.Hub, st Store, logger *slog.Logger, skipDomains ...string) *StateCache {
	skip := make(map[string]bool, len(skipDomains))
	for _, d := range skipDomains {
		skip[d] = true
	}
	return &StateCache{
		hub:     h,
		store:   st,
		skip:    skip,
		logger:  logger.With("component", "store"),
		pending: make(map[string]*core.State),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Restore seeds the state machine from the store without firing
// state_changed. It returns the number of restored entities.
func (c *StateCache) Restore() (int, error) {
	stored, err := c.store.ListStates()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range stored {
		if !core.ValidEntityID(st.EntityID) {
			continue
		}
		domain, _ := core.SplitEntityID(st.EntityID)
		if c.skip[domain] {
			continue
		}
		c.hub.States.Restore(&core.State{
			EntityID:    st.EntityID,
			State:       st.State,
			Attributes:  st.Attributes,
			LastChanged: st.LastChanged,
			LastUpdated: st.LastUpdated,
		})
		n++
	}
	c.logger.Info("states restored", "count", n)
	return n, nil
}

// Start begins persisting state changes.
func (c *StateCache) Start() {
	c.unsub = c.hub.Bus.On(core.EventStateChanged, c.handleStateChanged)
	go c.loop()
}

// Stop unsubscribes and flushes what is still pending.
func (c *StateCache) Stop() {
	if c.unsub != nil {
		c.unsub()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.wake)
	c.mu.Unlock()
	<-c.done
}

func (c *StateCache) handleStateChanged(event core.Event) {
	entityID, _, newState := core.StatesFromEvent(event)
	domain, _ := core.SplitEntityID(entityID)
	if entityID == "" || c.skip[domain] {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending[entityID] = newState
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *StateCache) loop() {
	defer close(c.done)
	for range c.wake {
		c.flush()
	}
	c.flush()
}

func (c *StateCache) flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]*core.State)
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	var save []*StoredState
	var remove []string
	for id, st := range batch {
		if st == nil {
			remove = append(remove, id)
			continue
		}
		save = append(save, &StoredState{
			EntityID:    id,
			State:       st.State,
			Attributes:  st.Attributes,
			LastChanged: st.LastChanged,
			LastUpdated: st.LastUpdated,
		})
	}
	if err := c.store.WriteStates(save, remove); err != nil {
		c.logger.Error("persist states", "count", len(batch), "err", err)
	}
}
