package trigger

import (
	"sync"
	"time"

	"openpeer-hub/internal/core"
)

// trackSameState runs action after d unless a state change of one of
// entityIDs (any entity when empty) fails check first. The returned func
// cancels the tracking.
func trackSameState(h *core.Hub, d time.Duration, entityIDs []string, check func(entityID string, from, to *core.State) bool, action func()) func() {
	var (
		mu        sync.Mutex
		done      bool
		unsub     func()
		stopTimer func()
	)
	finish := func() bool {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return false
		}
		done = true
		if unsub != nil {
			unsub()
		}
		if stopTimer != nil {
			stopTimer()
		}
		return true
	}

	mu.Lock()
	unsub = h.Bus.On(core.EventStateChanged, func(event core.Event) {
		entityID, from, to := core.StatesFromEvent(event)
		if len(entityIDs) > 0 && !contains(entityIDs, entityID) {
			return
		}
		if !check(entityID, from, to) {
			finish()
		}
	})
	stopTimer = h.Scheduler.After(d, func() {
		if finish() {
			action()
		}
	})
	mu.Unlock()

	return func() { finish() }
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
