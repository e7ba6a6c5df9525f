package script

import (
	"context"
	"sort"
	"sync"
)

// Registry tracks the top-level scripts of a hub so they can be stopped
// together.
type Registry struct {
	mu      sync.Mutex
	scripts map[*Script]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scripts: make(map[*Script]struct{})}
}

func (r *Registry) add(s *Script) {
	r.mu.Lock()
	r.scripts[s] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(s *Script) {
	r.mu.Lock()
	delete(r.scripts, s)
	r.mu.Unlock()
}

// Scripts returns the registered scripts sorted by name.
func (r *Registry) Scripts() []*Script {
	r.mu.Lock()
	out := make([]*Script, 0, len(r.scripts))
	for s := range r.scripts {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Shutdown stops every running script and waits for them, or for ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, s := range r.Scripts() {
		if !s.IsRunning() {
			continue
		}
		wg.Add(1)
		go func(s *Script) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
