package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrServiceNotFound is returned when calling a service nobody registered.
var ErrServiceNotFound = errors.New("service not found")

// ServiceCall is one invocation of a service.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]any
	Context *Context
}

// ServiceHandler executes a service call. Handlers should return promptly
// once ctx is cancelled.
type ServiceHandler func(ctx context.Context, call *ServiceCall) error

// ServiceRegistry holds the services integrations expose.
type ServiceRegistry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]ServiceHandler
	bus      *EventBus
	logger   *slog.Logger
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry(bus *EventBus, logger *slog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers: make(map[string]map[string]ServiceHandler),
		bus:      bus,
		logger:   logger,
	}
}

// Register adds (or replaces) a service handler.
func (r *ServiceRegistry) Register(domain, service string, handler ServiceHandler) {
	domain, service = strings.ToLower(domain), strings.ToLower(service)
	r.mu.Lock()
	if r.handlers[domain] == nil {
		r.handlers[domain] = make(map[string]ServiceHandler)
	}
	r.handlers[domain][service] = handler
	r.mu.Unlock()

	r.bus.Fire(EventServiceRegistered, map[string]any{"domain": domain, "service": service}, nil)
}

// Remove unregisters a service.
func (r *ServiceRegistry) Remove(domain, service string) {
	domain, service = strings.ToLower(domain), strings.ToLower(service)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers[domain], service)
	if len(r.handlers[domain]) == 0 {
		delete(r.handlers, domain)
	}
}

// Has reports whether a service is registered.
func (r *ServiceRegistry) Has(domain, service string) bool {
	_, ok := r.lookup(domain, service)
	return ok
}

// Services lists registered service names per domain.
func (r *ServiceRegistry) Services() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.handlers))
	for domain, svcs := range r.handlers {
		names := make([]string, 0, len(svcs))
		for name := range svcs {
			names = append(names, name)
		}
		sort.Strings(names)
		out[domain] = names
	}
	return out
}

func (r *ServiceRegistry) lookup(domain, service string) (ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(domain)][strings.ToLower(service)]
	return h, ok
}

// Call invokes a service.
//
// A non-blocking call returns as soon as the handler has been started.
// A blocking call waits for the handler to finish, for timeout to elapse
// (zero means no limit), or for ctx to be cancelled. On timeout the handler
// keeps running and Call returns nil. On cancellation the handler's context
// is cancelled and Call waits for it to return before reporting ctx.Err().
func (r *ServiceRegistry) Call(ctx context.Context, domain, service string, data map[string]any, hctx *Context, blocking bool, timeout time.Duration) error {
	handler, ok := r.lookup(domain, service)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrServiceNotFound, domain, service)
	}
	if data == nil {
		data = map[string]any{}
	}
	if hctx == nil {
		hctx = NewContext()
	}
	call := &ServiceCall{
		Domain:  strings.ToLower(domain),
		Service: strings.ToLower(service),
		Data:    data,
		Context: hctx,
	}

	r.bus.Fire(EventCallService, map[string]any{
		"domain":       call.Domain,
		"service":      call.Service,
		"service_data": data,
	}, hctx)

	if !blocking {
		go func() {
			if err := r.run(context.WithoutCancel(ctx), handler, call); err != nil {
				r.logger.Error("service call failed", "service", call.Domain+"."+call.Service, "err", err)
			}
		}()
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- r.run(ctx, handler, call)
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-timeoutC:
		r.logger.Warn("service call still running after time limit", "service", call.Domain+"."+call.Service, "limit", timeout)
		return nil
	case <-ctx.Done():
		<-done
		return ctx.Err()
	}
}

func (r *ServiceRegistry) run(ctx context.Context, handler ServiceHandler, call *ServiceCall) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("service %s.%s panicked: %v", call.Domain, call.Service, p)
		}
	}()
	return handler(ctx, call)
}
