package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultStopTimeout = 5 * time.Second

// ServiceFactory constructs a service instance. It runs on every start or
// restart so a restarted service begins from fresh state.
type ServiceFactory func(ctx context.Context) (Service, error)

// ServiceHost starts registered services in order, stops them in reverse,
// and forwards fatal errors from services that expose an Errors channel.
type ServiceHost struct {
	mu      sync.Mutex
	order   []string
	regs    map[string]*registration
	started bool
	errors  chan error
	cancel  context.CancelFunc
	runCtx  context.Context
}

// Option configures a service registration.
type Option func(*registration)

type registration struct {
	name        string
	factory     ServiceFactory
	service     Service
	stopTimeout time.Duration
	errRelay    chan error
}

func (reg *registration) timeout() time.Duration {
	if reg.stopTimeout > 0 {
		return reg.stopTimeout
	}
	return defaultStopTimeout
}

// WithShutdownTimeout customises the shutdown timeout for a service.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(reg *registration) {
		reg.stopTimeout = timeout
	}
}

func NewServiceHost() *ServiceHost {
	return &ServiceHost{
		regs:   make(map[string]*registration),
		errors: make(chan error, 1),
	}
}

// Register adds a service factory under the provided name.
func (h *ServiceHost) Register(name string, factory ServiceFactory, opts ...Option) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("runtime: cannot register service %q after start", name)
	}
	if _, exists := h.regs[name]; exists {
		return fmt.Errorf("runtime: service %q already registered", name)
	}

	reg := &registration{name: name, factory: factory}
	for _, opt := range opts {
		opt(reg)
	}

	h.regs[name] = reg
	h.order = append(h.order, name)
	return nil
}

// Start creates and starts every registered service in registration
// order. A failure stops the services already started, in reverse.
func (h *ServiceHost) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("runtime: service host already started")
	}
	h.started = true
	h.runCtx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	var started []*registration
	for _, name := range h.order {
		reg := h.lookup(name)
		if reg == nil {
			continue
		}

		svc, err := reg.factory(h.runCtx)
		if err != nil {
			h.rollback(started)
			return fmt.Errorf("runtime: create service %q: %w", name, err)
		}
		if err := svc.Start(h.runCtx); err != nil {
			h.rollback(started)
			return fmt.Errorf("runtime: start service %q: %w", name, err)
		}

		reg.service = svc
		h.relayErrors(reg)
		started = append(started, reg)
	}

	return nil
}

// Stop shuts down all services in reverse registration order.
func (h *ServiceHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var stopErr error
	for i := len(h.order) - 1; i >= 0; i-- {
		reg := h.lookup(h.order[i])
		if reg == nil || reg.service == nil {
			continue
		}

		stopCtx, cancel := context.WithTimeout(ctx, reg.timeout())
		if err := reg.service.Shutdown(stopCtx); err != nil && err != context.Canceled {
			stopErr = fmt.Errorf("runtime: shutdown service %q: %w", reg.name, err)
		}
		cancel()
		reg.service = nil
		reg.errRelay = nil
	}

	return stopErr
}

// Restart stops the named service and starts a fresh instance from its
// factory.
func (h *ServiceHost) Restart(ctx context.Context, name string) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return fmt.Errorf("runtime: host not started")
	}
	reg := h.regs[name]
	h.mu.Unlock()

	if reg == nil {
		return fmt.Errorf("runtime: service %q not registered", name)
	}

	if reg.service != nil {
		stopCtx, cancel := context.WithTimeout(ctx, reg.timeout())
		err := reg.service.Shutdown(stopCtx)
		cancel()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("runtime: shutdown service %q: %w", name, err)
		}
		reg.service = nil
		reg.errRelay = nil
	}

	svc, err := reg.factory(h.runCtx)
	if err != nil {
		return fmt.Errorf("runtime: recreate service %q: %w", name, err)
	}
	if err := svc.Start(h.runCtx); err != nil {
		return fmt.Errorf("runtime: restart service %q: %w", name, err)
	}

	reg.service = svc
	h.relayErrors(reg)
	return nil
}

// Errors returns a channel receiving fatal service errors.
func (h *ServiceHost) Errors() <-chan error {
	return h.errors
}

func (h *ServiceHost) lookup(name string) *registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.regs[name]
}

// relayErrors forwards errors from a service's Errors channel, when it
// has one, into the host channel. One relay per live service instance.
func (h *ServiceHost) relayErrors(reg *registration) {
	if reg.service == nil || reg.errRelay != nil {
		return
	}
	observable, ok := reg.service.(interface{ Errors() <-chan error })
	if !ok {
		return
	}

	reg.errRelay = make(chan error, 1)
	go func(name string, ch <-chan error) {
		for err := range ch {
			if err == nil {
				continue
			}
			select {
			case h.errors <- fmt.Errorf("%s service error: %w", name, err):
			default:
			}
		}
	}(reg.name, observable.Errors())
}

func (h *ServiceHost) rollback(started []*registration) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()
	for i := len(started) - 1; i >= 0; i-- {
		if started[i].service != nil {
			started[i].service.Shutdown(ctx) // ignore errors during rollback
			started[i].service = nil
			started[i].errRelay = nil
		}
	}
}
