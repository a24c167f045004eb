// Package ipc defines the request/reply surface between the supervisor and
// the webview zones: the closed route set, the frame envelopes, and the
// router that dispatches decoded requests to registered handlers.
package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pptb-app/pptb/internal/fault"
)

// Zone identifies which kind of webview a request comes from. The UI zone is
// the shell's own chrome; tool zones host third-party content and get a
// narrower surface.
type Zone string

const (
	ZoneUI   Zone = "ui"
	ZoneTool Zone = "tool"
)

// Caller carries the identity the transport bound at connect time. Tool
// callers are pre-bound to one instance; handlers must never trust ids
// arriving in request payloads over these.
type Caller struct {
	Zone       Zone
	InstanceID string
	ToolID     string
}

// IsUI reports whether the caller is the trusted shell chrome.
func (c Caller) IsUI() bool { return c.Zone == ZoneUI }

// Request is one inbound frame on the request/reply channel.
type Request struct {
	ID    uint64          `json:"id"`
	Route string          `json:"route"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// Response answers exactly one Request, matched by ID.
type Response struct {
	ID     uint64       `json:"id"`
	Result any          `json:"result,omitempty"`
	Error  *fault.Error `json:"error,omitempty"`
}

// Call is what a handler receives: the bound caller identity plus the raw
// argument payload.
type Call struct {
	Caller Caller
	Route  string
	args   json.RawMessage
}

// Decode unmarshals the request arguments into v. Unknown fields are
// rejected so that misspelled argument names fail loudly instead of being
// silently dropped.
func (c *Call) Decode(v any) error {
	raw := c.args
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.New(fault.KindInvalidArgument, "invalid arguments for %s: %v", c.Route, err)
	}
	return nil
}

// RawArgs returns the undecoded argument payload.
func (c *Call) RawArgs() json.RawMessage { return c.args }

// Handler processes one request. Returned errors are sanitized to the
// taxonomy before crossing back to the caller.
type Handler func(ctx context.Context, call *Call) (any, error)

// Router holds the route table. Registration happens once at wiring time;
// dispatch is concurrent-safe afterwards.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds a handler to a route. Routes outside the declared set and
// double registrations are wiring bugs, so both panic.
func (r *Router) Register(route string, h Handler) {
	if !KnownRoute(route) {
		panic(fmt.Sprintf("ipc: route %q is not in the declared route set", route))
	}
	if h == nil {
		panic(fmt.Sprintf("ipc: nil handler for route %q", route))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[route]; dup {
		panic(fmt.Sprintf("ipc: route %q registered twice", route))
	}
	r.handlers[route] = h
}

// Routes returns the registered route names, sorted.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for one request and produces its response.
// Unknown routes fail fast; handler panics and raw errors are mapped to the
// taxonomy so no stack trace ever reaches a webview.
func (r *Router) Dispatch(ctx context.Context, caller Caller, req Request) Response {
	if !KnownRoute(req.Route) {
		return Response{ID: req.ID, Error: fault.Sanitize(
			fault.New(fault.KindInvalidArgument, "unknown route %q", req.Route))}
	}

	r.mu.RLock()
	h := r.handlers[req.Route]
	r.mu.RUnlock()
	if h == nil {
		return Response{ID: req.ID, Error: fault.Sanitize(
			fault.New(fault.KindInvalidArgument, "route %q has no handler", req.Route))}
	}

	result, err := safeInvoke(ctx, h, &Call{Caller: caller, Route: req.Route, args: req.Args})
	if err != nil {
		return Response{ID: req.ID, Error: fault.Sanitize(err)}
	}
	return Response{ID: req.ID, Result: result}
}

func safeInvoke(ctx context.Context, h Handler, call *Call) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fault.New(fault.KindUnknown, "internal error handling %s", call.Route)
		}
	}()
	return h(ctx, call)
}
