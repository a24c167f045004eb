// Package modal brokers detached always-on-top dialog windows whose
// content is caller-supplied HTML. The supervisor owns the lifecycle
// and the message bridge; rendering happens in the UI zone, driven by
// the opened/closed/message events this package publishes.
package modal

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
)

const (
	// MinWidth and MinHeight are the smallest dialog dimensions honored
	// regardless of what the caller asks for.
	MinWidth  = 280
	MinHeight = 180

	// parentMargin keeps the dialog clear of the parent window's edges.
	parentMargin = 40

	outboxCapacity = 32
)

// Rect is a window rectangle in screen coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Descriptor describes the dialog a caller wants opened.
type Descriptor struct {
	Kind   string `json:"kind"` // connection-edit, connection-select, csp-consent, ...
	HTML   string `json:"html"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Parent Rect   `json:"parent"`
}

// Info is the broker's record of an open dialog.
type Info struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	HTML   string `json:"html"`
	Bounds Rect   `json:"bounds"`
}

// Message is one bridge message heading into the dialog content.
type Message struct {
	Channel string `json:"channel"`
	Payload any    `json:"payload,omitempty"`
}

// Result is what the dialog content resolved with. Dismissed is set
// when the dialog closed without resolving.
type Result struct {
	Value     any
	Dismissed bool
}

type modalState struct {
	info     Info
	outbox   chan Message
	resolved chan Result
	done     bool
}

// Broker tracks open dialogs and their message bridges.
type Broker struct {
	bus *eventbus.Bus

	mu     sync.Mutex
	modals map[string]*modalState
}

func NewBroker(bus *eventbus.Bus) *Broker {
	return &Broker{
		bus:    bus,
		modals: make(map[string]*modalState),
	}
}

// computeBounds centers the dialog on the parent, clamping to minimum
// dimensions and keeping the margin from the parent's edges.
func computeBounds(parent Rect, width, height int) Rect {
	if width < MinWidth {
		width = MinWidth
	}
	if height < MinHeight {
		height = MinHeight
	}
	if max := parent.Width - 2*parentMargin; max >= MinWidth && width > max {
		width = max
	}
	if max := parent.Height - 2*parentMargin; max >= MinHeight && height > max {
		height = max
	}
	return Rect{
		X:      parent.X + (parent.Width-width)/2,
		Y:      parent.Y + (parent.Height-height)/2,
		Width:  width,
		Height: height,
	}
}

// Open registers a new dialog and announces it to the UI zone.
func (b *Broker) Open(ctx context.Context, desc Descriptor) (Info, error) {
	if desc.HTML == "" {
		return Info{}, fault.New(fault.KindInvalidArgument, "modal content must not be empty")
	}

	info := Info{
		ID:     uuid.NewString(),
		Kind:   desc.Kind,
		HTML:   desc.HTML,
		Bounds: computeBounds(desc.Parent, desc.Width, desc.Height),
	}
	state := &modalState{
		info:     info,
		outbox:   make(chan Message, outboxCapacity),
		resolved: make(chan Result, 1),
	}

	b.mu.Lock()
	b.modals[info.ID] = state
	b.mu.Unlock()

	eventbus.Publish(ctx, b.bus, eventbus.Modal.Opened, eventbus.SourceModalBroker,
		eventbus.ModalLifecycleEvent{ModalID: info.ID, Kind: info.Kind})
	log.Printf("[Modal] Opened %s modal %s", info.Kind, info.ID)
	return info, nil
}

// Get returns the dialog's record.
func (b *Broker) Get(modalID string) (Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.modals[modalID]
	if !ok {
		return Info{}, fault.New(fault.KindNotFound, "modal %s does not exist", modalID)
	}
	return state.info, nil
}

// Send queues a bridge message for the dialog content. The transport
// layer drains Messages and pushes them into the dialog's webview.
func (b *Broker) Send(modalID, channel string, payload any) error {
	b.mu.Lock()
	state, ok := b.modals[modalID]
	b.mu.Unlock()
	if !ok {
		return fault.New(fault.KindNotFound, "modal %s does not exist", modalID)
	}
	select {
	case state.outbox <- Message{Channel: channel, Payload: payload}:
		return nil
	default:
		return fault.New(fault.KindInvalidArgument, "modal %s message queue is full", modalID)
	}
}

// Messages exposes the dialog's inbound bridge queue.
func (b *Broker) Messages(modalID string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.modals[modalID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "modal %s does not exist", modalID)
	}
	return state.outbox, nil
}

// HandleMessage relays a message coming from the dialog content to its
// opener via the bus.
func (b *Broker) HandleMessage(ctx context.Context, modalID, channel string, payload any) error {
	b.mu.Lock()
	_, ok := b.modals[modalID]
	b.mu.Unlock()
	if !ok {
		return fault.New(fault.KindNotFound, "modal %s does not exist", modalID)
	}
	eventbus.Publish(ctx, b.bus, eventbus.Modal.Message, eventbus.SourceModalBroker,
		eventbus.ModalMessageEvent{ModalID: modalID, Channel: channel, Payload: payload})
	return nil
}

// Resolve completes the dialog with a value and closes it.
func (b *Broker) Resolve(ctx context.Context, modalID string, value any) error {
	b.mu.Lock()
	state, ok := b.modals[modalID]
	if ok && !state.done {
		state.done = true
		state.resolved <- Result{Value: value}
	}
	b.mu.Unlock()
	if !ok {
		return fault.New(fault.KindNotFound, "modal %s does not exist", modalID)
	}
	return b.Close(ctx, modalID)
}

// Close tears the dialog down. Closing an already-closed dialog is a
// no-op so the user, the caller, and parent-window teardown can race.
func (b *Broker) Close(ctx context.Context, modalID string) error {
	b.mu.Lock()
	state, ok := b.modals[modalID]
	if ok {
		delete(b.modals, modalID)
		if !state.done {
			state.done = true
			state.resolved <- Result{Dismissed: true}
		}
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	eventbus.Publish(ctx, b.bus, eventbus.Modal.Closed, eventbus.SourceModalBroker,
		eventbus.ModalLifecycleEvent{ModalID: modalID, Kind: state.info.Kind})
	log.Printf("[Modal] Closed %s modal %s", state.info.Kind, modalID)
	return nil
}

// CloseAll dismisses every open dialog. Called when the parent window
// closes or minimizes.
func (b *Broker) CloseAll(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.modals))
	for id := range b.modals {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		_ = b.Close(ctx, id)
	}
}

// Await blocks until the dialog resolves or is dismissed. Dismissal
// maps to Cancelled so mandatory flows (connection selection, consent)
// abort cleanly.
func (b *Broker) Await(ctx context.Context, modalID string) (any, error) {
	b.mu.Lock()
	state, ok := b.modals[modalID]
	b.mu.Unlock()
	if !ok {
		return nil, fault.New(fault.KindNotFound, "modal %s does not exist", modalID)
	}
	select {
	case result := <-state.resolved:
		if result.Dismissed {
			return nil, fault.New(fault.KindCancelled, "dialog was dismissed")
		}
		return result.Value, nil
	case <-ctx.Done():
		_ = b.Close(ctx, modalID)
		return nil, fault.Wrap(fault.KindCancelled, ctx.Err())
	}
}

// FindByKind returns an open dialog of the given kind if one exists.
// The window manager uses it to avoid stacking duplicate selection
// dialogs. Selection is deterministic (lowest id) when several match.
func (b *Broker) FindByKind(kind string) (Info, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var found *modalState
	for _, state := range b.modals {
		if state.info.Kind == kind {
			if found == nil || state.info.ID < found.info.ID {
				found = state
			}
		}
	}
	if found == nil {
		return Info{}, false
	}
	return found.info, true
}
