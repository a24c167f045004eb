package windows

import (
	"sort"
	"sync"
)

// Bounds is the tool-panel rectangle in UI coordinates.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ViewHost abstracts the embedded browser views the shell renders. The
// supervisor drives lifecycle and geometry; rendering itself happens in
// the shell process.
type ViewHost interface {
	CreateView(instanceID, toolID string) error
	ShowView(instanceID string)
	HideView(instanceID string)
	DestroyView(instanceID string)
	SetViewBounds(instanceID string, bounds Bounds)
	// NotifyConnectionChanged tells the view's preload bridge that its
	// tool context changed so getToolContext reflects it without reload.
	NotifyConnectionChanged(instanceID string)
}

type viewState struct {
	toolID   string
	visible  bool
	bounds   Bounds
	notified int
}

// MemoryViewHost is the supervisor-side ViewHost used when no shell
// process is attached (tests, headless daemon). It tracks the state a
// real shell would mirror.
type MemoryViewHost struct {
	mu    sync.Mutex
	views map[string]*viewState
}

func NewMemoryViewHost() *MemoryViewHost {
	return &MemoryViewHost{views: make(map[string]*viewState)}
}

func (h *MemoryViewHost) CreateView(instanceID, toolID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.views[instanceID] = &viewState{toolID: toolID}
	return nil
}

func (h *MemoryViewHost) ShowView(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.views[instanceID]; ok {
		v.visible = true
	}
}

func (h *MemoryViewHost) HideView(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.views[instanceID]; ok {
		v.visible = false
	}
}

func (h *MemoryViewHost) DestroyView(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.views, instanceID)
}

func (h *MemoryViewHost) SetViewBounds(instanceID string, bounds Bounds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.views[instanceID]; ok {
		v.bounds = bounds
	}
}

func (h *MemoryViewHost) NotifyConnectionChanged(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.views[instanceID]; ok {
		v.notified++
	}
}

// Visible reports whether the instance's view is currently shown.
func (h *MemoryViewHost) Visible(instanceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.views[instanceID]
	return ok && v.visible
}

// ViewBounds returns the instance's last applied bounds.
func (h *MemoryViewHost) ViewBounds(instanceID string) (Bounds, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.views[instanceID]
	if !ok {
		return Bounds{}, false
	}
	return v.bounds, true
}

// Notifications returns how many context-change pushes the view got.
func (h *MemoryViewHost) Notifications(instanceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.views[instanceID]
	if !ok {
		return 0
	}
	return v.notified
}

// ViewIDs returns the ids of all live views, sorted.
func (h *MemoryViewHost) ViewIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.views))
	for id := range h.views {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
