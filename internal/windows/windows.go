// Package windows manages tool instances: the launch pipeline
// (connection resolution, version gate, CSP consent), the tab strip,
// view visibility, and session persistence.
package windows

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/modal"
	"github.com/pptb-app/pptb/internal/tools"
)

// Instance is one open tool window.
type Instance struct {
	ID                    string    `json:"instanceId"`
	ToolID                string    `json:"toolId"`
	Title                 string    `json:"title"`
	Pinned                bool      `json:"isPinned"`
	PrimaryConnectionID   string    `json:"primaryConnectionId,omitempty"`
	SecondaryConnectionID string    `json:"secondaryConnectionId,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	lastActive            time.Time
}

// LaunchOptions carries pre-resolved launch parameters. Empty fields
// are resolved through stored bindings or selection dialogs.
type LaunchOptions struct {
	PrimaryConnectionID   string
	SecondaryConnectionID string
}

// updateGate reports whether a tool's files are being swapped.
type updateGate interface {
	IsToolUpdating(toolID string) bool
}

// grantRevoker drops an instance's filesystem grants.
type grantRevoker interface {
	RevokeAllAccess(instanceID string)
}

// terminalCloser closes an instance's child shells.
type terminalCloser interface {
	CloseForInstance(instanceID string)
}

// Options wires the manager's collaborators.
type Options struct {
	Catalog   *tools.Catalog
	Store     *store.Store
	Modals    *modal.Broker
	Bus       *eventbus.Bus
	Host      ViewHost
	Updates   updateGate
	Grants    grantRevoker
	Terminals terminalCloser

	HostVersion     string
	MinSupportedAPI string
}

// Manager owns the open tool instances and the tab strip.
type Manager struct {
	opts Options

	mu          sync.Mutex
	instances   map[string]*Instance
	order       []string // tab order, left to right
	activeID    string
	panelBounds Bounds
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:      opts,
		instances: make(map[string]*Instance),
	}
}

// notify pushes an informational message to the UI zone.
func (m *Manager) notify(ctx context.Context, level, message string) {
	eventbus.Publish(ctx, m.opts.Bus, eventbus.UI.Toolbox, eventbus.SourceWindowManager,
		eventbus.ToolboxEvent{Name: "notification", Payload: map[string]string{
			"level":   level,
			"message": message,
		}})
}

// LaunchTool runs the full launch pipeline and returns the new
// instance. Cancellation of any dialog aborts the launch.
func (m *Manager) LaunchTool(ctx context.Context, toolID string, opts LaunchOptions) (*Instance, error) {
	inst, err := m.launch(ctx, toolID, opts, true)
	if err != nil {
		if fault.IsKind(err, fault.KindCancelled) {
			m.notify(ctx, "info", fmt.Sprintf("Launch of %s was cancelled", toolID))
		}
		return nil, err
	}
	return inst, nil
}

func (m *Manager) launch(ctx context.Context, toolID string, opts LaunchOptions, interactive bool) (*Instance, error) {
	if m.opts.Updates != nil && m.opts.Updates.IsToolUpdating(toolID) {
		return nil, fault.New(fault.KindInvalidArgument,
			"tool %s is being updated; try again when the update finishes", toolID)
	}

	manifest, err := m.opts.Catalog.Get(toolID)
	if err != nil {
		return nil, err
	}

	if err := m.checkSupport(ctx, manifest); err != nil {
		return nil, err
	}

	primary, secondary, err := m.resolveConnections(ctx, manifest, opts, interactive)
	if err != nil {
		return nil, err
	}

	if err := m.ensureCSPConsent(ctx, manifest, interactive); err != nil {
		return nil, err
	}

	inst := &Instance{
		ID:                    newInstanceID(toolID),
		ToolID:                toolID,
		Pinned:                false,
		PrimaryConnectionID:   primary,
		SecondaryConnectionID: secondary,
		CreatedAt:             time.Now().UTC(),
	}

	if err := m.opts.Host.CreateView(inst.ID, toolID); err != nil {
		return nil, fmt.Errorf("create view for %s: %w", toolID, err)
	}

	m.mu.Lock()
	inst.Title = m.titleForLocked(manifest.Name, toolID)
	m.instances[inst.ID] = inst
	m.order = append(m.order, inst.ID)
	m.activateLocked(inst.ID)
	m.mu.Unlock()

	if err := m.opts.Store.RecordToolUse(ctx, toolID); err != nil {
		log.Printf("[Windows] WARNING: recording tool use: %v", err)
	}
	m.persistSession(ctx)

	eventbus.Publish(ctx, m.opts.Bus, eventbus.Windows.Opened, eventbus.SourceWindowManager,
		eventbus.WindowEvent{InstanceID: inst.ID, ToolID: toolID, Title: inst.Title})
	eventbus.Publish(ctx, m.opts.Bus, eventbus.Windows.Activated, eventbus.SourceWindowManager,
		eventbus.WindowEvent{InstanceID: inst.ID, ToolID: toolID, Title: inst.Title})

	log.Printf("[Windows] Launched %s as instance %s", toolID, inst.ID)
	return m.snapshot(inst.ID), nil
}

// newInstanceID mints an id that is unique across restarts: tool id
// plus launch time plus randomness.
func newInstanceID(toolID string) string {
	return fmt.Sprintf("%s-%d-%s", toolID, time.Now().UnixMilli(), uuid.NewString()[:8])
}

func (m *Manager) checkSupport(ctx context.Context, manifest *tools.Manifest) error {
	result := manifest.Support(m.opts.HostVersion, m.opts.MinSupportedAPI)
	if result.Supported {
		return nil
	}
	var msg string
	switch result.Reason {
	case "toolbox-too-old":
		msg = fmt.Sprintf("%s requires toolbox API %s or newer; please update the toolbox",
			manifest.Name, result.RequiredVersion)
	case "tool-outdated":
		msg = fmt.Sprintf("%s targets an API older than %s and needs an update",
			manifest.Name, result.RequiredVersion)
	default:
		msg = fmt.Sprintf("%s has an unrecognized API requirement", manifest.Name)
	}
	m.notify(ctx, "warning", msg)
	return fault.New(fault.KindVersionIncompatible, "%s", msg).
		WithDetail("reason", string(result.Reason)).
		WithDetail("requiredVersion", result.RequiredVersion)
}

// resolveConnections fills the primary (and, for multi-connection
// tools, secondary) connection: explicit options first, then the
// stored tool binding, then the selection dialog.
func (m *Manager) resolveConnections(ctx context.Context, manifest *tools.Manifest, opts LaunchOptions, interactive bool) (string, string, error) {
	mode := manifest.Features.MultiConnection
	if mode != tools.MultiConnectionRequired && mode != tools.MultiConnectionOptional {
		return "", "", nil
	}

	primary := m.resolveBinding(ctx, manifest.ID, "primary", opts.PrimaryConnectionID)
	secondary := m.resolveBinding(ctx, manifest.ID, "secondary", opts.SecondaryConnectionID)

	needSecondary := mode == tools.MultiConnectionRequired
	if primary != "" && (!needSecondary || secondary != "") {
		return primary, secondary, nil
	}
	if !interactive {
		if needSecondary {
			return "", "", fault.New(fault.KindNotFound,
				"tool %s needs a connection pair and none is stored", manifest.ID)
		}
		// Optional tools may start unconnected during session restore.
		return primary, secondary, nil
	}

	kind := "select-connection"
	if needSecondary {
		kind = "select-multi-connection"
	}
	info, err := m.opts.Modals.Open(ctx, modal.Descriptor{
		Kind: kind,
		HTML: connectionSelectHTML(manifest.Name, needSecondary),
	})
	if err != nil {
		return "", "", err
	}
	value, err := m.opts.Modals.Await(ctx, info.ID)
	if err != nil {
		return "", "", err
	}

	selPrimary, selSecondary := parseConnectionSelection(value)
	if primary == "" {
		primary = selPrimary
	}
	if secondary == "" {
		secondary = selSecondary
	}
	if primary == "" || (needSecondary && secondary == "") {
		return "", "", fault.New(fault.KindCancelled, "no connection was selected")
	}
	return primary, secondary, nil
}

// resolveBinding returns the explicit id when given, otherwise a stored
// binding that still points at an existing connection.
func (m *Manager) resolveBinding(ctx context.Context, toolID, role, explicit string) string {
	id := explicit
	if id == "" {
		stored, err := m.opts.Store.GetToolConnection(ctx, toolID, role)
		if err != nil {
			return ""
		}
		id = stored
	}
	if id == "" {
		return ""
	}
	if _, err := m.opts.Store.GetConnection(ctx, id); err != nil {
		return ""
	}
	return id
}

func parseConnectionSelection(value any) (string, string) {
	switch v := value.(type) {
	case string:
		return v, ""
	case map[string]string:
		return v["primaryConnectionId"], v["secondaryConnectionId"]
	case map[string]any:
		primary, _ := v["primaryConnectionId"].(string)
		secondary, _ := v["secondaryConnectionId"].(string)
		if primary == "" {
			primary, _ = v["connectionId"].(string)
		}
		return primary, secondary
	default:
		return "", ""
	}
}

func (m *Manager) ensureCSPConsent(ctx context.Context, manifest *tools.Manifest, interactive bool) error {
	if !manifest.RequiresCSPConsent() {
		return nil
	}
	granted, err := m.opts.Store.HasCSPConsent(ctx, manifest.ID)
	if err != nil {
		return err
	}
	if granted {
		return nil
	}
	if !interactive {
		return fault.New(fault.KindAccessDenied,
			"tool %s needs security-policy consent before it can run", manifest.ID)
	}

	info, err := m.opts.Modals.Open(ctx, modal.Descriptor{
		Kind: "csp-consent",
		HTML: cspConsentHTML(manifest),
	})
	if err != nil {
		return err
	}
	value, err := m.opts.Modals.Await(ctx, info.ID)
	if err != nil {
		return err
	}
	accepted, _ := value.(bool)
	if !accepted {
		return fault.New(fault.KindCancelled, "security-policy consent was declined")
	}
	return m.opts.Store.SetCSPConsent(ctx, manifest.ID, true)
}

// titleForLocked labels the tab "Name" or "Name (N)" for the Nth
// concurrent instance. Caller holds m.mu.
func (m *Manager) titleForLocked(name, toolID string) string {
	open := 0
	for _, inst := range m.instances {
		if inst.ToolID == toolID {
			open++
		}
	}
	if open == 0 {
		return name
	}
	return fmt.Sprintf("%s (%d)", name, open+1)
}

// activateLocked shows the instance's view, hides the rest, and stamps
// last-active. Caller holds m.mu.
func (m *Manager) activateLocked(instanceID string) {
	m.activeID = instanceID
	for id := range m.instances {
		if id == instanceID {
			m.opts.Host.ShowView(id)
		} else {
			m.opts.Host.HideView(id)
		}
	}
	if inst, ok := m.instances[instanceID]; ok {
		inst.lastActive = time.Now()
	}
}

// Switch activates a different open instance.
func (m *Manager) Switch(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.KindNotFound, "instance %s does not exist", instanceID)
	}
	m.activateLocked(instanceID)
	toolID, title := inst.ToolID, inst.Title
	m.mu.Unlock()

	eventbus.Publish(ctx, m.opts.Bus, eventbus.Windows.Activated, eventbus.SourceWindowManager,
		eventbus.WindowEvent{InstanceID: instanceID, ToolID: toolID, Title: title})
	m.persistSession(ctx)
	return nil
}

// Close destroys an instance. Pinned instances refuse to close.
func (m *Manager) Close(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.KindNotFound, "instance %s does not exist", instanceID)
	}
	if inst.Pinned {
		m.mu.Unlock()
		m.notify(ctx, "warning", fmt.Sprintf("%s is pinned; unpin it before closing", inst.Title))
		return fault.New(fault.KindInvalidArgument, "cannot close a pinned tab")
	}
	delete(m.instances, instanceID)
	for i, id := range m.order {
		if id == instanceID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	wasActive := m.activeID == instanceID
	var nextID string
	if wasActive {
		nextID = m.mostRecentLocked()
		if nextID != "" {
			m.activateLocked(nextID)
		} else {
			m.activeID = ""
		}
	}
	toolID, title := inst.ToolID, inst.Title
	m.mu.Unlock()

	m.opts.Host.DestroyView(instanceID)
	if m.opts.Terminals != nil {
		m.opts.Terminals.CloseForInstance(instanceID)
	}
	if m.opts.Grants != nil {
		m.opts.Grants.RevokeAllAccess(instanceID)
	}

	eventbus.Publish(ctx, m.opts.Bus, eventbus.Windows.Closed, eventbus.SourceWindowManager,
		eventbus.WindowEvent{InstanceID: instanceID, ToolID: toolID, Title: title})
	if wasActive {
		if nextID != "" {
			m.mu.Lock()
			next := m.instances[nextID]
			var ev eventbus.WindowEvent
			if next != nil {
				ev = eventbus.WindowEvent{InstanceID: next.ID, ToolID: next.ToolID, Title: next.Title}
			}
			m.mu.Unlock()
			if ev.InstanceID != "" {
				eventbus.Publish(ctx, m.opts.Bus, eventbus.Windows.Activated, eventbus.SourceWindowManager, ev)
			}
		} else {
			eventbus.Publish(ctx, m.opts.Bus, eventbus.UI.ShowHome, eventbus.SourceWindowManager,
				eventbus.HomeEvent{})
		}
	}
	m.persistSession(ctx)
	log.Printf("[Windows] Closed instance %s", instanceID)
	return nil
}

// mostRecentLocked picks the most recently active remaining instance.
// Caller holds m.mu.
func (m *Manager) mostRecentLocked() string {
	var bestID string
	var bestTime time.Time
	for id, inst := range m.instances {
		if inst.lastActive.After(bestTime) {
			bestID = id
			bestTime = inst.lastActive
		}
	}
	return bestID
}

// CloseAllForTool force-closes every instance of a tool, ignoring pins.
// The installer uses it before uninstalling.
func (m *Manager) CloseAllForTool(ctx context.Context, toolID string) error {
	m.mu.Lock()
	var ids []string
	for id, inst := range m.instances {
		if inst.ToolID == toolID {
			inst.Pinned = false
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil && !fault.IsKind(err, fault.KindNotFound) {
			return err
		}
	}
	return nil
}

// SetPinned pins or unpins a tab.
func (m *Manager) SetPinned(ctx context.Context, instanceID string, pinned bool) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if ok {
		inst.Pinned = pinned
	}
	m.mu.Unlock()
	if !ok {
		return fault.New(fault.KindNotFound, "instance %s does not exist", instanceID)
	}
	m.persistSession(ctx)
	return nil
}

// Reorder moves the instance's tab to the given index.
func (m *Manager) Reorder(ctx context.Context, instanceID string, index int) error {
	m.mu.Lock()
	pos := -1
	for i, id := range m.order {
		if id == instanceID {
			pos = i
			break
		}
	}
	if pos < 0 {
		m.mu.Unlock()
		return fault.New(fault.KindNotFound, "instance %s does not exist", instanceID)
	}
	if index < 0 {
		index = 0
	}
	if index >= len(m.order) {
		index = len(m.order) - 1
	}
	id := m.order[pos]
	m.order = append(m.order[:pos], m.order[pos+1:]...)
	m.order = append(m.order[:index], append([]string{id}, m.order[index:]...)...)
	m.mu.Unlock()
	m.persistSession(ctx)
	return nil
}

// UpdateToolConnection rebinds an instance's connections and notifies
// its view so the tool context updates without a reload.
func (m *Manager) UpdateToolConnection(ctx context.Context, instanceID, primaryID, secondaryID string) error {
	for _, connID := range []string{primaryID, secondaryID} {
		if connID == "" {
			continue
		}
		if _, err := m.opts.Store.GetConnection(ctx, connID); err != nil {
			if store.IsNotFound(err) {
				return fault.New(fault.KindNotFound, "connection %s does not exist", connID)
			}
			return err
		}
	}
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if ok {
		inst.PrimaryConnectionID = primaryID
		inst.SecondaryConnectionID = secondaryID
	}
	m.mu.Unlock()
	if !ok {
		return fault.New(fault.KindNotFound, "instance %s does not exist", instanceID)
	}
	m.opts.Host.NotifyConnectionChanged(instanceID)
	m.persistSession(ctx)
	return nil
}

// Get returns one open instance.
func (m *Manager) Get(instanceID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[instanceID]; !ok {
		return nil, fault.New(fault.KindNotFound, "instance %s does not exist", instanceID)
	}
	return m.snapshotLocked(instanceID), nil
}

// GetActive returns the active instance, or nil when the home view is
// showing.
func (m *Manager) GetActive() *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" {
		return nil
	}
	return m.snapshotLocked(m.activeID)
}

// GetOpen returns all open instances in tab order.
func (m *Manager) GetOpen() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.order))
	for _, id := range m.order {
		if snap := m.snapshotLocked(id); snap != nil {
			out = append(out, snap)
		}
	}
	return out
}

func (m *Manager) snapshot(instanceID string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(instanceID)
}

func (m *Manager) snapshotLocked(instanceID string) *Instance {
	inst, ok := m.instances[instanceID]
	if !ok {
		return nil
	}
	cp := *inst
	return &cp
}

// SetPanelBounds records the tool-panel rectangle published by the UI
// on resize and repositions every view. Only the active view stays
// visible.
func (m *Manager) SetPanelBounds(bounds Bounds) {
	m.mu.Lock()
	m.panelBounds = bounds
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.opts.Host.SetViewBounds(id, bounds)
	}
}

// connectionSelectHTML and cspConsentHTML produce the dialog documents.
// The DOM is deliberately minimal; the UI zone styles dialogs itself.

func connectionSelectHTML(toolName string, multi bool) string {
	heading := "Select a connection"
	if multi {
		heading = "Select primary and secondary connections"
	}
	return fmt.Sprintf(`<!DOCTYPE html><html><body data-dialog="connection-select"><h1>%s</h1><p>for %s</p></body></html>`,
		heading, toolName)
}

func cspConsentHTML(manifest *tools.Manifest) string {
	hosts, _ := json.Marshal(manifest.CSPExceptions)
	return fmt.Sprintf(`<!DOCTYPE html><html><body data-dialog="csp-consent"><h1>%s requests relaxed security policy</h1><pre>%s</pre></body></html>`,
		manifest.Name, hosts)
}
