package windows

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/modal"
	"github.com/pptb-app/pptb/internal/tools"
)

type fakeUpdateGate struct {
	mu       sync.Mutex
	updating map[string]bool
}

func (g *fakeUpdateGate) IsToolUpdating(toolID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updating[toolID]
}

type recordingRevoker struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRevoker) RevokeAllAccess(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, instanceID)
}

type recordingTerminals struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTerminals) CloseForInstance(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, instanceID)
}

type windowFixture struct {
	manager   *Manager
	store     *store.Store
	catalog   *tools.Catalog
	modals    *modal.Broker
	bus       *eventbus.Bus
	host      *MemoryViewHost
	updates   *fakeUpdateGate
	revoker   *recordingRevoker
	terminals *recordingTerminals
	toolsRoot string
}

func newWindowFixture(t *testing.T) *windowFixture {
	t.Helper()
	st, err := store.Open(store.Options{DBPath: filepath.Join(t.TempDir(), "config.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)

	fix := &windowFixture{
		store:     st,
		bus:       bus,
		modals:    modal.NewBroker(bus),
		host:      NewMemoryViewHost(),
		updates:   &fakeUpdateGate{updating: make(map[string]bool)},
		revoker:   &recordingRevoker{},
		terminals: &recordingTerminals{},
		toolsRoot: t.TempDir(),
	}
	fix.catalog = tools.NewCatalog(fix.toolsRoot)
	fix.manager = NewManager(Options{
		Catalog:         fix.catalog,
		Store:           st,
		Modals:          fix.modals,
		Bus:             bus,
		Host:            fix.host,
		Updates:         fix.updates,
		Grants:          fix.revoker,
		Terminals:       fix.terminals,
		HostVersion:     "2.0.0",
		MinSupportedAPI: "1.0.0",
	})
	return fix
}

func (fix *windowFixture) installTool(t *testing.T, m *tools.Manifest) {
	t.Helper()
	dir := filepath.Join(fix.toolsRoot, m.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if m.Source == "" {
		m.Source = tools.SourceRegistry
	}
	if err := tools.SaveManifest(dir, m); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
}

func (fix *windowFixture) addConnection(t *testing.T, id, name string) {
	t.Helper()
	err := fix.store.AddConnection(context.Background(), store.Connection{
		ID:                 id,
		Name:               name,
		URL:                "https://org.crm.dynamics.com",
		Environment:        store.EnvDev,
		AuthenticationType: store.AuthInteractive,
	})
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
}

// resolveNextModal waits for a dialog of the given kind and resolves it.
func (fix *windowFixture) resolveNextModal(t *testing.T, kind string, value any) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if info, ok := fix.modals.FindByKind(kind); ok {
				fix.modals.Resolve(context.Background(), info.ID, value)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
}

// dismissNextModal waits for a dialog of the given kind and closes it.
func (fix *windowFixture) dismissNextModal(t *testing.T, kind string) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if info, ok := fix.modals.FindByKind(kind); ok {
				fix.modals.Close(context.Background(), info.ID)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
}

func simpleManifest(id, name string) *tools.Manifest {
	return &tools.Manifest{ID: id, Name: name, Version: "1.0.0"}
}

func TestLaunchCreatesActiveInstance(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("data-explorer", "Data Explorer"))

	inst, err := fix.manager.LaunchTool(context.Background(), "data-explorer", LaunchOptions{})
	if err != nil {
		t.Fatalf("LaunchTool: %v", err)
	}
	if inst.Title != "Data Explorer" {
		t.Fatalf("Title = %q", inst.Title)
	}
	if !strings.HasPrefix(inst.ID, "data-explorer-") {
		t.Fatalf("instance id %q not derived from tool id", inst.ID)
	}
	if !fix.host.Visible(inst.ID) {
		t.Fatal("new instance's view is not visible")
	}
	active := fix.manager.GetActive()
	if active == nil || active.ID != inst.ID {
		t.Fatalf("active = %+v, want %s", active, inst.ID)
	}
}

func TestConcurrentInstanceLabels(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("data-explorer", "Data Explorer"))
	ctx := context.Background()

	first, err := fix.manager.LaunchTool(ctx, "data-explorer", LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := fix.manager.LaunchTool(ctx, "data-explorer", LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Title != "Data Explorer" || second.Title != "Data Explorer (2)" {
		t.Fatalf("titles = %q, %q", first.Title, second.Title)
	}
	if first.ID == second.ID {
		t.Fatal("instance ids must be unique")
	}
	// Second launch hides the first view.
	if fix.host.Visible(first.ID) {
		t.Fatal("previous view still visible after new launch")
	}
}

func TestLaunchVersionGate(t *testing.T) {
	fix := newWindowFixture(t)
	m := simpleManifest("future-tool", "Future Tool")
	m.Features.MinAPI = "3.0.0"
	fix.installTool(t, m)

	_, err := fix.manager.LaunchTool(context.Background(), "future-tool", LaunchOptions{})
	if !fault.IsKind(err, fault.KindVersionIncompatible) {
		t.Fatalf("err = %v, want version_incompatible", err)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Detail["reason"] != "toolbox-too-old" {
		t.Fatalf("detail = %+v", fe)
	}
}

func TestLaunchBlockedDuringUpdate(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("data-explorer", "Data Explorer"))
	fix.updates.updating["data-explorer"] = true

	_, err := fix.manager.LaunchTool(context.Background(), "data-explorer", LaunchOptions{})
	if !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("err = %v, want invalid_argument", err)
	}
}

func TestLaunchResolvesConnectionThroughDialog(t *testing.T) {
	fix := newWindowFixture(t)
	m := simpleManifest("data-explorer", "Data Explorer")
	m.Features.MultiConnection = tools.MultiConnectionOptional
	fix.installTool(t, m)
	fix.addConnection(t, "conn-1", "Dev")

	fix.resolveNextModal(t, "select-connection", map[string]any{"connectionId": "conn-1"})

	inst, err := fix.manager.LaunchTool(context.Background(), "data-explorer", LaunchOptions{})
	if err != nil {
		t.Fatalf("LaunchTool: %v", err)
	}
	if inst.PrimaryConnectionID != "conn-1" {
		t.Fatalf("PrimaryConnectionID = %q, want conn-1", inst.PrimaryConnectionID)
	}
}

func TestLaunchUsesStoredBinding(t *testing.T) {
	fix := newWindowFixture(t)
	m := simpleManifest("data-explorer", "Data Explorer")
	m.Features.MultiConnection = tools.MultiConnectionOptional
	fix.installTool(t, m)
	fix.addConnection(t, "conn-1", "Dev")
	if err := fix.store.SetToolConnection(context.Background(), "data-explorer", "primary", "conn-1"); err != nil {
		t.Fatal(err)
	}

	// No dialog resolver is armed; the stored binding must suffice.
	inst, err := fix.manager.LaunchTool(context.Background(), "data-explorer", LaunchOptions{})
	if err != nil {
		t.Fatalf("LaunchTool: %v", err)
	}
	if inst.PrimaryConnectionID != "conn-1" {
		t.Fatalf("PrimaryConnectionID = %q, want conn-1", inst.PrimaryConnectionID)
	}
}

func TestLaunchCancelledWhenDialogDismissed(t *testing.T) {
	fix := newWindowFixture(t)
	m := simpleManifest("data-explorer", "Data Explorer")
	m.Features.MultiConnection = tools.MultiConnectionRequired
	fix.installTool(t, m)

	fix.dismissNextModal(t, "select-multi-connection")

	_, err := fix.manager.LaunchTool(context.Background(), "data-explorer", LaunchOptions{})
	if !fault.IsKind(err, fault.KindCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if ids := fix.host.ViewIDs(); len(ids) != 0 {
		t.Fatalf("views created despite aborted launch: %v", ids)
	}
}

func TestLaunchCSPConsentFlow(t *testing.T) {
	fix := newWindowFixture(t)
	m := simpleManifest("csp-tool", "CSP Tool")
	m.CSPExceptions = map[string][]string{"connect-src": {"https://api.example.com"}}
	fix.installTool(t, m)
	ctx := context.Background()

	// Declined: launch aborts, consent stays ungranted.
	fix.resolveNextModal(t, "csp-consent", false)
	if _, err := fix.manager.LaunchTool(ctx, "csp-tool", LaunchOptions{}); !fault.IsKind(err, fault.KindCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	granted, err := fix.store.HasCSPConsent(ctx, "csp-tool")
	if err != nil {
		t.Fatal(err)
	}
	if granted {
		t.Fatal("declined consent must not be persisted as granted")
	}

	// Accepted: consent is persisted and later launches skip the dialog.
	fix.resolveNextModal(t, "csp-consent", true)
	if _, err := fix.manager.LaunchTool(ctx, "csp-tool", LaunchOptions{}); err != nil {
		t.Fatalf("LaunchTool after consent: %v", err)
	}
	granted, err = fix.store.HasCSPConsent(ctx, "csp-tool")
	if err != nil {
		t.Fatal(err)
	}
	if !granted {
		t.Fatal("accepted consent was not persisted")
	}
	if _, err := fix.manager.LaunchTool(ctx, "csp-tool", LaunchOptions{}); err != nil {
		t.Fatalf("launch with stored consent must not open a dialog: %v", err)
	}
}

func TestPinnedTabRefusesClose(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("data-explorer", "Data Explorer"))
	ctx := context.Background()

	inst, err := fix.manager.LaunchTool(ctx, "data-explorer", LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := fix.manager.SetPinned(ctx, inst.ID, true); err != nil {
		t.Fatal(err)
	}

	if err := fix.manager.Close(ctx, inst.ID); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("Close pinned = %v, want invalid_argument", err)
	}
	if _, err := fix.manager.Get(inst.ID); err != nil {
		t.Fatal("pinned instance was closed anyway")
	}

	if err := fix.manager.SetPinned(ctx, inst.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := fix.manager.Close(ctx, inst.ID); err != nil {
		t.Fatalf("Close after unpin: %v", err)
	}
}

func TestCloseRevokesGrantsAndTerminals(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("data-explorer", "Data Explorer"))
	ctx := context.Background()

	inst, err := fix.manager.LaunchTool(ctx, "data-explorer", LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := fix.manager.Close(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	if len(fix.revoker.ids) != 1 || fix.revoker.ids[0] != inst.ID {
		t.Fatalf("revoked = %v, want [%s]", fix.revoker.ids, inst.ID)
	}
	if len(fix.terminals.ids) != 1 || fix.terminals.ids[0] != inst.ID {
		t.Fatalf("closed terminals = %v, want [%s]", fix.terminals.ids, inst.ID)
	}
	if ids := fix.host.ViewIDs(); len(ids) != 0 {
		t.Fatalf("views remaining = %v", ids)
	}
}

func TestCloseActiveActivatesMostRecent(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("tool-a", "Tool A"))
	fix.installTool(t, simpleManifest("tool-b", "Tool B"))
	ctx := context.Background()

	a, err := fix.manager.LaunchTool(ctx, "tool-a", LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := fix.manager.LaunchTool(ctx, "tool-b", LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// Visit A, then B, then close B; A is the most recent remaining.
	if err := fix.manager.Switch(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := fix.manager.Switch(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := fix.manager.Close(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	active := fix.manager.GetActive()
	if active == nil || active.ID != a.ID {
		t.Fatalf("active = %+v, want %s", active, a.ID)
	}
	if !fix.host.Visible(a.ID) {
		t.Fatal("activated view not visible")
	}
}

func TestCloseLastShowsHome(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("tool-a", "Tool A"))
	ctx := context.Background()

	home := eventbus.SubscribeTo(fix.bus, eventbus.UI.ShowHome)
	defer home.Close()

	inst, err := fix.manager.LaunchTool(ctx, "tool-a", LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := fix.manager.Close(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	select {
	case <-home.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no show-home event after last tab closed")
	}
	if fix.manager.GetActive() != nil {
		t.Fatal("active instance after last close")
	}
}

func TestReorder(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("tool-a", "Tool A"))
	fix.installTool(t, simpleManifest("tool-b", "Tool B"))
	fix.installTool(t, simpleManifest("tool-c", "Tool C"))
	ctx := context.Background()

	a, _ := fix.manager.LaunchTool(ctx, "tool-a", LaunchOptions{})
	b, _ := fix.manager.LaunchTool(ctx, "tool-b", LaunchOptions{})
	c, _ := fix.manager.LaunchTool(ctx, "tool-c", LaunchOptions{})

	if err := fix.manager.Reorder(ctx, c.ID, 0); err != nil {
		t.Fatal(err)
	}
	open := fix.manager.GetOpen()
	gotOrder := []string{open[0].ID, open[1].ID, open[2].ID}
	wantOrder := []string{c.ID, a.ID, b.ID}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("order = %v, want %v", gotOrder, wantOrder)
		}
	}
}

func TestUpdateToolConnectionNotifiesView(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("data-explorer", "Data Explorer"))
	fix.addConnection(t, "conn-1", "Dev")
	fix.addConnection(t, "conn-2", "Prod")
	ctx := context.Background()

	inst, err := fix.manager.LaunchTool(ctx, "data-explorer", LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := fix.manager.UpdateToolConnection(ctx, inst.ID, "conn-1", "conn-2"); err != nil {
		t.Fatalf("UpdateToolConnection: %v", err)
	}

	got, err := fix.manager.Get(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PrimaryConnectionID != "conn-1" || got.SecondaryConnectionID != "conn-2" {
		t.Fatalf("connections = %s/%s", got.PrimaryConnectionID, got.SecondaryConnectionID)
	}
	if fix.host.Notifications(inst.ID) != 1 {
		t.Fatalf("view notifications = %d, want 1", fix.host.Notifications(inst.ID))
	}

	// Unknown connection id is rejected before mutating the instance.
	if err := fix.manager.UpdateToolConnection(ctx, inst.ID, "ghost", ""); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestSetPanelBounds(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("tool-a", "Tool A"))
	ctx := context.Background()

	inst, err := fix.manager.LaunchTool(ctx, "tool-a", LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := Bounds{X: 10, Y: 20, Width: 800, Height: 600}
	fix.manager.SetPanelBounds(want)

	got, ok := fix.host.ViewBounds(inst.ID)
	if !ok || got != want {
		t.Fatalf("bounds = %+v, want %+v", got, want)
	}
}

func TestSessionRestore(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("tool-a", "Tool A"))
	fix.installTool(t, simpleManifest("tool-b", "Tool B"))
	fix.addConnection(t, "conn-1", "Dev")
	ctx := context.Background()

	a, err := fix.manager.LaunchTool(ctx, "tool-a", LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fix.manager.LaunchTool(ctx, "tool-b", LaunchOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := fix.manager.SetPinned(ctx, a.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := fix.manager.Switch(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	// A fresh manager over the same store simulates a restart.
	restored := NewManager(Options{
		Catalog:         fix.catalog,
		Store:           fix.store,
		Modals:          fix.modals,
		Bus:             fix.bus,
		Host:            NewMemoryViewHost(),
		HostVersion:     "2.0.0",
		MinSupportedAPI: "1.0.0",
	})
	if err := restored.RestoreSession(ctx); err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}

	open := restored.GetOpen()
	if len(open) != 2 {
		t.Fatalf("restored %d instances, want 2", len(open))
	}
	if open[0].ToolID != "tool-a" || open[1].ToolID != "tool-b" {
		t.Fatalf("restored order = %s, %s", open[0].ToolID, open[1].ToolID)
	}
	if !open[0].Pinned {
		t.Fatal("pin was not restored")
	}
	if open[0].ID == a.ID {
		t.Fatal("instance ids must not be reused across restores")
	}
	active := restored.GetActive()
	if active == nil || active.ToolID != "tool-a" {
		t.Fatalf("active after restore = %+v, want tool-a", active)
	}
}

func TestSessionRestoreSkipsMissingTool(t *testing.T) {
	fix := newWindowFixture(t)
	fix.installTool(t, simpleManifest("tool-a", "Tool A"))
	fix.installTool(t, simpleManifest("tool-b", "Tool B"))
	ctx := context.Background()

	if _, err := fix.manager.LaunchTool(ctx, "tool-a", LaunchOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := fix.manager.LaunchTool(ctx, "tool-b", LaunchOptions{}); err != nil {
		t.Fatal(err)
	}

	// Uninstall tool-a between sessions.
	if err := os.RemoveAll(filepath.Join(fix.toolsRoot, "tool-a")); err != nil {
		t.Fatal(err)
	}

	restored := NewManager(Options{
		Catalog:         fix.catalog,
		Store:           fix.store,
		Modals:          fix.modals,
		Bus:             fix.bus,
		Host:            NewMemoryViewHost(),
		HostVersion:     "2.0.0",
		MinSupportedAPI: "1.0.0",
	})
	if err := restored.RestoreSession(ctx); err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	open := restored.GetOpen()
	if len(open) != 1 || open[0].ToolID != "tool-b" {
		t.Fatalf("restored = %+v, want only tool-b", open)
	}
}
