package apibroker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pptb-app/pptb/internal/auth"
	"github.com/pptb-app/pptb/internal/browser"
	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/dataverse"
	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/fsgate"
	"github.com/pptb-app/pptb/internal/ipc"
	"github.com/pptb-app/pptb/internal/modal"
	"github.com/pptb-app/pptb/internal/semver"
	"github.com/pptb-app/pptb/internal/terminal"
	"github.com/pptb-app/pptb/internal/tools"
	"github.com/pptb-app/pptb/internal/windows"
)

// fakePicker resolves every dialog to a fixed path without user interaction.
type fakePicker struct {
	path string
}

func (p *fakePicker) PickSave(ctx context.Context, suggestedName string) (string, error) {
	return p.path, nil
}

func (p *fakePicker) PickPath(ctx context.Context, directory bool) (string, error) {
	return p.path, nil
}

type fakeClipboard struct {
	copied string
}

func (c *fakeClipboard) Copy(text string) error {
	c.copied = text
	return nil
}

type brokerFixture struct {
	broker    *Broker
	router    *ipc.Router
	store     *store.Store
	gate      *fsgate.Gate
	windows   *windows.Manager
	catalog   *tools.Catalog
	bus       *eventbus.Bus
	picker    *fakePicker
	clipboard *fakeClipboard
	toolsRoot string
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	st, err := store.Open(store.Options{DBPath: filepath.Join(t.TempDir(), "config.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)

	launcher := browser.New()
	fix := &brokerFixture{
		store:     st,
		bus:       bus,
		gate:      fsgate.New(),
		picker:    &fakePicker{},
		clipboard: &fakeClipboard{},
		toolsRoot: t.TempDir(),
	}
	fix.catalog = tools.NewCatalog(fix.toolsRoot)
	modals := modal.NewBroker(bus)
	terminals := terminal.NewSupervisor(bus)
	t.Cleanup(terminals.Shutdown)
	fix.windows = windows.NewManager(windows.Options{
		Catalog:         fix.catalog,
		Store:           st,
		Modals:          modals,
		Bus:             bus,
		Host:            windows.NewMemoryViewHost(),
		Grants:          fix.gate,
		Terminals:       terminals,
		HostVersion:     "2.0.0",
		MinSupportedAPI: "1.0.0",
	})
	authBroker := auth.New(st, launcher, bus)
	fix.broker = New(Options{
		Store:           st,
		Auth:            authBroker,
		Dataverse:       dataverse.NewClient(),
		Gate:            fix.gate,
		Browser:         launcher,
		Terminals:       terminals,
		Windows:         fix.windows,
		Modals:          modals,
		Catalog:         fix.catalog,
		History:         ipc.NewHistory(16),
		Bus:             bus,
		Picker:          fix.picker,
		Clipboard:       fix.clipboard,
		HostVersion:     "2.0.0",
		MinSupportedAPI: "1.0.0",
	})
	fix.router = ipc.NewRouter()
	fix.broker.RegisterAll(fix.router)
	return fix
}

func uiCaller() ipc.Caller {
	return ipc.Caller{Zone: ipc.ZoneUI}
}

func toolCaller(instanceID, toolID string) ipc.Caller {
	return ipc.Caller{Zone: ipc.ZoneTool, InstanceID: instanceID, ToolID: toolID}
}

func (fix *brokerFixture) call(t *testing.T, caller ipc.Caller, route, args string) ipc.Response {
	t.Helper()
	return fix.router.Dispatch(context.Background(), caller, ipc.Request{
		ID:    1,
		Route: route,
		Args:  json.RawMessage(args),
	})
}

func (fix *brokerFixture) callOK(t *testing.T, caller ipc.Caller, route, args string) any {
	t.Helper()
	resp := fix.call(t, caller, route, args)
	if resp.Error != nil {
		t.Fatalf("%s: %v", route, resp.Error)
	}
	return resp.Result
}

func wantKind(t *testing.T, resp ipc.Response, kind fault.Kind) {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected %s error, got result %v", kind, resp.Result)
	}
	if resp.Error.Kind != kind {
		t.Fatalf("error kind = %s, want %s (message %q)", resp.Error.Kind, kind, resp.Error.Message)
	}
}

func (fix *brokerFixture) addConnection(t *testing.T, id string) {
	t.Helper()
	err := fix.store.AddConnection(context.Background(), store.Connection{
		ID:                 id,
		Name:               "Contoso " + id,
		URL:                "https://contoso.crm.dynamics.com",
		Environment:        store.EnvDev,
		AuthenticationType: store.AuthInteractive,
	})
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
}

// launchInstance installs a tool and launches it with a bound connection so
// tool-zone callers have a real identity to act under.
func (fix *brokerFixture) launchInstance(t *testing.T, toolID, connID string) *windows.Instance {
	t.Helper()
	dir := filepath.Join(fix.toolsRoot, toolID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	m := &tools.Manifest{
		ID:      toolID,
		Name:    "Tool " + toolID,
		Version: "1.0.0",
		Source:  tools.SourceRegistry,
		Features: tools.Features{
			MultiConnection: tools.MultiConnectionOptional,
		},
	}
	if err := tools.SaveManifest(dir, m); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
	inst, err := fix.windows.LaunchTool(context.Background(), toolID, windows.LaunchOptions{
		PrimaryConnectionID: connID,
	})
	if err != nil {
		t.Fatalf("LaunchTool: %v", err)
	}
	return inst
}

func TestToolZoneCannotWriteSettings(t *testing.T) {
	fix := newBrokerFixture(t)

	resp := fix.call(t, toolCaller("inst-1", "tool-a"), ipc.RouteSettingsSet,
		`{"values":{"theme":"dark"}}`)
	wantKind(t, resp, fault.KindAccessDenied)
}

func TestSettingsRoundTrip(t *testing.T) {
	fix := newBrokerFixture(t)

	fix.callOK(t, uiCaller(), ipc.RouteSettingsSet, `{"values":{"theme":"dark"}}`)
	result := fix.callOK(t, uiCaller(), ipc.RouteSettingsGet, `{"keys":["theme"]}`)

	values, ok := result.(map[string]string)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if values["theme"] != "dark" {
		t.Fatalf("theme = %q, want dark", values["theme"])
	}
}

func TestToolRoutesRejectMalformedToolID(t *testing.T) {
	fix := newBrokerFixture(t)

	resp := fix.call(t, uiCaller(), ipc.RouteToolsGet, `{"toolId":"../escape"}`)
	wantKind(t, resp, fault.KindInvalidArgument)

	resp = fix.call(t, uiCaller(), ipc.RouteWindowLaunch, `{"toolId":""}`)
	wantKind(t, resp, fault.KindInvalidArgument)
}

func TestToolListingReportsSupportGate(t *testing.T) {
	fix := newBrokerFixture(t)
	dir := filepath.Join(fix.toolsRoot, "future-tool")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	m := &tools.Manifest{
		ID:       "future-tool",
		Name:     "Future Tool",
		Version:  "1.0.0",
		Source:   tools.SourceRegistry,
		Features: tools.Features{MinAPI: "99.0.0"},
	}
	if err := tools.SaveManifest(dir, m); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}

	result := fix.callOK(t, uiCaller(), ipc.RouteToolsGet, `{"toolId":"future-tool"}`)
	dto, ok := result.(toolDTO)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if dto.Supported {
		t.Fatal("tool requiring API 99.0.0 must not run on host 2.0.0")
	}
	if dto.Reason != semver.ReasonHostTooOld {
		t.Fatalf("Reason = %q, want %q", dto.Reason, semver.ReasonHostTooOld)
	}
}

func TestUnknownArgumentRejected(t *testing.T) {
	fix := newBrokerFixture(t)

	resp := fix.call(t, uiCaller(), ipc.RouteSettingsGet, `{"bogus":true}`)
	wantKind(t, resp, fault.KindInvalidArgument)
}

func TestConnectionReplyOmitsSecrets(t *testing.T) {
	fix := newBrokerFixture(t)

	result := fix.callOK(t, uiCaller(), ipc.RouteConnectionsAdd, `{
		"name": "Contoso",
		"url": "https://contoso.crm.dynamics.com",
		"authenticationType": "clientSecret",
		"clientId": "app-123",
		"clientSecret": "s3cret-value",
		"tenantId": "tenant-1"
	}`)

	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	reply := string(raw)
	for _, forbidden := range []string{"s3cret-value", "clientSecret", "accessToken", "password"} {
		if strings.Contains(reply, forbidden) {
			t.Fatalf("reply leaks %q: %s", forbidden, reply)
		}
	}
	if !strings.Contains(reply, "app-123") {
		t.Fatalf("reply should keep the non-secret client id: %s", reply)
	}
}

func TestConnectionUpdatePreservesTokensWhenURLUnchanged(t *testing.T) {
	fix := newBrokerFixture(t)
	ctx := context.Background()
	fix.addConnection(t, "conn-1")
	err := fix.store.UpdateConnectionTokens(ctx, "conn-1",
		"token-abc", "refresh-xyz", "2030-01-01T00:00:00Z", "acct-1")
	if err != nil {
		t.Fatalf("UpdateConnectionTokens: %v", err)
	}

	fix.callOK(t, uiCaller(), ipc.RouteConnectionsUpdate, `{
		"id": "conn-1",
		"name": "Renamed",
		"url": "https://contoso.crm.dynamics.com",
		"authenticationType": "interactive"
	}`)

	conn, err := fix.store.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if conn.Name != "Renamed" {
		t.Fatalf("Name = %q", conn.Name)
	}
	if conn.AccessToken != "token-abc" || conn.RefreshToken != "refresh-xyz" {
		t.Fatal("editing a connection without changing its URL must keep its tokens")
	}
}

func TestConnectionUpdateDropsTokensWhenURLChanges(t *testing.T) {
	fix := newBrokerFixture(t)
	ctx := context.Background()
	fix.addConnection(t, "conn-1")
	err := fix.store.UpdateConnectionTokens(ctx, "conn-1",
		"token-abc", "refresh-xyz", "2030-01-01T00:00:00Z", "acct-1")
	if err != nil {
		t.Fatal(err)
	}

	fix.callOK(t, uiCaller(), ipc.RouteConnectionsUpdate, `{
		"id": "conn-1",
		"name": "Moved",
		"url": "https://other.crm.dynamics.com",
		"authenticationType": "interactive"
	}`)

	conn, err := fix.store.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if conn.AccessToken != "" || conn.RefreshToken != "" {
		t.Fatal("tokens minted for the old environment must not survive a URL change")
	}
}

func TestScrubSecretsWalksNestedStructures(t *testing.T) {
	scrubbed := scrubSecrets(map[string]any{
		"name": "Contoso",
		"auth": map[string]any{
			"AccessToken": "token-abc",
			"tenantId":    "tenant-1",
		},
		"history": []any{
			map[string]any{"refreshToken": "refresh-xyz", "at": "yesterday"},
		},
	})

	raw, err := json.Marshal(scrubbed)
	if err != nil {
		t.Fatal(err)
	}
	reply := string(raw)
	if strings.Contains(reply, "token-abc") || strings.Contains(reply, "refresh-xyz") {
		t.Fatalf("secrets survived the scrub: %s", reply)
	}
	if !strings.Contains(reply, "tenant-1") || !strings.Contains(reply, "yesterday") {
		t.Fatalf("non-secret fields were lost: %s", reply)
	}
}

func TestFilesystemGateBlocksUngrantedPaths(t *testing.T) {
	fix := newBrokerFixture(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	caller := toolCaller("inst-1", "tool-a")
	args, _ := json.Marshal(map[string]string{"path": path})

	resp := fix.call(t, caller, ipc.RouteFSReadText, string(args))
	wantKind(t, resp, fault.KindAccessDenied)

	if err := fix.gate.GrantAccess("inst-1", dir); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	result := fix.callOK(t, caller, ipc.RouteFSReadText, string(args))
	if result != "hello" {
		t.Fatalf("content = %v", result)
	}
}

func TestSaveFileGrantsThePickedPath(t *testing.T) {
	fix := newBrokerFixture(t)
	target := filepath.Join(t.TempDir(), "export.csv")
	fix.picker.path = target
	caller := toolCaller("inst-1", "tool-a")

	fix.callOK(t, caller, ipc.RouteFSSaveFile, `{"content":"a,b,c"}`)

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("picked file was not written: %v", err)
	}
	if string(data) != "a,b,c" {
		t.Fatalf("content = %q", data)
	}
	if !fix.gate.CanAccess("inst-1", target) {
		t.Fatal("saving through the dialog must grant the instance access to the chosen path")
	}
}

func TestOpenExternalRejectsNonHTTPSchemes(t *testing.T) {
	fix := newBrokerFixture(t)

	resp := fix.call(t, toolCaller("inst-1", "tool-a"), ipc.RouteUtilOpenExternal,
		`{"url":"file:///etc/passwd"}`)
	wantKind(t, resp, fault.KindInvalidArgument)
}

func TestThemeDefaultsToSystem(t *testing.T) {
	fix := newBrokerFixture(t)

	result := fix.callOK(t, uiCaller(), ipc.RouteUtilGetCurrentTheme, `{}`)
	if result != "system" {
		t.Fatalf("theme = %v, want system", result)
	}
}

func TestCopyToClipboard(t *testing.T) {
	fix := newBrokerFixture(t)

	fix.callOK(t, uiCaller(), ipc.RouteUtilCopyToClipboard, `{"text":"select 1"}`)
	if fix.clipboard.copied != "select 1" {
		t.Fatalf("copied = %q", fix.clipboard.copied)
	}
}

func TestWindowLaunchIsShellOnly(t *testing.T) {
	fix := newBrokerFixture(t)

	resp := fix.call(t, toolCaller("inst-1", "tool-a"), ipc.RouteWindowLaunch,
		`{"toolId":"tool-b"}`)
	wantKind(t, resp, fault.KindAccessDenied)
}

func TestToolContextCarriesURLsNotTokens(t *testing.T) {
	fix := newBrokerFixture(t)
	ctx := context.Background()
	fix.addConnection(t, "conn-1")
	err := fix.store.UpdateConnectionTokens(ctx, "conn-1",
		"token-abc", "refresh-xyz", "2030-01-01T00:00:00Z", "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	inst := fix.launchInstance(t, "data-explorer", "conn-1")

	result := fix.callOK(t, toolCaller(inst.ID, "data-explorer"), ipc.RouteToolsGetContext, `{}`)

	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	reply := string(raw)
	if !strings.Contains(reply, "https://contoso.crm.dynamics.com") {
		t.Fatalf("context should name the connection URL: %s", reply)
	}
	if !strings.Contains(reply, "conn-1") {
		t.Fatalf("context should name the connection id: %s", reply)
	}
	if strings.Contains(reply, "token-abc") || strings.Contains(reply, "refresh-xyz") {
		t.Fatalf("context leaked token material: %s", reply)
	}
}

func TestToolCannotFetchAnotherToolsHTML(t *testing.T) {
	fix := newBrokerFixture(t)

	resp := fix.call(t, toolCaller("inst-1", "tool-a"), ipc.RouteToolsGetWebviewHTML,
		`{"toolId":"tool-b"}`)
	wantKind(t, resp, fault.KindAccessDenied)
}

func TestDataverseRejectsUnknownConnectionTarget(t *testing.T) {
	fix := newBrokerFixture(t)

	resp := fix.call(t, uiCaller(), ipc.RouteDataverseRetrieveMultiple,
		`{"connectionTarget":"tertiary","connectionId":"conn-1","entitySet":"accounts"}`)
	wantKind(t, resp, fault.KindInvalidArgument)
}

func TestDataverseSecondaryWithoutBindingIsNotFound(t *testing.T) {
	fix := newBrokerFixture(t)
	fix.addConnection(t, "conn-1")
	inst := fix.launchInstance(t, "data-explorer", "conn-1")

	resp := fix.call(t, toolCaller(inst.ID, "data-explorer"), ipc.RouteDataverseRetrieveMultiple,
		`{"connectionTarget":"secondary","entitySet":"accounts"}`)
	wantKind(t, resp, fault.KindNotFound)
}

func TestDataverseWithoutTokenRequiresAuthentication(t *testing.T) {
	fix := newBrokerFixture(t)
	fix.addConnection(t, "conn-1")

	resp := fix.call(t, uiCaller(), ipc.RouteDataverseRetrieveMultiple,
		`{"connectionId":"conn-1","entitySet":"accounts"}`)
	wantKind(t, resp, fault.KindAuthenticationRequired)
}

func TestDataverseBuildLabelIsLocal(t *testing.T) {
	fix := newBrokerFixture(t)

	result := fix.callOK(t, uiCaller(), ipc.RouteDataverseBuildLabel,
		`{"text":"Account Name","languageCode":1033}`)
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "Account Name") {
		t.Fatalf("label payload missing text: %s", raw)
	}
}

func TestTerminalAccessForUnknownTerminal(t *testing.T) {
	fix := newBrokerFixture(t)

	resp := fix.call(t, toolCaller("inst-1", "tool-a"), ipc.RouteTerminalGet,
		`{"terminalId":"term-404"}`)
	wantKind(t, resp, fault.KindNotFound)
}

func TestTerminalListAllIsShellOnly(t *testing.T) {
	fix := newBrokerFixture(t)

	resp := fix.call(t, toolCaller("inst-1", "tool-a"), ipc.RouteTerminalListAll, `{}`)
	wantKind(t, resp, fault.KindAccessDenied)
}
