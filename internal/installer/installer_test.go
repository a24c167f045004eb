package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/registry"
	"github.com/pptb-app/pptb/internal/tools"
)

// buildZip returns a zip archive containing the given path→content map.
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// installFixture serves a registry catalog plus a tool package from one
// test server and wires an Installer against it.
type installFixture struct {
	installer *Installer
	catalog   *tools.Catalog
	bus       *eventbus.Bus
	server    *httptest.Server

	mu      sync.Mutex
	archive []byte
	version string
}

func newInstallFixture(t *testing.T, files map[string]string) *installFixture {
	t.Helper()
	fix := &installFixture{version: "1.0.0"}
	fix.archive = buildZip(t, files)

	mux := http.NewServeMux()
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		fix.mu.Lock()
		defer fix.mu.Unlock()
		payload := map[string]any{"tools": []map[string]any{{
			"tool_id":      "sample-tool",
			"display_name": "Sample Tool",
			"version":      fix.version,
			"package_url":  fix.server.URL + "/package.zip",
			"sha256":       sha256Hex(fix.archive),
		}}}
		json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/package.zip", func(w http.ResponseWriter, r *http.Request) {
		fix.mu.Lock()
		defer fix.mu.Unlock()
		w.Write(fix.archive)
	})
	fix.server = httptest.NewServer(mux)
	t.Cleanup(fix.server.Close)

	root := t.TempDir()
	fix.catalog = tools.NewCatalog(filepath.Join(root, "tools"))
	fix.bus = eventbus.New()
	t.Cleanup(fix.bus.Shutdown)

	reg := registry.NewClient(fix.server.URL + "/tools")
	fix.installer = New(fix.catalog, reg, fix.bus, t.TempDir())
	fix.installer.hostGuard = func(string) error { return nil }
	return fix
}

func (fix *installFixture) publishVersion(t *testing.T, version string, files map[string]string) {
	t.Helper()
	fix.mu.Lock()
	defer fix.mu.Unlock()
	fix.version = version
	fix.archive = buildZip(t, files)
}

func TestInstallFromRegistry(t *testing.T) {
	fix := newInstallFixture(t, map[string]string{
		"dist/index.html": "<html></html>",
		"dist/app.js":     "console.log('hi')",
	})

	manifest, err := fix.installer.InstallFromRegistry(context.Background(), "sample-tool")
	if err != nil {
		t.Fatalf("InstallFromRegistry: %v", err)
	}
	if manifest.ID != "sample-tool" || manifest.Version != "1.0.0" {
		t.Fatalf("manifest = %s %s, want sample-tool 1.0.0", manifest.ID, manifest.Version)
	}
	if manifest.Source != tools.SourceRegistry {
		t.Fatalf("Source = %q, want %q", manifest.Source, tools.SourceRegistry)
	}

	if _, err := os.Stat(filepath.Join(fix.catalog.Dir("sample-tool"), "dist", "index.html")); err != nil {
		t.Fatalf("installed file missing: %v", err)
	}
	if !fix.catalog.IsInstalled("sample-tool") {
		t.Fatal("catalog does not report the tool as installed")
	}
}

func TestInstallChecksumMismatch(t *testing.T) {
	fix := newInstallFixture(t, map[string]string{"dist/index.html": "x"})

	// Prime the catalog cache while the served archive still matches its
	// advertised hash, then corrupt what the package endpoint serves.
	if _, err := fix.installer.registry.Fetch(context.Background()); err != nil {
		t.Fatalf("prime catalog: %v", err)
	}
	fix.mu.Lock()
	fix.archive = append(fix.archive, 0x00)
	fix.mu.Unlock()

	_, err := fix.installer.InstallFromRegistry(context.Background(), "sample-tool")
	if !fault.IsKind(err, fault.KindIntegrityError) {
		t.Fatalf("err = %v, want integrity_error", err)
	}
	if fix.catalog.IsInstalled("sample-tool") {
		t.Fatal("corrupted download must not be installed")
	}
}

func TestInstallUnwrapsSingleTopLevelDir(t *testing.T) {
	fix := newInstallFixture(t, map[string]string{
		"sample-tool-1.0.0/dist/index.html": "<html></html>",
	})

	if _, err := fix.installer.InstallFromRegistry(context.Background(), "sample-tool"); err != nil {
		t.Fatalf("InstallFromRegistry: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fix.catalog.Dir("sample-tool"), "dist", "index.html")); err != nil {
		t.Fatalf("wrapper directory was not unwrapped: %v", err)
	}
}

func TestInstallMergesPackagedManifest(t *testing.T) {
	packaged, _ := json.Marshal(map[string]any{
		"id":      "sample-tool",
		"name":    "Sample Tool",
		"version": "1.0.0",
		"cspExceptions": map[string][]string{
			"connect-src": {"https://api.example.com"},
		},
		"features": map[string]any{"multiConnection": "optional"},
	})
	fix := newInstallFixture(t, map[string]string{
		"manifest.json":   string(packaged),
		"dist/index.html": "x",
	})

	manifest, err := fix.installer.InstallFromRegistry(context.Background(), "sample-tool")
	if err != nil {
		t.Fatalf("InstallFromRegistry: %v", err)
	}
	if manifest.Features.MultiConnection != tools.MultiConnectionOptional {
		t.Fatalf("MultiConnection = %q, want optional", manifest.Features.MultiConnection)
	}
	if got := manifest.CSPExceptions["connect-src"]; len(got) != 1 || got[0] != "https://api.example.com" {
		t.Fatalf("CSPExceptions = %v", manifest.CSPExceptions)
	}
	// Provenance always comes from the registry, not the package.
	if manifest.Source != tools.SourceRegistry {
		t.Fatalf("Source = %q, want registry", manifest.Source)
	}
}

func TestUpdateToolEmitsEvents(t *testing.T) {
	fix := newInstallFixture(t, map[string]string{"dist/index.html": "v1"})
	ctx := context.Background()

	if _, err := fix.installer.InstallFromRegistry(ctx, "sample-tool"); err != nil {
		t.Fatalf("install v1: %v", err)
	}

	started := eventbus.SubscribeTo(fix.bus, eventbus.Tools.UpdateStarted)
	defer started.Close()
	completed := eventbus.SubscribeTo(fix.bus, eventbus.Tools.UpdateCompleted)
	defer completed.Close()

	fix.publishVersion(t, "1.1.0", map[string]string{"dist/index.html": "v2"})

	if err := fix.installer.UpdateTool(ctx, "sample-tool"); err != nil {
		t.Fatalf("UpdateTool: %v", err)
	}

	select {
	case env := <-started.C():
		if env.Payload.ToolID != "sample-tool" || env.Payload.FromVersion != "1.0.0" || env.Payload.ToVersion != "1.1.0" {
			t.Fatalf("started payload = %+v", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update-started event")
	}
	select {
	case env := <-completed.C():
		if !env.Payload.Success {
			t.Fatalf("completed payload = %+v, want success", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update-completed event")
	}

	manifest, err := fix.catalog.Get("sample-tool")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if manifest.Version != "1.1.0" {
		t.Fatalf("Version = %q, want 1.1.0", manifest.Version)
	}
	if fix.installer.IsToolUpdating("sample-tool") {
		t.Fatal("IsToolUpdating must be false after update-completed")
	}
}

func TestIsToolUpdatingDuringUpdate(t *testing.T) {
	fix := newInstallFixture(t, map[string]string{"dist/index.html": "v1"})
	ctx := context.Background()

	if _, err := fix.installer.InstallFromRegistry(ctx, "sample-tool"); err != nil {
		t.Fatalf("install v1: %v", err)
	}

	started := eventbus.SubscribeTo(fix.bus, eventbus.Tools.UpdateStarted)
	defer started.Close()

	fix.publishVersion(t, "1.1.0", map[string]string{"dist/index.html": "v2"})

	observed := make(chan bool, 1)
	go func() {
		select {
		case <-started.C():
			observed <- fix.installer.IsToolUpdating("sample-tool")
		case <-time.After(2 * time.Second):
			observed <- false
		}
	}()

	if err := fix.installer.UpdateTool(ctx, "sample-tool"); err != nil {
		t.Fatalf("UpdateTool: %v", err)
	}
	if !<-observed {
		t.Fatal("IsToolUpdating must be true between started and completed")
	}
}

func TestCheckUpdates(t *testing.T) {
	fix := newInstallFixture(t, map[string]string{"dist/index.html": "v1"})
	ctx := context.Background()

	if _, err := fix.installer.InstallFromRegistry(ctx, "sample-tool"); err != nil {
		t.Fatalf("install: %v", err)
	}

	// Same version: nothing to update.
	updates, err := fix.installer.CheckUpdates(ctx)
	if err != nil {
		t.Fatalf("CheckUpdates: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("updates = %v, want none", updates)
	}

	// A release published after the first check must be picked up
	// without recreating the registry client.
	fix.publishVersion(t, "2.0.0", map[string]string{"dist/index.html": "v2"})

	updates, err = fix.installer.CheckUpdates(ctx)
	if err != nil {
		t.Fatalf("CheckUpdates: %v", err)
	}
	if len(updates) != 1 || updates[0].RegistryVersion != "2.0.0" {
		t.Fatalf("updates = %v, want one at 2.0.0", updates)
	}
	if updates[0].ToolID != "sample-tool" || updates[0].InstalledVersion != "1.0.0" {
		t.Fatalf("updates[0] = %+v", updates[0])
	}
}

func TestUninstallStopsInstancesAndRemovesFiles(t *testing.T) {
	fix := newInstallFixture(t, map[string]string{"dist/index.html": "x"})
	ctx := context.Background()

	if _, err := fix.installer.InstallFromRegistry(ctx, "sample-tool"); err != nil {
		t.Fatalf("install: %v", err)
	}

	var stopped []string
	fix.installer.StopInstances = func(_ context.Context, toolID string) error {
		stopped = append(stopped, toolID)
		return nil
	}

	if err := fix.installer.Uninstall(ctx, "sample-tool"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if len(stopped) != 1 || stopped[0] != "sample-tool" {
		t.Fatalf("stopped = %v, want [sample-tool]", stopped)
	}
	if fix.catalog.IsInstalled("sample-tool") {
		t.Fatal("tool still reported installed after uninstall")
	}
	if _, err := os.Stat(fix.catalog.Dir("sample-tool")); !os.IsNotExist(err) {
		t.Fatalf("install dir still present: %v", err)
	}
}

func TestUninstallUnknownTool(t *testing.T) {
	fix := newInstallFixture(t, nil)
	err := fix.installer.Uninstall(context.Background(), "ghost")
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestLoadLocal(t *testing.T) {
	fix := newInstallFixture(t, nil)

	src := t.TempDir()
	manifest := &tools.Manifest{ID: "dev-tool", Name: "Dev Tool", Version: "0.1.0"}
	if err := tools.SaveManifest(src, manifest); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(src, "dist"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "dist", "index.html"), []byte("dev"), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := fix.installer.LoadLocal(context.Background(), src)
	if err != nil {
		t.Fatalf("LoadLocal: %v", err)
	}
	if loaded.Source != tools.SourceLocal {
		t.Fatalf("Source = %q, want local", loaded.Source)
	}
	if _, err := os.Stat(filepath.Join(fix.catalog.Dir("dev-tool"), "dist", "index.html")); err != nil {
		t.Fatalf("local tool files missing: %v", err)
	}
	// The source directory is untouched.
	if _, err := os.Stat(filepath.Join(src, "dist", "index.html")); err != nil {
		t.Fatalf("source directory modified: %v", err)
	}
}

func TestLoadLocalWithoutManifest(t *testing.T) {
	fix := newInstallFixture(t, nil)
	_, err := fix.installer.LoadLocal(context.Background(), t.TempDir())
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestExtractZipRejectsSlip(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("../escape.txt")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(f, "pwn")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "evil.zip")
	if err := os.WriteFile(archive, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	err = extractArchive(context.Background(), archive, dest)
	if !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("err = %v, want invalid_argument", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt")); !os.IsNotExist(statErr) {
		t.Fatal("slip entry escaped the destination")
	}
}

func TestDetectArchiveFormatRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-an-archive")
	if err := os.WriteFile(path, []byte("MZ\x90\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := detectArchiveFormat(path); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("err = %v, want invalid_argument", err)
	}
}
