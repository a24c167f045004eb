package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/semver"
)

func writeTool(t *testing.T, root string, m *Manifest) {
	t.Helper()
	dir := filepath.Join(root, m.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := SaveManifest(dir, m); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	root := t.TempDir()
	in := &Manifest{
		ID:          "data-explorer",
		Name:        "Data Explorer",
		Version:     "2.1.0",
		Description: "Browse Dataverse tables",
		InstallPath: filepath.Join(root, "data-explorer"),
		InstalledAt: "2025-03-01T10:00:00Z",
		Source:      SourceRegistry,
		Icon:        "dist/icon.svg",
		CSPExceptions: map[string][]string{
			"connect-src": {"https://api.example.com"},
		},
		Features: Features{MultiConnection: MultiConnectionOptional, MinAPI: "1.0.0"},
		Status:   StatusActive,
	}
	writeTool(t, root, in)

	got, err := LoadManifest(filepath.Join(root, "data-explorer"))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if got.ID != in.ID || got.Version != in.Version || got.Features.MinAPI != "1.0.0" {
		t.Fatalf("got %+v", got)
	}
	if !got.RequiresCSPConsent() {
		t.Fatal("tool with cspExceptions must require consent")
	}
}

func TestLoadManifestErrors(t *testing.T) {
	root := t.TempDir()

	if _, err := LoadManifest(filepath.Join(root, "missing")); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("missing dir: kind = %v", fault.KindOf(err))
	}

	bad := filepath.Join(root, "bad")
	if err := os.MkdirAll(bad, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bad, ManifestFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(bad); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("bad json: kind = %v", fault.KindOf(err))
	}

	incomplete := filepath.Join(root, "incomplete")
	if err := os.MkdirAll(incomplete, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(incomplete, ManifestFileName), []byte(`{"id":"incomplete"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(incomplete); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Fatalf("incomplete manifest: kind = %v", fault.KindOf(err))
	}
}

func TestCatalogListSkipsBrokenDirs(t *testing.T) {
	root := t.TempDir()
	writeTool(t, root, &Manifest{ID: "b-tool", Name: "Beta", Version: "1.0.0", Source: SourceLocal})
	writeTool(t, root, &Manifest{ID: "a-tool", Name: "alpha", Version: "1.0.0", Source: SourceRegistry})
	// Directory without a manifest is ignored.
	if err := os.MkdirAll(filepath.Join(root, "scratch"), 0o755); err != nil {
		t.Fatal(err)
	}

	cat := NewCatalog(root)
	list, err := cat.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "Beta" {
		t.Fatalf("list = %+v, want case-insensitive name order", list)
	}

	if !cat.IsInstalled("a-tool") || cat.IsInstalled("scratch") {
		t.Fatal("IsInstalled misreported")
	}
}

func TestCatalogListEmptyRoot(t *testing.T) {
	cat := NewCatalog(filepath.Join(t.TempDir(), "never-created"))
	list, err := cat.List()
	if err != nil || list != nil {
		t.Fatalf("List = %v, %v; want empty, nil", list, err)
	}
}

func TestCatalogEntryDocument(t *testing.T) {
	root := t.TempDir()
	cat := NewCatalog(root)

	flat := filepath.Join(root, "flat-tool")
	if err := os.MkdirAll(flat, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(flat, "index.html"), []byte("<html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	built := filepath.Join(root, "built-tool", "dist")
	if err := os.MkdirAll(built, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(built, "index.html"), []byte("<html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := cat.EntryDocument("flat-tool")
	if err != nil || path != filepath.Join(flat, "index.html") {
		t.Fatalf("flat-tool: %q, %v", path, err)
	}
	path, err = cat.EntryDocument("built-tool")
	if err != nil || path != filepath.Join(built, "index.html") {
		t.Fatalf("built-tool: %q, %v", path, err)
	}
	if _, err := cat.EntryDocument("absent-tool"); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("absent-tool: kind = %v", fault.KindOf(err))
	}
}

func TestResolveIconURL(t *testing.T) {
	tests := []struct {
		icon string
		want string
	}{
		{"", ""},
		{"https://cdn.example.com/icon.png", "https://cdn.example.com/icon.png"},
		{"http://cdn.example.com/icon.svg", "http://cdn.example.com/icon.svg"},
		{"icon.svg", "pptb-webview://t1/icon.svg"},
		{"./icon.svg", "pptb-webview://t1/icon.svg"},
		{"/icon.svg", "pptb-webview://t1/icon.svg"},
		{"dist/icon.svg", "pptb-webview://t1/icon.svg"},
		{"./dist/assets/logo.svg", "pptb-webview://t1/assets/logo.svg"},
		{"icon.png", ""}, // only svg is served from the install dir
	}
	for _, tc := range tests {
		m := &Manifest{ID: "t1", Icon: tc.icon}
		if got := ResolveIconURL(m); got != tc.want {
			t.Errorf("ResolveIconURL(%q) = %q, want %q", tc.icon, got, tc.want)
		}
	}
}

func TestManifestSupportGate(t *testing.T) {
	m := &Manifest{ID: "t1", Name: "T1", Version: "1.0.0", Features: Features{MinAPI: "1.5.0"}}
	result := m.Support("1.2.0", "1.0.0")
	if result.Supported {
		t.Fatal("tool requiring newer API than host must be unsupported")
	}
	if result.Reason != semver.ReasonHostTooOld || result.RequiredVersion != "1.5.0" {
		t.Fatalf("result = %+v", result)
	}
}
