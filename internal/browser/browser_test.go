package browser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pptb-app/pptb/internal/config/store"
)

type spyLauncher struct {
	*Launcher
	spawned    [][]string
	systemURLs []string
}

func newSpy(binaryErr error) *spyLauncher {
	spy := &spyLauncher{}
	spy.Launcher = &Launcher{
		lookPath: func(string) (string, error) {
			if binaryErr != nil {
				return "", binaryErr
			}
			return "/usr/bin/fake-browser", nil
		},
		spawn: func(binary string, args ...string) error {
			spy.spawned = append(spy.spawned, append([]string{binary}, args...))
			return nil
		},
		openSystem: func(url string) error {
			spy.systemURLs = append(spy.systemURLs, url)
			return nil
		},
	}
	return spy
}

func TestDefaultAlwaysInstalled(t *testing.T) {
	spy := newSpy(errors.New("not found"))
	if !spy.IsInstalled(TypeDefault) {
		t.Fatal("default browser must always report installed")
	}
	if spy.IsInstalled(TypeChrome) {
		t.Fatal("chrome should be missing in this test environment")
	}
}

func TestOpenWithProfileSpawnsBrowser(t *testing.T) {
	spy := newSpy(nil)
	conn := &store.Connection{BrowserType: "chrome", BrowserProfile: "Profile 2"}

	if err := spy.OpenWithProfile("https://login.example.com", conn); err != nil {
		t.Fatalf("OpenWithProfile: %v", err)
	}
	if len(spy.spawned) != 1 {
		t.Fatalf("spawned = %v, want one launch", spy.spawned)
	}
	got := spy.spawned[0]
	if got[1] != "--profile-directory=Profile 2" || got[2] != "https://login.example.com" {
		t.Fatalf("spawn args = %v", got)
	}
	if len(spy.systemURLs) != 0 {
		t.Fatalf("system opener used unexpectedly: %v", spy.systemURLs)
	}
}

func TestOpenWithProfileFallsBackToSystem(t *testing.T) {
	tests := []struct {
		name string
		conn *store.Connection
	}{
		{"nil connection", nil},
		{"default browser", &store.Connection{BrowserType: "default", BrowserProfile: "Profile 1"}},
		{"no profile", &store.Connection{BrowserType: "chrome"}},
		{"malformed profile", &store.Connection{BrowserType: "chrome", BrowserProfile: "../escape"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spy := newSpy(nil)
			if err := spy.OpenWithProfile("https://example.com", tc.conn); err != nil {
				t.Fatalf("OpenWithProfile: %v", err)
			}
			if len(spy.systemURLs) != 1 || len(spy.spawned) != 0 {
				t.Fatalf("system=%v spawned=%v, want system fallback only", spy.systemURLs, spy.spawned)
			}
		})
	}
}

func TestOpenWithProfileFallsBackWhenBrowserMissing(t *testing.T) {
	spy := newSpy(errors.New("executable not found"))
	conn := &store.Connection{BrowserType: "edge", BrowserProfile: "Default"}

	if err := spy.OpenWithProfile("https://example.com", conn); err != nil {
		t.Fatalf("OpenWithProfile: %v", err)
	}
	if len(spy.systemURLs) != 1 {
		t.Fatal("expected system opener fallback for missing browser")
	}
}

func TestOpenWithProfileFallsBackOnSpawnFailure(t *testing.T) {
	spy := newSpy(nil)
	spy.Launcher.spawn = func(string, ...string) error { return errors.New("spawn failed") }
	conn := &store.Connection{BrowserType: "chrome", BrowserProfile: "Default"}

	if err := spy.OpenWithProfile("https://example.com", conn); err != nil {
		t.Fatalf("OpenWithProfile: %v", err)
	}
	if len(spy.systemURLs) != 1 {
		t.Fatal("expected system opener fallback after spawn failure")
	}
}

func TestProfilesFromLocalState(t *testing.T) {
	dir := t.TempDir()
	state := `{"profile":{"info_cache":{"Default":{"name":"Personal"},"Profile 1":{"name":"Work"}}}}`
	if err := os.WriteFile(filepath.Join(dir, "Local State"), []byte(state), 0o644); err != nil {
		t.Fatal(err)
	}

	profiles := profilesFromLocalState(dir)
	if len(profiles) != 2 {
		t.Fatalf("profiles = %+v", profiles)
	}
	if profiles[0].Path != "Default" || profiles[0].Name != "Personal" {
		t.Fatalf("first profile = %+v", profiles[0])
	}
	if profiles[1].Path != "Profile 1" || profiles[1].Name != "Work" {
		t.Fatalf("second profile = %+v", profiles[1])
	}
}

func TestProfilesFromDirectoryScan(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"Default", "Profile 1", "System Profile", "Crashpad"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	prefs := `{"profile":{"name":"Named via Preferences"}}`
	if err := os.WriteFile(filepath.Join(dir, "Profile 1", "Preferences"), []byte(prefs), 0o644); err != nil {
		t.Fatal(err)
	}

	profiles := profilesFromDirectoryScan(dir)
	if len(profiles) != 2 {
		t.Fatalf("profiles = %+v, want Default and Profile 1 only", profiles)
	}
	if profiles[0].Path != "Default" || profiles[0].Name != "Default" {
		t.Fatalf("default profile = %+v", profiles[0])
	}
	if profiles[1].Name != "Named via Preferences" {
		t.Fatalf("named profile = %+v", profiles[1])
	}
}
