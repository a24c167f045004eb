// Package browser opens authentication URLs in an external browser,
// optionally pinning the window to a specific Chrome or Edge profile so
// users can keep work identities separate per connection.
package browser

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/pptb-app/pptb/internal/config/store"
	"github.com/pptb-app/pptb/internal/fault"
)

// Type identifies a supported external browser.
type Type string

const (
	TypeDefault Type = "default"
	TypeChrome  Type = "chrome"
	TypeEdge    Type = "edge"
)

// Profile is a browser profile the user can bind a connection to.
type Profile struct {
	Name string `json:"name"` // display name from the browser's state file
	Path string `json:"path"` // profile directory name, e.g. "Profile 2"
}

// profileDirRe constrains profile directory names passed on a command
// line. Anything outside this set is refused rather than escaped.
var profileDirRe = regexp.MustCompile(`^[\w\s-]+$`)

// Launcher probes installed browsers and spawns them detached. The
// function fields exist so tests can intercept process creation.
type Launcher struct {
	lookPath   func(string) (string, error)
	spawn      func(binary string, args ...string) error
	openSystem func(url string) error
}

func New() *Launcher {
	return &Launcher{
		lookPath:   exec.LookPath,
		spawn:      spawnDetached,
		openSystem: openWithSystemHandler,
	}
}

// IsInstalled reports whether the browser can be found on this machine.
// The system default browser is always considered installed.
func (l *Launcher) IsInstalled(t Type) bool {
	if t == TypeDefault {
		return true
	}
	_, err := l.binaryPath(t)
	return err == nil
}

// binaryPath locates the browser executable via well-known install
// locations, falling back to a PATH probe.
func (l *Launcher) binaryPath(t Type) (string, error) {
	for _, candidate := range binaryCandidates(t) {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	for _, name := range commandNames(t) {
		if path, err := l.lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fault.New(fault.KindNotFound, "browser %s is not installed", t)
}

// Profiles enumerates the profiles of the given browser. Returns an
// empty list when the browser or its state file is absent.
func (l *Launcher) Profiles(t Type) ([]Profile, error) {
	if t == TypeDefault {
		return nil, nil
	}
	dataDir, err := userDataDir(t)
	if err != nil {
		return nil, err
	}
	if profiles := profilesFromLocalState(dataDir); len(profiles) > 0 {
		return profiles, nil
	}
	return profilesFromDirectoryScan(dataDir), nil
}

// OpenWithProfile opens url honoring the connection's browser
// preference. A missing binary or a failed spawn degrades to the system
// default browser so sign-in is never blocked by a profile setting.
func (l *Launcher) OpenWithProfile(url string, conn *store.Connection) error {
	browserType := TypeDefault
	profileDir := ""
	if conn != nil {
		if conn.BrowserType != "" {
			browserType = Type(conn.BrowserType)
		}
		profileDir = conn.BrowserProfile
	}

	if browserType == TypeDefault || profileDir == "" {
		return l.openSystem(url)
	}
	if !profileDirRe.MatchString(profileDir) {
		log.Printf("[Browser] Refusing malformed profile directory %q, using system browser", profileDir)
		return l.openSystem(url)
	}

	binary, err := l.binaryPath(browserType)
	if err != nil {
		log.Printf("[Browser] %s not found, falling back to system browser", browserType)
		return l.openSystem(url)
	}
	if err := l.spawn(binary, "--profile-directory="+profileDir, url); err != nil {
		log.Printf("[Browser] Failed to launch %s with profile %q: %v, falling back to system browser",
			browserType, profileDir, err)
		return l.openSystem(url)
	}
	return nil
}

// Open opens url in the system default browser.
func (l *Launcher) Open(url string) error {
	return l.openSystem(url)
}

func spawnDetached(binary string, args ...string) error {
	cmd := exec.Command(binary, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	// The browser outlives the supervisor call; drop the handle so the
	// child is not reaped through us.
	return cmd.Process.Release()
}

func openWithSystemHandler(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fault.Wrap(fault.KindUnknown, fmt.Errorf("open system browser: %w", err))
	}
	return cmd.Process.Release()
}

// binaryCandidates lists well-known install paths for t on this OS.
func binaryCandidates(t Type) []string {
	switch runtime.GOOS {
	case "windows":
		roots := []string{
			os.Getenv("PROGRAMFILES"),
			os.Getenv("PROGRAMFILES(X86)"),
			os.Getenv("LOCALAPPDATA"),
		}
		var suffix string
		switch t {
		case TypeChrome:
			suffix = filepath.Join("Google", "Chrome", "Application", "chrome.exe")
		case TypeEdge:
			suffix = filepath.Join("Microsoft", "Edge", "Application", "msedge.exe")
		default:
			return nil
		}
		var out []string
		for _, root := range roots {
			if root != "" {
				out = append(out, filepath.Join(root, suffix))
			}
		}
		return out
	case "darwin":
		switch t {
		case TypeChrome:
			return []string{"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"}
		case TypeEdge:
			return []string{"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"}
		}
	}
	return nil
}

// commandNames lists PATH lookups for t, used on Linux and as a general
// fallback.
func commandNames(t Type) []string {
	switch t {
	case TypeChrome:
		return []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"}
	case TypeEdge:
		return []string{"microsoft-edge", "microsoft-edge-stable"}
	}
	return nil
}

// userDataDir locates the browser's profile root for this OS.
func userDataDir(t Type) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fault.Wrap(fault.KindUnknown, fmt.Errorf("resolve home directory: %w", err))
	}
	switch runtime.GOOS {
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		if local == "" {
			return "", errors.New("LOCALAPPDATA is not set")
		}
		switch t {
		case TypeChrome:
			return filepath.Join(local, "Google", "Chrome", "User Data"), nil
		case TypeEdge:
			return filepath.Join(local, "Microsoft", "Edge", "User Data"), nil
		}
	case "darwin":
		switch t {
		case TypeChrome:
			return filepath.Join(home, "Library", "Application Support", "Google", "Chrome"), nil
		case TypeEdge:
			return filepath.Join(home, "Library", "Application Support", "Microsoft Edge"), nil
		}
	default:
		switch t {
		case TypeChrome:
			return filepath.Join(home, ".config", "google-chrome"), nil
		case TypeEdge:
			return filepath.Join(home, ".config", "microsoft-edge"), nil
		}
	}
	return "", fault.New(fault.KindInvalidArgument, "unsupported browser type %q", t)
}
