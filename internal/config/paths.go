// Package config resolves the filesystem layout of the shell supervisor.
package config

import (
	"os"
	"path/filepath"
)

// Paths contains every location the supervisor touches under its home
// directory (~/.pptb by default, overridable via PPTB_HOME for tests and
// portable installs).
type Paths struct {
	Home      string // Supervisor home directory
	ConfigDB  string // SQLite store (settings, connections, consents)
	Lock      string // Daemon lock file
	Logs      string // Log directory
	ToolsDir  string // Installed tools root (<ToolsDir>/<toolId>/manifest.json)
	TempDir   string // Staging area for downloads and extraction
	SessionDB string // Fast local storage for the ephemeral window session
}

// HomeEnv overrides the supervisor home directory when set.
const HomeEnv = "PPTB_HOME"

// Home returns the supervisor home directory.
func Home() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".pptb")
}

// GetPaths resolves all supervisor paths rooted at Home.
func GetPaths() Paths {
	home := Home()
	return Paths{
		Home:      home,
		ConfigDB:  filepath.Join(home, "config.db"),
		Lock:      filepath.Join(home, "daemon.lock"),
		Logs:      filepath.Join(home, "logs"),
		ToolsDir:  filepath.Join(home, "tools"),
		TempDir:   filepath.Join(home, "tmp"),
		SessionDB: filepath.Join(home, "session.json"),
	}
}

// EnsureDirs creates the supervisor directory structure if missing.
func EnsureDirs() (Paths, error) {
	paths := GetPaths()
	for _, dir := range []string{paths.Home, paths.Logs, paths.ToolsDir, paths.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}
	return paths, nil
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) == 1 {
		return home
	}
	if path[1] == '/' || path[1] == os.PathSeparator {
		return filepath.Join(home, path[2:])
	}
	return path
}
