// Package fsgate confines tool-initiated filesystem access to paths the
// user has explicitly selected. Each tool instance carries its own grant
// set; a path is reachable when it equals a granted path or sits below a
// granted directory. Grants die with the instance.
package fsgate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pptb-app/pptb/internal/fault"
)

// Gate tracks per-instance filesystem grants.
type Gate struct {
	mu     sync.Mutex
	grants map[string][]string // instanceID -> resolved absolute paths, insertion order
}

func New() *Gate {
	return &Gate{grants: make(map[string][]string)}
}

// resolvePath normalizes a path for comparison: absolute, cleaned, and
// with symlinks evaluated when the path exists on disk. Save dialogs hand
// out paths that do not exist yet, so a failed symlink resolution keeps
// the cleaned form instead of erroring.
func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fault.New(fault.KindInvalidArgument, "path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fault.Wrap(fault.KindInvalidArgument, fmt.Errorf("resolve path %q: %w", path, err))
	}
	abs = filepath.Clean(abs)
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	} else if !os.IsNotExist(err) {
		return "", fault.Wrap(fault.KindInvalidArgument, fmt.Errorf("resolve path %q: %w", path, err))
	}
	// The path does not exist yet. Resolve the deepest existing ancestor
	// so a symlinked parent still compares equal to a resolved grant.
	dir, base := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return abs, nil
	}
	resolvedDir, err := resolvePath(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

// GrantAccess records path as reachable by instanceID. Granting a
// directory makes everything beneath it reachable as well.
func (g *Gate) GrantAccess(instanceID, path string) error {
	resolved, err := resolvePath(path)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.grants[instanceID] {
		if existing == resolved {
			return nil
		}
	}
	g.grants[instanceID] = append(g.grants[instanceID], resolved)
	return nil
}

// CanAccess reports whether target equals or descends from any path
// granted to instanceID.
func (g *Gate) CanAccess(instanceID, target string) bool {
	resolved, err := resolvePath(target)
	if err != nil {
		return false
	}
	g.mu.Lock()
	granted := g.grants[instanceID]
	g.mu.Unlock()
	for _, base := range granted {
		if contains(base, resolved) {
			return true
		}
	}
	return false
}

// ValidateAccess is CanAccess with an access_denied error on refusal.
// Every filesystem operation performed for a tool must pass through here
// before touching the disk.
func (g *Gate) ValidateAccess(instanceID, target string) error {
	if g.CanAccess(instanceID, target) {
		return nil
	}
	return fault.New(fault.KindAccessDenied,
		"access denied: %s is outside the paths granted to this tool", target)
}

// RevokeAllAccess drops every grant held by instanceID.
func (g *Gate) RevokeAllAccess(instanceID string) {
	g.mu.Lock()
	delete(g.grants, instanceID)
	g.mu.Unlock()
}

// Grants returns a copy of the paths granted to instanceID, sorted for
// stable display in troubleshooting output.
func (g *Gate) Grants(instanceID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]string(nil), g.grants[instanceID]...)
	sort.Strings(out)
	return out
}

// contains reports whether target equals base or lives beneath it. The
// relative-path form guards against prefix tricks like /tmp/a matching
// /tmp/abc.
func contains(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
