package tools

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pptb-app/pptb/internal/fault"
)

// IconScheme is the custom protocol tool webviews use to load assets
// out of their install directory.
const IconScheme = "pptb-webview"

// Catalog enumerates installed tools from the tools root directory.
// Reads hit the filesystem so external installs and removals are picked
// up without a restart; a small cache keyed by directory mtime would be
// premature here.
type Catalog struct {
	root string

	mu sync.Mutex // serializes scans, not required for correctness
}

func NewCatalog(root string) *Catalog {
	return &Catalog{root: root}
}

// Root returns the tools install root.
func (c *Catalog) Root() string { return c.root }

// Dir returns the install directory for a tool id.
func (c *Catalog) Dir(toolID string) string {
	return filepath.Join(c.root, toolID)
}

// List returns manifests for every installed tool, sorted by name.
// Directories with broken manifests are skipped with a log line rather
// than failing the whole listing.
func (c *Catalog) List() ([]*Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := LoadManifest(filepath.Join(c.root, entry.Name()))
		if err != nil {
			if !fault.IsKind(err, fault.KindNotFound) {
				log.Printf("[Tools] Skipping %s: %v", entry.Name(), err)
			}
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return strings.ToLower(manifests[i].Name) < strings.ToLower(manifests[j].Name)
	})
	return manifests, nil
}

// Get loads one installed tool by id.
func (c *Catalog) Get(toolID string) (*Manifest, error) {
	m, err := LoadManifest(c.Dir(toolID))
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return nil, fault.New(fault.KindNotFound, "tool %s is not installed", toolID)
		}
		return nil, err
	}
	return m, nil
}

// IsInstalled reports whether a manifest exists for toolID.
func (c *Catalog) IsInstalled(toolID string) bool {
	_, err := c.Get(toolID)
	return err == nil
}

// EntryDocument locates a tool's entry HTML inside its install
// directory. Packages ship either index.html at the root or a built
// dist/ layout.
func (c *Catalog) EntryDocument(toolID string) (string, error) {
	dir := c.Dir(toolID)
	for _, candidate := range []string{"index.html", filepath.Join("dist", "index.html")} {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fault.New(fault.KindNotFound, "tool %s has no entry document", toolID)
}

// ResolveIconURL turns a manifest icon reference into a URL the UI can
// load. Absolute http(s) URLs pass through. Relative paths resolve into
// the tool's install directory via the webview protocol, but only SVG
// assets are served that way; anything else falls back to the default
// icon (empty string).
func ResolveIconURL(m *Manifest) string {
	icon := strings.TrimSpace(m.Icon)
	if icon == "" {
		return ""
	}
	if strings.HasPrefix(icon, "http://") || strings.HasPrefix(icon, "https://") {
		return icon
	}
	rel := icon
	for _, prefix := range []string{"./", "/", "dist/"} {
		rel = strings.TrimPrefix(rel, prefix)
	}
	if !strings.HasSuffix(strings.ToLower(rel), ".svg") {
		return ""
	}
	return IconScheme + "://" + m.ID + "/" + rel
}
