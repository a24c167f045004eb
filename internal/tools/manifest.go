// Package tools models installed tools and their manifests. Each
// installed tool lives in its own directory under the tools root with a
// manifest.json describing identity, version, and capability flags.
package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/semver"
	"github.com/pptb-app/pptb/internal/validate"
)

// ManifestFileName is the per-tool metadata file.
const ManifestFileName = "manifest.json"

// Source records where a tool was installed from.
type Source string

const (
	SourceRegistry Source = "registry"
	SourceNPM      Source = "npm"
	SourceLocal    Source = "local"
)

// MultiConnection describes whether a tool uses a second connection.
type MultiConnection string

const (
	MultiConnectionRequired MultiConnection = "required"
	MultiConnectionOptional MultiConnection = "optional"
	MultiConnectionNone     MultiConnection = "none"
)

// Status flags a tool's lifecycle in the catalog.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusArchived   Status = "archived"
)

// Features are the capability flags a tool declares.
type Features struct {
	MultiConnection MultiConnection `json:"multiConnection,omitempty"`
	MinAPI          string          `json:"minAPI,omitempty"`
	MaxAPI          string          `json:"maxAPI,omitempty"`
}

// Manifest is the persisted description of one installed tool.
type Manifest struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Version       string              `json:"version"`
	Description   string              `json:"description,omitempty"`
	InstallPath   string              `json:"installPath"`
	InstalledAt   string              `json:"installedAt"`
	Source        Source              `json:"source"`
	Icon          string              `json:"icon,omitempty"`
	CSPExceptions map[string][]string `json:"cspExceptions,omitempty"`
	Features      Features            `json:"features,omitempty"`
	Status        Status              `json:"status,omitempty"`
}

// Validate checks the fields every manifest must carry.
func (m *Manifest) Validate() error {
	if !validate.Ident(m.ID) {
		return fault.New(fault.KindInvalidArgument, "manifest has invalid tool id %q", m.ID)
	}
	if strings.TrimSpace(m.Name) == "" {
		return fault.New(fault.KindInvalidArgument, "manifest for %s is missing a name", m.ID)
	}
	if strings.TrimSpace(m.Version) == "" {
		return fault.New(fault.KindInvalidArgument, "manifest for %s is missing a version", m.ID)
	}
	return nil
}

// RequiresCSPConsent reports whether launching this tool needs a prior
// content-security-policy consent from the user.
func (m *Manifest) RequiresCSPConsent() bool {
	return len(m.CSPExceptions) > 0
}

// Support evaluates this tool's API requirement against the host.
func (m *Manifest) Support(hostVersion, hostMinSupportedAPI string) semver.SupportResult {
	return semver.CheckSupport(m.Features.MinAPI, hostVersion, hostMinSupportedAPI)
}

// LoadManifest reads and validates a tool directory's manifest.json.
func LoadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.KindNotFound, "no %s in %s", ManifestFileName, dir)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fault.New(fault.KindInvalidArgument, "manifest in %s is not valid JSON", dir)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.InstallPath == "" {
		m.InstallPath = dir
	}
	return &m, nil
}

// SaveManifest writes a manifest into its tool directory.
func SaveManifest(dir string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ManifestFileName), append(encoded, '\n'), 0o644)
}
