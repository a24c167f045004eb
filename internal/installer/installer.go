// Package installer downloads, verifies, and installs tools into the
// tools root. Install, update, and uninstall operations on the same tool
// id are serialized, and updates are bracketed by bus events so the
// window manager can hold new launches while files are being swapped.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
	"github.com/pptb-app/pptb/internal/registry"
	"github.com/pptb-app/pptb/internal/semver"
	"github.com/pptb-app/pptb/internal/tools"
	"github.com/pptb-app/pptb/internal/validate"
)

const (
	maxArchiveSize      = 200 * 1024 * 1024 // single file and download cap
	maxTotalExtractSize = 500 * 1024 * 1024
	maxFileCount        = 10_000
)

// Installer owns tool installation lifecycle.
type Installer struct {
	catalog  *tools.Catalog
	registry *registry.Client
	bus      *eventbus.Bus
	http     *http.Client
	tempDir  string

	// StopInstances is called before uninstalling so the window manager
	// can close open instances and revoke their filesystem grants.
	StopInstances func(ctx context.Context, toolID string) error

	// hostGuard refuses downloads from private or loopback hosts. Tests
	// swap it out to download from a local fixture server.
	hostGuard func(rawURL string) error

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	updating map[string]bool
}

func New(catalog *tools.Catalog, reg *registry.Client, bus *eventbus.Bus, tempDir string) *Installer {
	return &Installer{
		catalog:   catalog,
		registry:  reg,
		bus:       bus,
		http:      &http.Client{Timeout: 5 * time.Minute},
		tempDir:   tempDir,
		hostGuard: validate.RejectPrivateURL,
		locks:     make(map[string]*sync.Mutex),
		updating:  make(map[string]bool),
	}
}

// lockTool serializes operations per tool id.
func (inst *Installer) lockTool(toolID string) func() {
	inst.mu.Lock()
	lock, ok := inst.locks[toolID]
	if !ok {
		lock = &sync.Mutex{}
		inst.locks[toolID] = lock
	}
	inst.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// IsToolUpdating reports whether toolID is between its update-started
// and update-completed events.
func (inst *Installer) IsToolUpdating(toolID string) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.updating[toolID]
}

func (inst *Installer) setUpdating(toolID string, v bool) {
	inst.mu.Lock()
	inst.updating[toolID] = v
	if !v {
		delete(inst.updating, toolID)
	}
	inst.mu.Unlock()
}

// InstallFromRegistry downloads and installs the catalog's current
// version of toolID. An existing install of the same id is replaced
// atomically.
func (inst *Installer) InstallFromRegistry(ctx context.Context, toolID string) (*tools.Manifest, error) {
	unlock := inst.lockTool(toolID)
	defer unlock()
	return inst.installLocked(ctx, toolID)
}

func (inst *Installer) installLocked(ctx context.Context, toolID string) (*tools.Manifest, error) {
	entry, err := inst.registry.Find(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if entry.DownloadURL == "" {
		return nil, fault.New(fault.KindInvalidArgument, "tool %s has no download URL", toolID)
	}

	archivePath, err := inst.downloadToTemp(ctx, entry.DownloadURL)
	if err != nil {
		return nil, err
	}
	defer os.Remove(archivePath)

	if entry.Checksum != "" {
		if err := verifySHA256(archivePath, entry.Checksum); err != nil {
			return nil, err
		}
	}

	stageDir, err := os.MkdirTemp(inst.tempDir, "pptb-install-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	if err := extractArchive(ctx, archivePath, stageDir); err != nil {
		return nil, fmt.Errorf("extract tool archive: %w", err)
	}
	contentDir := packageRoot(stageDir)

	manifest := inst.buildManifest(entry, contentDir)
	if err := tools.SaveManifest(contentDir, manifest); err != nil {
		return nil, err
	}

	if err := inst.swapIntoPlace(contentDir, toolID); err != nil {
		return nil, err
	}
	manifest.InstallPath = inst.catalog.Dir(toolID)
	log.Printf("[Installer] Installed %s %s from registry", toolID, entry.Version)
	return manifest, nil
}

// buildManifest merges the catalog entry with any manifest the package
// itself ships. Package-declared capability flags win; identity and
// provenance come from the registry.
func (inst *Installer) buildManifest(entry *registry.Entry, contentDir string) *tools.Manifest {
	manifest := &tools.Manifest{
		ID:          entry.ID,
		Name:        entry.Name,
		Version:     entry.Version,
		Description: entry.Description,
		Icon:        entry.Icon,
		Source:      tools.SourceRegistry,
		InstalledAt: time.Now().UTC().Format(time.RFC3339),
		Features:    tools.Features{MinAPI: entry.MinAPI, MaxAPI: entry.MaxAPI},
		Status:      tools.Status(entry.Status),
	}
	if packaged, err := tools.LoadManifest(contentDir); err == nil {
		manifest.CSPExceptions = packaged.CSPExceptions
		if packaged.Features.MultiConnection != "" {
			manifest.Features.MultiConnection = packaged.Features.MultiConnection
		}
		if packaged.Features.MinAPI != "" {
			manifest.Features.MinAPI = packaged.Features.MinAPI
		}
		if packaged.Icon != "" {
			manifest.Icon = packaged.Icon
		}
	}
	if manifest.Status == "" {
		manifest.Status = tools.StatusActive
	}
	return manifest
}

// swapIntoPlace moves the staged tool into the tools root, replacing an
// existing install without a window where the directory is missing a
// usable copy.
func (inst *Installer) swapIntoPlace(stagedDir, toolID string) error {
	destDir := inst.catalog.Dir(toolID)
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return fmt.Errorf("create tools root: %w", err)
	}

	backupDir := ""
	if _, err := os.Stat(destDir); err == nil {
		backupDir = destDir + ".old-" + uuid.NewString()[:8]
		if err := os.Rename(destDir, backupDir); err != nil {
			return fmt.Errorf("stage out existing install: %w", err)
		}
	}

	if err := os.Rename(stagedDir, destDir); err != nil {
		// Cross-device rename can fail; fall back to a copy.
		if copyErr := copyDir(stagedDir, destDir); copyErr != nil {
			if backupDir != "" {
				if rbErr := os.Rename(backupDir, destDir); rbErr != nil {
					log.Printf("[Installer] WARNING: could not restore %s after failed install: %v", toolID, rbErr)
				}
			}
			return fmt.Errorf("install tool files: %w", copyErr)
		}
	}
	if backupDir != "" {
		if err := os.RemoveAll(backupDir); err != nil {
			log.Printf("[Installer] WARNING: could not remove old install %s: %v", backupDir, err)
		}
	}
	return nil
}

// UpdateInfo describes an available update for an installed tool.
type UpdateInfo struct {
	ToolID           string `json:"toolId"`
	InstalledVersion string `json:"installedVersion"`
	RegistryVersion  string `json:"registryVersion"`
}

// CheckUpdates compares every installed tool against the registry. The
// catalog is re-fetched so the comparison never runs against a stale
// session cache.
func (inst *Installer) CheckUpdates(ctx context.Context) ([]UpdateInfo, error) {
	installed, err := inst.catalog.List()
	if err != nil {
		return nil, err
	}
	entries, err := inst.registry.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]registry.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	var updates []UpdateInfo
	for _, m := range installed {
		entry, ok := byID[m.ID]
		if !ok {
			continue
		}
		if semver.Compare(entry.Version, m.Version) > 0 {
			updates = append(updates, UpdateInfo{
				ToolID:           m.ID,
				InstalledVersion: m.Version,
				RegistryVersion:  entry.Version,
			})
		}
	}
	return updates, nil
}

// HasUpdate reports whether the registry carries a newer version of
// toolID than the one installed.
func (inst *Installer) HasUpdate(ctx context.Context, toolID string) (bool, error) {
	m, err := inst.catalog.Get(toolID)
	if err != nil {
		return false, err
	}
	entry, err := inst.registry.Find(ctx, toolID)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return semver.Compare(entry.Version, m.Version) > 0, nil
}

// UpdateTool replaces an installed tool with the registry's current
// version. The started/completed events bracket the window during which
// IsToolUpdating reports true; open instances keep running throughout.
func (inst *Installer) UpdateTool(ctx context.Context, toolID string) error {
	unlock := inst.lockTool(toolID)
	defer unlock()

	installed, err := inst.catalog.Get(toolID)
	if err != nil {
		return err
	}
	// Refresh the catalog first: the cached entry may predate the release
	// being installed, and its checksum would reject the new archive.
	if _, err := inst.registry.Fetch(ctx); err != nil {
		return err
	}
	entry, err := inst.registry.Find(ctx, toolID)
	if err != nil {
		return err
	}

	inst.setUpdating(toolID, true)
	eventbus.Publish(ctx, inst.bus, eventbus.Tools.UpdateStarted, eventbus.SourceInstaller,
		eventbus.ToolUpdateEvent{ToolID: toolID, FromVersion: installed.Version, ToVersion: entry.Version})

	_, installErr := inst.installLocked(ctx, toolID)

	inst.setUpdating(toolID, false)
	completed := eventbus.ToolUpdateEvent{
		ToolID:      toolID,
		FromVersion: installed.Version,
		ToVersion:   entry.Version,
		Success:     installErr == nil,
	}
	if installErr != nil {
		completed.Error = fault.ScrubMessage(installErr.Error())
	}
	eventbus.Publish(ctx, inst.bus, eventbus.Tools.UpdateCompleted, eventbus.SourceInstaller, completed)
	return installErr
}

// Uninstall stops open instances, deletes the install directory, and
// with it the manifest record.
func (inst *Installer) Uninstall(ctx context.Context, toolID string) error {
	unlock := inst.lockTool(toolID)
	defer unlock()

	if !inst.catalog.IsInstalled(toolID) {
		return fault.New(fault.KindNotFound, "tool %s is not installed", toolID)
	}
	if inst.StopInstances != nil {
		if err := inst.StopInstances(ctx, toolID); err != nil {
			return fmt.Errorf("stop open instances of %s: %w", toolID, err)
		}
	}
	if err := os.RemoveAll(inst.catalog.Dir(toolID)); err != nil {
		return fmt.Errorf("remove tool files: %w", err)
	}
	log.Printf("[Installer] Uninstalled %s", toolID)
	return nil
}

// LoadLocal registers a tool from a user-chosen directory. The directory
// must already carry a manifest; its files are copied into the tools
// root and the manifest is rewritten with source=local.
func (inst *Installer) LoadLocal(ctx context.Context, dir string) (*tools.Manifest, error) {
	manifest, err := tools.LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	if !validate.Ident(manifest.ID) {
		return nil, fault.New(fault.KindInvalidArgument, "local tool has invalid id %q", manifest.ID)
	}

	unlock := inst.lockTool(manifest.ID)
	defer unlock()

	stageDir, err := os.MkdirTemp(inst.tempDir, "pptb-local-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stageDir)
	if err := copyDir(dir, stageDir); err != nil {
		return nil, fmt.Errorf("copy local tool: %w", err)
	}

	manifest.Source = tools.SourceLocal
	manifest.InstalledAt = time.Now().UTC().Format(time.RFC3339)
	if manifest.Status == "" {
		manifest.Status = tools.StatusActive
	}
	if err := tools.SaveManifest(stageDir, manifest); err != nil {
		return nil, err
	}
	if err := inst.swapIntoPlace(stageDir, manifest.ID); err != nil {
		return nil, err
	}
	manifest.InstallPath = inst.catalog.Dir(manifest.ID)
	log.Printf("[Installer] Loaded local tool %s from %s", manifest.ID, dir)
	return manifest, nil
}

// packageRoot unwraps archives whose content sits inside one wrapper
// directory, as zips built from a versioned folder do. A lone directory
// is only treated as a wrapper when it carries the package content
// itself; a payload directory such as dist/ stays where it is.
func packageRoot(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return dir
	}
	name := entries[0].Name()
	if name == "dist" || name == "build" || name == "public" {
		return dir
	}
	inner := filepath.Join(dir, name)
	for _, marker := range []string{tools.ManifestFileName, "index.html", "dist"} {
		if _, err := os.Stat(filepath.Join(inner, marker)); err == nil {
			return inner
		}
	}
	return dir
}

func (inst *Installer) downloadToTemp(ctx context.Context, rawURL string) (string, error) {
	if err := validate.HTTPURL(rawURL); err != nil {
		return "", fault.Wrap(fault.KindInvalidArgument, err)
	}
	if err := inst.hostGuard(rawURL); err != nil {
		return "", fault.Wrap(fault.KindInvalidArgument, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "pptb-installer/1.0")

	resp, err := inst.http.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindNetworkError, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fault.New(fault.KindRemoteError, "HTTP %d from %s", resp.StatusCode, rawURL)
	}

	tmpFile, err := os.CreateTemp(inst.tempDir, "pptb-download-*.pkg")
	if err != nil {
		return "", err
	}
	name := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Printf("[Installer] WARNING: failed to remove temp file %s: %v", name, rmErr)
			}
		}
	}()

	lr := io.LimitReader(resp.Body, maxArchiveSize+1) // one extra byte to detect truncation
	n, err := io.Copy(tmpFile, lr)
	if err != nil {
		return "", fault.Wrap(fault.KindNetworkError, err)
	}
	if n > maxArchiveSize {
		return "", fault.New(fault.KindInvalidArgument, "tool archive exceeds maximum size (%d bytes)", maxArchiveSize)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("finalize download: %w", err)
	}
	success = true
	return name, nil
}

// errNoChecksum signals verifySHA256 was called with nothing to check.
var errNoChecksum = errors.New("no SHA-256 checksum provided")

func verifySHA256(path, expected string) error {
	expected = strings.TrimSpace(strings.ToLower(expected))
	if expected == "" {
		return errNoChecksum
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return fault.New(fault.KindIntegrityError,
			"checksum mismatch for downloaded tool archive").
			WithDetail("expected", expected).
			WithDetail("actual", actual)
	}
	return nil
}
