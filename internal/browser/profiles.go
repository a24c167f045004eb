package browser

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// localState mirrors the fragment of the Chromium "Local State" file we
// care about: profile directory name to display name.
type localState struct {
	Profile struct {
		InfoCache map[string]struct {
			Name string `json:"name"`
		} `json:"info_cache"`
	} `json:"profile"`
}

// preferencesFile mirrors the per-profile Preferences fragment used as a
// last resort when Local State is missing or unreadable.
type preferencesFile struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

var profileScanRe = regexp.MustCompile(`^(Default|Profile \d+)$`)

// profilesFromLocalState reads the browser's Local State index. Returns
// nil on any failure so callers fall through to the directory scan.
func profilesFromLocalState(dataDir string) []Profile {
	raw, err := os.ReadFile(filepath.Join(dataDir, "Local State"))
	if err != nil {
		return nil
	}
	var state localState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil
	}
	profiles := make([]Profile, 0, len(state.Profile.InfoCache))
	for dir, info := range state.Profile.InfoCache {
		name := info.Name
		if name == "" {
			name = dir
		}
		profiles = append(profiles, Profile{Name: name, Path: dir})
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Path < profiles[j].Path })
	return profiles
}

// profilesFromDirectoryScan enumerates profile directories by name
// pattern, pulling display names from each Preferences file when present.
func profilesFromDirectoryScan(dataDir string) []Profile {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil
	}
	var profiles []Profile
	for _, entry := range entries {
		if !entry.IsDir() || !profileScanRe.MatchString(entry.Name()) {
			continue
		}
		name := entry.Name()
		if raw, err := os.ReadFile(filepath.Join(dataDir, entry.Name(), "Preferences")); err == nil {
			var prefs preferencesFile
			if json.Unmarshal(raw, &prefs) == nil && prefs.Profile.Name != "" {
				name = prefs.Profile.Name
			}
		}
		profiles = append(profiles, Profile{Name: name, Path: entry.Name()})
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Path < profiles[j].Path })
	return profiles
}
