package windows

import (
	"context"
	"encoding/json"
	"log"

	"github.com/pptb-app/pptb/internal/config/store"
)

// sessionEntry is one persisted tab. Instance ids are never reused; a
// restore mints fresh ones.
type sessionEntry struct {
	InstanceID            string `json:"instanceId"`
	ToolID                string `json:"toolId"`
	IsPinned              bool   `json:"isPinned"`
	PrimaryConnectionID   string `json:"primaryConnectionId,omitempty"`
	SecondaryConnectionID string `json:"secondaryConnectionId,omitempty"`
}

type sessionSnapshot struct {
	Instances        []sessionEntry `json:"instances"`
	ActiveInstanceID string         `json:"activeInstanceId,omitempty"`
}

// persistSession writes the current tab strip to the store. Failures
// are logged, not surfaced; a stale session must never break a launch.
func (m *Manager) persistSession(ctx context.Context) {
	m.mu.Lock()
	snap := sessionSnapshot{ActiveInstanceID: m.activeID}
	for _, id := range m.order {
		inst, ok := m.instances[id]
		if !ok {
			continue
		}
		snap.Instances = append(snap.Instances, sessionEntry{
			InstanceID:            inst.ID,
			ToolID:                inst.ToolID,
			IsPinned:              inst.Pinned,
			PrimaryConnectionID:   inst.PrimaryConnectionID,
			SecondaryConnectionID: inst.SecondaryConnectionID,
		})
	}
	m.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[Windows] WARNING: marshal session: %v", err)
		return
	}
	if err := m.opts.Store.SaveSessionSnapshot(ctx, string(payload)); err != nil {
		log.Printf("[Windows] WARNING: persist session: %v", err)
	}
}

// RestoreSession relaunches the previous session's tabs in order.
// Entries whose tool was uninstalled or whose connections were deleted
// are skipped. No dialogs open during restore.
func (m *Manager) RestoreSession(ctx context.Context) error {
	payload, err := m.opts.Store.LoadSessionSnapshot(ctx)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	var snap sessionSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		log.Printf("[Windows] WARNING: discarding unreadable session snapshot: %v", err)
		return nil
	}

	// Map saved ids to the fresh ones so the active tab carries over.
	restored := make(map[string]string, len(snap.Instances))
	for _, entry := range snap.Instances {
		if !m.opts.Catalog.IsInstalled(entry.ToolID) {
			log.Printf("[Windows] Skipping session entry for uninstalled tool %s", entry.ToolID)
			continue
		}
		inst, err := m.launch(ctx, entry.ToolID, LaunchOptions{
			PrimaryConnectionID:   entry.PrimaryConnectionID,
			SecondaryConnectionID: entry.SecondaryConnectionID,
		}, false)
		if err != nil {
			log.Printf("[Windows] Skipping session entry for %s: %v", entry.ToolID, err)
			continue
		}
		restored[entry.InstanceID] = inst.ID
		if entry.IsPinned {
			if err := m.SetPinned(ctx, inst.ID, true); err != nil {
				log.Printf("[Windows] WARNING: restoring pin for %s: %v", inst.ID, err)
			}
		}
	}

	if newID, ok := restored[snap.ActiveInstanceID]; ok {
		if err := m.Switch(ctx, newID); err != nil {
			log.Printf("[Windows] WARNING: activating restored tab: %v", err)
		}
	}
	m.persistSession(ctx)
	return nil
}
