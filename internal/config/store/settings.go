package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known setting keys. The settings table is a flat KV store; these
// constants name the singleton fields the UI reads and writes.
const (
	SettingTheme                     = "theme"
	SettingAutoUpdate                = "autoUpdate"
	SettingShowDebugMenu             = "showDebugMenu"
	SettingDeprecatedToolsVisibility = "deprecatedToolsVisibility"
	SettingToolDisplayMode           = "toolDisplayMode"
	SettingTerminalFont              = "terminalFont"
	SettingInstallID                 = "installId"
	SettingMarketplaceSort           = "marketplaceSort"
	SettingInstalledToolsSort        = "installedToolsSort"
	SettingConnectionsSort           = "connectionsSort"
)

// LoadSettings returns key/value settings. Optional keys limit the
// selection to specific entries.
func (s *Store) LoadSettings(ctx context.Context, keys ...string) (map[string]string, error) {
	query := `SELECT key, value FROM settings`
	var args []any

	if len(keys) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
		query += fmt.Sprintf(" WHERE key IN (%s)", placeholders)
		for _, key := range keys {
			args = append(args, key)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("config: load settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("config: scan settings row: %w", err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate settings rows: %w", err)
	}
	return result, nil
}

// GetSetting returns one setting value, or "" when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("config: get setting %q: %w", key, err)
	}
	return value, nil
}

// SaveSettings upserts the provided key/value pairs.
func (s *Store) SaveSettings(ctx context.Context, values map[string]string) error {
	if err := s.requireWritable("save settings"); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO settings (key, value, updated_at)
            VALUES (?, ?, CURRENT_TIMESTAMP)
            ON CONFLICT(key) DO UPDATE SET
                value = excluded.value,
                updated_at = CURRENT_TIMESTAMP
        `)
		if err != nil {
			return fmt.Errorf("config: prepare save settings: %w", err)
		}
		defer stmt.Close()

		for key, value := range values {
			if _, err := stmt.ExecContext(ctx, key, value); err != nil {
				return fmt.Errorf("config: exec save setting %q: %w", key, err)
			}
		}
		return nil
	})
}

// EnsureInstallID returns the persisted anonymous install id, minting one on
// first run.
func (s *Store) EnsureInstallID(ctx context.Context) (string, error) {
	id, err := s.GetSetting(ctx, SettingInstallID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.SaveSettings(ctx, map[string]string{SettingInstallID: id}); err != nil {
		return "", err
	}
	return id, nil
}

// FavoriteTool pairs a tool id with its position in the favorites list.
type FavoriteTool struct {
	ToolID   string
	Position int
}

// AddFavorite appends a tool to the favorites list; already-favorited tools
// keep their position.
func (s *Store) AddFavorite(ctx context.Context, toolID string) error {
	if err := s.requireWritable("add favorite"); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO favorite_tools (tool_id, position)
			VALUES (?, COALESCE((SELECT MAX(position) + 1 FROM favorite_tools), 0))
			ON CONFLICT(tool_id) DO NOTHING
		`, toolID)
		if err != nil {
			return fmt.Errorf("config: add favorite %s: %w", toolID, err)
		}
		return nil
	})
}

// RemoveFavorite deletes a tool from the favorites list. Removing an absent
// entry is not an error.
func (s *Store) RemoveFavorite(ctx context.Context, toolID string) error {
	if err := s.requireWritable("remove favorite"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM favorite_tools WHERE tool_id = ?`, toolID)
	if err != nil {
		return fmt.Errorf("config: remove favorite %s: %w", toolID, err)
	}
	return nil
}

// IsFavorite reports whether a tool is in the favorites list.
func (s *Store) IsFavorite(ctx context.Context, toolID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM favorite_tools WHERE tool_id = ?`, toolID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("config: check favorite %s: %w", toolID, err)
	}
	return count > 0, nil
}

// ListFavorites returns favorite tool ids in position order.
func (s *Store) ListFavorites(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_id FROM favorite_tools ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("config: list favorites: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("config: scan favorite row: %w", err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// LastUsedEntry records when a tool was last launched.
type LastUsedEntry struct {
	ToolID string
	UsedAt string
}

// RecordToolUse upserts the last-used timestamp for a tool.
func (s *Store) RecordToolUse(ctx context.Context, toolID string) error {
	if err := s.requireWritable("record tool use"); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO last_used_tools (tool_id, used_at) VALUES (?, ?)
		ON CONFLICT(tool_id) DO UPDATE SET used_at = excluded.used_at
	`, toolID, now)
	if err != nil {
		return fmt.Errorf("config: record tool use %s: %w", toolID, err)
	}
	return nil
}

// ListLastUsed returns recently used tools, most recent first, capped at limit.
func (s *Store) ListLastUsed(ctx context.Context, limit int) ([]LastUsedEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_id, used_at FROM last_used_tools ORDER BY used_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("config: list last used: %w", err)
	}
	defer rows.Close()

	var result []LastUsedEntry
	for rows.Next() {
		var entry LastUsedEntry
		if err := rows.Scan(&entry.ToolID, &entry.UsedAt); err != nil {
			return nil, fmt.Errorf("config: scan last-used row: %w", err)
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// ClearLastUsed empties the last-used list.
func (s *Store) ClearLastUsed(ctx context.Context) error {
	if err := s.requireWritable("clear last used"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM last_used_tools`)
	if err != nil {
		return fmt.Errorf("config: clear last used: %w", err)
	}
	return nil
}
