package store

import (
	"context"
	"database/sql"
	"fmt"
)

// HasCSPConsent reports whether the user has granted the tool's declared
// CSP exceptions. Absent rows mean not granted.
func (s *Store) HasCSPConsent(ctx context.Context, toolID string) (bool, error) {
	var granted int
	err := s.db.QueryRowContext(ctx, `SELECT granted FROM csp_consents WHERE tool_id = ?`, toolID).Scan(&granted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("config: check csp consent %s: %w", toolID, err)
	}
	return granted != 0, nil
}

// SetCSPConsent records or revokes consent for a tool's CSP exceptions.
func (s *Store) SetCSPConsent(ctx context.Context, toolID string, granted bool) error {
	if err := s.requireWritable("set csp consent"); err != nil {
		return err
	}
	val := 0
	if granted {
		val = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO csp_consents (tool_id, granted, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tool_id) DO UPDATE SET granted = excluded.granted, updated_at = CURRENT_TIMESTAMP
	`, toolID, val)
	if err != nil {
		return fmt.Errorf("config: set csp consent %s: %w", toolID, err)
	}
	return nil
}

// ListCSPConsents returns the consent decision per tool id.
func (s *Store) ListCSPConsents(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_id, granted FROM csp_consents`)
	if err != nil {
		return nil, fmt.Errorf("config: list csp consents: %w", err)
	}
	defer rows.Close()

	result := make(map[string]bool)
	for rows.Next() {
		var toolID string
		var granted int
		if err := rows.Scan(&toolID, &granted); err != nil {
			return nil, fmt.Errorf("config: scan csp consent row: %w", err)
		}
		result[toolID] = granted != 0
	}
	return result, rows.Err()
}

// Binding roles for tool connection bindings.
const (
	BindingPrimary   = "primary"
	BindingSecondary = "secondary"
)

// SetToolConnection binds a connection to a tool for the given role.
func (s *Store) SetToolConnection(ctx context.Context, toolID, role, connectionID string) error {
	if err := s.requireWritable("set tool connection"); err != nil {
		return err
	}
	if role != BindingPrimary && role != BindingSecondary {
		return fmt.Errorf("config: set tool connection: invalid role %q", role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_bindings (tool_id, role, connection_id, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tool_id, role) DO UPDATE SET
			connection_id = excluded.connection_id, updated_at = CURRENT_TIMESTAMP
	`, toolID, role, connectionID)
	if err != nil {
		return fmt.Errorf("config: set tool connection %s/%s: %w", toolID, role, err)
	}
	return nil
}

// GetToolConnection returns the bound connection id for a tool/role, or ""
// when no binding exists.
func (s *Store) GetToolConnection(ctx context.Context, toolID, role string) (string, error) {
	var connectionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT connection_id FROM tool_bindings WHERE tool_id = ? AND role = ?
	`, toolID, role).Scan(&connectionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("config: get tool connection %s/%s: %w", toolID, role, err)
	}
	return connectionID, nil
}

// RemoveToolConnection drops a binding. Removing an absent binding is not an
// error.
func (s *Store) RemoveToolConnection(ctx context.Context, toolID, role string) error {
	if err := s.requireWritable("remove tool connection"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tool_bindings WHERE tool_id = ? AND role = ?`, toolID, role)
	if err != nil {
		return fmt.Errorf("config: remove tool connection %s/%s: %w", toolID, role, err)
	}
	return nil
}

// ListToolConnections returns toolId → connectionId for the given role.
func (s *Store) ListToolConnections(ctx context.Context, role string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_id, connection_id FROM tool_bindings WHERE role = ?`, role)
	if err != nil {
		return nil, fmt.Errorf("config: list tool connections: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var toolID, connectionID string
		if err := rows.Scan(&toolID, &connectionID); err != nil {
			return nil, fmt.Errorf("config: scan tool binding row: %w", err)
		}
		result[toolID] = connectionID
	}
	return result, rows.Err()
}
