package store

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		environment TEXT NOT NULL DEFAULT 'Dev',
		authentication_type TEXT NOT NULL,
		client_id TEXT,
		client_secret TEXT,
		tenant_id TEXT,
		username TEXT,
		password TEXT,
		access_token TEXT,
		refresh_token TEXT,
		token_expiry TEXT,
		msal_account_id TEXT,
		browser_type TEXT,
		browser_profile TEXT,
		browser_profile_name TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS csp_consents (
		tool_id TEXT PRIMARY KEY,
		granted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS tool_bindings (
		tool_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('primary', 'secondary')),
		connection_id TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tool_id, role),
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS favorite_tools (
		tool_id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS last_used_tools (
		tool_id TEXT PRIMARY KEY,
		used_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS session_snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload TEXT NOT NULL,
		saved_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("config: apply schema: %w", err)
		}
	}
	return nil
}
