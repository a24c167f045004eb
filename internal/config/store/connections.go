package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuthenticationType enumerates the supported connection auth modes.
type AuthenticationType string

const (
	AuthInteractive      AuthenticationType = "interactive"
	AuthClientSecret     AuthenticationType = "clientSecret"
	AuthUsernamePassword AuthenticationType = "usernamePassword"
	AuthConnectionString AuthenticationType = "connectionString"
)

// Environment classifies a Dataverse environment for UI treatment.
type Environment string

const (
	EnvDev        Environment = "Dev"
	EnvTest       Environment = "Test"
	EnvUAT        Environment = "UAT"
	EnvProduction Environment = "Production"
)

// ValidEnvironment reports whether e is one of the known environments.
func ValidEnvironment(e Environment) bool {
	switch e {
	case EnvDev, EnvTest, EnvUAT, EnvProduction:
		return true
	}
	return false
}

// Connection is a persisted Dataverse connection record. Credential and
// token fields are encrypted at rest and must never cross into a webview
// zone; tools only ever see the id and URL.
type Connection struct {
	ID                 string
	Name               string
	URL                string
	Environment        Environment
	AuthenticationType AuthenticationType

	ClientID     string
	ClientSecret string
	TenantID     string
	Username     string
	Password     string

	AccessToken   string
	RefreshToken  string
	TokenExpiry   string // RFC-3339; empty means no known expiry
	MSALAccountID string

	BrowserType        string // default, chrome, edge
	BrowserProfile     string // profile directory name
	BrowserProfileName string // display name

	CreatedAt  string
	LastUsedAt string
}

// TokenExpired reports whether the stored expiry is set and not after now.
// A missing expiry means the token is assumed valid until a server 401.
func (c *Connection) TokenExpired(now time.Time) bool {
	if c.TokenExpiry == "" {
		return false
	}
	expiry, err := time.Parse(time.RFC3339, c.TokenExpiry)
	if err != nil {
		return false
	}
	return !expiry.After(now)
}

const connectionColumns = `id, name, url, environment, authentication_type,
	client_id, client_secret, tenant_id, username, password,
	access_token, refresh_token, token_expiry, msal_account_id,
	browser_type, browser_profile, browser_profile_name,
	created_at, last_used_at`

// AddConnection inserts a new connection record.
func (s *Store) AddConnection(ctx context.Context, conn Connection) error {
	if err := s.requireWritable("add connection"); err != nil {
		return err
	}
	if conn.ID == "" {
		return fmt.Errorf("config: add connection: id is required")
	}
	if conn.CreatedAt == "" {
		conn.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	sealed, err := s.sealSecrets(conn)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO connections (`+connectionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, connectionArgs(sealed)...)
		if err != nil {
			return fmt.Errorf("config: insert connection %s: %w", conn.ID, err)
		}
		return nil
	})
}

// UpdateConnection replaces all fields of an existing connection.
func (s *Store) UpdateConnection(ctx context.Context, conn Connection) error {
	if err := s.requireWritable("update connection"); err != nil {
		return err
	}

	sealed, err := s.sealSecrets(conn)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE connections SET
				name = ?, url = ?, environment = ?, authentication_type = ?,
				client_id = ?, client_secret = ?, tenant_id = ?, username = ?, password = ?,
				access_token = ?, refresh_token = ?, token_expiry = ?, msal_account_id = ?,
				browser_type = ?, browser_profile = ?, browser_profile_name = ?,
				last_used_at = ?
			WHERE id = ?
		`, sealed.Name, sealed.URL, sealed.Environment, sealed.AuthenticationType,
			nullable(sealed.ClientID), nullable(sealed.ClientSecret), nullable(sealed.TenantID),
			nullable(sealed.Username), nullable(sealed.Password),
			nullable(sealed.AccessToken), nullable(sealed.RefreshToken),
			nullable(sealed.TokenExpiry), nullable(sealed.MSALAccountID),
			nullable(sealed.BrowserType), nullable(sealed.BrowserProfile), nullable(sealed.BrowserProfileName),
			nullable(sealed.LastUsedAt), sealed.ID)
		if err != nil {
			return fmt.Errorf("config: update connection %s: %w", conn.ID, err)
		}
		return requireRowAffected(res, "connection", conn.ID)
	})
}

// UpdateConnectionTokens writes a new token set. Access token and expiry
// change in a single statement so readers never observe one without the
// other.
func (s *Store) UpdateConnectionTokens(ctx context.Context, id, accessToken, refreshToken, tokenExpiry, msalAccountID string) error {
	if err := s.requireWritable("update connection tokens"); err != nil {
		return err
	}

	encAccess, err := s.encryptValue(accessToken)
	if err != nil {
		return err
	}
	encRefresh, err := s.encryptValue(refreshToken)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE connections
			SET access_token = ?, refresh_token = ?, token_expiry = ?, msal_account_id = ?
			WHERE id = ?
		`, nullable(encAccess), nullable(encRefresh), nullable(tokenExpiry), nullable(msalAccountID), id)
		if err != nil {
			return fmt.Errorf("config: update tokens for %s: %w", id, err)
		}
		return requireRowAffected(res, "connection", id)
	})
}

// ClearConnectionTokens drops the token set, forcing re-authentication.
func (s *Store) ClearConnectionTokens(ctx context.Context, id string) error {
	return s.UpdateConnectionTokens(ctx, id, "", "", "", "")
}

// TouchConnection records that a connection was just used.
func (s *Store) TouchConnection(ctx context.Context, id string) error {
	if err := s.requireWritable("touch connection"); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `UPDATE connections SET last_used_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("config: touch connection %s: %w", id, err)
	}
	return requireRowAffected(res, "connection", id)
}

// DeleteConnection removes a connection and its tool bindings (cascade).
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	if err := s.requireWritable("delete connection"); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("config: delete connection %s: %w", id, err)
		}
		return requireRowAffected(res, "connection", id)
	})
}

// GetConnection fetches one connection with secrets decrypted.
func (s *Store) GetConnection(ctx context.Context, id string) (Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	conn, err := s.scanConnection(row)
	if err == sql.ErrNoRows {
		return Connection{}, NotFoundError{Entity: "connection", Key: id}
	}
	if err != nil {
		return Connection{}, fmt.Errorf("config: get connection %s: %w", id, err)
	}
	return conn, nil
}

// ListConnections returns all connections ordered by creation time.
func (s *Store) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("config: list connections: %w", err)
	}
	defer rows.Close()

	var result []Connection
	for rows.Next() {
		conn, err := s.scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("config: scan connection row: %w", err)
		}
		result = append(result, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate connection rows: %w", err)
	}
	return result, nil
}

func (s *Store) sealSecrets(conn Connection) (Connection, error) {
	var err error
	if conn.ClientSecret, err = s.encryptValue(conn.ClientSecret); err != nil {
		return conn, err
	}
	if conn.Password, err = s.encryptValue(conn.Password); err != nil {
		return conn, err
	}
	if conn.AccessToken, err = s.encryptValue(conn.AccessToken); err != nil {
		return conn, err
	}
	if conn.RefreshToken, err = s.encryptValue(conn.RefreshToken); err != nil {
		return conn, err
	}
	return conn, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanConnection(row rowScanner) (Connection, error) {
	var (
		conn                                     Connection
		clientID, clientSecret, tenantID         sql.NullString
		username, password                       sql.NullString
		accessToken, refreshToken, tokenExpiry   sql.NullString
		msalAccountID                            sql.NullString
		browserType, browserProfile, profileName sql.NullString
		lastUsedAt                               sql.NullString
	)

	err := row.Scan(&conn.ID, &conn.Name, &conn.URL, &conn.Environment, &conn.AuthenticationType,
		&clientID, &clientSecret, &tenantID, &username, &password,
		&accessToken, &refreshToken, &tokenExpiry, &msalAccountID,
		&browserType, &browserProfile, &profileName,
		&conn.CreatedAt, &lastUsedAt)
	if err != nil {
		return Connection{}, err
	}

	conn.ClientID = clientID.String
	conn.TenantID = tenantID.String
	conn.Username = username.String
	conn.TokenExpiry = tokenExpiry.String
	conn.MSALAccountID = msalAccountID.String
	conn.BrowserType = browserType.String
	conn.BrowserProfile = browserProfile.String
	conn.BrowserProfileName = profileName.String
	conn.LastUsedAt = lastUsedAt.String

	if conn.ClientSecret, err = s.decryptValue(clientSecret.String); err != nil {
		return Connection{}, err
	}
	if conn.Password, err = s.decryptValue(password.String); err != nil {
		return Connection{}, err
	}
	if conn.AccessToken, err = s.decryptValue(accessToken.String); err != nil {
		return Connection{}, err
	}
	if conn.RefreshToken, err = s.decryptValue(refreshToken.String); err != nil {
		return Connection{}, err
	}
	return conn, nil
}

func connectionArgs(conn Connection) []any {
	return []any{
		conn.ID, conn.Name, conn.URL, conn.Environment, conn.AuthenticationType,
		nullable(conn.ClientID), nullable(conn.ClientSecret), nullable(conn.TenantID),
		nullable(conn.Username), nullable(conn.Password),
		nullable(conn.AccessToken), nullable(conn.RefreshToken),
		nullable(conn.TokenExpiry), nullable(conn.MSALAccountID),
		nullable(conn.BrowserType), nullable(conn.BrowserProfile), nullable(conn.BrowserProfileName),
		conn.CreatedAt, nullable(conn.LastUsedAt),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRowAffected(res sql.Result, entity, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return NotFoundError{Entity: entity, Key: key}
	}
	return nil
}
