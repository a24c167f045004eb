package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "config.db")
	s, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.SaveSettings(ctx, map[string]string{
		SettingTheme:      "dark",
		SettingAutoUpdate: "true",
	})
	if err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	got, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got[SettingTheme] != "dark" || got[SettingAutoUpdate] != "true" {
		t.Fatalf("LoadSettings = %v", got)
	}

	// Upsert overwrites.
	if err := s.SaveSettings(ctx, map[string]string{SettingTheme: "light"}); err != nil {
		t.Fatalf("SaveSettings overwrite: %v", err)
	}
	if v, _ := s.GetSetting(ctx, SettingTheme); v != "light" {
		t.Fatalf("GetSetting = %q, want light", v)
	}
}

func TestEnsureInstallIDStable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureInstallID(ctx)
	if err != nil || first == "" {
		t.Fatalf("EnsureInstallID: %q, %v", first, err)
	}
	second, err := s.EnsureInstallID(ctx)
	if err != nil || second != first {
		t.Fatalf("EnsureInstallID not stable: %q then %q (%v)", first, second, err)
	}
}

func testConnection() Connection {
	return Connection{
		ID:                 "c1",
		Name:               "Dev",
		URL:                "https://org.crm.dynamics.com",
		Environment:        EnvDev,
		AuthenticationType: AuthInteractive,
		CreatedAt:          "2024-01-01T00:00:00Z",
	}
}

func TestAddAndListConnections(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddConnection(ctx, testConnection()); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	list, err := s.ListConnections(ctx)
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(list) != 1 || list[0].ID != "c1" {
		t.Fatalf("ListConnections = %+v, want single c1", list)
	}
}

func TestConnectionSecretsEncryptedAtRest(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "config.db")
	s, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	conn := testConnection()
	conn.AuthenticationType = AuthClientSecret
	conn.ClientID = "app-id"
	conn.ClientSecret = "super-secret-value"
	if err := s.AddConnection(ctx, conn); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	// Raw column must hold the sealed form, never the plaintext.
	raw := ""
	err = s.db.QueryRow(`SELECT client_secret FROM connections WHERE id = 'c1'`).Scan(&raw)
	if err != nil {
		t.Fatalf("raw query: %v", err)
	}
	if !strings.HasPrefix(raw, encPrefix) {
		t.Fatalf("client_secret column = %q, want %s prefix", raw, encPrefix)
	}
	if strings.Contains(raw, "super-secret-value") {
		t.Fatal("plaintext secret leaked into the database")
	}

	got, err := s.GetConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.ClientSecret != "super-secret-value" {
		t.Fatalf("decrypted secret = %q", got.ClientSecret)
	}
}

func TestUpdateConnectionTokensAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddConnection(ctx, testConnection()); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	expiry := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	err := s.UpdateConnectionTokens(ctx, "c1", "at-1", "rt-1", expiry, "acct-1")
	if err != nil {
		t.Fatalf("UpdateConnectionTokens: %v", err)
	}

	got, err := s.GetConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.AccessToken != "at-1" || got.RefreshToken != "rt-1" {
		t.Fatalf("tokens = %q/%q", got.AccessToken, got.RefreshToken)
	}
	if got.TokenExpiry != expiry || got.MSALAccountID != "acct-1" {
		t.Fatalf("expiry/account = %q/%q", got.TokenExpiry, got.MSALAccountID)
	}

	if err := s.ClearConnectionTokens(ctx, "c1"); err != nil {
		t.Fatalf("ClearConnectionTokens: %v", err)
	}
	got, _ = s.GetConnection(ctx, "c1")
	if got.AccessToken != "" || got.TokenExpiry != "" {
		t.Fatalf("tokens not cleared: %+v", got)
	}

	if err := s.UpdateConnectionTokens(ctx, "missing", "x", "", "", ""); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError for missing connection, got %v", err)
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		expiry string
		want   bool
	}{
		{"", false},
		{"2025-06-01T11:59:59Z", true},
		{"2025-06-01T12:00:00Z", true},
		{"2025-06-01T12:00:01Z", false},
		{"not-a-timestamp", false},
	}
	for _, tc := range tests {
		conn := Connection{TokenExpiry: tc.expiry}
		if got := conn.TokenExpired(now); got != tc.want {
			t.Errorf("TokenExpired(%q) = %v, want %v", tc.expiry, got, tc.want)
		}
	}
}

func TestDeleteConnectionCascadesBindings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddConnection(ctx, testConnection()); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := s.SetToolConnection(ctx, "t1", BindingPrimary, "c1"); err != nil {
		t.Fatalf("SetToolConnection: %v", err)
	}

	if err := s.DeleteConnection(ctx, "c1"); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}

	if _, err := s.GetConnection(ctx, "c1"); !IsNotFound(err) {
		t.Fatalf("GetConnection after delete: %v", err)
	}
	bound, err := s.GetToolConnection(ctx, "t1", BindingPrimary)
	if err != nil {
		t.Fatalf("GetToolConnection: %v", err)
	}
	if bound != "" {
		t.Fatalf("binding survived connection delete: %q", bound)
	}
}

func TestCSPConsents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	granted, err := s.HasCSPConsent(ctx, "t1")
	if err != nil || granted {
		t.Fatalf("HasCSPConsent initial = %v, %v", granted, err)
	}

	if err := s.SetCSPConsent(ctx, "t1", true); err != nil {
		t.Fatalf("SetCSPConsent: %v", err)
	}
	if granted, _ = s.HasCSPConsent(ctx, "t1"); !granted {
		t.Fatal("consent not recorded")
	}

	// Revoke.
	if err := s.SetCSPConsent(ctx, "t1", false); err != nil {
		t.Fatalf("SetCSPConsent revoke: %v", err)
	}
	if granted, _ = s.HasCSPConsent(ctx, "t1"); granted {
		t.Fatal("consent not revoked")
	}
}

func TestFavoritesOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.AddFavorite(ctx, id); err != nil {
			t.Fatalf("AddFavorite(%s): %v", id, err)
		}
	}
	// Duplicate add keeps position.
	if err := s.AddFavorite(ctx, "a"); err != nil {
		t.Fatalf("AddFavorite dup: %v", err)
	}

	list, err := s.ListFavorites(ctx)
	if err != nil {
		t.Fatalf("ListFavorites: %v", err)
	}
	if len(list) != 3 || list[0] != "a" || list[1] != "b" || list[2] != "c" {
		t.Fatalf("ListFavorites = %v", list)
	}

	if err := s.RemoveFavorite(ctx, "b"); err != nil {
		t.Fatalf("RemoveFavorite: %v", err)
	}
	list, _ = s.ListFavorites(ctx)
	if len(list) != 2 {
		t.Fatalf("after remove: %v", list)
	}
}

func TestLastUsedMostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Drive used_at directly to avoid clock coupling.
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.RecordToolUse(ctx, id); err != nil {
			t.Fatalf("RecordToolUse(%s): %v", id, err)
		}
		ts := time.Date(2025, 1, 1+i, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
		if _, err := s.db.Exec(`UPDATE last_used_tools SET used_at = ? WHERE tool_id = ?`, ts, id); err != nil {
			t.Fatalf("seed used_at: %v", err)
		}
	}

	list, err := s.ListLastUsed(ctx, 2)
	if err != nil {
		t.Fatalf("ListLastUsed: %v", err)
	}
	if len(list) != 2 || list[0].ToolID != "new" || list[1].ToolID != "mid" {
		t.Fatalf("ListLastUsed = %+v", list)
	}

	if err := s.ClearLastUsed(ctx); err != nil {
		t.Fatalf("ClearLastUsed: %v", err)
	}
	if list, _ := s.ListLastUsed(ctx, 10); len(list) != 0 {
		t.Fatalf("ClearLastUsed left entries: %+v", list)
	}
}

func TestReadOnlyRefusesWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "config.db")
	rw, err := Open(Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("Open rw: %v", err)
	}
	rw.Close()

	ro, err := Open(Options{DBPath: dbPath, ReadOnly: true})
	if err != nil {
		t.Fatalf("Open ro: %v", err)
	}
	defer ro.Close()

	if err := ro.SaveSettings(context.Background(), map[string]string{"k": "v"}); err == nil {
		t.Fatal("read-only store accepted a write")
	}
}
