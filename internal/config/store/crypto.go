package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	keySize     = 32 // AES-256
	keyFileName = ".secrets.key"
	// encPrefix marks encrypted values in the database; plaintext rows from
	// before encryption lack it.
	encPrefix = "enc:v1:"
)

func keyPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), keyFileName)
}

// loadEncryptionKey reads an existing key. Returns nil, nil when the file
// does not exist yet.
func loadEncryptionKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read encryption key: %w", err)
	}
	if len(data) != keySize {
		return nil, fmt.Errorf("config: encryption key at %s has invalid size %d (expected %d)", path, len(data), keySize)
	}
	return data, nil
}

// ensureEncryptionKey loads the key, creating one when missing. Creating is
// refused if the database already holds encrypted values: a fresh key would
// make the stored secrets permanently undecryptable.
func ensureEncryptionKey(ctx context.Context, db *sql.DB, path string) ([]byte, error) {
	key, err := loadEncryptionKey(path)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}

	hasEnc, err := hasEncryptedValues(ctx, db)
	if err != nil {
		return nil, err
	}
	if hasEnc {
		return nil, fmt.Errorf("config: encryption key %s is missing but the database already contains encrypted values; refusing to create a new key, restore the original key file", path)
	}
	return createEncryptionKey(path)
}

// createEncryptionKey generates a new key with a temp-file + hard-link
// pattern so concurrent opens race safely: os.Link fails with EEXIST when
// another process already created the key.
func createEncryptionKey(path string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("config: generate encryption key: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), keyFileName+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("config: create encryption key temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(key); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("config: write encryption key temp: %w", err)
	}
	if err := tmpFile.Chmod(0o600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("config: chmod encryption key temp: %w", err)
	}
	tmpFile.Close()

	if err := os.Link(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		if os.IsExist(err) {
			return loadEncryptionKey(path)
		}
		return nil, fmt.Errorf("config: link encryption key: %w", err)
	}
	os.Remove(tmpPath)
	return key, nil
}

func hasEncryptedValues(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM connections
		WHERE client_secret LIKE ? OR password LIKE ? OR access_token LIKE ? OR refresh_token LIKE ?
	`, encPrefix+"%", encPrefix+"%", encPrefix+"%", encPrefix+"%").Scan(&count)
	if err != nil {
		return false, fmt.Errorf("config: check encrypted values: %w", err)
	}
	return count > 0, nil
}

// encryptValue seals a secret with AES-256-GCM. Empty values pass through so
// optional credential columns stay NULL-equivalent.
func (s *Store) encryptValue(plain string) (string, error) {
	if plain == "" || s.encryptionKey == nil {
		return plain, nil
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("config: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("config: init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("config: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// decryptValue opens an enc:v1: value. Legacy plaintext values are returned
// unchanged.
func (s *Store) decryptValue(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if s.encryptionKey == nil {
		return "", fmt.Errorf("config: encrypted value present but no encryption key loaded")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("config: decode encrypted value: %w", err)
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("config: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("config: init gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("config: encrypted value too short")
	}

	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("config: decrypt value: %w", err)
	}
	return string(plain), nil
}
