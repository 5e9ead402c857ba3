// Package keys stores per-user provider API keys, sealed at rest with
// a master key from configuration.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	_ "github.com/mattn/go-sqlite3"

	"github.com/verdant-garden/verdant/internal/llm"
)

// Store persists sealed API keys in its own SQLite database.
type Store struct {
	db  *sql.DB
	key [32]byte
}

// NewStore opens the key database and derives the sealing key from the
// configured master key. An empty master key is rejected; keys must
// never be stored in the clear.
func NewStore(dbPath, masterKey string) (*Store, error) {
	if masterKey == "" {
		return nil, errors.New("keys: master key is required")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open keys db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping keys db: %w", err)
	}

	s := &Store{db: db, key: sha256.Sum256([]byte(masterKey))}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			user_id    TEXT NOT NULL,
			provider   TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, provider)
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate keys db: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) seal(plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (s *Store) open(sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", errors.New("sealed key too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("unseal key: %w", err)
	}
	return string(plaintext), nil
}

// Set stores a user's API key for a provider, replacing any existing
// one.
func (s *Store) Set(ctx context.Context, userID, provider, apiKey string) error {
	sealed, err := s.seal(apiKey)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO api_keys (user_id, provider, ciphertext, updated_at)
		VALUES (?, ?, ?, ?)
	`, userID, provider, sealed, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store key: %w", err)
	}
	return nil
}

// Get returns a user's API key for a provider. Returns an error
// wrapping llm.ErrNoKey when none is stored.
func (s *Store) Get(ctx context.Context, userID, provider string) (string, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext FROM api_keys WHERE user_id = ? AND provider = ?
	`, userID, provider).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("key for %s/%s: %w", userID, provider, llm.ErrNoKey)
	}
	if err != nil {
		return "", fmt.Errorf("get key: %w", err)
	}
	return s.open(sealed)
}

// Delete removes a user's API key for a provider. Deleting a missing
// key is not an error.
func (s *Store) Delete(ctx context.Context, userID, provider string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM api_keys WHERE user_id = ? AND provider = ?
	`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}
