// Package sqlite provides a durable storage backend over a single SQLite
// file. Claim semantics ride on conditional UPDATE ... RETURNING statements,
// so the single-winner guarantees hold across processes sharing the file.
//
// Token rows are keyed by the SHA-256 of the token value. When an encryptor
// is configured the token value column is additionally encrypted, so a copy
// of the database file does not yield usable bearer credentials.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/brendanlong/lion-reader-sub011/security"
	"github.com/brendanlong/lion-reader-sub011/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id     TEXT PRIMARY KEY,
	client_name   TEXT NOT NULL,
	redirect_uris TEXT NOT NULL,
	scopes        TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS oauth_codes (
	code_hash             TEXT PRIMARY KEY,
	client_id             TEXT NOT NULL,
	user_id               TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL,
	code_challenge        TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	scopes                TEXT NOT NULL,
	resource              TEXT NOT NULL DEFAULT '',
	state                 TEXT NOT NULL DEFAULT '',
	created_at            INTEGER NOT NULL,
	expires_at            INTEGER NOT NULL,
	consumed              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS oauth_consents (
	user_id    TEXT NOT NULL,
	client_id  TEXT NOT NULL,
	scopes     TEXT NOT NULL,
	granted_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, client_id)
);

CREATE TABLE IF NOT EXISTS oauth_access_tokens (
	token_hash TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	client_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	scopes     TEXT NOT NULL,
	resource   TEXT NOT NULL DEFAULT '',
	family_id  TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_tokens_family ON oauth_access_tokens(family_id);
CREATE INDEX IF NOT EXISTS idx_access_tokens_user_client ON oauth_access_tokens(user_id, client_id);

CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
	token_hash TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	client_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	scopes     TEXT NOT NULL,
	resource   TEXT NOT NULL DEFAULT '',
	family_id  TEXT NOT NULL,
	generation INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	used       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_family ON oauth_refresh_tokens(family_id);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_client ON oauth_refresh_tokens(user_id, client_id);
`

// Store implements the storage interfaces over SQLite.
type Store struct {
	db        *sql.DB
	encryptor *security.Encryptor
}

// Compile-time interface checks.
var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Janitor = (*Store)(nil)
)

// Open opens (creating if needed) the SQLite store at path and applies the
// schema. WAL mode keeps readers off the writer's lock; the busy timeout
// covers writer contention from other processes.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetEncryptor enables encryption at rest for stored token values.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
}

// DeleteExpired implements storage.Janitor.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	deleted := 0
	for _, query := range []string{
		`DELETE FROM oauth_codes WHERE expires_at <= ?`,
		`DELETE FROM oauth_access_tokens WHERE expires_at <= ?`,
		`DELETE FROM oauth_refresh_tokens WHERE expires_at <= ?`,
	} {
		res, err := s.db.ExecContext(ctx, query, toMillis(now))
		if err != nil {
			return deleted, fmt.Errorf("delete expired rows: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += int(n)
		}
	}
	return deleted, nil
}

// toMillis normalizes timestamps to millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// hashKey derives the lookup key for a bearer credential. Deterministic, so
// exact-match lookups work without storing the raw value as a key.
func hashKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// sealToken prepares a token value for the stored column.
func (s *Store) sealToken(token string) (string, error) {
	if s.encryptor == nil {
		return token, nil
	}
	return s.encryptor.Encrypt(token)
}

// unsealToken reverses sealToken.
func (s *Store) unsealToken(stored string) (string, error) {
	if s.encryptor == nil {
		return stored, nil
	}
	return s.encryptor.Decrypt(stored)
}

func encodeScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func decodeScopes(scopes string) []string {
	fields := strings.Fields(scopes)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func encodeURIs(uris []string) (string, error) {
	raw, err := json.Marshal(uris)
	if err != nil {
		return "", fmt.Errorf("encode redirect uris: %w", err)
	}
	return string(raw), nil
}

func decodeURIs(raw string) ([]string, error) {
	var uris []string
	if err := json.Unmarshal([]byte(raw), &uris); err != nil {
		return nil, fmt.Errorf("decode redirect uris: %w", err)
	}
	return uris, nil
}
