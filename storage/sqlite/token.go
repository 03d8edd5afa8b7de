package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brendanlong/lion-reader-sub011/storage"
)

// SaveTokenPair implements storage.TokenStore. Both rows land in one
// transaction so a pair is never half-persisted.
func (s *Store) SaveTokenPair(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin token tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertAccessToken(ctx, tx, access); err != nil {
		return err
	}
	if err := s.insertRefreshToken(ctx, tx, refresh); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token tx: %w", err)
	}
	return nil
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertAccessToken(ctx context.Context, db execContexter, access *storage.AccessToken) error {
	sealed, err := s.sealToken(access.Token)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO oauth_access_tokens
		 (token_hash, token, client_id, user_id, scopes, resource, family_id, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		hashKey(access.Token), sealed, access.ClientID, access.UserID,
		encodeScopes(access.Scopes), access.Resource, access.FamilyID, toMillis(access.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert access token: %w", err)
	}
	return nil
}

func (s *Store) insertRefreshToken(ctx context.Context, db execContexter, refresh *storage.RefreshToken) error {
	sealed, err := s.sealToken(refresh.Token)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO oauth_refresh_tokens
		 (token_hash, token, client_id, user_id, scopes, resource, family_id, generation, expires_at, used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		hashKey(refresh.Token), sealed, refresh.ClientID, refresh.UserID,
		encodeScopes(refresh.Scopes), refresh.Resource, refresh.FamilyID,
		refresh.Generation, toMillis(refresh.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetAccessToken implements storage.TokenStore.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	var (
		rec       storage.AccessToken
		sealed    string
		scopes    string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, client_id, user_id, scopes, resource, family_id, expires_at
		 FROM oauth_access_tokens WHERE token_hash = ?`, hashKey(token)).
		Scan(&sealed, &rec.ClientID, &rec.UserID, &scopes, &rec.Resource, &rec.FamilyID, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select access token: %w", err)
	}

	rec.Token, err = s.unsealToken(sealed)
	if err != nil {
		return nil, err
	}
	rec.Scopes = decodeScopes(scopes)
	rec.ExpiresAt = fromMillis(expiresAt)
	return &rec, nil
}

// RotateRefreshToken implements storage.TokenStore. The conditional UPDATE,
// the mint callback, and the replacement inserts all share one transaction;
// any failure rolls the claim back and leaves the old token usable.
func (s *Store) RotateRefreshToken(ctx context.Context, token string, now time.Time, mint func(old *storage.RefreshToken) (*storage.AccessToken, *storage.RefreshToken, error)) (*storage.RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rotation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		old       storage.RefreshToken
		sealed    string
		scopes    string
		expiresAt int64
	)
	err = tx.QueryRowContext(ctx,
		`UPDATE oauth_refresh_tokens SET used = 1
		 WHERE token_hash = ? AND used = 0 AND expires_at > ?
		 RETURNING token, client_id, user_id, scopes, resource, family_id, generation, expires_at`,
		hashKey(token), toMillis(now)).
		Scan(&sealed, &old.ClientID, &old.UserID, &scopes, &old.Resource,
			&old.FamilyID, &old.Generation, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("claim refresh token: %w", err)
	}

	old.Token, err = s.unsealToken(sealed)
	if err != nil {
		return nil, err
	}
	old.Scopes = decodeScopes(scopes)
	old.ExpiresAt = fromMillis(expiresAt)
	old.Used = true

	access, refresh, err := mint(&old)
	if err != nil {
		return nil, err
	}

	if err := s.insertAccessToken(ctx, tx, access); err != nil {
		return nil, err
	}
	if err := s.insertRefreshToken(ctx, tx, refresh); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotation tx: %w", err)
	}
	return &old, nil
}

// GetRefreshToken implements storage.TokenStore.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	var (
		rec       storage.RefreshToken
		sealed    string
		scopes    string
		expiresAt int64
		used      int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, client_id, user_id, scopes, resource, family_id, generation, expires_at, used
		 FROM oauth_refresh_tokens WHERE token_hash = ?`, hashKey(token)).
		Scan(&sealed, &rec.ClientID, &rec.UserID, &scopes, &rec.Resource,
			&rec.FamilyID, &rec.Generation, &expiresAt, &used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select refresh token: %w", err)
	}

	rec.Token, err = s.unsealToken(sealed)
	if err != nil {
		return nil, err
	}
	rec.Scopes = decodeScopes(scopes)
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.Used = used != 0
	return &rec, nil
}

// RevokeTokenFamily implements storage.TokenStore.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) (int, error) {
	return s.revokeWhere(ctx, `family_id = ?`, familyID)
}

// RevokeUserClientTokens implements storage.TokenStore.
func (s *Store) RevokeUserClientTokens(ctx context.Context, userID, clientID string) (int, error) {
	return s.revokeWhere(ctx, `user_id = ? AND client_id = ?`, userID, clientID)
}

func (s *Store) revokeWhere(ctx context.Context, where string, args ...any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin revocation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	revoked := 0
	for _, table := range []string{"oauth_access_tokens", "oauth_refresh_tokens"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+where, args...)
		if err != nil {
			return 0, fmt.Errorf("delete from %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			revoked += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit revocation tx: %w", err)
	}
	return revoked, nil
}
