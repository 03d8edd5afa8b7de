package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brendanlong/lion-reader-sub011/storage"
)

// SaveAuthorizationCode implements storage.CodeStore. Only the hash of the
// code is persisted; the raw value exists nowhere but the redirect.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_codes
		 (code_hash, client_id, user_id, redirect_uri, code_challenge, code_challenge_method,
		  scopes, resource, state, created_at, expires_at, consumed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		hashKey(code.Code), code.ClientID, code.UserID, code.RedirectURI,
		code.CodeChallenge, code.CodeChallengeMethod, encodeScopes(code.Scopes),
		code.Resource, code.State, toMillis(code.CreatedAt), toMillis(code.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert authorization code: %w", err)
	}
	return nil
}

// ClaimAuthorizationCode implements storage.CodeStore. The conditional UPDATE
// with RETURNING is the atomicity boundary: of N concurrent claims exactly one
// flips consumed and gets the row back, the rest affect zero rows and see
// ErrNotFound.
func (s *Store) ClaimAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE oauth_codes SET consumed = 1
		 WHERE code_hash = ? AND consumed = 0 AND expires_at > ?
		 RETURNING client_id, user_id, redirect_uri, code_challenge, code_challenge_method,
		           scopes, resource, state, created_at, expires_at`,
		hashKey(code), toMillis(now))

	rec, err := scanCode(row, code, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("claim authorization code: %w", err)
	}
	return rec, nil
}

// GetAuthorizationCode implements storage.CodeStore.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT client_id, user_id, redirect_uri, code_challenge, code_challenge_method,
		        scopes, resource, state, created_at, expires_at, consumed
		 FROM oauth_codes WHERE code_hash = ?`, hashKey(code))

	var (
		rec       storage.AuthorizationCode
		scopes    string
		createdAt int64
		expiresAt int64
		consumed  int
	)
	err := row.Scan(&rec.ClientID, &rec.UserID, &rec.RedirectURI, &rec.CodeChallenge,
		&rec.CodeChallengeMethod, &scopes, &rec.Resource, &rec.State,
		&createdAt, &expiresAt, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select authorization code: %w", err)
	}

	rec.Code = code
	rec.Scopes = decodeScopes(scopes)
	rec.CreatedAt = fromMillis(createdAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.Consumed = consumed != 0
	return &rec, nil
}

// scanCode reads the claim RETURNING row into a record.
func scanCode(row *sql.Row, code string, consumed bool) (*storage.AuthorizationCode, error) {
	var (
		rec       storage.AuthorizationCode
		scopes    string
		createdAt int64
		expiresAt int64
	)
	err := row.Scan(&rec.ClientID, &rec.UserID, &rec.RedirectURI, &rec.CodeChallenge,
		&rec.CodeChallengeMethod, &scopes, &rec.Resource, &rec.State, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	rec.Code = code
	rec.Scopes = decodeScopes(scopes)
	rec.CreatedAt = fromMillis(createdAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.Consumed = consumed
	return &rec, nil
}

// GetConsent implements storage.ConsentStore.
func (s *Store) GetConsent(ctx context.Context, userID, clientID string) (*storage.Consent, error) {
	var (
		consent   storage.Consent
		scopes    string
		grantedAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, client_id, scopes, granted_at, updated_at
		 FROM oauth_consents WHERE user_id = ? AND client_id = ?`, userID, clientID).
		Scan(&consent.UserID, &consent.ClientID, &scopes, &grantedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select consent: %w", err)
	}

	consent.Scopes = decodeScopes(scopes)
	consent.GrantedAt = fromMillis(grantedAt)
	consent.UpdatedAt = fromMillis(updatedAt)
	return &consent, nil
}

// UpsertConsent implements storage.ConsentStore. The read and the write share
// a transaction so concurrent approvals union rather than clobber.
func (s *Store) UpsertConsent(ctx context.Context, userID, clientID string, scopes []string, grantedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin consent tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT scopes FROM oauth_consents WHERE user_id = ? AND client_id = ?`,
		userID, clientID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO oauth_consents (user_id, client_id, scopes, granted_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			userID, clientID, encodeScopes(scopes), toMillis(grantedAt), toMillis(grantedAt))
		if err != nil {
			return fmt.Errorf("insert consent: %w", err)
		}
	case err != nil:
		return fmt.Errorf("select consent for upsert: %w", err)
	default:
		merged := unionScopes(decodeScopes(existing), scopes)
		_, err = tx.ExecContext(ctx,
			`UPDATE oauth_consents SET scopes = ?, updated_at = ?
			 WHERE user_id = ? AND client_id = ?`,
			encodeScopes(merged), toMillis(grantedAt), userID, clientID)
		if err != nil {
			return fmt.Errorf("update consent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consent tx: %w", err)
	}
	return nil
}

func unionScopes(a, b []string) []string {
	out := append([]string(nil), a...)
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, sc := range a {
		seen[sc] = struct{}{}
	}
	for _, sc := range b {
		if _, dup := seen[sc]; dup {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	return out
}
