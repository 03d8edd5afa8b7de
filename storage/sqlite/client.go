package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/brendanlong/lion-reader-sub011/storage"
)

// SaveClient implements storage.ClientStore.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	uris, err := encodeURIs(client.RedirectURIs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO oauth_clients (client_id, client_name, redirect_uris, scopes, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		client.ClientID, client.ClientName, uris, encodeScopes(client.Scopes), toMillis(client.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var (
		client    storage.Client
		uris      string
		scopes    string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, client_name, redirect_uris, scopes, created_at
		 FROM oauth_clients WHERE client_id = ?`, clientID).
		Scan(&client.ClientID, &client.ClientName, &uris, &scopes, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("select client: %w", err)
	}

	client.RedirectURIs, err = decodeURIs(uris)
	if err != nil {
		return nil, err
	}
	client.Scopes = decodeScopes(scopes)
	client.CreatedAt = fromMillis(createdAt)
	return &client, nil
}

// isUniqueViolation detects SQLite primary key conflicts without depending on
// driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
