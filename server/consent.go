package server

import (
	"context"
	"errors"

	"github.com/brendanlong/lion-reader-sub011/storage"
)

// HasConsent reports whether the user's recorded grant for this client
// already covers every requested scope. A superset grant authorizes silently;
// anything less re-prompts, including a first-time client.
func (s *Server) HasConsent(ctx context.Context, userID string, req *AuthorizeRequest) (bool, error) {
	consent, err := s.consentStore.GetConsent(ctx, userID, req.Client.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	return scopesSubset(req.Scopes, consent.Scopes), nil
}
