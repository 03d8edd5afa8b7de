package server

import (
	"context"
	"fmt"
	"time"

	"github.com/brendanlong/lion-reader-sub011/storage"
)

// ClientRegistration is the validated subset of an RFC 7591 dynamic
// registration request. Clients registered here are public: PKCE-only, no
// client secret, immutable after creation.
type ClientRegistration struct {
	ClientName   string
	RedirectURIs []string
	Scope        string
}

// RegisterClient validates registration metadata and persists a new client
// under a fresh server-generated client_id.
func (s *Server) RegisterClient(ctx context.Context, reg *ClientRegistration, clientIP string) (*storage.Client, error) {
	if reg.ClientName == "" {
		return nil, ErrInvalidClientMetadata("client_name is required")
	}
	if len(reg.RedirectURIs) == 0 {
		return nil, ErrInvalidClientMetadata("at least one redirect_uri is required")
	}

	seen := make(map[string]struct{}, len(reg.RedirectURIs))
	uris := make([]string, 0, len(reg.RedirectURIs))
	for _, uri := range reg.RedirectURIs {
		if err := s.validateRedirectURIFormat(uri); err != nil {
			return nil, ErrInvalidClientMetadata(err.Error())
		}
		if _, dup := seen[uri]; dup {
			continue
		}
		seen[uri] = struct{}{}
		uris = append(uris, uri)
	}

	scopes := parseScopes(reg.Scope)
	if len(scopes) == 0 {
		scopes = s.Config.DefaultScopes
	}
	if unknown := firstUnknownScope(scopes, s.Config.SupportedScopes); unknown != "" {
		return nil, ErrInvalidClientMetadata(fmt.Sprintf("scope %q is not supported", unknown))
	}

	client := &storage.Client{
		ClientID:     newClientID(),
		ClientName:   reg.ClientName,
		RedirectURIs: uris,
		Scopes:       scopes,
		CreatedAt:    time.Now(),
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		s.Logger.Error("client save failed", "client_name", reg.ClientName, "error", err)
		return nil, ErrServerError("failed to register client")
	}

	s.Logger.Info("client registered",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"redirect_uris", len(client.RedirectURIs))
	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientName, clientIP)
	}
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx)
	}

	return client, nil
}
