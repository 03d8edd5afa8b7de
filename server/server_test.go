package server

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/brendanlong/lion-reader-sub011/storage"
	"github.com/brendanlong/lion-reader-sub011/storage/memory"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(store, store, store, store, &Config{
		Issuer: "https://reader.example.com",
	}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func registerTestClient(t *testing.T, srv *Server, uris ...string) *storage.Client {
	t.Helper()

	if len(uris) == 0 {
		uris = []string{"https://app.example/cb"}
	}
	client, err := srv.RegisterClient(context.Background(), &ClientRegistration{
		ClientName:   "Test Reader",
		RedirectURIs: uris,
		Scope:        "feeds.read entries.read",
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client
}

// authorizeTestCode runs validation and grant for a client and returns the
// issued code.
func authorizeTestCode(t *testing.T, srv *Server, client *storage.Client, userID string) string {
	t.Helper()

	req, err := srv.ValidateAuthorizeRequest(context.Background(), AuthorizeParams{
		ResponseType:        "code",
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scope:               "feeds.read",
		State:               "xyz",
		CodeChallenge:       rfc7636Challenge,
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		t.Fatalf("ValidateAuthorizeRequest() error = %v", err)
	}

	target, err := srv.GrantAuthorization(context.Background(), req, userID)
	if err != nil {
		t.Fatalf("GrantAuthorization() error = %v", err)
	}

	return extractQueryParam(t, target, "code")
}

func extractQueryParam(t *testing.T, rawURL, name string) string {
	t.Helper()

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse redirect %q: %v", rawURL, err)
	}
	return u.Query().Get(name)
}

func TestNewRequiresStoresAndIssuer(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := New(nil, store, store, store, &Config{Issuer: "https://x"}, logger); err == nil {
		t.Error("missing client store accepted")
	}
	if _, err := New(store, store, store, store, &Config{}, logger); err == nil {
		t.Error("missing issuer accepted")
	}
	if _, err := New(store, store, store, store, &Config{Issuer: "https://x/"}, logger); err == nil {
		t.Error("issuer with trailing slash accepted")
	}
}

func TestConfigDefaults(t *testing.T) {
	srv := newTestServer(t)

	if srv.Config.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", srv.Config.AuthorizationCodeTTL)
	}
	if srv.Config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", srv.Config.AccessTokenTTL)
	}
	if srv.Config.RefreshTokenTTL != 7776000 {
		t.Errorf("RefreshTokenTTL = %d, want 7776000", srv.Config.RefreshTokenTTL)
	}
	if srv.Config.LoginURL != "/login" {
		t.Errorf("LoginURL = %q, want /login", srv.Config.LoginURL)
	}
	if len(srv.Config.DefaultScopes) == 0 {
		t.Error("DefaultScopes not defaulted")
	}
}

func TestGenerateRandomTokenShape(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		tok := generateRandomToken()
		if len(tok) < 43 {
			t.Fatalf("token too short: %d chars", len(tok))
		}
		if strings.ContainsAny(tok, "+/=") {
			t.Fatalf("token not URL-safe: %q", tok)
		}
		if _, dup := seen[tok]; dup {
			t.Fatal("duplicate token generated")
		}
		seen[tok] = struct{}{}
	}
}
