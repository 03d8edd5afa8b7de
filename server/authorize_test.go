package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/brendanlong/lion-reader-sub011/storage"
)

func validParams(client *storage.Client) AuthorizeParams {
	return AuthorizeParams{
		ResponseType:        "code",
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scope:               "feeds.read",
		State:               "state-123",
		CodeChallenge:       rfc7636Challenge,
		CodeChallengeMethod: "S256",
	}
}

func TestValidateAuthorizeRequestDirectErrors(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)

	tests := []struct {
		name     string
		mutate   func(*AuthorizeParams)
		wantCode string
	}{
		{"missing client_id", func(p *AuthorizeParams) { p.ClientID = "" }, ErrorCodeInvalidRequest},
		{"unknown client", func(p *AuthorizeParams) { p.ClientID = "nope" }, ErrorCodeInvalidClient},
		{"unregistered redirect_uri", func(p *AuthorizeParams) { p.RedirectURI = "https://evil.example/cb" }, ErrorCodeInvalidRedirectURI},
		{"prefix redirect_uri", func(p *AuthorizeParams) { p.RedirectURI = client.RedirectURIs[0] + "/extra" }, ErrorCodeInvalidRedirectURI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validParams(client)
			tt.mutate(&params)

			_, err := srv.ValidateAuthorizeRequest(context.Background(), params)
			var re *RedirectError
			if errors.As(err, &re) {
				t.Fatalf("pre-validation error was redirected: %v", err)
			}

			var oe *Error
			if !errors.As(err, &oe) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if oe.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", oe.Code, tt.wantCode)
			}
		})
	}
}

func TestValidateAuthorizeRequestRedirectErrors(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)

	tests := []struct {
		name     string
		mutate   func(*AuthorizeParams)
		wantCode string
	}{
		{"wrong response_type", func(p *AuthorizeParams) { p.ResponseType = "token" }, ErrorCodeUnsupportedResponse},
		{"missing response_type", func(p *AuthorizeParams) { p.ResponseType = "" }, ErrorCodeUnsupportedResponse},
		{"missing code_challenge", func(p *AuthorizeParams) { p.CodeChallenge = "" }, ErrorCodeInvalidRequest},
		{"plain method", func(p *AuthorizeParams) { p.CodeChallengeMethod = "plain" }, ErrorCodeInvalidRequest},
		{"malformed challenge", func(p *AuthorizeParams) { p.CodeChallenge = "short" }, ErrorCodeInvalidRequest},
		{"no requested scope allowed", func(p *AuthorizeParams) { p.Scope = "account.read" }, ErrorCodeInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := validParams(client)
			tt.mutate(&params)

			_, err := srv.ValidateAuthorizeRequest(context.Background(), params)
			var re *RedirectError
			if !errors.As(err, &re) {
				t.Fatalf("error = %v, want *RedirectError", err)
			}
			if re.Err.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", re.Err.Code, tt.wantCode)
			}

			target, perr := url.Parse(re.URL())
			if perr != nil {
				t.Fatalf("parse redirect: %v", perr)
			}
			if !strings.HasPrefix(re.URL(), client.RedirectURIs[0]) {
				t.Errorf("redirect target %q does not start with registered URI", re.URL())
			}
			if got := target.Query().Get("error"); got != tt.wantCode {
				t.Errorf("error param = %q, want %q", got, tt.wantCode)
			}
			if got := target.Query().Get("state"); got != "state-123" {
				t.Errorf("state param = %q, want state-123", got)
			}
		})
	}
}

func TestValidateAuthorizeRequestNarrowsScopes(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)

	// A request mixing allowed and disallowed scopes proceeds with the
	// intersection, not an error.
	params := validParams(client)
	params.Scope = "feeds.read account.read"

	req, err := srv.ValidateAuthorizeRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("ValidateAuthorizeRequest() error = %v", err)
	}
	if len(req.Scopes) != 1 || req.Scopes[0] != "feeds.read" {
		t.Errorf("scopes = %v, want [feeds.read]", req.Scopes)
	}
}

func TestValidateAuthorizeRequestDefaults(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)

	params := validParams(client)
	params.Scope = ""
	params.RedirectURI = "" // exactly one registered URI

	req, err := srv.ValidateAuthorizeRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("ValidateAuthorizeRequest() error = %v", err)
	}

	if req.RedirectURI != client.RedirectURIs[0] {
		t.Errorf("RedirectURI = %q, want %q", req.RedirectURI, client.RedirectURIs[0])
	}
	if len(req.Scopes) != len(client.Scopes) {
		t.Errorf("defaulted scopes = %v, want client scopes %v", req.Scopes, client.Scopes)
	}
	if req.Flow != StateValidated {
		t.Errorf("Flow = %v, want %v", req.Flow, StateValidated)
	}
}

func TestValidateAuthorizeRequestRedirectURIRequiredWithMultiple(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv, "https://app.example/cb", "https://app.example/cb2")

	params := validParams(client)
	params.RedirectURI = ""

	_, err := srv.ValidateAuthorizeRequest(context.Background(), params)
	var oe *Error
	if !errors.As(err, &oe) || oe.Code != ErrorCodeInvalidRequest {
		t.Fatalf("error = %v, want invalid_request", err)
	}
}

func TestGrantAuthorization(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)

	req, err := srv.ValidateAuthorizeRequest(context.Background(), validParams(client))
	if err != nil {
		t.Fatalf("ValidateAuthorizeRequest() error = %v", err)
	}

	target, err := srv.GrantAuthorization(context.Background(), req, "user-1")
	if err != nil {
		t.Fatalf("GrantAuthorization() error = %v", err)
	}

	code := extractQueryParam(t, target, "code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}
	if state := extractQueryParam(t, target, "state"); state != "state-123" {
		t.Errorf("state = %q, want state-123", state)
	}
	if req.Flow != StateCodeIssued {
		t.Errorf("Flow = %v, want %v", req.Flow, StateCodeIssued)
	}

	// Consent was recorded with the granted scopes.
	ok, err := srv.HasConsent(context.Background(), "user-1", req)
	if err != nil {
		t.Fatalf("HasConsent() error = %v", err)
	}
	if !ok {
		t.Error("consent not recorded by grant")
	}
}

func TestConsentScopeSuperset(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)

	// Grant feeds.read only.
	params := validParams(client)
	req, err := srv.ValidateAuthorizeRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("ValidateAuthorizeRequest() error = %v", err)
	}
	if _, err := srv.GrantAuthorization(context.Background(), req, "user-1"); err != nil {
		t.Fatalf("GrantAuthorization() error = %v", err)
	}

	// Same scope set: silent.
	ok, err := srv.HasConsent(context.Background(), "user-1", req)
	if err != nil || !ok {
		t.Fatalf("HasConsent(same scopes) = %v, %v; want true", ok, err)
	}

	// Wider scope set: must re-prompt.
	params.Scope = "feeds.read entries.read"
	wider, err := srv.ValidateAuthorizeRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("ValidateAuthorizeRequest() error = %v", err)
	}
	ok, err = srv.HasConsent(context.Background(), "user-1", wider)
	if err != nil {
		t.Fatalf("HasConsent() error = %v", err)
	}
	if ok {
		t.Error("wider scope request authorized silently")
	}

	// Approving the wider set unions scopes; narrower requests stay silent.
	if _, err := srv.GrantAuthorization(context.Background(), wider, "user-1"); err != nil {
		t.Fatalf("GrantAuthorization(wider) error = %v", err)
	}
	ok, err = srv.HasConsent(context.Background(), "user-1", req)
	if err != nil || !ok {
		t.Fatalf("HasConsent(narrow after union) = %v, %v; want true", ok, err)
	}
}

func TestDenyAuthorization(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)

	req, err := srv.ValidateAuthorizeRequest(context.Background(), validParams(client))
	if err != nil {
		t.Fatalf("ValidateAuthorizeRequest() error = %v", err)
	}

	target := srv.DenyAuthorization(context.Background(), req, "user-1")
	if got := extractQueryParam(t, target, "error"); got != ErrorCodeAccessDenied {
		t.Errorf("error param = %q, want %q", got, ErrorCodeAccessDenied)
	}
	if got := extractQueryParam(t, target, "state"); got != "state-123" {
		t.Errorf("state param = %q, want state-123", got)
	}

	// Denial leaves no consent behind.
	ok, err := srv.HasConsent(context.Background(), "user-1", req)
	if err != nil {
		t.Fatalf("HasConsent() error = %v", err)
	}
	if ok {
		t.Error("denial recorded consent")
	}
}
