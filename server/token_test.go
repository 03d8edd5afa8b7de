package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func exchange(srv *Server, clientID, code, redirectURI, verifier string) (*TokenPair, error) {
	return srv.ExchangeAuthorizationCode(context.Background(), clientID, code, redirectURI, verifier, "203.0.113.7")
}

func wantOAuthError(t *testing.T, err error, code string) {
	t.Helper()

	var oe *Error
	if !errors.As(err, &oe) {
		t.Fatalf("error = %v, want *Error with code %q", err, code)
	}
	if oe.Code != code {
		t.Fatalf("error code = %q, want %q", oe.Code, code)
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	code := authorizeTestCode(t, srv, client, "user-1")

	pair, err := exchange(srv, client.ClientID, code, client.RedirectURIs[0], rfc7636Verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty token in pair")
	}
	if pair.TokenType != "bearer" {
		t.Errorf("token_type = %q, want bearer", pair.TokenType)
	}
	if pair.ExpiresIn != srv.Config.AccessTokenTTL {
		t.Errorf("expires_in = %d, want %d", pair.ExpiresIn, srv.Config.AccessTokenTTL)
	}
	if pair.Scope != "feeds.read" {
		t.Errorf("scope = %q, want feeds.read", pair.Scope)
	}

	info, err := srv.ValidateAccessToken(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if info.UserID != "user-1" || info.ClientID != client.ClientID {
		t.Errorf("token info = %+v", info)
	}
}

func TestExchangeCodeSingleUse(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	code := authorizeTestCode(t, srv, client, "user-1")

	pair, err := exchange(srv, client.ClientID, code, client.RedirectURIs[0], rfc7636Verifier)
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	// Replay: invalid_grant, and the tokens minted from the stolen grant die.
	_, err = exchange(srv, client.ClientID, code, client.RedirectURIs[0], rfc7636Verifier)
	wantOAuthError(t, err, ErrorCodeInvalidGrant)

	if _, err := srv.ValidateAccessToken(context.Background(), pair.AccessToken); err == nil {
		t.Error("access token survived code reuse revocation")
	}
	_, err = srv.RefreshAccessToken(context.Background(), client.ClientID, pair.RefreshToken, "")
	wantOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeRejections(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	other := registerTestClient(t, srv, "https://other.example/cb")

	tests := []struct {
		name     string
		clientID string
		code     func() string
		redirect string
		verifier string
		wantCode string
	}{
		{
			name:     "unknown client",
			clientID: "ghost",
			code:     func() string { return authorizeTestCode(t, srv, client, "user-1") },
			redirect: client.RedirectURIs[0],
			verifier: rfc7636Verifier,
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unknown code",
			clientID: client.ClientID,
			code:     func() string { return strings.Repeat("x", 43) },
			redirect: client.RedirectURIs[0],
			verifier: rfc7636Verifier,
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "wrong client",
			clientID: other.ClientID,
			code:     func() string { return authorizeTestCode(t, srv, client, "user-1") },
			redirect: client.RedirectURIs[0],
			verifier: rfc7636Verifier,
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "redirect mismatch",
			clientID: client.ClientID,
			code:     func() string { return authorizeTestCode(t, srv, client, "user-1") },
			redirect: client.RedirectURIs[0] + "/",
			verifier: rfc7636Verifier,
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "wrong verifier",
			clientID: client.ClientID,
			code:     func() string { return authorizeTestCode(t, srv, client, "user-1") },
			redirect: client.RedirectURIs[0],
			verifier: strings.Repeat("b", 43),
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "malformed verifier",
			clientID: client.ClientID,
			code:     func() string { return authorizeTestCode(t, srv, client, "user-1") },
			redirect: client.RedirectURIs[0],
			verifier: "too-short!",
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exchange(srv, tt.clientID, tt.code(), tt.redirect, tt.verifier)
			wantOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestExchangeBurnsCodeOnPKCEFailure(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	code := authorizeTestCode(t, srv, client, "user-1")

	_, err := exchange(srv, client.ClientID, code, client.RedirectURIs[0], strings.Repeat("b", 43))
	wantOAuthError(t, err, ErrorCodeInvalidGrant)

	// A failed exchange consumes the code; the correct verifier no longer helps.
	_, err = exchange(srv, client.ClientID, code, client.RedirectURIs[0], rfc7636Verifier)
	wantOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshTokenRotation(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	code := authorizeTestCode(t, srv, client, "user-1")

	first, err := exchange(srv, client.ClientID, code, client.RedirectURIs[0], rfc7636Verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	second, err := srv.RefreshAccessToken(context.Background(), client.ClientID, first.RefreshToken, "")
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if second.AccessToken == first.AccessToken {
		t.Error("access token was not replaced")
	}
	if second.Scope != first.Scope {
		t.Errorf("scope changed across rotation: %q -> %q", first.Scope, second.Scope)
	}

	// Reusing the rotated-out token kills the whole family, including the
	// replacement that the first use minted.
	_, err = srv.RefreshAccessToken(context.Background(), client.ClientID, first.RefreshToken, "")
	wantOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = srv.RefreshAccessToken(context.Background(), client.ClientID, second.RefreshToken, "")
	wantOAuthError(t, err, ErrorCodeInvalidGrant)

	if _, err := srv.ValidateAccessToken(context.Background(), second.AccessToken); err == nil {
		t.Error("access token survived family revocation")
	}
}

func TestRefreshWrongClientDoesNotBurnToken(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	other := registerTestClient(t, srv, "https://other.example/cb")
	code := authorizeTestCode(t, srv, client, "user-1")

	pair, err := exchange(srv, client.ClientID, code, client.RedirectURIs[0], rfc7636Verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	// Another client probing the token gets invalid_grant without consuming it.
	_, err = srv.RefreshAccessToken(context.Background(), other.ClientID, pair.RefreshToken, "")
	wantOAuthError(t, err, ErrorCodeInvalidGrant)

	if _, err := srv.RefreshAccessToken(context.Background(), client.ClientID, pair.RefreshToken, ""); err != nil {
		t.Errorf("owner's rotation failed after foreign probe: %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	srv := newTestServer(t)
	client := registerTestClient(t, srv)
	code := authorizeTestCode(t, srv, client, "user-1")

	pair, err := exchange(srv, client.ClientID, code, client.RedirectURIs[0], rfc7636Verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = srv.RefreshAccessToken(context.Background(), client.ClientID, pair.RefreshToken, "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			wantOAuthError(t, err, ErrorCodeInvalidGrant)
		}
	}
	if wins != 1 {
		t.Fatalf("concurrent rotations succeeded %d times, want exactly 1", wins)
	}
}

func TestValidateAccessTokenRejectsUnknown(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.ValidateAccessToken(context.Background(), "no-such-token")
	wantOAuthError(t, err, ErrorCodeInvalidToken)

	_, err = srv.ValidateAccessToken(context.Background(), "")
	wantOAuthError(t, err, ErrorCodeInvalidToken)
}
