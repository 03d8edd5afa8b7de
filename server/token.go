package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/brendanlong/lion-reader-sub011/internal/util"
	"github.com/brendanlong/lion-reader-sub011/security"
	"github.com/brendanlong/lion-reader-sub011/storage"
)

// genericInvalidGrant is the single description used for every grant failure
// at the token endpoint. Missing, expired, consumed, mismatched, and
// PKCE-failed grants are indistinguishable to the client; anything more
// specific would give an attacker probing stolen codes an oracle.
const genericInvalidGrant = "invalid, expired, or revoked grant"

// TokenPair is the token endpoint's success payload.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// TokenInfo is the result of validating an access token, consumed by
// resource-server middleware.
type TokenInfo struct {
	UserID   string
	ClientID string
	Scopes   []string
	Resource string
}

// errRotationDenied is returned from the rotation mint callback when the
// presented token does not belong to the requesting client. It aborts the
// rotation transaction so the token is not burned by someone else's probe.
var errRotationDenied = errors.New("rotation denied")

// ExchangeAuthorizationCode implements the authorization_code grant: it
// atomically consumes the code, checks its bindings (client, redirect URI,
// PKCE), and mints the first token pair of a new family.
//
// The claim happens before the binding checks, so a failed exchange burns the
// code. A code that reached the wrong hands is already suspect; letting the
// legitimate client retry it would keep the race open.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, clientID, code, redirectURI, codeVerifier, clientIP string) (*TokenPair, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return nil, ErrServerError("client lookup failed")
	}

	// Format check before touching storage: malformed verifiers can never
	// match and should not consume the code.
	if err := verifyVerifierFormat(codeVerifier); err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}

	now := time.Now()
	claimNow := now.Add(-time.Duration(s.Config.ClockSkewGracePeriod) * time.Second)

	authCode, err := s.codeStore.ClaimAuthorizationCode(ctx, code, claimNow)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.handleCodeClaimFailure(ctx, client.ClientID, code, clientIP)
			return nil, ErrInvalidGrant(genericInvalidGrant)
		}
		s.Logger.Error("code claim failed", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("failed to consume authorization code")
	}

	if authCode.ClientID != client.ClientID {
		s.logGrantFailure(client.ClientID, code, clientIP, "code issued to a different client")
		return nil, ErrInvalidGrant(genericInvalidGrant)
	}
	if authCode.RedirectURI != redirectURI {
		s.logGrantFailure(client.ClientID, code, clientIP, "redirect_uri mismatch at exchange")
		return nil, ErrInvalidGrant(genericInvalidGrant)
	}
	if err := verifyPKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		s.logGrantFailure(client.ClientID, code, clientIP, "pkce verification failed")
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEFailed,
				UserID:    authCode.UserID,
				ClientID:  client.ClientID,
				IPAddress: clientIP,
			})
		}
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		return nil, ErrInvalidGrant(genericInvalidGrant)
	}

	access, refresh := s.mintTokenPair(authCode.UserID, client.ClientID, authCode.Scopes, authCode.Resource, uuid.NewString(), 0, now)
	if err := s.tokenStore.SaveTokenPair(ctx, access, refresh); err != nil {
		s.Logger.Error("token save failed", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, client.ClientID, clientIP, joinScopes(authCode.Scopes))
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID, authCode.CodeChallengeMethod)
	}

	return s.tokenPairResponse(access, refresh), nil
}

// handleCodeClaimFailure investigates a failed code claim. A consumed code
// presented again is a theft signal: every token minted for that user+client
// is revoked. The client's response is the same generic invalid_grant either
// way.
func (s *Server) handleCodeClaimFailure(ctx context.Context, clientID, code, clientIP string) {
	authCode, err := s.codeStore.GetAuthorizationCode(ctx, code)
	if err != nil || !authCode.Consumed {
		s.logGrantFailure(clientID, code, clientIP, "authorization code not found or expired")
		return
	}

	revoked, err := s.tokenStore.RevokeUserClientTokens(ctx, authCode.UserID, authCode.ClientID)
	if err != nil {
		s.Logger.Error("revocation after code reuse failed",
			"client_id", authCode.ClientID, "error", err)
	}

	s.Logger.Warn("authorization code reuse detected",
		"client_id", authCode.ClientID,
		"code_prefix", util.SafeTruncate(code, 8),
		"tokens_revoked", revoked)
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventCodeReuse,
			UserID:    authCode.UserID,
			ClientID:  authCode.ClientID,
			IPAddress: clientIP,
			Details: map[string]any{
				"severity":       "critical",
				"tokens_revoked": revoked,
			},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}
}

// RefreshAccessToken implements the refresh_token grant with mandatory
// rotation: the presented token is atomically marked used and a replacement
// pair is minted in the same family with the generation incremented.
//
// The client binding is checked inside the rotation transaction. A mismatch
// aborts the claim, so a stranger probing someone else's refresh token does
// not burn it for its owner.
func (s *Server) RefreshAccessToken(ctx context.Context, clientID, refreshToken, clientIP string) (*TokenPair, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return nil, ErrServerError("client lookup failed")
	}

	now := time.Now()
	claimNow := now.Add(-time.Duration(s.Config.ClockSkewGracePeriod) * time.Second)

	var newAccess *storage.AccessToken
	var newRefresh *storage.RefreshToken
	old, err := s.tokenStore.RotateRefreshToken(ctx, refreshToken, claimNow,
		func(old *storage.RefreshToken) (*storage.AccessToken, *storage.RefreshToken, error) {
			if old.ClientID != client.ClientID {
				return nil, nil, errRotationDenied
			}
			newAccess, newRefresh = s.mintTokenPair(old.UserID, old.ClientID, old.Scopes, old.Resource, old.FamilyID, old.Generation+1, now)
			return newAccess, newRefresh, nil
		})
	if err != nil {
		switch {
		case errors.Is(err, errRotationDenied):
			s.logGrantFailure(client.ClientID, refreshToken, clientIP, "refresh token issued to a different client")
			return nil, ErrInvalidGrant(genericInvalidGrant)
		case errors.Is(err, storage.ErrNotFound):
			s.handleRotationFailure(ctx, client.ClientID, refreshToken, clientIP)
			return nil, ErrInvalidGrant(genericInvalidGrant)
		default:
			s.Logger.Error("refresh token rotation failed", "client_id", client.ClientID, "error", err)
			return nil, ErrServerError("failed to rotate refresh token")
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(old.UserID, client.ClientID, clientIP, newRefresh.Generation)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID)
	}

	return s.tokenPairResponse(newAccess, newRefresh), nil
}

// handleRotationFailure investigates a failed rotation claim. A used token
// presented again means the lineage leaked: both parties holding it lose the
// whole family, including whichever replacement the first use minted.
func (s *Server) handleRotationFailure(ctx context.Context, clientID, token, clientIP string) {
	rt, err := s.tokenStore.GetRefreshToken(ctx, token)
	if err != nil || !rt.Used {
		s.logGrantFailure(clientID, token, clientIP, "refresh token not found or expired")
		return
	}

	revoked, err := s.tokenStore.RevokeTokenFamily(ctx, rt.FamilyID)
	if err != nil {
		s.Logger.Error("family revocation after token reuse failed",
			"family_id", rt.FamilyID, "error", err)
	}

	s.Logger.Warn("refresh token reuse detected",
		"client_id", rt.ClientID,
		"family_id", rt.FamilyID,
		"generation", rt.Generation,
		"tokens_revoked", revoked)
	if s.Auditor != nil {
		s.Auditor.LogTokenReuse(rt.UserID, rt.ClientID, revoked)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx)
	}
}

// ValidateAccessToken resolves a bearer token to its grant. Expired and
// unknown tokens are equivalent.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*TokenInfo, error) {
	if token == "" {
		return nil, ErrInvalidToken("access token is required")
	}

	at, err := s.tokenStore.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken("invalid or expired access token")
		}
		s.Logger.Error("access token lookup failed", "error", err)
		return nil, ErrServerError("token lookup failed")
	}

	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	if security.IsExpiredWithGracePeriod(at.ExpiresAt, grace) {
		return nil, ErrInvalidToken("invalid or expired access token")
	}

	return &TokenInfo{
		UserID:   at.UserID,
		ClientID: at.ClientID,
		Scopes:   at.Scopes,
		Resource: at.Resource,
	}, nil
}

// mintTokenPair builds a fresh access/refresh pair sharing one family.
func (s *Server) mintTokenPair(userID, clientID string, scopes []string, resource, familyID string, generation int, now time.Time) (*storage.AccessToken, *storage.RefreshToken) {
	access := &storage.AccessToken{
		Token:     generateRandomToken(),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		Resource:  resource,
		FamilyID:  familyID,
		ExpiresAt: now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
	}
	refresh := &storage.RefreshToken{
		Token:      generateRandomToken(),
		ClientID:   clientID,
		UserID:     userID,
		Scopes:     scopes,
		Resource:   resource,
		FamilyID:   familyID,
		Generation: generation,
		ExpiresAt:  now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}
	return access, refresh
}

// tokenPairResponse renders a minted pair as the wire payload.
func (s *Server) tokenPairResponse(access *storage.AccessToken, refresh *storage.RefreshToken) *TokenPair {
	return &TokenPair{
		AccessToken:  access.Token,
		TokenType:    "bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: refresh.Token,
		Scope:        joinScopes(access.Scopes),
	}
}

// logGrantFailure logs a token endpoint failure with truncated identifiers.
// Raw codes and tokens never reach the logs.
func (s *Server) logGrantFailure(clientID, credential, clientIP, reason string) {
	s.Logger.Warn("grant rejected",
		"client_id", clientID,
		"credential_prefix", util.SafeTruncate(credential, 8),
		"reason", reason)
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
}

// verifyVerifierFormat checks code_verifier shape without a challenge, for
// rejecting malformed requests before storage is touched.
func verifyVerifierFormat(verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return errors.New("code_verifier must be 43-128 characters (RFC 7636)")
	}
	if !isVerifierAlphabet(verifier) {
		return errors.New("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}
	return nil
}
