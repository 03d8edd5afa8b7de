package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/brendanlong/lion-reader-sub011/security"
	"github.com/brendanlong/lion-reader-sub011/storage"
)

// FlowState tracks an authorization request through the endpoint's state
// machine. The critical boundary is StateValidated: errors raised before it
// are returned directly to the user agent, errors raised at or after it are
// delivered by redirecting to the now-trusted redirect URI.
type FlowState int

const (
	StateStart FlowState = iota
	StateValidated
	StateAuthenticated
	StateConsented
	StateCodeIssued
)

// String returns the state name for logging.
func (fs FlowState) String() string {
	switch fs {
	case StateStart:
		return "start"
	case StateValidated:
		return "validated"
	case StateAuthenticated:
		return "authenticated"
	case StateConsented:
		return "consented"
	case StateCodeIssued:
		return "code_issued"
	default:
		return fmt.Sprintf("unknown(%d)", int(fs))
	}
}

// AuthorizeParams are the raw query or form parameters of an authorization
// request, before any validation.
type AuthorizeParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// AuthorizeRequest is a validated authorization request. Every field has been
// checked against the client's registration; in particular RedirectURI is
// exactly one of the client's registered URIs and is safe to redirect to.
type AuthorizeRequest struct {
	Flow          FlowState
	Client        *storage.Client
	RedirectURI   string
	Scopes        []string
	State         string
	CodeChallenge string
	Resource      string
}

// ValidateAuthorizeRequest runs the two validation phases of the
// authorization endpoint.
//
// Phase one establishes who the client is and where redirects may go: a
// missing or unknown client_id, or a redirect_uri outside the registered set,
// returns a plain *Error that the caller must render directly. Redirecting
// such errors would hand an open redirector to anyone who can type a URL.
//
// Phase two validates everything else (response_type, PKCE, scopes) and
// reports failures as *RedirectError carrying the validated URI and the
// client's state.
func (s *Server) ValidateAuthorizeRequest(ctx context.Context, params AuthorizeParams) (*AuthorizeRequest, error) {
	// Phase one: client identity and redirect target.
	if params.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.clientStore.GetClient(ctx, params.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return nil, ErrServerError("client lookup failed")
	}

	redirectURI := params.RedirectURI
	if redirectURI == "" {
		// Only unambiguous when exactly one URI is registered.
		if len(client.RedirectURIs) != 1 {
			return nil, ErrInvalidRequest("redirect_uri is required")
		}
		redirectURI = client.RedirectURIs[0]
	} else if !matchRedirectURI(client.RedirectURIs, redirectURI) {
		return nil, ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	req := &AuthorizeRequest{
		Flow:          StateValidated,
		Client:        client,
		RedirectURI:   redirectURI,
		State:         params.State,
		CodeChallenge: params.CodeChallenge,
		Resource:      params.Resource,
	}

	// Phase two: everything below redirects its errors.
	if params.ResponseType != "code" {
		return nil, req.redirectError(ErrUnsupportedResponseType("response_type must be code"))
	}

	if params.CodeChallenge == "" {
		return nil, req.redirectError(ErrInvalidRequest("code_challenge is required"))
	}
	if params.CodeChallengeMethod != PKCEMethodS256 {
		return nil, req.redirectError(ErrInvalidRequest("code_challenge_method must be S256"))
	}
	if err := validateCodeChallenge(params.CodeChallenge); err != nil {
		return nil, req.redirectError(ErrInvalidRequest(err.Error()))
	}

	// Requested scopes narrow to the client's registered set; only an empty
	// result is an error. Omitted scope means everything the client registered.
	scopes := parseScopes(params.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	} else {
		scopes = intersectScopes(scopes, client.Scopes)
		if len(scopes) == 0 {
			return nil, req.redirectError(ErrInvalidScope("none of the requested scopes are allowed for this client"))
		}
	}
	req.Scopes = scopes

	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, client.ClientID)
	}

	return req, nil
}

// redirectError wraps a protocol error for delivery via the request's
// validated redirect URI.
func (r *AuthorizeRequest) redirectError(err *Error) *RedirectError {
	return &RedirectError{
		RedirectURI: r.RedirectURI,
		State:       r.State,
		Err:         err,
	}
}

// GrantAuthorization completes an approved authorization: it records consent
// (unioning scopes into any prior grant), issues a single-use code, and
// returns the redirect target carrying code and state.
func (s *Server) GrantAuthorization(ctx context.Context, req *AuthorizeRequest, userID string) (string, error) {
	now := time.Now()

	if err := s.consentStore.UpsertConsent(ctx, userID, req.Client.ClientID, req.Scopes, now); err != nil {
		s.Logger.Error("consent upsert failed", "client_id", req.Client.ClientID, "error", err)
		return "", req.redirectError(ErrServerError("failed to record consent"))
	}
	req.Flow = StateConsented

	if s.Auditor != nil {
		s.Auditor.LogConsentRecorded(userID, req.Client.ClientID, joinScopes(req.Scopes))
	}
	if m := s.metrics(); m != nil {
		m.RecordConsentRecorded(ctx, req.Client.ClientID)
	}

	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            req.Client.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: PKCEMethodS256,
		Scopes:              req.Scopes,
		Resource:            req.Resource,
		State:               req.State,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.codeStore.SaveAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("code save failed", "client_id", req.Client.ClientID, "error", err)
		return "", req.redirectError(ErrServerError("failed to issue authorization code"))
	}
	req.Flow = StateCodeIssued

	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(userID, req.Client.ClientID, joinScopes(req.Scopes))
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, req.Client.ClientID)
	}

	return buildCodeRedirect(req.RedirectURI, code.Code, req.State), nil
}

// DenyAuthorization completes a denied authorization with an access_denied
// redirect. Denial is not recorded in the consent ledger; the user will be
// prompted again next time.
func (s *Server) DenyAuthorization(ctx context.Context, req *AuthorizeRequest, userID string) string {
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventConsentDenied,
			UserID:   userID,
			ClientID: req.Client.ClientID,
		})
	}

	re := req.redirectError(NewError(ErrorCodeAccessDenied, "the resource owner denied the request", 0))
	return re.URL()
}

// buildCodeRedirect appends code and state to the validated redirect URI.
func buildCodeRedirect(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}

	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
