package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brendanlong/lion-reader-sub011/security"
	"github.com/brendanlong/lion-reader-sub011/server"
	"github.com/brendanlong/lion-reader-sub011/session"
)

const tokenTypeBearer = "Bearer"

// Endpoint paths served by the handler.
const (
	PathAuthorize = "/authorize"
	PathToken     = "/token"
	PathRegister  = "/register"
	PathMetadata  = "/.well-known/oauth-authorization-server"
)

// HandlerConfig configures the HTTP adapter.
type HandlerConfig struct {
	// Sessions resolves browser sessions on the authorization endpoint.
	// Required.
	Sessions session.Authenticator

	// Prompter renders the consent page. Defaults to the built-in template.
	Prompter ConsentPrompter

	// Logger for the HTTP layer. Defaults to slog.Default().
	Logger *slog.Logger
}

// Handler is a thin HTTP adapter for the authorization server. It parses
// requests, enforces rate limits, and delegates every decision to the Server.
type Handler struct {
	server   *server.Server
	sessions session.Authenticator
	prompter ConsentPrompter
	logger   *slog.Logger
	tracer   trace.Tracer

	// Registration counts per IP within the current window, capped by
	// Config.MaxClientsPerIP.
	regMu     sync.Mutex
	regCounts map[string]*regWindow
}

// NewHandler creates a new HTTP handler around a Server.
func NewHandler(srv *server.Server, cfg HandlerConfig) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session authenticator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prompter == nil {
		cfg.Prompter = &htmlConsentPrompter{issuer: srv.Config.Issuer}
	}

	h := &Handler{
		server:    srv,
		sessions:  cfg.Sessions,
		prompter:  cfg.Prompter,
		logger:    cfg.Logger,
		regCounts: make(map[string]*regWindow),
	}
	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}

	return h, nil
}

// Routes registers every endpoint on the mux, wrapped with request IDs and
// HTTP metrics.
func (h *Handler) Routes(mux *http.ServeMux) {
	register := func(pattern, endpoint string, fn http.HandlerFunc) {
		mux.Handle(pattern, security.RequestIDMiddleware(h.instrument(endpoint, fn)))
	}

	register("GET "+PathAuthorize, PathAuthorize, h.ServeAuthorization)
	register("POST "+PathAuthorize, PathAuthorize, h.ServeConsentDecision)
	register("POST "+PathToken, PathToken, h.ServeToken)
	register("POST "+PathRegister, PathRegister, h.ServeClientRegistration)
	register("GET "+PathMetadata, PathMetadata, h.ServeAuthorizationServerMetadata)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// instrument records request count and duration per endpoint when
// instrumentation is configured.
func (h *Handler) instrument(endpoint string, next http.Handler) http.Handler {
	inst := h.server.Instrumentation()
	if inst == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, sr.status,
			float64(time.Since(start).Milliseconds()))
	})
}

// clientIP extracts the request's client IP per the proxy configuration.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// ServeAuthorization handles GET /authorize: the entry of the authorization
// code flow. Outcomes are a redirect to login, a consent page, or a redirect
// to the client with a code or an error.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	params := server.AuthorizeParams{
		ResponseType:        r.URL.Query().Get("response_type"),
		ClientID:            r.URL.Query().Get("client_id"),
		RedirectURI:         r.URL.Query().Get("redirect_uri"),
		Scope:               r.URL.Query().Get("scope"),
		State:               r.URL.Query().Get("state"),
		CodeChallenge:       r.URL.Query().Get("code_challenge"),
		CodeChallengeMethod: r.URL.Query().Get("code_challenge_method"),
		Resource:            r.URL.Query().Get("resource"),
	}

	req, err := h.server.ValidateAuthorizeRequest(r.Context(), params)
	if err != nil {
		h.deliverAuthorizeError(w, r, err)
		return
	}

	identity, err := h.sessions.Authenticate(r.Context(), r)
	if err != nil {
		h.logger.Error("session authentication failed", "error", err)
		h.writeError(w, server.ErrServerError("session lookup failed"))
		return
	}
	if identity == nil {
		h.redirectToLogin(w, r)
		return
	}

	granted, err := h.server.HasConsent(r.Context(), identity.UserID, req)
	if err != nil {
		h.logger.Error("consent lookup failed", "client_id", req.Client.ClientID, "error", err)
		h.writeError(w, server.ErrServerError("consent lookup failed"))
		return
	}

	if granted {
		target, err := h.server.GrantAuthorization(r.Context(), req, identity.UserID)
		if err != nil {
			h.deliverAuthorizeError(w, r, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	h.prompter.PromptConsent(w, r, buildConsentPrompt(req, PathAuthorize))
}

// ServeConsentDecision handles POST /authorize: the consent form submission.
// The request is re-validated from the posted fields; hidden form values are
// as untrusted as query strings.
func (h *Handler) ServeConsentDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("malformed form body"))
		return
	}

	params := server.AuthorizeParams{
		ResponseType:        r.PostFormValue("response_type"),
		ClientID:            r.PostFormValue("client_id"),
		RedirectURI:         r.PostFormValue("redirect_uri"),
		Scope:               r.PostFormValue("scope"),
		State:               r.PostFormValue("state"),
		CodeChallenge:       r.PostFormValue("code_challenge"),
		CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
		Resource:            r.PostFormValue("resource"),
	}

	req, err := h.server.ValidateAuthorizeRequest(r.Context(), params)
	if err != nil {
		h.deliverAuthorizeError(w, r, err)
		return
	}

	identity, err := h.sessions.Authenticate(r.Context(), r)
	if err != nil {
		h.logger.Error("session authentication failed", "error", err)
		h.writeError(w, server.ErrServerError("session lookup failed"))
		return
	}
	if identity == nil {
		h.redirectToLogin(w, r)
		return
	}

	switch r.PostFormValue("action") {
	case "approve":
		target, err := h.server.GrantAuthorization(r.Context(), req, identity.UserID)
		if err != nil {
			h.deliverAuthorizeError(w, r, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	case "deny":
		http.Redirect(w, r, h.server.DenyAuthorization(r.Context(), req, identity.UserID), http.StatusFound)
	default:
		h.writeError(w, server.ErrInvalidRequest("action must be approve or deny"))
	}
}

// deliverAuthorizeError routes an authorization endpoint error to the right
// channel: redirect errors go back to the validated client URI, everything
// else is rendered directly and never redirected.
func (h *Handler) deliverAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *server.RedirectError
	if errors.As(err, &re) {
		http.Redirect(w, r, re.URL(), http.StatusFound)
		return
	}

	var oe *server.Error
	if errors.As(err, &oe) {
		h.writeError(w, oe)
		return
	}

	h.logger.Error("authorization endpoint failure", "error", err)
	h.writeError(w, server.ErrServerError("internal error"))
}

// redirectToLogin sends the browser to the login page with the full original
// authorize URL as the return target.
func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.RequestURI()
	if r.Method == http.MethodPost {
		// Form submissions can't round-trip a login redirect; send the
		// browser back to the equivalent GET.
		q := url.Values{}
		for key := range r.PostForm {
			if key != "action" {
				q.Set(key, r.PostFormValue(key))
			}
		}
		returnTo = PathAuthorize + "?" + q.Encode()
	}

	target := h.server.Config.LoginURL + "?return_to=" + url.QueryEscape(returnTo)
	http.Redirect(w, r, target, http.StatusFound)
}

// ServeToken handles POST /token, dispatching on grant_type.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "oauth.token")
		defer span.End()
		span.SetAttributes(attribute.String("http.endpoint", PathToken))
		r = r.WithContext(ctx)
	}

	clientIP := h.clientIP(r)
	if !h.allowRequest(ctx, clientIP, PathToken) {
		h.writeRateLimited(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("malformed form body"))
		return
	}

	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r, clientIP)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r, clientIP)
	case "":
		h.writeError(w, server.ErrInvalidRequest("grant_type is required"))
	default:
		h.writeError(w, server.ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType)))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	clientID := r.PostFormValue("client_id")
	codeVerifier := r.PostFormValue("code_verifier")

	switch {
	case code == "":
		h.writeError(w, server.ErrInvalidRequest("code is required"))
		return
	case redirectURI == "":
		h.writeError(w, server.ErrInvalidRequest("redirect_uri is required"))
		return
	case clientID == "":
		h.writeError(w, server.ErrInvalidRequest("client_id is required"))
		return
	case codeVerifier == "":
		h.writeError(w, server.ErrInvalidRequest("code_verifier is required"))
		return
	}

	pair, err := h.server.ExchangeAuthorizationCode(r.Context(), clientID, code, redirectURI, codeVerifier, clientIP)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	refreshToken := r.PostFormValue("refresh_token")
	clientID := r.PostFormValue("client_id")

	switch {
	case refreshToken == "":
		h.writeError(w, server.ErrInvalidRequest("refresh_token is required"))
		return
	case clientID == "":
		h.writeError(w, server.ErrInvalidRequest("client_id is required"))
		return
	}

	pair, err := h.server.RefreshAccessToken(r.Context(), clientID, refreshToken, clientIP)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	h.writeTokenResponse(w, pair)
}

// ServeClientRegistration handles POST /register (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if !h.allowRequest(r.Context(), clientIP, PathRegister) {
		h.writeRateLimited(w)
		return
	}
	if !h.allowRegistration(clientIP) {
		h.writeError(w, server.NewError(server.ErrorCodeInvalidRequest,
			"registration limit reached for this address", http.StatusTooManyRequests))
		return
	}

	var body ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		h.writeError(w, server.ErrInvalidClientMetadata("malformed JSON body"))
		return
	}

	client, err := h.server.RegisterClient(r.Context(), &server.ClientRegistration{
		ClientName:   body.ClientName,
		RedirectURIs: body.RedirectURIs,
		Scope:        body.Scope,
	}, clientIP)
	if err != nil {
		var oe *server.Error
		if errors.As(err, &oe) {
			h.writeError(w, oe)
			return
		}
		h.writeError(w, server.ErrServerError("registration failed"))
		return
	}

	h.countRegistration(clientIP)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		Scope:                   strings.Join(client.Scopes, " "),
		TokenEndpointAuthMethod: "none",
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
	})
}

// ServeAuthorizationServerMetadata handles RFC 8414 discovery.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.server.Config.Issuer

	security.SetSecurityHeaders(w, issuer)
	// Discovery metadata is static and safe to cache briefly.
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		RegistrationEndpoint:              issuer + PathRegister,
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	})
}

// tokenInfoContextKey carries the validated grant through middleware.
type tokenInfoContextKey struct{}

// TokenInfoFromContext returns the grant attached by RequireAccessToken.
func TokenInfoFromContext(ctx context.Context) *server.TokenInfo {
	info, _ := ctx.Value(tokenInfoContextKey{}).(*server.TokenInfo)
	return info
}

// RequireAccessToken is middleware for resource endpoints: it validates the
// bearer token and attaches the resolved grant to the request context.
func (h *Handler) RequireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", tokenTypeBearer)
			h.writeError(w, server.ErrInvalidToken("missing bearer token"))
			return
		}

		info, err := h.server.ValidateAccessToken(r.Context(), token)
		if err != nil {
			var oe *server.Error
			if errors.As(err, &oe) && oe.Status == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf("%s error=%q, error_description=%q", tokenTypeBearer, oe.Code, oe.Description))
				h.writeError(w, oe)
				return
			}
			h.writeError(w, server.ErrServerError("token validation failed"))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenInfoContextKey{}, info)))
	})
}

// extractBearerToken pulls the token out of an Authorization: Bearer header.
func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}

	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

// allowRequest applies the per-IP rate limiter, when configured.
func (h *Handler) allowRequest(ctx context.Context, clientIP, endpoint string) bool {
	rl := h.server.RateLimiter
	if rl == nil {
		return true
	}
	if rl.Allow(clientIP) {
		return true
	}

	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	}
	if inst := h.server.Instrumentation(); inst != nil {
		inst.Metrics().RecordRateLimitExceeded(ctx, "ip")
	}
	h.logger.Warn("rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	return false
}

// registrationWindow is how long registrations count against an IP's cap.
const registrationWindow = time.Hour

// regWindow tracks registrations from one IP within a window.
type regWindow struct {
	count int
	start time.Time
}

// allowRegistration checks the per-IP registration cap for the current
// window.
func (h *Handler) allowRegistration(clientIP string) bool {
	maxClients := h.server.Config.MaxClientsPerIP
	if maxClients <= 0 {
		return true
	}

	h.regMu.Lock()
	defer h.regMu.Unlock()
	h.pruneRegCountsLocked(time.Now())

	win := h.regCounts[clientIP]
	return win == nil || win.count < maxClients
}

func (h *Handler) countRegistration(clientIP string) {
	h.regMu.Lock()
	defer h.regMu.Unlock()

	now := time.Now()
	win := h.regCounts[clientIP]
	if win == nil || now.Sub(win.start) >= registrationWindow {
		h.regCounts[clientIP] = &regWindow{count: 1, start: now}
		return
	}
	win.count++
}

// pruneRegCountsLocked drops elapsed windows so the map stays bounded by
// recently active IPs. Callers must hold regMu.
func (h *Handler) pruneRegCountsLocked(now time.Time) {
	for ip, win := range h.regCounts {
		if now.Sub(win.start) >= registrationWindow {
			delete(h.regCounts, ip)
		}
	}
}

func (h *Handler) writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	h.writeError(w, server.NewError(server.ErrorCodeRateLimitExceeded,
		"too many requests, slow down", http.StatusTooManyRequests))
}

// writeTokenResponse renders a minted pair. SetSecurityHeaders already sets
// Cache-Control: no-store and Pragma: no-cache (RFC 6749 Section 5.1).
func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pair)
}

// writeTokenError maps a token endpoint failure to its wire form.
func (h *Handler) writeTokenError(w http.ResponseWriter, err error) {
	var oe *server.Error
	if !errors.As(err, &oe) {
		oe = server.ErrServerError("internal error")
	}
	h.writeError(w, oe)
}

// writeError renders an OAuth error as JSON with the right status.
func (h *Handler) writeError(w http.ResponseWriter, oe *server.Error) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")

	status := oe.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}
