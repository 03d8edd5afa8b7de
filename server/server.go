package server

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/brendanlong/lion-reader-sub011/instrumentation"
	"github.com/brendanlong/lion-reader-sub011/security"
	"github.com/brendanlong/lion-reader-sub011/storage"
)

// Server implements the OAuth 2.1 authorization server core: client
// registration, the authorization endpoint state machine, consent, and token
// issuance with refresh rotation. HTTP framing lives in the root package; the
// methods here take parsed parameters and return protocol errors.
type Server struct {
	clientStore  storage.ClientStore
	codeStore    storage.CodeStore
	consentStore storage.ConsentStore
	tokenStore   storage.TokenStore

	Encryptor   *security.Encryptor
	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter // IP-based rate limiter
	Logger      *slog.Logger
	Config      *Config

	inst *instrumentation.Instrumentation
}

// New creates a new authorization server. The store arguments are usually the
// same combined storage.Store value.
func New(
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	consentStore storage.ConsentStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if consentStore == nil {
		return nil, fmt.Errorf("consent store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if strings.HasSuffix(config.Issuer, "/") {
		return nil, fmt.Errorf("issuer must not end with a slash: %q", config.Issuer)
	}

	return &Server{
		clientStore:  clientStore,
		codeStore:    codeStore,
		consentStore: consentStore,
		tokenStore:   tokenStore,
		Config:       config,
		Logger:       logger,
	}, nil
}

// SetEncryptor sets the token encryptor for server and storage.
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.tokenStore.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation sets the OpenTelemetry instrumentation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// Instrumentation returns the configured instrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.inst
}

// metrics returns the metric instruments, or nil when instrumentation is not
// configured. Callers must nil-check.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.inst == nil {
		return nil
	}
	return s.inst.Metrics()
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier produces a 43-character URL-safe base64 string from
// 32 bytes of CSPRNG entropy, suitable for codes, access tokens, and refresh
// tokens alike.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// newClientID returns a fresh client identifier.
func newClientID() string {
	return uuid.NewString()
}
