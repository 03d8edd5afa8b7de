package server

import "log/slog"

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL, no trailing slash).
	// Required. Used for discovery metadata and HSTS decisions.
	Issuer string

	// LoginURL is where unauthenticated browsers are sent from the
	// authorization endpoint. The original authorization URL is appended as a
	// return_to query parameter. Default: "/login".
	LoginURL string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// ClockSkewGracePeriod is the grace period for token expiration checks,
	// in seconds. Prevents false expiration errors from clock drift between
	// hosts. Default: 5.
	ClockSkewGracePeriod int64

	// SupportedScopes lists the scopes clients may register and request.
	// Defaults to the Lion Reader API scope set.
	SupportedScopes []string

	// DefaultScopes are granted when a registration or authorization request
	// names no scopes. Must be a subset of SupportedScopes.
	// Default: ["feeds.read"].
	DefaultScopes []string

	// AllowedCustomSchemes lists custom URI scheme patterns (regex) accepted
	// in redirect URIs, for native apps (e.g. "^com\\.example\\.").
	// Empty allows any RFC 3986 compliant scheme outside the denylist.
	AllowedCustomSchemes []string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy. Default: false.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used to pick the client IP out of X-Forwarded-For. Default: 1.
	TrustedProxyCount int

	// MaxClientsPerIP limits dynamic client registrations per IP address
	// within a one-hour window; elapsed windows reset the count. Set negative
	// to disable the cap. Default: 10.
	MaxClientsPerIP int
}

// DefaultSupportedScopes is the Lion Reader API scope set.
var DefaultSupportedScopes = []string{
	"feeds.read",
	"feeds.write",
	"entries.read",
	"entries.write",
	"account.read",
}

// applySecureDefaults fills in defaults and logs warnings for settings that
// weaken the deployment.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.LoginURL == "" {
		config.LoginURL = "/login"
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = DefaultSupportedScopes
	}
	if len(config.DefaultScopes) == 0 {
		config.DefaultScopes = []string{"feeds.read"}
	}

	if config.TrustProxy {
		logger.Warn("trusting proxy headers for client IP extraction",
			"risk", "IP spoofing if the proxy chain is misconfigured",
			"trusted_proxy_count", config.TrustedProxyCount)
	}

	return config
}
