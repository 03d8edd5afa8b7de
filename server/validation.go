package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// PKCE constants from RFC 7636. Only S256 is accepted; OAuth 2.1 deprecates
// the plain method and this server never supported it.
const (
	PKCEMethodS256 = "S256"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// DangerousSchemes are never accepted in redirect URIs regardless of
// configuration. They enable XSS or local file access in the user agent.
var DangerousSchemes = []string{
	"javascript",
	"data",
	"vbscript",
	"file",
	"blob",
	"about",
}

// defaultSchemePattern is the RFC 3986 scheme grammar, used when no custom
// scheme allowlist is configured.
const defaultSchemePattern = `^[a-z][a-z0-9+.-]*$`

// validateRedirectURIFormat checks a redirect URI at registration time:
// absolute, no fragment, scheme outside the denylist, and either https,
// http on a loopback host, or an allowed custom scheme for native apps.
func (s *Server) validateRedirectURIFormat(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("redirect_uri: invalid URI format")
	}

	if !parsed.IsAbs() {
		return fmt.Errorf("redirect_uri must be an absolute URI")
	}

	// Fragments are prohibited by the OAuth 2.0 Security BCP section 4.1.3.
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, dangerous := range DangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme %q is not allowed", scheme)
		}
	}

	switch scheme {
	case "https":
		if parsed.Host == "" {
			return fmt.Errorf("redirect_uri must include a host")
		}
		return nil
	case "http":
		if !isLoopbackHost(parsed.Hostname()) {
			return fmt.Errorf("http redirect URIs are only allowed for loopback hosts")
		}
		return nil
	default:
		return validateCustomScheme(scheme, s.Config.AllowedCustomSchemes)
	}
}

// validateCustomScheme validates a native-app scheme against the configured
// allowlist patterns, or against the RFC 3986 scheme grammar when none are
// configured.
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	if scheme == "" {
		return fmt.Errorf("redirect_uri must include a scheme")
	}

	patterns := allowedSchemes
	if len(patterns) == 0 {
		patterns = []string{defaultSchemePattern}
	}

	for _, pattern := range patterns {
		matched, err := regexp.MatchString(pattern, scheme)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern %q: %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme %q does not match allowed patterns", scheme)
}

// isLoopbackHost reports whether a hostname is loopback for the purpose of
// allowing plain-http redirect URIs during local development.
func isLoopbackHost(hostname string) bool {
	hostname = strings.Trim(strings.TrimSpace(hostname), "[]")
	return hostname == "localhost" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "127.")
}

// matchRedirectURI checks a presented redirect URI against the client's
// registered set. Matching is exact string comparison: no prefix, host, or
// path-normalization matching, which closes redirect smuggling via crafted
// paths or userinfo sections.
func matchRedirectURI(registered []string, redirectURI string) bool {
	for _, uri := range registered {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// validateCodeChallenge checks the code_challenge format at authorization
// time: a base64url SHA-256 digest is always 43 characters over the verifier
// alphabet.
func validateCodeChallenge(challenge string) error {
	if len(challenge) != 43 {
		return fmt.Errorf("code_challenge must be 43 characters for S256")
	}
	if !isVerifierAlphabet(challenge) {
		return fmt.Errorf("code_challenge contains invalid characters")
	}
	return nil
}

// verifyPKCE checks a code_verifier against the stored challenge. The format
// checks run before hashing so malformed verifiers fail cheaply; the final
// comparison is constant-time.
func verifyPKCE(challenge, method, verifier string) error {
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (only S256 is supported)", method)
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	// RFC 7636: code_verifier must be 43-128 characters over [A-Za-z0-9-._~].
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	if !isVerifierAlphabet(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// isVerifierAlphabet reports whether s contains only the RFC 7636 unreserved
// characters [A-Za-z0-9-._~].
func isVerifierAlphabet(s string) bool {
	for _, ch := range s {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return false
		}
	}
	return true
}

// parseScopes splits a space-delimited scope string into a deduplicated list,
// preserving first-seen order.
func parseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, sc := range fields {
		if _, dup := seen[sc]; dup {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	return out
}

// joinScopes renders a scope list back to the space-delimited wire form.
func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// scopesSubset reports whether every scope in want is present in have.
func scopesSubset(want, have []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, sc := range have {
		set[sc] = struct{}{}
	}
	for _, sc := range want {
		if _, ok := set[sc]; !ok {
			return false
		}
	}
	return true
}

// unionScopes merges two scope lists, keeping a's order and appending new
// entries from b.
func unionScopes(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, sc := range a {
		if _, dup := seen[sc]; dup {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	for _, sc := range b {
		if _, dup := seen[sc]; dup {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	return out
}

// intersectScopes returns the scopes in requested that are also in allowed,
// preserving requested's order.
func intersectScopes(requested, allowed []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, sc := range allowed {
		set[sc] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, sc := range requested {
		if _, ok := set[sc]; ok {
			out = append(out, sc)
		}
	}
	return out
}

// firstUnknownScope returns the first scope in requested that is not in
// allowed, or "" when requested is a subset. Used at registration time,
// where unknown scopes reject the metadata outright.
func firstUnknownScope(requested, allowed []string) string {
	set := make(map[string]struct{}, len(allowed))
	for _, sc := range allowed {
		set[sc] = struct{}{}
	}
	for _, sc := range requested {
		if _, ok := set[sc]; !ok {
			return sc
		}
	}
	return ""
}
