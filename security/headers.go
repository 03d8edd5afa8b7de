package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the standard security headers on OAuth endpoint
// responses. Token responses additionally require Cache-Control: no-store
// (RFC 6749 Section 5.1), which the no-store directive here covers.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	// Prevent clickjacking
	w.Header().Set("X-Frame-Options", "DENY")

	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Restrict resource loading; OAuth JSON endpoints load nothing
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	// Don't leak authorize query strings through the Referer header
	w.Header().Set("Referrer-Policy", "no-referrer")

	// Enforce HTTPS when the server itself is served over it
	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Never cache responses carrying codes or tokens
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
