// Package server implements the core OAuth 2.1 authorization server logic.
//
// This package provides the authorization server for the Lion Reader API:
// the authorization code flow with mandatory PKCE (S256 only), consent
// tracking, single-use codes, refresh token rotation with reuse detection,
// and dynamic client registration (RFC 7591). It coordinates between storage
// backends and security features; HTTP framing lives in the root package.
//
// The Server type delegates to specialized modules:
//   - Client, code, consent, and token storage (storage package)
//   - Audit logging, rate limiting, and expiry checks (security package)
//   - Metrics and tracing (instrumentation package)
//
// Example usage:
//
//	store := memory.New()
//
//	config := &server.Config{
//	    Issuer: "https://reader.example.com",
//	}
//
//	srv, err := server.New(store, store, store, store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
