// Package oauth is the OAuth 2.1 authorization server for the Lion Reader
// API. It lets third-party reader clients obtain scoped access tokens through
// the authorization code flow with mandatory PKCE (S256 only), explicit user
// consent, single-use codes, and refresh token rotation with family-wide
// reuse revocation.
//
// This package is the HTTP layer: Handler adapts the core server
// (server package) to net/http and serves /authorize, /token, /register, and
// RFC 8414 discovery. End-user authentication is delegated to the embedding
// application through the session package; this server never sees primary
// credentials.
//
// Typical wiring:
//
//	store, err := sqlite.Open("oauth.db")
//	...
//	srv, err := server.New(store, store, store, store, &server.Config{
//	    Issuer: "https://reader.example.com",
//	}, logger)
//	...
//	h, err := oauth.NewHandler(srv, oauth.HandlerConfig{
//	    Sessions: &session.CookieAuthenticator{Lookup: lookupSession},
//	})
//	...
//	mux := http.NewServeMux()
//	h.Routes(mux)
package oauth
