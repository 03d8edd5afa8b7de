// Package session defines the collaborator interface to the application's
// session-cookie login system. The OAuth core never sees primary credentials;
// it only asks the session layer who the browser belongs to.
package session

import (
	"context"
	"net/http"
)

// Identity is the authenticated end user resolved from a browser session.
type Identity struct {
	UserID string
}

// Authenticator resolves the browser session attached to an HTTP request.
// A (nil, nil) return means no valid session: the caller should redirect to
// login. A non-nil error means the session system itself failed.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) (*Identity, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	return f(ctx, r)
}

// LookupFunc resolves a raw session token to a user id. It returns ("", nil)
// when the token is unknown or expired.
type LookupFunc func(ctx context.Context, token string) (string, error)

// CookieAuthenticator authenticates requests by resolving a named session
// cookie through a lookup into the application's session store.
type CookieAuthenticator struct {
	// CookieName is the session cookie to read. Defaults to "session" when
	// empty.
	CookieName string

	// Lookup resolves the cookie value to a user id.
	Lookup LookupFunc
}

// Authenticate implements Authenticator.
func (c *CookieAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	name := c.CookieName
	if name == "" {
		name = "session"
	}

	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	userID, err := c.Lookup(ctx, cookie.Value)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, nil
	}

	return &Identity{UserID: userID}, nil
}
