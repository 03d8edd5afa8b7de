package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCookieAuthenticator(t *testing.T) {
	auth := &CookieAuthenticator{
		CookieName: "sid",
		Lookup: func(_ context.Context, token string) (string, error) {
			switch token {
			case "valid":
				return "user-1", nil
			case "boom":
				return "", errors.New("session store down")
			default:
				return "", nil
			}
		},
	}

	newRequest := func(cookie string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
		if cookie != "" {
			r.AddCookie(&http.Cookie{Name: "sid", Value: cookie})
		}
		return r
	}

	t.Run("valid session", func(t *testing.T) {
		identity, err := auth.Authenticate(context.Background(), newRequest("valid"))
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if identity == nil || identity.UserID != "user-1" {
			t.Fatalf("identity = %+v", identity)
		}
	})

	t.Run("no cookie", func(t *testing.T) {
		identity, err := auth.Authenticate(context.Background(), newRequest(""))
		if err != nil || identity != nil {
			t.Fatalf("got %+v, %v; want nil, nil", identity, err)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		identity, err := auth.Authenticate(context.Background(), newRequest("expired"))
		if err != nil || identity != nil {
			t.Fatalf("got %+v, %v; want nil, nil", identity, err)
		}
	})

	t.Run("lookup failure", func(t *testing.T) {
		_, err := auth.Authenticate(context.Background(), newRequest("boom"))
		if err == nil {
			t.Fatal("session store failure swallowed")
		}
	})
}

func TestCookieAuthenticatorDefaultName(t *testing.T) {
	auth := &CookieAuthenticator{
		Lookup: func(_ context.Context, token string) (string, error) {
			if token == "tok" {
				return "user-2", nil
			}
			return "", nil
		},
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: "tok"})

	identity, err := auth.Authenticate(context.Background(), r)
	if err != nil || identity == nil || identity.UserID != "user-2" {
		t.Fatalf("identity = %+v, err = %v", identity, err)
	}
}

func TestAuthenticatorFunc(t *testing.T) {
	fn := AuthenticatorFunc(func(context.Context, *http.Request) (*Identity, error) {
		return &Identity{UserID: "fixed"}, nil
	})

	identity, err := fn.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || identity.UserID != "fixed" {
		t.Fatalf("identity = %+v, err = %v", identity, err)
	}
}
