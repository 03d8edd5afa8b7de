package server

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

// Verifier and challenge from RFC 7636 Appendix B.
const (
	rfc7636Verifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfc7636Challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestVerifyPKCE(t *testing.T) {
	longVerifier := strings.Repeat("a", 64)
	hash := sha256.Sum256([]byte(longVerifier))
	longChallenge := base64.RawURLEncoding.EncodeToString(hash[:])

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"rfc7636 appendix b vector", rfc7636Challenge, "S256", rfc7636Verifier, false},
		{"generated pair", longChallenge, "S256", longVerifier, false},
		{"wrong verifier", rfc7636Challenge, "S256", strings.Repeat("b", 43), true},
		{"empty verifier", rfc7636Challenge, "S256", "", true},
		{"verifier too short", rfc7636Challenge, "S256", strings.Repeat("a", 42), true},
		{"verifier too long", rfc7636Challenge, "S256", strings.Repeat("a", 129), true},
		{"verifier bad charset", rfc7636Challenge, "S256", strings.Repeat("a", 42) + "!", true},
		{"plain method rejected", rfc7636Verifier, "plain", rfc7636Verifier, true},
		{"unknown method", rfc7636Challenge, "S512", rfc7636Verifier, true},
		{"challenge passed as verifier", rfc7636Challenge, "S256", rfc7636Challenge, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyPKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("verifyPKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCodeChallenge(t *testing.T) {
	if err := validateCodeChallenge(rfc7636Challenge); err != nil {
		t.Errorf("valid challenge rejected: %v", err)
	}
	if err := validateCodeChallenge("too-short"); err == nil {
		t.Error("short challenge accepted")
	}
	if err := validateCodeChallenge(strings.Repeat("a", 42) + "+"); err == nil {
		t.Error("challenge with invalid character accepted")
	}
}

func TestMatchRedirectURI(t *testing.T) {
	registered := []string{
		"https://app.example/cb",
		"https://app.example/other",
	}

	tests := []struct {
		name string
		uri  string
		want bool
	}{
		{"exact match", "https://app.example/cb", true},
		{"second registered", "https://app.example/other", true},
		{"trailing slash", "https://app.example/cb/", false},
		{"prefix attack", "https://app.example/cb/../steal", false},
		{"different host", "https://evil.example/cb", false},
		{"scheme downgrade", "http://app.example/cb", false},
		{"added query", "https://app.example/cb?x=1", false},
		{"case difference in path", "https://app.example/CB", false},
		{"userinfo smuggling", "https://app.example@evil.example/cb", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchRedirectURI(registered, tt.uri); got != tt.want {
				t.Errorf("matchRedirectURI(%q) = %v, want %v", tt.uri, got, tt.want)
			}
		})
	}
}

func TestValidateRedirectURIFormat(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"https", "https://app.example/cb", false},
		{"http loopback", "http://127.0.0.1:8912/cb", false},
		{"http localhost", "http://localhost:8912/cb", false},
		{"http ipv6 loopback", "http://[::1]:8912/cb", false},
		{"custom scheme", "com.example.reader://callback", false},
		{"http public host", "http://app.example/cb", true},
		{"relative", "/cb", true},
		{"fragment", "https://app.example/cb#frag", true},
		{"javascript scheme", "javascript:alert(1)", true},
		{"data scheme", "data:text/html,x", true},
		{"file scheme", "file:///etc/passwd", true},
		{"https without host", "https://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validateRedirectURIFormat(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURIFormat(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRedirectURIFormatCustomSchemeAllowlist(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.AllowedCustomSchemes = []string{`^com\.example\.`}

	if err := srv.validateRedirectURIFormat("com.example.reader://callback"); err != nil {
		t.Errorf("allowlisted scheme rejected: %v", err)
	}
	if err := srv.validateRedirectURIFormat("com.evil.app://callback"); err == nil {
		t.Error("non-allowlisted scheme accepted")
	}
}

func TestParseScopes(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"feeds.read", []string{"feeds.read"}},
		{"feeds.read entries.read", []string{"feeds.read", "entries.read"}},
		{"feeds.read  feeds.read entries.read", []string{"feeds.read", "entries.read"}},
		{"\tfeeds.read\n entries.read ", []string{"feeds.read", "entries.read"}},
	}

	for _, tt := range tests {
		got := parseScopes(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("parseScopes(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("parseScopes(%q) = %v, want %v", tt.in, got, tt.want)
				break
			}
		}
	}
}

func TestScopesSubset(t *testing.T) {
	have := []string{"feeds.read", "entries.read"}

	if !scopesSubset([]string{"feeds.read"}, have) {
		t.Error("subset reported as not subset")
	}
	if !scopesSubset(nil, have) {
		t.Error("empty set should be a subset")
	}
	if scopesSubset([]string{"feeds.write"}, have) {
		t.Error("non-subset reported as subset")
	}
}

func TestIntersectScopes(t *testing.T) {
	allowed := []string{"feeds.read", "entries.read"}

	got := intersectScopes([]string{"entries.read", "account.read", "feeds.read"}, allowed)
	want := []string{"entries.read", "feeds.read"}
	if len(got) != len(want) {
		t.Fatalf("intersectScopes = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("intersectScopes = %v, want %v", got, want)
		}
	}

	if got := intersectScopes([]string{"account.read"}, allowed); len(got) != 0 {
		t.Errorf("disjoint intersection = %v, want empty", got)
	}
}

func TestUnionScopes(t *testing.T) {
	got := unionScopes([]string{"feeds.read"}, []string{"entries.read", "feeds.read"})
	want := []string{"feeds.read", "entries.read"}
	if len(got) != len(want) {
		t.Fatalf("unionScopes = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("unionScopes = %v, want %v", got, want)
		}
	}
}
