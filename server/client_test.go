package server

import (
	"context"
	"testing"
)

func TestRegisterClient(t *testing.T) {
	srv := newTestServer(t)

	client, err := srv.RegisterClient(context.Background(), &ClientRegistration{
		ClientName:   "Lion Mobile",
		RedirectURIs: []string{"https://app.example/cb", "https://app.example/cb", "com.example.reader://callback"},
		Scope:        "feeds.read feeds.write",
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if client.ClientID == "" {
		t.Error("empty client_id")
	}
	if len(client.RedirectURIs) != 2 {
		t.Errorf("redirect URIs = %v, want duplicates collapsed to 2", client.RedirectURIs)
	}
	if len(client.Scopes) != 2 {
		t.Errorf("scopes = %v, want 2", client.Scopes)
	}

	stored, err := srv.clientStore.GetClient(context.Background(), client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if stored.ClientName != "Lion Mobile" {
		t.Errorf("stored name = %q", stored.ClientName)
	}
}

func TestRegisterClientDefaultScopes(t *testing.T) {
	srv := newTestServer(t)

	client, err := srv.RegisterClient(context.Background(), &ClientRegistration{
		ClientName:   "No Scope Client",
		RedirectURIs: []string{"https://app.example/cb"},
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if len(client.Scopes) != 1 || client.Scopes[0] != "feeds.read" {
		t.Errorf("defaulted scopes = %v, want [feeds.read]", client.Scopes)
	}
}

func TestRegisterClientMetadataValidation(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name string
		reg  ClientRegistration
	}{
		{"missing name", ClientRegistration{RedirectURIs: []string{"https://app.example/cb"}}},
		{"no redirect URIs", ClientRegistration{ClientName: "x"}},
		{"relative redirect URI", ClientRegistration{ClientName: "x", RedirectURIs: []string{"/cb"}}},
		{"fragment in redirect URI", ClientRegistration{ClientName: "x", RedirectURIs: []string{"https://app.example/cb#f"}}},
		{"http non-loopback", ClientRegistration{ClientName: "x", RedirectURIs: []string{"http://app.example/cb"}}},
		{"javascript scheme", ClientRegistration{ClientName: "x", RedirectURIs: []string{"javascript:alert(1)"}}},
		{"one bad among good", ClientRegistration{ClientName: "x", RedirectURIs: []string{"https://app.example/cb", "data:text/html,x"}}},
		{"unknown scope", ClientRegistration{ClientName: "x", RedirectURIs: []string{"https://app.example/cb"}, Scope: "admin.everything"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.RegisterClient(context.Background(), &tt.reg, "203.0.113.7")
			wantOAuthError(t, err, ErrorCodeInvalidClientMetadata)
		})
	}
}
