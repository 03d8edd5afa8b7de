// Package storage defines the persistence interfaces and record types for the
// authorization server: registered clients, authorization codes, consent
// grants, and token pairs. Backends must provide atomic conditional-update
// ("claim") semantics; correctness of single-use codes and refresh token
// rotation under concurrency rests entirely on them.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage backends.
var (
	// ErrNotFound is returned when a record does not exist. Claim operations
	// also return it for expired and already-claimed records: a zero-row
	// conditional update is indistinguishable from a missing row by design,
	// so callers cannot build an oracle out of the difference.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when inserting a record whose key is taken.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// Client is a registered third-party client. Clients are public (PKCE-only,
// no secret) and immutable after registration.
type Client struct {
	ClientID     string
	ClientName   string
	RedirectURIs []string
	Scopes       []string
	CreatedAt    time.Time
}

// AuthorizationCode is a short-lived, single-use credential binding a consent
// decision to one client, user, redirect URI, and PKCE challenge.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
	Resource            string
	State               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// Consent is a durable per-(user, client) grant. New approvals union their
// scopes into the existing grant; scopes are never removed by an approval.
type Consent struct {
	UserID    string
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
	UpdatedAt time.Time
}

// AccessToken is a short-lived bearer credential. It is never rotated or
// individually revoked; it simply expires. FamilyID ties it to the refresh
// token lineage it was minted with, so lineage revocation can reach it.
type AccessToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scopes    []string
	Resource  string
	FamilyID  string
	ExpiresAt time.Time
}

// RefreshToken is a strictly single-use credential. Each use marks it Used
// and mints a replacement pair in the same family with Generation+1.
type RefreshToken struct {
	Token      string
	ClientID   string
	UserID     string
	Scopes     []string
	Resource   string
	FamilyID   string
	Generation int
	ExpiresAt  time.Time
	Used       bool
}

// ClientStore persists registered clients.
type ClientStore interface {
	// SaveClient inserts a new client. ErrAlreadyExists if the ID is taken.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. ErrNotFound if unknown.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode inserts a freshly issued code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ClaimAuthorizationCode atomically marks an unconsumed, unexpired code
	// as consumed and returns it. Missing, expired, and already-consumed
	// codes all return ErrNotFound. Of N concurrent claims on the same code
	// exactly one succeeds; the rest observe ErrNotFound.
	ClaimAuthorizationCode(ctx context.Context, code string, now time.Time) (*AuthorizationCode, error)

	// GetAuthorizationCode returns the code row regardless of consumed
	// state. Used only for reuse detection after a failed claim; the result
	// must never influence what the client is told.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// ConsentStore persists per-(user, client) consent grants.
type ConsentStore interface {
	// GetConsent retrieves the grant for a user and client. ErrNotFound if
	// the user has never approved this client.
	GetConsent(ctx context.Context, userID, clientID string) (*Consent, error)

	// UpsertConsent records an approval, unioning scopes into any existing
	// grant for the same (user, client).
	UpsertConsent(ctx context.Context, userID, clientID string, scopes []string, grantedAt time.Time) error
}

// TokenStore persists access/refresh token pairs.
type TokenStore interface {
	// SaveTokenPair inserts a freshly minted pair atomically.
	SaveTokenPair(ctx context.Context, access *AccessToken, refresh *RefreshToken) error

	// GetAccessToken retrieves an access token. ErrNotFound if unknown.
	// Expiry is the caller's concern; the row is returned as stored.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RotateRefreshToken atomically marks an unused, unexpired refresh token
	// as used and persists the replacement pair produced by mint, all in one
	// transaction. mint receives the claimed token and returns the pair to
	// insert; if mint returns an error the claim is rolled back and the old
	// token stays usable. Missing, expired, and already-used tokens return
	// ErrNotFound without calling mint.
	RotateRefreshToken(ctx context.Context, token string, now time.Time, mint func(old *RefreshToken) (*AccessToken, *RefreshToken, error)) (*RefreshToken, error)

	// GetRefreshToken returns the refresh token row regardless of used
	// state. Used only for reuse detection after a failed rotation.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeTokenFamily deletes every access and refresh token in a family.
	// Returns the number of tokens removed. Called when reuse of a rotated
	// refresh token signals theft of the lineage.
	RevokeTokenFamily(ctx context.Context, familyID string) (int, error)

	// RevokeUserClientTokens deletes every token minted for a user+client
	// combination. Called when authorization code reuse is detected.
	RevokeUserClientTokens(ctx context.Context, userID, clientID string) (int, error)
}

// Janitor is optional storage hygiene. Expiry is always enforced lazily at
// read time; deleting expired rows is correctness-independent cleanup.
type Janitor interface {
	// DeleteExpired removes codes and tokens whose expiry is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Store combines every interface the authorization server needs.
type Store interface {
	ClientStore
	CodeStore
	ConsentStore
	TokenStore
}
