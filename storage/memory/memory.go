package memory

import (
	"context"
	"sync"
	"time"

	"github.com/brendanlong/lion-reader-sub011/storage"
)

// Store is an in-memory storage backend. All claim semantics are implemented
// under a single mutex, so the single-winner guarantees hold trivially. Data
// does not survive restarts; use the sqlite backend for durability.
type Store struct {
	mu            sync.RWMutex
	clients       map[string]*storage.Client
	codes         map[string]*storage.AuthorizationCode
	consents      map[string]*storage.Consent
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// Compile-time interface checks.
var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Janitor = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval of one
// minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. Zero or negative intervals fall back to one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		consents:        make(map[string]*storage.Consent),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.DeleteExpired(context.Background(), time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func consentKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

// SaveClient implements storage.ClientStore.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return storage.ErrAlreadyExists
	}

	c := cloneClient(client)
	s.clients[c.ClientID] = c
	return nil
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneClient(client), nil
}

// SaveAuthorizationCode implements storage.CodeStore.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return storage.ErrAlreadyExists
	}

	c := cloneCode(code)
	s.codes[c.Code] = c
	return nil
}

// ClaimAuthorizationCode implements storage.CodeStore. The check and the
// consumed-flag write happen under one lock acquisition; concurrent claims on
// the same code serialize here and only the first observes Consumed=false.
func (s *Store) ClaimAuthorizationCode(_ context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok || c.Consumed || !c.ExpiresAt.After(now) {
		return nil, storage.ErrNotFound
	}

	c.Consumed = true
	return cloneCode(c), nil
}

// GetAuthorizationCode implements storage.CodeStore.
func (s *Store) GetAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCode(c), nil
}

// GetConsent implements storage.ConsentStore.
func (s *Store) GetConsent(_ context.Context, userID, clientID string) (*storage.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[consentKey(userID, clientID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneConsent(consent), nil
}

// UpsertConsent implements storage.ConsentStore. Scopes union into any
// existing grant; GrantedAt is preserved from the first approval.
func (s *Store) UpsertConsent(_ context.Context, userID, clientID string, scopes []string, grantedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey(userID, clientID)
	existing, ok := s.consents[key]
	if !ok {
		s.consents[key] = &storage.Consent{
			UserID:    userID,
			ClientID:  clientID,
			Scopes:    append([]string(nil), scopes...),
			GrantedAt: grantedAt,
			UpdatedAt: grantedAt,
		}
		return nil
	}

	existing.Scopes = unionScopes(existing.Scopes, scopes)
	existing.UpdatedAt = grantedAt
	return nil
}

// SaveTokenPair implements storage.TokenStore.
func (s *Store) SaveTokenPair(_ context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accessTokens[access.Token]; exists {
		return storage.ErrAlreadyExists
	}
	if _, exists := s.refreshTokens[refresh.Token]; exists {
		return storage.ErrAlreadyExists
	}

	s.accessTokens[access.Token] = cloneAccess(access)
	s.refreshTokens[refresh.Token] = cloneRefresh(refresh)
	return nil
}

// GetAccessToken implements storage.TokenStore.
func (s *Store) GetAccessToken(_ context.Context, token string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAccess(at), nil
}

// RotateRefreshToken implements storage.TokenStore. Claim, mint, and insert
// all happen under the lock; a mint error leaves the old token untouched.
func (s *Store) RotateRefreshToken(_ context.Context, token string, now time.Time, mint func(old *storage.RefreshToken) (*storage.AccessToken, *storage.RefreshToken, error)) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok || rt.Used || !rt.ExpiresAt.After(now) {
		return nil, storage.ErrNotFound
	}

	old := cloneRefresh(rt)
	access, refresh, err := mint(old)
	if err != nil {
		return nil, err
	}

	rt.Used = true
	s.accessTokens[access.Token] = cloneAccess(access)
	s.refreshTokens[refresh.Token] = cloneRefresh(refresh)
	return old, nil
}

// GetRefreshToken implements storage.TokenStore.
func (s *Store) GetRefreshToken(_ context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRefresh(rt), nil
}

// RevokeTokenFamily implements storage.TokenStore.
func (s *Store) RevokeTokenFamily(_ context.Context, familyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for token, at := range s.accessTokens {
		if at.FamilyID == familyID {
			delete(s.accessTokens, token)
			revoked++
		}
	}
	for token, rt := range s.refreshTokens {
		if rt.FamilyID == familyID {
			delete(s.refreshTokens, token)
			revoked++
		}
	}
	return revoked, nil
}

// RevokeUserClientTokens implements storage.TokenStore.
func (s *Store) RevokeUserClientTokens(_ context.Context, userID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for token, at := range s.accessTokens {
		if at.UserID == userID && at.ClientID == clientID {
			delete(s.accessTokens, token)
			revoked++
		}
	}
	for token, rt := range s.refreshTokens {
		if rt.UserID == userID && rt.ClientID == clientID {
			delete(s.refreshTokens, token)
			revoked++
		}
	}
	return revoked, nil
}

// DeleteExpired implements storage.Janitor. Expiry is already enforced at
// read time; this only reclaims memory.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for code, c := range s.codes {
		if !c.ExpiresAt.After(now) {
			delete(s.codes, code)
			deleted++
		}
	}
	for token, at := range s.accessTokens {
		if !at.ExpiresAt.After(now) {
			delete(s.accessTokens, token)
			deleted++
		}
	}
	for token, rt := range s.refreshTokens {
		if !rt.ExpiresAt.After(now) {
			delete(s.refreshTokens, token)
			deleted++
		}
	}
	return deleted, nil
}

// Clone helpers keep callers from mutating stored records through returned
// pointers.

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}

func cloneCode(c *storage.AuthorizationCode) *storage.AuthorizationCode {
	out := *c
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}

func cloneConsent(c *storage.Consent) *storage.Consent {
	out := *c
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}

func cloneAccess(t *storage.AccessToken) *storage.AccessToken {
	out := *t
	out.Scopes = append([]string(nil), t.Scopes...)
	return &out
}

func cloneRefresh(t *storage.RefreshToken) *storage.RefreshToken {
	out := *t
	out.Scopes = append([]string(nil), t.Scopes...)
	return &out
}

func unionScopes(a, b []string) []string {
	out := append([]string(nil), a...)
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, sc := range a {
		seen[sc] = struct{}{}
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
