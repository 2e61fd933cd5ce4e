package auth

import (
	"context"
	"sync"
	"time"

	"github.com/example/ec-storefront/internal/infrastructure/store"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Keys the token triple is persisted under
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUsername     = "username"
)

const persistTimeout = 5 * time.Second

// Tokens is a snapshot of the stored credentials
type Tokens struct {
	Access   string
	Refresh  string
	Username string
}

// HasAccess reports whether an access token is present
func (t Tokens) HasAccess() bool { return t.Access != "" }

// TokenStore holds the access/refresh pair and the username.
// The in-memory copy is authoritative; the backing store only mirrors it.
// Writes are total: persistence failures are logged and swallowed.
type TokenStore struct {
	mu     sync.RWMutex
	tokens Tokens
	header string
	kv     store.KVStore
	logger zerolog.Logger
}

// NewTokenStore creates an empty token store backed by kv
func NewTokenStore(kv store.KVStore, logger zerolog.Logger) *TokenStore {
	return &TokenStore{
		kv:     kv,
		logger: logger.With().Str("component", "tokens").Logger(),
	}
}

// LoadTokenStore creates a token store and rehydrates it from kv
func LoadTokenStore(ctx context.Context, kv store.KVStore, logger zerolog.Logger) *TokenStore {
	ts := NewTokenStore(kv, logger)

	values, err := kv.Load(ctx, KeyAccessToken, KeyRefreshToken, KeyUsername)
	if err != nil {
		ts.logger.Warn().Err(err).Msg("could not load persisted tokens")
		return ts
	}

	ts.mu.Lock()
	ts.setLocked(Tokens{
		Access:   values[KeyAccessToken],
		Refresh:  values[KeyRefreshToken],
		Username: values[KeyUsername],
	})
	ts.mu.Unlock()

	ts.logger.Debug().Bool("has_access", ts.Get().HasAccess()).Msg("tokens loaded")
	return ts
}

// Get returns the current token triple
func (ts *TokenStore) Get() Tokens {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.tokens
}

// Set replaces the whole triple and the default Authorization header
func (ts *TokenStore) Set(access, refresh, username string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.setLocked(Tokens{Access: access, Refresh: refresh, Username: username})

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := ts.kv.Save(ctx, map[string]string{
		KeyAccessToken:  access,
		KeyRefreshToken: refresh,
		KeyUsername:     username,
	})
	if err != nil {
		ts.logger.Error().Err(err).Msg("failed to persist tokens")
	}
}

// Clear forgets all credentials and removes the Authorization header
func (ts *TokenStore) Clear() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.setLocked(Tokens{})

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := ts.kv.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyUsername); err != nil {
		ts.logger.Error().Err(err).Msg("failed to clear persisted tokens")
	}
}

// AuthorizationHeader returns the default header value, empty when logged out
func (ts *TokenStore) AuthorizationHeader() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.header
}

// Token exposes the pair as an oauth2 token, nil when there is no access token.
// Expiry comes from the access token's exp claim when it can be decoded.
func (ts *TokenStore) Token() *oauth2.Token {
	t := ts.Get()
	if !t.HasAccess() {
		return nil
	}

	tok := &oauth2.Token{
		AccessToken:  t.Access,
		TokenType:    "Bearer",
		RefreshToken: t.Refresh,
	}
	if claims, err := InspectToken(t.Access); err == nil {
		tok.Expiry = claims.ExpiresAtTime()
	}
	return tok
}

func (ts *TokenStore) setLocked(t Tokens) {
	ts.tokens = t
	if t.Access == "" {
		ts.header = ""
		return
	}
	ts.header = "Bearer " + t.Access
}
