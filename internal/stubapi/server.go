// Package stubapi serves the storefront REST API from memory. It backs local
// development through cmd/stub-api and the end-to-end tests of the client.
package stubapi

import (
	"sync"
	"time"

	"github.com/example/ec-storefront/internal/auth"
	"github.com/example/ec-storefront/internal/metrics"
	"github.com/example/ec-storefront/internal/model"
	"github.com/rs/zerolog"
)

// Config tunes the stub's token behaviour
type Config struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// RotateRefresh returns a new refresh token on every refresh and revokes
	// the old one
	RotateRefresh bool
	// PageSize splits list responses into linked pages; 0 means one page
	PageSize int
}

// DefaultConfig mirrors the backend's token lifetimes
func DefaultConfig() Config {
	return Config{
		Secret:     "stub-api-secret",
		AccessTTL:  5 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		PageSize:   20,
	}
}

// Server is the stub API
type Server struct {
	cfg     Config
	store   *Store
	jwt     *auth.JWTService
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu          sync.Mutex
	accessIndex map[string]string // jti -> token, for InvalidateAccessTokens
}

// NewServer creates a stub with an empty store
func NewServer(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if cfg.Secret == "" {
		cfg.Secret = DefaultConfig().Secret
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultConfig().AccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultConfig().RefreshTTL
	}
	return &Server{
		cfg:         cfg,
		store:       NewStore(),
		jwt:         auth.NewJWTService(cfg.Secret, cfg.AccessTTL, cfg.RefreshTTL),
		metrics:     m,
		logger:      logger.With().Str("component", "stubapi").Logger(),
		accessIndex: make(map[string]string),
	}
}

// Store exposes the data for seeding
func (s *Server) Store() *Store {
	return s.store
}

// CreateUser adds an account with a bcrypt-hashed password
func (s *Server) CreateUser(username, email, password string, groups ...string) (model.UserIdentity, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return model.UserIdentity{}, err
	}
	return s.store.AddUser(username, email, hash, groups...)
}

// ValidateAccessToken accepts unrevoked access tokens
func (s *Server) ValidateAccessToken(token string) (*auth.Claims, error) {
	if s.store.isRevoked(token) {
		return nil, auth.ErrInvalidToken
	}
	return s.jwt.ValidateAccessToken(token)
}

// InvalidateAccessTokens revokes every access token issued so far, so the
// next authenticated call gets a 401 and the client has to refresh
func (s *Server) InvalidateAccessTokens() {
	s.mu.Lock()
	tokens := make([]string, 0, len(s.accessIndex))
	for jti, token := range s.accessIndex {
		tokens = append(tokens, token)
		delete(s.accessIndex, jti)
	}
	s.mu.Unlock()

	for _, token := range tokens {
		s.store.revoke(token)
	}
}

// RevokeRefreshToken blacklists a refresh token
func (s *Server) RevokeRefreshToken(token string) {
	s.store.revoke(token)
}

func (s *Server) trackAccess(token string) {
	claims, err := auth.InspectToken(token)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessIndex[claims.ID] = token
}

// Seed loads demo accounts and items. Every password is "password123".
func (s *Server) Seed() error {
	accounts := []struct {
		username string
		groups   []string
	}{
		{"alice", []string{string(auth.RoleBuyer)}},
		{"bob", []string{string(auth.RoleBuyer)}},
		{"sam", []string{string(auth.RoleSeller)}},
		{"sue", []string{string(auth.RoleSupport)}},
		{"admin", []string{string(auth.RoleAdmin)}},
	}
	for _, a := range accounts {
		if _, err := s.CreateUser(a.username, a.username+"@example.com", "password123", a.groups...); err != nil {
			return err
		}
	}

	text := func(v string) *string { return &v }
	qty := func(n int) *int { return &n }
	items := []model.Item{
		{Name: "Coffee Beans", Description: text("Single origin, 1kg"), PriceCents: 500, ItemType: model.ItemProduct, Seller: "sam", Categories: []string{"Grocery"}, Quantity: qty(40)},
		{Name: "Arabica Grinder", Description: text("Burr grinder"), PriceCents: 2500, ItemType: model.ItemProduct, Seller: "sam", Categories: []string{"Kitchen"}, Quantity: qty(5)},
		{Name: "Ceramic Mug", Description: text("350ml"), PriceCents: 1200, ItemType: model.ItemProduct, Seller: "sam", Categories: []string{"Kitchen"}, Quantity: qty(12)},
		{Name: "Barista Lesson", Description: text("One hour of latte art"), PriceCents: 4000, ItemType: model.ItemService, Seller: "sam", Categories: []string{"Classes"}, ServiceDuration: qty(60), ServiceType: text("Consulting")},
	}
	for _, it := range items {
		s.store.AddItem(it)
	}
	s.logger.Info().Int("users", len(accounts)).Int("items", len(items)).Msg("seeded demo data")
	return nil
}
