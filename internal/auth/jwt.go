package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrWrongTokenType = errors.New("wrong token type")
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the payload of storefront access and refresh tokens.
// The layout follows the backend's simple-jwt tokens: user_id, token_type and jti.
type Claims struct {
	TokenType string   `json:"token_type"`
	UserID    int64    `json:"user_id"`
	Username  string   `json:"username,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// InspectToken decodes a token's claims without verifying its signature.
// Clients use it to read expiry and identity hints; it grants nothing.
func InspectToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExpiresAtTime returns the exp claim, or the zero time when absent
func (c *Claims) ExpiresAtTime() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// JWTService issues and validates HS256 token pairs
type JWTService struct {
	secretKey          []byte
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
}

// NewJWTService creates a new JWT service
func NewJWTService(secretKey string, accessExpiry, refreshExpiry time.Duration) *JWTService {
	return &JWTService{
		secretKey:          []byte(secretKey),
		accessTokenExpiry:  accessExpiry,
		refreshTokenExpiry: refreshExpiry,
	}
}

// IssuePair creates a fresh access and refresh token for the user
func (s *JWTService) IssuePair(userID int64, username string, groups []string) (access, refresh string, err error) {
	access, err = s.sign(Claims{
		TokenType: TokenTypeAccess,
		UserID:    userID,
		Username:  username,
		Groups:    groups,
	}, s.accessTokenExpiry)
	if err != nil {
		return "", "", err
	}

	refresh, err = s.sign(Claims{
		TokenType: TokenTypeRefresh,
		UserID:    userID,
		Username:  username,
	}, s.refreshTokenExpiry)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// IssueAccess creates an access token only, as the refresh endpoint does
// when rotation is off
func (s *JWTService) IssueAccess(userID int64, username string, groups []string) (string, error) {
	return s.sign(Claims{
		TokenType: TokenTypeAccess,
		UserID:    userID,
		Username:  username,
		Groups:    groups,
	}, s.accessTokenExpiry)
}

func (s *JWTService) sign(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   strconv.FormatInt(claims.UserID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ValidateAccessToken validates an access token and returns claims
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.validate(tokenString, TokenTypeAccess)
}

// ValidateRefreshToken validates a refresh token and returns claims
func (s *JWTService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.validate(tokenString, TokenTypeRefresh)
}

func (s *JWTService) validate(tokenString, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// AccessTokenExpiry returns the access token lifetime
func (s *JWTService) AccessTokenExpiry() time.Duration {
	return s.accessTokenExpiry
}
