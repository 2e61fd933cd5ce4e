package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJWTService() *JWTService {
	return NewJWTService(
		"test-secret-key-for-testing-purposes",
		15*time.Minute,
		7*24*time.Hour,
	)
}

func TestJWTService_IssuePair_Success(t *testing.T) {
	service := newTestJWTService()

	access, refresh, err := service.IssuePair(42, "alice", []string{"Buyer"})

	require.NoError(t, err)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)
	assert.NotEqual(t, access, refresh)
	assert.Equal(t, 15*time.Minute, service.AccessTokenExpiry())
}

func TestJWTService_ValidateAccessToken_Valid(t *testing.T) {
	service := newTestJWTService()

	access, _, err := service.IssuePair(7, "bob", []string{"Seller", "Buyer"})
	require.NoError(t, err)

	claims, err := service.ValidateAccessToken(access)

	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.Equal(t, "bob", claims.Username)
	assert.Equal(t, []string{"Seller", "Buyer"}, claims.Groups)
	assert.Equal(t, "7", claims.Subject)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
	assert.NotEmpty(t, claims.ID)
}

func TestJWTService_ValidateAccessToken_Expired(t *testing.T) {
	// Create a service with very short expiry
	service := NewJWTService("test-secret", 1*time.Millisecond, 7*24*time.Hour)

	access, _, err := service.IssuePair(1, "alice", nil)
	require.NoError(t, err)

	// Wait for token to expire
	time.Sleep(10 * time.Millisecond)

	claims, err := service.ValidateAccessToken(access)

	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.Nil(t, claims)
}

func TestJWTService_ValidateAccessToken_Invalid(t *testing.T) {
	service := newTestJWTService()

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"random string", "not-a-valid-token"},
		{"malformed JWT", "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.invalid.signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := service.ValidateAccessToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.Nil(t, claims)
		})
	}
}

func TestJWTService_ValidateAccessToken_WrongSignature(t *testing.T) {
	service1 := NewJWTService("secret-key-1", 15*time.Minute, 7*24*time.Hour)
	service2 := NewJWTService("secret-key-2", 15*time.Minute, 7*24*time.Hour)

	access, _, err := service1.IssuePair(1, "alice", nil)
	require.NoError(t, err)

	claims, err := service2.ValidateAccessToken(access)

	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Nil(t, claims)
}

func TestJWTService_ValidateAccessToken_WrongAlgorithm(t *testing.T) {
	service := newTestJWTService()

	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		TokenType: TokenTypeAccess,
		UserID:    1,
	})
	tokenString, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	claims, err := service.ValidateAccessToken(tokenString)

	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Nil(t, claims)
}

func TestJWTService_TokenTypesAreNotInterchangeable(t *testing.T) {
	service := newTestJWTService()

	access, refresh, err := service.IssuePair(3, "carol", nil)
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(refresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	_, err = service.ValidateRefreshToken(access)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	claims, err := service.ValidateRefreshToken(refresh)
	require.NoError(t, err)
	assert.Equal(t, int64(3), claims.UserID)
}

func TestJWTService_IssueAccess(t *testing.T) {
	service := newTestJWTService()

	access, err := service.IssueAccess(9, "dave", []string{"Admin"})
	require.NoError(t, err)

	claims, err := service.ValidateAccessToken(access)
	require.NoError(t, err)
	assert.Equal(t, []string{"Admin"}, claims.Groups)
}

// ============================================
// InspectToken
// ============================================

func TestInspectToken_ReadsClaimsWithoutSecret(t *testing.T) {
	service := newTestJWTService()
	access, _, err := service.IssuePair(5, "erin", []string{"Buyer"})
	require.NoError(t, err)

	claims, err := InspectToken(access)

	require.NoError(t, err)
	assert.Equal(t, int64(5), claims.UserID)
	assert.Equal(t, "erin", claims.Username)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), claims.ExpiresAtTime(), 2*time.Second)
}

func TestInspectToken_Opaque(t *testing.T) {
	claims, err := InspectToken("opaque-token")

	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Nil(t, claims)
	assert.True(t, claims.ExpiresAtTime().IsZero())
}
