package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = Identity{
	UserID:    "user123",
	SessionID: "session456",
	Name:      "Test User",
	Email:     "test@example.com",
	Role:      "admin",
}

func createTestManager() *JWTManager {
	return NewJWTManager("test-secret-key", 3600, "test-issuer")
}

func signClaims(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTManager_RoundTrip(t *testing.T) {
	manager := createTestManager()

	token, err := manager.GenerateToken(testIdentity)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := manager.VerifyToken(token)
	require.NoError(t, err)

	assert.Equal(t, testIdentity, claims.Identity())
	assert.Equal(t, "test-issuer", claims.Issuer)
	assert.Equal(t, "user123", claims.Subject)
	assert.Equal(t, time.Hour, manager.GetExpire())
}

func TestJWTManager_VerifyToken_Invalid(t *testing.T) {
	manager := createTestManager()

	_, err := manager.VerifyToken("invalid-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = manager.VerifyToken("")
	assert.Error(t, err)
}

func TestJWTManager_VerifyToken_WrongSecret(t *testing.T) {
	issuer := NewJWTManager("secret1", 3600, "issuer")
	verifier := NewJWTManager("secret2", 3600, "issuer")

	token, err := issuer.GenerateToken(testIdentity)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestJWTManager_VerifyToken_WrongIssuer(t *testing.T) {
	token, err := NewJWTManager("secret", 3600, "someone-else").GenerateToken(testIdentity)
	require.NoError(t, err)

	_, err = NewJWTManager("secret", 3600, "portal").VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_VerifyToken_Expired(t *testing.T) {
	manager := createTestManager()
	past := time.Now().Add(-time.Hour)

	token := signClaims(t, "test-secret-key", Claims{
		UserID: "user123",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test-issuer",
			IssuedAt:  jwt.NewNumericDate(past.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(past),
		},
	})

	_, err := manager.VerifyToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTManager_VerifyToken_WrongAlgorithm(t *testing.T) {
	manager := createTestManager()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		UserID:           "user123",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "test-issuer"},
	}).SignedString([]byte("test-secret-key"))
	require.NoError(t, err)

	_, err = manager.VerifyToken(token)
	assert.Error(t, err)
}

func TestJWTManager_MissingClaims(t *testing.T) {
	manager := createTestManager()

	token, err := manager.GenerateToken(Identity{SessionID: "session456"})
	require.NoError(t, err)

	_, err = manager.VerifyToken(token)
	assert.ErrorIs(t, err, ErrMissingClaims)

	// session id is optional
	token, err = manager.GenerateToken(Identity{UserID: "user123"})
	require.NoError(t, err)
	_, err = manager.VerifyToken(token)
	assert.NoError(t, err)
}
