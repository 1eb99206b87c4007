package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMissingClaims    = errors.New("missing required claims")
)

// Identity is the principal carried by a token
type Identity struct {
	UserID    string
	SessionID string
	Name      string
	Email     string
	Role      string
}

// Claims JWT claims issued by the portal login service
type Claims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the principal of the claims
func (c *Claims) Identity() Identity {
	return Identity{
		UserID:    c.UserID,
		SessionID: c.SessionID,
		Name:      c.Name,
		Email:     c.Email,
		Role:      c.Role,
	}
}

// JWTManager signs and verifies HS256 tokens
type JWTManager struct {
	secret []byte
	expire time.Duration
	issuer string
}

// NewJWTManager creates a manager; expire is in seconds
func NewJWTManager(secret string, expire int64, issuer string) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		expire: time.Duration(expire) * time.Second,
		issuer: issuer,
	}
}

// GenerateToken issues an access token for id. The gateway itself only
// verifies; issuing is used by tooling and tests.
func (m *JWTManager) GenerateToken(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    id.UserID,
		SessionID: id.SessionID,
		Name:      id.Name,
		Email:     id.Email,
		Role:      id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expire)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// VerifyToken checks signature, expiry and issuer and returns the claims
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return m.secret, nil
	}, opts...)

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.UserID == "" {
		return nil, ErrMissingClaims
	}

	return claims, nil
}

// GetExpire returns the access token lifetime
func (m *JWTManager) GetExpire() time.Duration {
	return m.expire
}
