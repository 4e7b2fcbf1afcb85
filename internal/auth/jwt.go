package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "nexara"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrMissingUser  = errors.New("user id is required")
)

// Claims identify the user a session acts for
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates HS256 identity tokens
type TokenManager struct {
	secretKey []byte
	expiry    time.Duration
	now       func() time.Time
}

// NewTokenManager creates a manager. An empty secret generates a random
// one, which only suits a single process.
func NewTokenManager(secret string, expiry time.Duration) *TokenManager {
	if secret == "" {
		randomBytes := make([]byte, 32)
		rand.Read(randomBytes)
		secret = hex.EncodeToString(randomBytes)
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}

	return &TokenManager{
		secretKey: []byte(secret),
		expiry:    expiry,
		now:       time.Now,
	}
}

// Generate creates a signed token for userID
func (m *TokenManager) Generate(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrMissingUser
	}

	now := m.now()
	expiresAt := now.Add(m.expiry)
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// Token satisfies the transport's token source
func (m *TokenManager) Token(userID string) (string, error) {
	token, _, err := m.Generate(userID)
	return token, err
}

// Validate parses tokenString and returns its claims
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))

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

	return claims, nil
}

// Expiry returns the token lifetime
func (m *TokenManager) Expiry() time.Duration {
	return m.expiry
}
