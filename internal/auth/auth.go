package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Authenticator guards the local dashboard with a single operator account
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	tokens       *TokenManager
}

// NewAuthenticator hashes password unless it already is a bcrypt hash
func NewAuthenticator(enabled bool, username, password string, tokens *TokenManager) (*Authenticator, error) {
	a := &Authenticator{
		enabled:  enabled,
		username: username,
		tokens:   tokens,
	}
	if !enabled {
		return a, nil
	}

	if len(password) == 60 && password[0] == '$' {
		a.passwordHash = []byte(password)
		return a, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a.passwordHash = hash
	return a, nil
}

func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate checks credentials and returns a token with its unix expiry
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}
	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.tokens.Generate(username)
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.tokens.Validate(token)
}

// HashPassword creates a bcrypt hash for use in config files
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
