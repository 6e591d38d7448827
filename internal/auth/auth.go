// Package auth verifies the bearer tokens clients present when opening
// a session channel. Tokens are JWTs whose jti is checked against the
// login-token table, so a logout revokes every outstanding token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means the request carried no usable credential
	ErrNoToken = errors.New("no auth token presented")
	// ErrInvalidToken means the credential failed verification or was
	// revoked
	ErrInvalidToken = errors.New("invalid auth token")
)

// Claims is the JWT payload the relay issues and accepts
type Claims struct {
	UserID int64 `json:"userId"`
	jwt.RegisteredClaims
}

// TokenValidator checks a token id against the revocation store
type TokenValidator interface {
	ValidateToken(tokenID string, userID int64) (bool, error)
}

// Authenticator mints and verifies session tokens
type Authenticator struct {
	secret     []byte
	cookieName string
	validator  TokenValidator
}

func NewAuthenticator(secret []byte, cookieName string, validator TokenValidator) *Authenticator {
	return &Authenticator{secret: secret, cookieName: cookieName, validator: validator}
}

// IssueToken signs a JWT for a user. tokenID must already exist in the
// login-token store.
func (a *Authenticator) IssueToken(userID int64, tokenID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(a.secret)
}

// ParseToken verifies a JWT's signature and expiry and returns its claims
func (a *Authenticator) ParseToken(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthenticateRequest extracts a token from the Authorization header or
// the configured cookie, verifies it and checks it is not revoked.
// Returns the authenticated user id.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (int64, error) {
	token := a.tokenFromRequest(r)
	if token == "" {
		return 0, ErrNoToken
	}
	claims, err := a.ParseToken(token)
	if err != nil {
		return 0, err
	}
	valid, err := a.validator.ValidateToken(claims.ID, claims.UserID)
	if err != nil {
		return 0, fmt.Errorf("token validation failed: %w", err)
	}
	if !valid {
		return 0, ErrInvalidToken
	}
	return claims.UserID, nil
}

func (a *Authenticator) tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	if a.cookieName != "" {
		if c, err := r.Cookie(a.cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}
