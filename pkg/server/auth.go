package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrTokenRevoked  = errors.New("token has been revoked")
	ErrMissingToken  = errors.New("no auth token provided")
	ErrWrongPassword = errors.New("incorrect password")
)

// TokenClaims is the data carried inside an auth token
type TokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// AuthService issues and validates auth tokens and hashes passwords.
// Logout works by revocation: issued token IDs are remembered in-process
// until they would have expired anyway.
type AuthService struct {
	secret   []byte
	tokenTTL time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time // token ID -> expiry, pruned lazily
}

// NewAuthService creates an auth service. An empty secret generates a random
// one, which invalidates all tokens across restarts.
func NewAuthService(secret string, tokenTTL time.Duration) (*AuthService, error) {
	key := []byte(secret)
	if len(key) == 0 {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
		key = []byte(hex.EncodeToString(buf))
	}

	return &AuthService{
		secret:   key,
		tokenTTL: tokenTTL,
		revoked:  make(map[string]time.Time),
	}, nil
}

// HashPassword hashes a plaintext password for storage
func (a *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a stored hash
func (a *AuthService) CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrWrongPassword
	}
	return nil
}

// GenerateToken creates a signed token for a user
func (a *AuthService) GenerateToken(userID string) (string, error) {
	now := time.Now()
	claims := &TokenClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        newTokenID(),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "teamchat",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and validates a token string, checking signature,
// expiry, and the revocation set
func (a *AuthService) ValidateToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	a.mu.Lock()
	_, revoked := a.revoked[claims.ID]
	a.mu.Unlock()
	if revoked {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// RevokeToken invalidates a token for the remainder of its lifetime
func (a *AuthService) RevokeToken(claims *TokenClaims) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for id, expiry := range a.revoked {
		if expiry.Before(now) {
			delete(a.revoked, id)
		}
	}

	expiry := now.Add(a.tokenTTL)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	a.revoked[claims.ID] = expiry
}

// TokenFromRequest extracts the auth token from the Authorization header,
// the auth_token cookie, or the token query parameter (used by the
// WebSocket endpoint, where browsers cannot set headers).
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, found := strings.CutPrefix(header, "Bearer "); found && token != "" {
			return token, nil
		}
	}
	if cookie, err := r.Cookie("auth_token"); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

func newTokenID() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
