// Package auth implements token issuance, verification, and rotation, plus
// the HTTP handlers for the authentication endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"switchboard/internal/kv"
)

const (
	// AccessTokenTTL is the lifetime of a stateless access token
	AccessTokenTTL = 15 * time.Minute
	// RefreshTokenTTL is the lifetime of a refresh token and its store entry
	RefreshTokenTTL = 7 * 24 * time.Hour

	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	// refreshSuffixLen is how many trailing characters of a refresh token
	// key its store entry. Suffix keying lets a user hold one independent
	// refresh token per device.
	refreshSuffixLen = 16
)

var (
	// ErrInvalidToken covers bad signatures, expiry, and malformed tokens
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrRevoked means the signature checked out but the store entry is
	// gone: the token was rotated, logged out, or expired server-side
	ErrRevoked = errors.New("refresh token revoked or expired")

	// ErrWrongTokenType means a refresh token was presented where an
	// access token was expected, or vice versa
	ErrWrongTokenType = errors.New("wrong token type")
)

// WorkspaceClaim is one workspace membership embedded in a token
type WorkspaceClaim struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Claims is the payload carried by both access and refresh tokens
type Claims struct {
	Email      string           `json:"email"`
	Workspaces []WorkspaceClaim `json:"workspaces,omitempty"`
	TokenType  string           `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is an access/refresh pair issued together
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// TokenService mints and verifies signed tokens. Access tokens are
// stateless; refresh tokens are additionally tracked in the keyed store so
// they can be revoked server-side.
type TokenService struct {
	secret     []byte
	kv         kv.Store
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenService creates a token service with default TTLs
func NewTokenService(secret string, store kv.Store) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		kv:         store,
		accessTTL:  AccessTokenTTL,
		refreshTTL: RefreshTokenTTL,
	}
}

func refreshKey(userID, suffix string) string {
	return fmt.Sprintf("refresh:%s:%s", userID, suffix)
}

func refreshIndexKey(userID string) string {
	return "refresh_index:" + userID
}

func tokenSuffix(token string) string {
	if len(token) <= refreshSuffixLen {
		return token
	}
	return token[len(token)-refreshSuffixLen:]
}

// IssuePair mints an access/refresh pair and persists the refresh entry
func (s *TokenService) IssuePair(ctx context.Context, userID, email string, workspaces []WorkspaceClaim) (*TokenPair, error) {
	access, err := s.sign(userID, email, workspaces, TokenTypeAccess, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh, err := s.sign(userID, email, workspaces, TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	suffix := tokenSuffix(refresh)
	if err := s.kv.Set(ctx, refreshKey(userID, suffix), []byte("1"), s.refreshTTL); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}
	if err := s.kv.SAdd(ctx, refreshIndexKey(userID), suffix); err != nil {
		return nil, fmt.Errorf("failed to index refresh token: %w", err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *TokenService) sign(userID, email string, workspaces []WorkspaceClaim, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email:      email,
		Workspaces: workspaces,
		TokenType:  tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			// Unique id so tokens minted in the same second still differ
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// verify parses and checks the signature; it does not consult the store
func (s *TokenService) verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyAccess validates an access token. Stateless: any holder of the
// signing secret can do this.
func (s *TokenService) VerifyAccess(tokenString string) (*Claims, error) {
	claims, err := s.verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token signature AND its store entry.
// A syntactically valid token whose entry is gone is ErrRevoked.
func (s *TokenService) VerifyRefresh(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrWrongTokenType
	}

	exists, err := s.kv.Exists(ctx, refreshKey(claims.Subject, tokenSuffix(tokenString)))
	if err != nil {
		return nil, fmt.Errorf("failed to check refresh entry: %w", err)
	}
	if !exists {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Rotate consumes a refresh token and issues a new pair. The old entry is
// deleted before the new pair is persisted; a delete failure aborts the
// rotation so the caller never ends up with zero valid tokens.
func (s *TokenService) Rotate(ctx context.Context, oldToken string, workspaces []WorkspaceClaim) (*TokenPair, error) {
	claims, err := s.VerifyRefresh(ctx, oldToken)
	if err != nil {
		return nil, err
	}

	suffix := tokenSuffix(oldToken)
	if err := s.kv.Delete(ctx, refreshKey(claims.Subject, suffix)); err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	if err := s.kv.SRem(ctx, refreshIndexKey(claims.Subject), suffix); err != nil {
		return nil, fmt.Errorf("failed to unindex refresh token: %w", err)
	}

	return s.IssuePair(ctx, claims.Subject, claims.Email, workspaces)
}

// Revoke deletes the store entry for one refresh token
func (s *TokenService) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.verify(tokenString)
	if err != nil {
		return err
	}

	suffix := tokenSuffix(tokenString)
	if err := s.kv.Delete(ctx, refreshKey(claims.Subject, suffix)); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return s.kv.SRem(ctx, refreshIndexKey(claims.Subject), suffix)
}

// RevokeAll deletes every refresh entry for a user ("log out everywhere")
func (s *TokenService) RevokeAll(ctx context.Context, userID string) error {
	suffixes, err := s.kv.SMembers(ctx, refreshIndexKey(userID))
	if err != nil {
		return fmt.Errorf("failed to list refresh tokens: %w", err)
	}

	for _, suffix := range suffixes {
		if err := s.kv.Delete(ctx, refreshKey(userID, suffix)); err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
	}
	return s.kv.Delete(ctx, refreshIndexKey(userID))
}
