package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"switchboard/internal/kv"
)

// MagicLinkTTL is how long an unused login link stays valid
const MagicLinkTTL = 15 * time.Minute

// ErrLinkInvalid is returned for unknown, expired, or already-used tokens
var ErrLinkInvalid = errors.New("invalid or expired login link")

// MagicLinks issues and consumes single-use email login tokens. Tokens are
// opaque random strings, not JWTs: their only meaning is the store entry.
type MagicLinks struct {
	kv      kv.Store
	baseURL string
	ttl     time.Duration
}

// NewMagicLinks creates the issuer. baseURL is the verification endpoint
// the token gets appended to, e.g. "https://gw.example.com/auth/magic-link/verify".
func NewMagicLinks(store kv.Store, baseURL string) *MagicLinks {
	return &MagicLinks{kv: store, baseURL: baseURL, ttl: MagicLinkTTL}
}

func magicLinkKey(token string) string {
	return "magiclink:" + token
}

// Issue creates a login token for email and returns the full login URL
func (m *MagicLinks) Issue(ctx context.Context, email string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate login token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	if err := m.kv.Set(ctx, magicLinkKey(token), []byte(email), m.ttl); err != nil {
		return "", fmt.Errorf("failed to store login token: %w", err)
	}

	return fmt.Sprintf("%s?token=%s", m.baseURL, url.QueryEscape(token)), nil
}

// Verify consumes a login token and returns the email it was issued for.
// The token is deleted on first read, so a link works exactly once even if
// the caller's login subsequently fails.
func (m *MagicLinks) Verify(ctx context.Context, token string) (string, error) {
	key := magicLinkKey(token)

	email, err := m.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", ErrLinkInvalid
		}
		return "", fmt.Errorf("failed to look up login token: %w", err)
	}

	if err := m.kv.Delete(ctx, key); err != nil {
		return "", fmt.Errorf("failed to consume login token: %w", err)
	}
	return string(email), nil
}
