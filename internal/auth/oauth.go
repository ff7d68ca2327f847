package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"switchboard/internal/kv"
)

// OAuthStateTTL bounds how long a consent redirect may take
const OAuthStateTTL = 10 * time.Minute

var (
	// ErrUnknownProvider is returned for a provider name with no config
	ErrUnknownProvider = errors.New("unknown oauth provider")

	// ErrBadState is returned when the callback state is missing, expired,
	// or bound to a different provider
	ErrBadState = errors.New("invalid oauth state")

	// ErrNoEmail is returned when the provider profile exposes no usable email
	ErrNoEmail = errors.New("oauth profile has no email")
)

// OAuthProvider is one configured identity provider
type OAuthProvider struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	// EmailListURL is a fallback endpoint for providers that hide the
	// email on the main profile (GitHub with a private email)
	EmailListURL string
	Scopes       []string
	RedirectURL  string
}

// GitHubProvider returns the standard GitHub endpoint set
func GitHubProvider(clientID, clientSecret, redirectURL string) OAuthProvider {
	return OAuthProvider{
		Name:         "github",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		UserInfoURL:  "https://api.github.com/user",
		EmailListURL: "https://api.github.com/user/emails",
		Scopes:       []string{"read:user", "user:email"},
		RedirectURL:  redirectURL,
	}
}

// GoogleProvider returns the standard Google endpoint set
func GoogleProvider(clientID, clientSecret, redirectURL string) OAuthProvider {
	return OAuthProvider{
		Name:         "google",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
		Scopes:       []string{"openid", "email", "profile"},
		RedirectURL:  redirectURL,
	}
}

// Profile is the normalized identity extracted from a provider
type Profile struct {
	Email string
	Name  string
}

// OAuth runs the authorization-code flow against configured providers.
// State tokens live in the keyed store so any gateway node can finish a
// flow another node started.
type OAuth struct {
	kv        kv.Store
	providers map[string]OAuthProvider
	client    *http.Client
}

// NewOAuth creates the flow manager
func NewOAuth(store kv.Store, providers ...OAuthProvider) *OAuth {
	m := map[string]OAuthProvider{}
	for _, p := range providers {
		m[p.Name] = p
	}
	return &OAuth{
		kv:        store,
		providers: m,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Providers lists the configured provider names
func (o *OAuth) Providers() []string {
	names := make([]string, 0, len(o.providers))
	for name := range o.providers {
		names = append(names, name)
	}
	return names
}

func oauthStateKey(state string) string {
	return "oauth_state:" + state
}

// AuthorizeURL creates a state token and returns the provider consent URL
func (o *OAuth) AuthorizeURL(ctx context.Context, provider string) (string, error) {
	p, ok := o.providers[provider]
	if !ok {
		return "", ErrUnknownProvider
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	if err := o.kv.Set(ctx, oauthStateKey(state), []byte(provider), OAuthStateTTL); err != nil {
		return "", fmt.Errorf("failed to store oauth state: %w", err)
	}

	q := url.Values{
		"client_id":     {p.ClientID},
		"redirect_uri":  {p.RedirectURL},
		"response_type": {"code"},
		"scope":         {strings.Join(p.Scopes, " ")},
		"state":         {state},
	}
	return p.AuthURL + "?" + q.Encode(), nil
}

// Exchange finishes the flow: validates state, swaps the code for an access
// token, and fetches the user profile
func (o *OAuth) Exchange(ctx context.Context, provider, code, state string) (*Profile, error) {
	p, ok := o.providers[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	stored, err := o.kv.Get(ctx, oauthStateKey(state))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrBadState
		}
		return nil, fmt.Errorf("failed to look up oauth state: %w", err)
	}
	// Single use, consumed before validation
	if err := o.kv.Delete(ctx, oauthStateKey(state)); err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	if string(stored) != provider {
		return nil, ErrBadState
	}

	accessToken, err := o.exchangeCode(ctx, p, code)
	if err != nil {
		return nil, err
	}
	return o.fetchProfile(ctx, p, accessToken)
}

func (o *OAuth) exchangeCode(ctx context.Context, p OAuthProvider, code string) (string, error) {
	form := url.Values{
		"client_id":     {p.ClientID},
		"client_secret": {p.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {p.RedirectURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if payload.Error != "" {
		return "", fmt.Errorf("token endpoint error: %s", payload.Error)
	}
	if payload.AccessToken == "" {
		return "", errors.New("token endpoint returned no access token")
	}
	return payload.AccessToken, nil
}

func (o *OAuth) fetchProfile(ctx context.Context, p OAuthProvider, accessToken string) (*Profile, error) {
	var info struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Login string `json:"login"`
	}
	if err := o.getJSON(ctx, p.UserInfoURL, accessToken, &info); err != nil {
		return nil, err
	}

	profile := &Profile{Email: info.Email, Name: info.Name}
	if profile.Name == "" {
		profile.Name = info.Login
	}

	// Profiles with a hidden email need the email list endpoint
	if profile.Email == "" && p.EmailListURL != "" {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := o.getJSON(ctx, p.EmailListURL, accessToken, &emails); err != nil {
			return nil, err
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				profile.Email = e.Email
				break
			}
		}
		if profile.Email == "" && len(emails) > 0 {
			profile.Email = emails[0].Email
		}
	}

	if profile.Email == "" {
		return nil, ErrNoEmail
	}
	return profile, nil
}

func (o *OAuth) getJSON(ctx context.Context, endpoint, accessToken string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("profile fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("profile endpoint returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
