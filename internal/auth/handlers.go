package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"switchboard/internal/directory"
)

type contextKey string

// claimsContextKey carries the verified access claims through a request
const claimsContextKey contextKey = "auth_claims"

// ClaimsFromContext returns the verified claims set by RequireAuth
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// Handler serves the /auth endpoints
type Handler struct {
	tokens *TokenService
	dir    directory.Directory
	magic  *MagicLinks
	oauth  *OAuth

	// exposeLinks returns magic-link URLs in the HTTP response instead of
	// sending mail. Development only.
	exposeLinks bool
}

// NewHandler wires the auth endpoints
func NewHandler(tokens *TokenService, dir directory.Directory, magic *MagicLinks, oauth *OAuth, exposeLinks bool) *Handler {
	return &Handler{
		tokens:      tokens,
		dir:         dir,
		magic:       magic,
		oauth:       oauth,
		exposeLinks: exposeLinks,
	}
}

// Routes returns the router for mounting under /auth
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)
	r.Post("/refresh", h.handleRefresh)
	r.Post("/magic-link", h.handleMagicLinkRequest)
	r.Get("/magic-link/verify", h.handleMagicLinkVerify)
	r.Get("/oauth/providers", h.handleOAuthProviders)
	r.Get("/oauth/{provider}", h.handleOAuthStart)
	r.Get("/oauth/{provider}/callback", h.handleOAuthCallback)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Post("/logout", h.handleLogout)
		r.Get("/me", h.handleMe)
	})

	return r
}

// RequireAuth verifies the bearer token and stashes claims in the context
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := h.tokens.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type authResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	User         *directory.User `json:"user"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := h.dir.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		if errors.Is(err, directory.ErrEmailTaken) {
			respondError(w, http.StatusConflict, "email already registered")
			return
		}
		log.Printf("[Auth] Registration failed: %v", err)
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	h.respondWithPair(w, r, http.StatusCreated, user)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.dir.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		// Same message for unknown email and wrong password
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.respondWithPair(w, r, http.StatusOK, user)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	claims, err := h.tokens.VerifyRefresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}

	// Memberships are re-read so revoked workspace access does not survive
	// a token rotation
	workspaces, err := h.workspaceClaims(r.Context(), claims.Subject)
	if err != nil {
		log.Printf("[Auth] Failed to load workspaces for %s: %v", claims.Subject, err)
		respondError(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	pair, err := h.tokens.Rotate(r.Context(), req.RefreshToken, workspaces)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	// Body is optional; an empty body means log out everywhere
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.RefreshToken != "" {
		// A specific refresh token logs out just that device
		if err := h.tokens.Revoke(r.Context(), req.RefreshToken); err != nil && !errors.Is(err, ErrInvalidToken) {
			log.Printf("[Auth] Failed to revoke token: %v", err)
			respondError(w, http.StatusInternalServerError, "logout failed")
			return
		}
	} else {
		if err := h.tokens.RevokeAll(r.Context(), claims.Subject); err != nil {
			log.Printf("[Auth] Failed to revoke all tokens for %s: %v", claims.Subject, err)
			respondError(w, http.StatusInternalServerError, "logout failed")
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	user, err := h.dir.GetUser(r.Context(), claims.Subject)
	if err != nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user":       user,
		"workspaces": claims.Workspaces,
	})
}

func (h *Handler) handleMagicLinkRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	loginURL, err := h.magic.Issue(r.Context(), req.Email)
	if err != nil {
		log.Printf("[Auth] Failed to issue magic link: %v", err)
		// Deliberately the same generic response as success
	} else {
		log.Printf("[Auth] Magic link issued for %s", req.Email)
	}

	// Never reveal whether the email is known
	resp := map[string]string{"status": "if the address is valid, a login link has been sent"}
	if h.exposeLinks && loginURL != "" {
		resp["login_url"] = loginURL
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMagicLinkVerify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	email, err := h.magic.Verify(r.Context(), token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid or expired login link")
		return
	}

	user, err := h.dir.FindOrCreateByEmail(r.Context(), email, "")
	if err != nil {
		log.Printf("[Auth] Magic link login failed for %s: %v", email, err)
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.respondWithPair(w, r, http.StatusOK, user)
}

func (h *Handler) handleOAuthProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"providers": h.oauth.Providers()})
}

func (h *Handler) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	authURL, err := h.oauth.AuthorizeURL(r.Context(), provider)
	if err != nil {
		if errors.Is(err, ErrUnknownProvider) {
			respondError(w, http.StatusNotFound, "unknown provider")
			return
		}
		log.Printf("[Auth] Failed to start oauth flow: %v", err)
		respondError(w, http.StatusInternalServerError, "oauth flow failed")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		respondError(w, http.StatusBadRequest, "code and state are required")
		return
	}

	profile, err := h.oauth.Exchange(r.Context(), provider, code, state)
	if err != nil {
		if errors.Is(err, ErrUnknownProvider) {
			respondError(w, http.StatusNotFound, "unknown provider")
			return
		}
		if errors.Is(err, ErrBadState) {
			respondError(w, http.StatusUnauthorized, "invalid oauth state")
			return
		}
		log.Printf("[Auth] OAuth exchange failed for %s: %v", provider, err)
		respondError(w, http.StatusBadGateway, "oauth exchange failed")
		return
	}

	user, err := h.dir.FindOrCreateByEmail(r.Context(), profile.Email, profile.Name)
	if err != nil {
		log.Printf("[Auth] OAuth login failed for %s: %v", profile.Email, err)
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.respondWithPair(w, r, http.StatusOK, user)
}

func (h *Handler) respondWithPair(w http.ResponseWriter, r *http.Request, status int, user *directory.User) {
	workspaces, err := h.workspaceClaims(r.Context(), user.ID)
	if err != nil {
		log.Printf("[Auth] Failed to load workspaces for %s: %v", user.ID, err)
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	pair, err := h.tokens.IssuePair(r.Context(), user.ID, user.Email, workspaces)
	if err != nil {
		log.Printf("[Auth] Failed to issue tokens for %s: %v", user.ID, err)
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	respondJSON(w, status, authResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         user,
	})
}

func (h *Handler) workspaceClaims(ctx context.Context, userID string) ([]WorkspaceClaim, error) {
	memberships, err := h.dir.Workspaces(ctx, userID)
	if err != nil {
		return nil, err
	}

	claims := make([]WorkspaceClaim, 0, len(memberships))
	for _, m := range memberships {
		claims = append(claims, WorkspaceClaim{ID: m.ID, Role: m.Role})
	}
	return claims, nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[Auth] Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
