// Package directory is the identity backend consumed by the auth layer.
// The gateway only depends on the interface; the sqlite implementation is
// the default single-node backend.
package directory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is returned for a bad email/password pair.
	// Callers must not reveal which half was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrEmailTaken is returned when registering an already-known email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrUserNotFound is returned when a user id or email has no record.
	ErrUserNotFound = errors.New("user not found")
)

// User is an identity record
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkspaceMembership binds a user to a workspace with a role
type WorkspaceMembership struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Directory is the identity backend contract
type Directory interface {
	// Register creates a user with a password. Fails with ErrEmailTaken
	// if the email is already known.
	Register(ctx context.Context, email, password, displayName string) (*User, error)

	// Authenticate validates an email/password pair.
	Authenticate(ctx context.Context, email, password string) (*User, error)

	// FindOrCreateByEmail returns the user for email, creating a
	// passwordless record on first contact (OAuth and magic-link logins).
	FindOrCreateByEmail(ctx context.Context, email, displayName string) (*User, error)

	// GetUser returns the user by id.
	GetUser(ctx context.Context, id string) (*User, error)

	// Workspaces returns the user's workspace memberships.
	Workspaces(ctx context.Context, userID string) ([]WorkspaceMembership, error)
}
