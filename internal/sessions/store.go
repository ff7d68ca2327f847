// Package sessions stores live connection sessions in the keyed store,
// with a reverse index from user to active session ids for bulk invalidation.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/kv"
)

// DefaultTTL is how long a session lives without an Update refreshing it.
const DefaultTTL = 7 * 24 * time.Hour

// ErrNotFound is returned when a session id has no stored record.
var ErrNotFound = errors.New("session not found")

// Session is the connection metadata stored per session id
type Session struct {
	UserID      string            `json:"user_id"`
	Email       string            `json:"email"`
	Channel     string            `json:"channel"`
	ConnectedAt time.Time         `json:"connected_at"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Store manages session records in the keyed store
type Store struct {
	kv  kv.Store
	ttl time.Duration
}

// NewStore creates a session store with the default TTL
func NewStore(store kv.Store) *Store {
	return &Store{kv: store, ttl: DefaultTTL}
}

// NewStoreWithTTL creates a session store with a custom TTL
func NewStoreWithTTL(store kv.Store, ttl time.Duration) *Store {
	return &Store{kv: store, ttl: ttl}
}

func sessionKey(id string) string {
	return "session:" + id
}

func userSessionsKey(userID string) string {
	return "user_sessions:" + userID
}

// Create writes a new session and indexes it under the user.
// Returns the server-generated session id.
func (s *Store) Create(ctx context.Context, sess Session) (string, error) {
	if sess.UserID == "" {
		return "", fmt.Errorf("session user id is required")
	}
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = time.Now()
	}

	id := uuid.New().String()

	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.kv.Set(ctx, sessionKey(id), data, s.ttl); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	if err := s.kv.SAdd(ctx, userSessionsKey(sess.UserID), id); err != nil {
		// Keep forward/reverse entries consistent: roll back the record
		_ = s.kv.Delete(ctx, sessionKey(id))
		return "", fmt.Errorf("failed to index session: %w", err)
	}

	return id, nil
}

// Get returns the stored session, without refreshing its TTL
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

// Update merges non-zero fields into the stored session and refreshes the
// TTL. A missing session is a no-op.
func (s *Store) Update(ctx context.Context, id string, patch Session) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if patch.WorkspaceID != "" {
		sess.WorkspaceID = patch.WorkspaceID
	}
	if patch.Email != "" {
		sess.Email = patch.Email
	}
	if patch.Channel != "" {
		sess.Channel = patch.Channel
	}
	if patch.Metadata != nil {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]string)
		}
		for k, v := range patch.Metadata {
			sess.Metadata[k] = v
		}
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.kv.Set(ctx, sessionKey(id), data, s.ttl); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// Destroy removes the session record and its reverse index entry.
// Destroying a missing session is a no-op.
func (s *Store) Destroy(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if err := s.kv.Delete(ctx, sessionKey(id)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := s.kv.SRem(ctx, userSessionsKey(sess.UserID), id); err != nil {
		return fmt.Errorf("failed to unlink session: %w", err)
	}
	return nil
}

// DestroyAllForUser deletes every session for a user plus the index itself.
// Used for "log out everywhere."
func (s *Store) DestroyAllForUser(ctx context.Context, userID string) error {
	ids, err := s.kv.SMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return fmt.Errorf("failed to list sessions for user: %w", err)
	}

	for _, id := range ids {
		if err := s.kv.Delete(ctx, sessionKey(id)); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", id, err)
		}
	}

	if err := s.kv.Delete(ctx, userSessionsKey(userID)); err != nil {
		return fmt.Errorf("failed to delete session index: %w", err)
	}
	return nil
}

// ListForUser returns the ids of the user's active sessions
func (s *Store) ListForUser(ctx context.Context, userID string) ([]string, error) {
	return s.kv.SMembers(ctx, userSessionsKey(userID))
}
