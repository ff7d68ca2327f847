package directory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) *SQLite {
	t.Helper()

	dir, err := NewSQLite(filepath.Join(t.TempDir(), "directory.db"), "ws_default")
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })
	return dir
}

func TestRegisterAndAuthenticate(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Register(ctx, "A@X.com", "hunter22", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email) // normalized
	assert.Equal(t, "Ada", user.DisplayName)
	assert.NotEmpty(t, user.ID)

	got, err := dir.Authenticate(ctx, "a@x.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Register(ctx, "a@x.com", "hunter22", "")
	require.NoError(t, err)

	_, err = dir.Authenticate(ctx, "a@x.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = dir.Authenticate(ctx, "nobody@x.com", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Register(ctx, "a@x.com", "pw1", "")
	require.NoError(t, err)

	_, err = dir.Register(ctx, "a@x.com", "pw2", "")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestFindOrCreateByEmail(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	first, err := dir.FindOrCreateByEmail(ctx, "b@x.com", "Bea")
	require.NoError(t, err)

	second, err := dir.FindOrCreateByEmail(ctx, "b@x.com", "ignored")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Bea", second.DisplayName)

	// Passwordless account cannot password-login
	_, err = dir.Authenticate(ctx, "b@x.com", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDefaultWorkspaceMembership(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Register(ctx, "a@x.com", "pw", "")
	require.NoError(t, err)

	memberships, err := dir.Workspaces(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, "ws_default", memberships[0].ID)
	assert.Equal(t, "member", memberships[0].Role)
}

func TestGetUser(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Register(ctx, "a@x.com", "pw", "Ada")
	require.NoError(t, err)

	got, err := dir.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Email)

	_, err = dir.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
