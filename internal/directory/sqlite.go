package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// SQLite is a Directory backed by a local sqlite database
type SQLite struct {
	db               *sql.DB
	defaultWorkspace string
}

// NewSQLite opens (or creates) the directory database. New users are
// granted membership in defaultWorkspace with the "member" role.
func NewSQLite(path, defaultWorkspace string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}

	d := &SQLite{db: db, defaultWorkspace: defaultWorkspace}
	if err := d.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database connection
func (d *SQLite) Close() error {
	return d.db.Close()
}

func (d *SQLite) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT DEFAULT '',
			password_hash TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS workspace_members (
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			PRIMARY KEY (user_id, workspace_id),
			FOREIGN KEY (user_id) REFERENCES users (id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_members_user ON workspace_members (user_id);`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create directory schema: %w", err)
		}
	}
	return nil
}

// Register creates a user with a bcrypt-hashed password
func (d *SQLite) Register(ctx context.Context, email, password, displayName string) (*User, error) {
	email = normalizeEmail(email)

	if _, err := d.findByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:          uuid.New().String(),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}

	if err := d.insertUser(ctx, user, string(hash)); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate validates a password against the stored bcrypt hash
func (d *SQLite) Authenticate(ctx context.Context, email, password string) (*User, error) {
	email = normalizeEmail(email)

	var user User
	var hash string
	row := d.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE email = ?
	`, email)

	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &hash, &user.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	// Passwordless accounts (OAuth/magic-link only) cannot password-login
	if hash == "" {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// FindOrCreateByEmail returns the user, creating a passwordless record on
// first contact
func (d *SQLite) FindOrCreateByEmail(ctx context.Context, email, displayName string) (*User, error) {
	email = normalizeEmail(email)

	if user, err := d.findByEmail(ctx, email); err == nil {
		return user, nil
	}

	user := &User{
		ID:          uuid.New().String(),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}
	if err := d.insertUser(ctx, user, ""); err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser returns the user by id
func (d *SQLite) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	row := d.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at
		FROM users WHERE id = ?
	`, id)

	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// Workspaces returns the user's workspace memberships
func (d *SQLite) Workspaces(ctx context.Context, userID string) ([]WorkspaceMembership, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT workspace_id, role
		FROM workspace_members
		WHERE user_id = ?
		ORDER BY workspace_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var memberships []WorkspaceMembership
	for rows.Next() {
		var m WorkspaceMembership
		if err := rows.Scan(&m.ID, &m.Role); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return memberships, nil
}

func (d *SQLite) findByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	row := d.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at
		FROM users WHERE email = ?
	`, email)

	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (d *SQLite) insertUser(ctx context.Context, user *User, passwordHash string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, user.ID, user.Email, user.DisplayName, passwordHash, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	if d.defaultWorkspace != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workspace_members (user_id, workspace_id, role)
			VALUES (?, ?, 'member')
		`, user.ID, d.defaultWorkspace)
		if err != nil {
			return fmt.Errorf("failed to insert default membership: %w", err)
		}
	}

	return tx.Commit()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
