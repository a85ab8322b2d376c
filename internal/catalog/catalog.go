// Package catalog maintains Users, Cells, and CellOwnerships — the
// control-plane records behind every cell operation. It ships two
// backends behind the same interface: a PostgreSQL-backed store for
// production, and an in-memory store for tests and the single-node/dev
// profile, so the test suite never needs a live Postgres instance.
package catalog

import (
	"context"
	"time"
)

// PermissionLevel is a CellOwnership's access grant.
type PermissionLevel string

const (
	PermissionOwner  PermissionLevel = "owner"
	PermissionEditor PermissionLevel = "editor"
	PermissionViewer PermissionLevel = "viewer"
)

// AccessLevel is what CheckAccess is asked to verify.
type AccessLevel string

const (
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessOwner AccessLevel = "owner"
)

// User is an account identity. PasswordHash is a memory-hard verifier;
// the plaintext password is never persisted.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	IsAdmin      bool      `db:"is_admin" json:"is_admin"`
	FailedLogins int       `db:"failed_logins" json:"-"`
	LastFailedAt time.Time `db:"last_failed_login" json:"-"`
	LockedUntil  time.Time `db:"locked_until" json:"-"`
	LastLoginAt  time.Time `db:"last_login" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Cell is an isolated, password-scoped key-value namespace.
type Cell struct {
	ID           string    `db:"id" json:"id"`
	Key          string    `db:"key" json:"key"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// CellOwnership is a (user, cell, permission) tuple.
type CellOwnership struct {
	UserID          string          `db:"user_id" json:"user_id"`
	CellID          string          `db:"cell_id" json:"cell_id"`
	PermissionLevel PermissionLevel `db:"permission_level" json:"permission_level"`
}

// Stats summarizes the control-plane state for the admin surface.
type Stats struct {
	Users          int `json:"users"`
	Cells          int `json:"cells"`
	ActiveUsers24h int `json:"active_users_24h"`
}

// Catalog is the control-plane store. Both backends implement it
// identically from the caller's perspective.
type Catalog interface {
	RegisterUser(ctx context.Context, email, username, password string) (User, error)
	Authenticate(ctx context.Context, email, password string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)

	CreateCell(ctx context.Context, ownerUserID, password string) (Cell, error)
	ListCells(ctx context.Context, userID string) ([]Cell, error)
	GetCellByKey(ctx context.Context, key string) (Cell, error)
	DeleteCell(ctx context.Context, key string) error

	CheckAccess(ctx context.Context, userID, cellKey string, required AccessLevel) (bool, error)

	Stats(ctx context.Context) (Stats, error)

	Close() error
}
