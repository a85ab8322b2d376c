package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

// memoryCatalog is an in-process Catalog used by tests and the
// single-node/dev profile (no DATABASE_URL configured). It implements the
// same lockout state machine as the Postgres backend.
type memoryCatalog struct {
	mu sync.Mutex

	usersByID    map[string]*User
	usersByEmail map[string]string                     // email -> user id
	cellsByID    map[string]*Cell
	cellsByKey   map[string]string                     // key -> cell id
	ownerships   map[string]map[string]PermissionLevel // cell id -> user id -> level

	lockoutThreshold int
	lockoutWindow    time.Duration
	lockoutDuration  time.Duration
}

// MemoryConfig configures the in-memory backend's lockout parameters.
type MemoryConfig struct {
	LockoutThreshold int
	LockoutWindow    time.Duration
	LockoutDuration  time.Duration
}

// NewMemory returns an in-memory Catalog.
func NewMemory(cfg MemoryConfig) Catalog {
	threshold := cfg.LockoutThreshold
	if threshold <= 0 {
		threshold = 5
	}
	window := cfg.LockoutWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	duration := cfg.LockoutDuration
	if duration <= 0 {
		duration = 15 * time.Minute
	}

	return &memoryCatalog{
		usersByID:        make(map[string]*User),
		usersByEmail:     make(map[string]string),
		cellsByID:        make(map[string]*Cell),
		cellsByKey:       make(map[string]string),
		ownerships:       make(map[string]map[string]PermissionLevel),
		lockoutThreshold: threshold,
		lockoutWindow:    window,
		lockoutDuration:  duration,
	}
}

func (c *memoryCatalog) Close() error { return nil }

func (c *memoryCatalog) RegisterUser(_ context.Context, email, username, password string) (User, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return User{}, errors.Internal("hash password", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.usersByEmail[email]; exists {
		return User{}, errors.Conflict("email already registered")
	}
	for _, u := range c.usersByID {
		if u.Username == username {
			return User{}, errors.Conflict("username already registered")
		}
	}

	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
	c.usersByID[u.ID] = u
	c.usersByEmail[email] = u.ID
	return *u, nil
}

func (c *memoryCatalog) Authenticate(_ context.Context, email, password string) (User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.usersByEmail[email]
	if !ok {
		return User{}, errors.Unauthenticated("invalid email or password")
	}
	u := c.usersByID[id]

	if !u.LockedUntil.IsZero() && time.Now().Before(u.LockedUntil) {
		return User{}, errors.Unauthenticated("account locked, try again later")
	}

	ok2, verr := verifyPassword(password, u.PasswordHash)
	if verr != nil || !ok2 {
		now := time.Now()
		if now.Sub(u.LastFailedAt) > c.lockoutWindow {
			u.FailedLogins = 0
		}
		u.FailedLogins++
		u.LastFailedAt = now
		if u.FailedLogins >= c.lockoutThreshold {
			u.LockedUntil = now.Add(c.lockoutDuration)
		}
		return User{}, errors.Unauthenticated("invalid email or password")
	}

	u.FailedLogins = 0
	u.LockedUntil = time.Time{}
	u.LastLoginAt = time.Now()
	return *u, nil
}

func (c *memoryCatalog) Stats(_ context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	active := 0
	for _, u := range c.usersByID {
		if u.LastLoginAt.After(cutoff) {
			active++
		}
	}
	return Stats{
		Users:          len(c.usersByID),
		Cells:          len(c.cellsByID),
		ActiveUsers24h: active,
	}, nil
}

func (c *memoryCatalog) GetUserByID(_ context.Context, userID string) (User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.usersByID[userID]
	if !ok {
		return User{}, errors.NotFound("user", userID)
	}
	return *u, nil
}

func (c *memoryCatalog) CreateCell(_ context.Context, ownerUserID, password string) (Cell, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return Cell{}, errors.Internal("hash cell password", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cell := &Cell{
		ID:           uuid.NewString(),
		Key:          generateCellKey(),
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	c.cellsByID[cell.ID] = cell
	c.cellsByKey[cell.Key] = cell.ID
	c.ownerships[cell.ID] = map[string]PermissionLevel{ownerUserID: PermissionOwner}

	return *cell, nil
}

func (c *memoryCatalog) ListCells(_ context.Context, userID string) ([]Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cells []Cell
	for cellID, owners := range c.ownerships {
		if _, ok := owners[userID]; ok {
			cells = append(cells, *c.cellsByID[cellID])
		}
	}
	return cells, nil
}

func (c *memoryCatalog) GetCellByKey(_ context.Context, key string) (Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.cellsByKey[key]
	if !ok {
		return Cell{}, errors.NotFound("cell", key)
	}
	return *c.cellsByID[id], nil
}

func (c *memoryCatalog) DeleteCell(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.cellsByKey[key]
	if !ok {
		return errors.NotFound("cell", key)
	}
	delete(c.cellsByKey, key)
	delete(c.cellsByID, id)
	delete(c.ownerships, id)
	return nil
}

func (c *memoryCatalog) CheckAccess(_ context.Context, userID, cellKey string, required AccessLevel) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.cellsByKey[cellKey]
	if !ok {
		return false, errors.NotFound("cell", cellKey)
	}
	level, ok := c.ownerships[id][userID]
	if !ok {
		return false, nil
	}
	switch required {
	case AccessRead:
		return true, nil
	case AccessWrite:
		return level == PermissionOwner || level == PermissionEditor, nil
	default:
		return level == PermissionOwner, nil
	}
}
