package catalog

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/r3e-cellvault/cellserver/internal/resilience"
	"github.com/r3e-cellvault/cellserver/pkg/errors"
)

// postgresCatalog is the production Catalog backend.
type postgresCatalog struct {
	db *sqlx.DB

	lockoutThreshold int
	lockoutWindow    time.Duration
	lockoutDuration  time.Duration
}

// PostgresConfig configures the production backend's optional account
// lockout state machine.
type PostgresConfig struct {
	DSN              string
	MigrateOnStart   bool
	LockoutThreshold int
	LockoutWindow    time.Duration
	LockoutDuration  time.Duration
}

// OpenPostgres connects to cfg.DSN, optionally applies migrations, and
// returns a ready Catalog.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (Catalog, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Internal("open postgres", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pingErr := resilience.Retry(pingCtx, resilience.DefaultRetryConfig(), func() error {
		return sqlDB.PingContext(pingCtx)
	})
	if pingErr != nil {
		_ = sqlDB.Close()
		return nil, errors.Transient("ping postgres", pingErr)
	}

	if cfg.MigrateOnStart {
		if err := applyMigrations(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, errors.Internal("apply migrations", err)
		}
	}

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

	return &postgresCatalog{
		db:               sqlx.NewDb(sqlDB, "postgres"),
		lockoutThreshold: threshold,
		lockoutWindow:    window,
		lockoutDuration:  duration,
	}, nil
}

func (c *postgresCatalog) Close() error {
	return c.db.Close()
}

func (c *postgresCatalog) RegisterUser(ctx context.Context, email, username, password string) (User, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return User{}, errors.Internal("hash password", err)
	}

	u := User{
		ID:        uuid.NewString(),
		Email:     email,
		Username:  username,
		IsActive:  true,
		CreatedAt: time.Now(),
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO users (id, email, username, password_hash, is_active, is_admin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, u.Username, hash, u.IsActive, u.IsAdmin, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return User{}, errors.Conflict("email or username already registered")
	}
	if err != nil {
		return User{}, errors.Internal("insert user", err)
	}

	u.PasswordHash = hash
	return u, nil
}

func (c *postgresCatalog) Authenticate(ctx context.Context, email, password string) (User, error) {
	var u User
	err := c.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = $1`, email)
	if err == sql.ErrNoRows {
		return User{}, errors.Unauthenticated("invalid email or password")
	}
	if err != nil {
		return User{}, errors.Internal("select user", err)
	}

	if !u.LockedUntil.IsZero() && time.Now().Before(u.LockedUntil) {
		return User{}, errors.Unauthenticated("account locked, try again later")
	}

	ok, verr := verifyPassword(password, u.PasswordHash)
	if verr != nil || !ok {
		c.recordFailedLogin(ctx, u.ID)
		return User{}, errors.Unauthenticated("invalid email or password")
	}

	_, _ = c.db.ExecContext(ctx, `UPDATE users SET failed_logins = 0, last_failed_login = 'epoch', locked_until = 'epoch', last_login = now() WHERE id = $1`, u.ID)
	return u, nil
}

func (c *postgresCatalog) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.db.GetContext(ctx, &stats.Users, `SELECT COUNT(*) FROM users`); err != nil {
		return Stats{}, errors.Internal("count users", err)
	}
	if err := c.db.GetContext(ctx, &stats.Cells, `SELECT COUNT(*) FROM cells`); err != nil {
		return Stats{}, errors.Internal("count cells", err)
	}
	if err := c.db.GetContext(ctx, &stats.ActiveUsers24h,
		`SELECT COUNT(*) FROM users WHERE last_login > now() - interval '24 hours'`); err != nil {
		return Stats{}, errors.Internal("count active users", err)
	}
	return stats, nil
}

// recordFailedLogin bumps the user's failure counter, restarting it when
// the previous failure is older than the lockout window, and locks the
// account once the counter reaches the threshold.
func (c *postgresCatalog) recordFailedLogin(ctx context.Context, userID string) {
	var failed int
	_ = c.db.GetContext(ctx, &failed,
		`UPDATE users
		 SET failed_logins = CASE
		         WHEN last_failed_login < now() - make_interval(secs => $2) THEN 1
		         ELSE failed_logins + 1
		     END,
		     last_failed_login = now()
		 WHERE id = $1
		 RETURNING failed_logins`, userID, c.lockoutWindow.Seconds())
	if failed >= c.lockoutThreshold {
		_, _ = c.db.ExecContext(ctx,
			`UPDATE users SET locked_until = $2 WHERE id = $1`, userID, time.Now().Add(c.lockoutDuration))
	}
}

func (c *postgresCatalog) GetUserByID(ctx context.Context, userID string) (User, error) {
	var u User
	err := c.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, userID)
	if err == sql.ErrNoRows {
		return User{}, errors.NotFound("user", userID)
	}
	if err != nil {
		return User{}, errors.Internal("select user", err)
	}
	return u, nil
}

func (c *postgresCatalog) CreateCell(ctx context.Context, ownerUserID, password string) (Cell, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return Cell{}, errors.Internal("hash cell password", err)
	}

	cell := Cell{
		ID:        uuid.NewString(),
		Key:       generateCellKey(),
		CreatedAt: time.Now(),
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return Cell{}, errors.Internal("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cells (id, key, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		cell.ID, cell.Key, hash, cell.CreatedAt,
	); err != nil {
		return Cell{}, errors.Internal("insert cell", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cell_ownerships (user_id, cell_id, permission_level) VALUES ($1, $2, $3)`,
		ownerUserID, cell.ID, PermissionOwner,
	); err != nil {
		return Cell{}, errors.Internal("insert ownership", err)
	}

	if err := tx.Commit(); err != nil {
		return Cell{}, errors.Internal("commit tx", err)
	}

	cell.PasswordHash = hash
	return cell, nil
}

func (c *postgresCatalog) ListCells(ctx context.Context, userID string) ([]Cell, error) {
	var cells []Cell
	err := c.db.SelectContext(ctx, &cells,
		`SELECT c.* FROM cells c
		 JOIN cell_ownerships o ON o.cell_id = c.id
		 WHERE o.user_id = $1`, userID)
	if err != nil {
		return nil, errors.Internal("list cells", err)
	}
	return cells, nil
}

func (c *postgresCatalog) GetCellByKey(ctx context.Context, key string) (Cell, error) {
	var cell Cell
	err := c.db.GetContext(ctx, &cell, `SELECT * FROM cells WHERE key = $1`, key)
	if err == sql.ErrNoRows {
		return Cell{}, errors.NotFound("cell", key)
	}
	if err != nil {
		return Cell{}, errors.Internal("select cell", err)
	}
	return cell, nil
}

func (c *postgresCatalog) DeleteCell(ctx context.Context, key string) error {
	cell, err := c.GetCellByKey(ctx, key)
	if err != nil {
		return err
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Internal("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cell_ownerships WHERE cell_id = $1`, cell.ID); err != nil {
		return errors.Internal("delete ownerships", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cells WHERE id = $1`, cell.ID); err != nil {
		return errors.Internal("delete cell", err)
	}
	return tx.Commit()
}

func (c *postgresCatalog) CheckAccess(ctx context.Context, userID, cellKey string, required AccessLevel) (bool, error) {
	cell, err := c.GetCellByKey(ctx, cellKey)
	if err != nil {
		return false, err
	}

	var level PermissionLevel
	err = c.db.GetContext(ctx, &level,
		`SELECT permission_level FROM cell_ownerships WHERE user_id = $1 AND cell_id = $2`,
		userID, cell.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Internal("select ownership", err)
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

func generateCellKey() string {
	raw := make([]byte, 10)
	_, _ = rand.Read(raw)
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
