package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/storefront-api/internal/models"
	appErrors "github.com/noah-isme/storefront-api/pkg/errors"
)

const userColumns = `id, email, password_hash, full_name, enabled, locked, last_login, created_at, updated_at`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// UserRepository provides database access for storefront accounts.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// FindByEmail returns a user by email address. The match is exact; stored
// emails keep the casing the user registered with.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// LockByID loads a user with a row lock held until the surrounding
// transaction ends. exec must be a transaction.
func (r *UserRepository) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 FOR UPDATE`
	var user models.User
	if err := sqlx.GetContext(ctx, r.exec(exec), &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock user: %w", err)
	}
	return &user, nil
}

// Create inserts a new user. A duplicate email yields ErrEmailTaken.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	const query = `INSERT INTO users (id, email, password_hash, full_name, enabled, locked, created_at, updated_at) VALUES (:id, :email, :password_hash, :full_name, :enabled, :locked, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return appErrors.Clone(appErrors.ErrEmailTaken, "")
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Save persists the mutable fields of a user.
func (r *UserRepository) Save(ctx context.Context, exec sqlx.ExtContext, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()
	const query = `UPDATE users SET password_hash = :password_hash, full_name = :full_name, enabled = :enabled, locked = :locked, updated_at = :updated_at WHERE id = :id`
	result, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, user)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check user update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateLastLogin updates the last_login timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_login = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}
