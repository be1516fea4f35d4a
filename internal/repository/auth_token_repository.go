package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/storefront-api/internal/models"
)

const authTokenColumns = `id, user_id, value, kind, revoked, expired, expires_at, created_at, revoked_at`

// AuthTokenRepository persists issued access and refresh tokens.
type AuthTokenRepository struct {
	db *sqlx.DB
}

// NewAuthTokenRepository constructs the repository.
func NewAuthTokenRepository(db *sqlx.DB) *AuthTokenRepository {
	return &AuthTokenRepository{db: db}
}

func (r *AuthTokenRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Save inserts a newly issued token.
func (r *AuthTokenRepository) Save(ctx context.Context, exec sqlx.ExtContext, token *models.AuthToken) error {
	if token == nil {
		return fmt.Errorf("auth token payload is nil")
	}
	if !token.Kind.Valid() {
		return fmt.Errorf("invalid auth token kind %q", token.Kind)
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO auth_tokens (id, user_id, value, kind, revoked, expired, expires_at, created_at, revoked_at) VALUES (:id, :user_id, :value, :kind, :revoked, :expired, :expires_at, :created_at, :revoked_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, token); err != nil {
		return fmt.Errorf("insert auth token: %w", err)
	}
	return nil
}

// FindByValue returns the row for a token string or sql.ErrNoRows.
func (r *AuthTokenRepository) FindByValue(ctx context.Context, exec sqlx.ExtContext, value string) (*models.AuthToken, error) {
	query := `SELECT ` + authTokenColumns + ` FROM auth_tokens WHERE value = $1 LIMIT 1`
	var token models.AuthToken
	if err := sqlx.GetContext(ctx, r.exec(exec), &token, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find auth token: %w", err)
	}
	return &token, nil
}

// FindAllActiveForUser lists the user's active tokens of one kind, oldest first.
func (r *AuthTokenRepository) FindAllActiveForUser(ctx context.Context, userID string, kind models.TokenKind, now time.Time) ([]models.AuthToken, error) {
	query := `SELECT ` + authTokenColumns + ` FROM auth_tokens WHERE user_id = $1 AND kind = $2 AND revoked = FALSE AND expired = FALSE AND expires_at > $3 ORDER BY created_at ASC`
	var tokens []models.AuthToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID, kind, now); err != nil {
		return nil, fmt.Errorf("list active auth tokens: %w", err)
	}
	return tokens, nil
}

// ExistsActive reports whether the user holds an active token of kind.
func (r *AuthTokenRepository) ExistsActive(ctx context.Context, exec sqlx.ExtContext, userID string, kind models.TokenKind, now time.Time) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM auth_tokens WHERE user_id = $1 AND kind = $2 AND revoked = FALSE AND expired = FALSE AND expires_at > $3)`
	var exists bool
	if err := sqlx.GetContext(ctx, r.exec(exec), &exists, query, userID, kind, now); err != nil {
		return false, fmt.Errorf("check active auth token: %w", err)
	}
	return exists, nil
}

// RevokeAllActive flips revoked and expired on every active row of the
// user, both kinds. Rows already invalidated are left untouched.
func (r *AuthTokenRepository) RevokeAllActive(ctx context.Context, exec sqlx.ExtContext, userID string, at time.Time) (int64, error) {
	const query = `UPDATE auth_tokens SET revoked = TRUE, expired = TRUE, revoked_at = $2 WHERE user_id = $1 AND revoked = FALSE AND expired = FALSE`
	result, err := r.exec(exec).ExecContext(ctx, query, userID, at)
	if err != nil {
		return 0, fmt.Errorf("revoke auth tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check revoked auth token rows: %w", err)
	}
	return rows, nil
}

// ExpireStaleForUser marks the user's lapsed tokens of kind as expired.
func (r *AuthTokenRepository) ExpireStaleForUser(ctx context.Context, exec sqlx.ExtContext, userID string, kind models.TokenKind, now time.Time) (int64, error) {
	const query = `UPDATE auth_tokens SET expired = TRUE WHERE user_id = $1 AND kind = $2 AND expired = FALSE AND expires_at <= $3`
	result, err := r.exec(exec).ExecContext(ctx, query, userID, kind, now)
	if err != nil {
		return 0, fmt.Errorf("expire user auth tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check expired auth token rows: %w", err)
	}
	return rows, nil
}

// ExpireStale marks every lapsed token as expired.
func (r *AuthTokenRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE auth_tokens SET expired = TRUE WHERE expired = FALSE AND expires_at <= $1`
	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale auth tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check expired auth token rows: %w", err)
	}
	return rows, nil
}
