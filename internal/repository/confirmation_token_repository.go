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

const confirmationTokenColumns = `id, user_id, value, purpose, created_at, expires_at, confirmed_at`

// ConfirmationTokenRepository persists activation and password reset codes.
type ConfirmationTokenRepository struct {
	db *sqlx.DB
}

// NewConfirmationTokenRepository constructs the repository.
func NewConfirmationTokenRepository(db *sqlx.DB) *ConfirmationTokenRepository {
	return &ConfirmationTokenRepository{db: db}
}

func (r *ConfirmationTokenRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Save inserts a new confirmation token.
func (r *ConfirmationTokenRepository) Save(ctx context.Context, exec sqlx.ExtContext, token *models.ConfirmationToken) error {
	if token == nil {
		return fmt.Errorf("confirmation token payload is nil")
	}
	if !token.Purpose.Valid() {
		return fmt.Errorf("invalid confirmation purpose %q", token.Purpose)
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}

	const query = `INSERT INTO confirmation_tokens (id, user_id, value, purpose, created_at, expires_at, confirmed_at) VALUES (:id, :user_id, :value, :purpose, :created_at, :expires_at, :confirmed_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, token); err != nil {
		return fmt.Errorf("insert confirmation token: %w", err)
	}
	return nil
}

// FindByValue returns the token row or sql.ErrNoRows.
func (r *ConfirmationTokenRepository) FindByValue(ctx context.Context, value string) (*models.ConfirmationToken, error) {
	query := `SELECT ` + confirmationTokenColumns + ` FROM confirmation_tokens WHERE value = $1 LIMIT 1`
	var token models.ConfirmationToken
	if err := r.db.GetContext(ctx, &token, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find confirmation token: %w", err)
	}
	return &token, nil
}

// IsNoActiveConfirmationToken reports whether the user has no pending,
// unexpired token for purpose.
func (r *ConfirmationTokenRepository) IsNoActiveConfirmationToken(ctx context.Context, exec sqlx.ExtContext, userID string, purpose models.ConfirmationPurpose, now time.Time) (bool, error) {
	const query = `SELECT NOT EXISTS (SELECT 1 FROM confirmation_tokens WHERE user_id = $1 AND purpose = $2 AND confirmed_at IS NULL AND expires_at > $3)`
	var none bool
	if err := sqlx.GetContext(ctx, r.exec(exec), &none, query, userID, purpose, now); err != nil {
		return false, fmt.Errorf("check pending confirmation token: %w", err)
	}
	return none, nil
}

// MarkConfirmed sets confirmed_at once. A token that was already consumed
// yields sql.ErrNoRows.
func (r *ConfirmationTokenRepository) MarkConfirmed(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error {
	const query = `UPDATE confirmation_tokens SET confirmed_at = $2 WHERE id = $1 AND confirmed_at IS NULL`
	result, err := r.exec(exec).ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("confirm token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check confirmed token rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
