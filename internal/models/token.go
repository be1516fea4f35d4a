package models

import (
	"fmt"
	"time"
)

// TokenKind is the closed set of bearer token kinds.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "ACCESS"
	TokenKindRefresh TokenKind = "REFRESH"
)

// Valid reports whether k is a known kind.
func (k TokenKind) Valid() bool {
	switch k {
	case TokenKindAccess, TokenKindRefresh:
		return true
	default:
		return false
	}
}

// ParseTokenKind converts a claim value back into a TokenKind.
func ParseTokenKind(raw string) (TokenKind, error) {
	k := TokenKind(raw)
	if !k.Valid() {
		return "", fmt.Errorf("unknown token kind %q", raw)
	}
	return k, nil
}

// AuthToken is a persisted bearer token. Rows are soft-invalidated, never deleted.
type AuthToken struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	Value     string     `db:"value" json:"-"`
	Kind      TokenKind  `db:"kind" json:"kind"`
	Revoked   bool       `db:"revoked" json:"revoked"`
	Expired   bool       `db:"expired" json:"expired"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// Active reports whether the token can still authenticate at now.
func (t *AuthToken) Active(now time.Time) bool {
	return t != nil && !t.Revoked && !t.Expired && now.Before(t.ExpiresAt)
}

// ConfirmationPurpose is the closed set of confirmation token purposes.
type ConfirmationPurpose string

const (
	PurposeActivation    ConfirmationPurpose = "ACTIVATION"
	PurposeResetPassword ConfirmationPurpose = "RESET_PASSWORD"
)

// Valid reports whether p is a known purpose.
func (p ConfirmationPurpose) Valid() bool {
	switch p {
	case PurposeActivation, PurposeResetPassword:
		return true
	default:
		return false
	}
}

// ConfirmationToken is a single-use code proving control of an email address.
type ConfirmationToken struct {
	ID          string              `db:"id" json:"id"`
	UserID      string              `db:"user_id" json:"user_id"`
	Value       string              `db:"value" json:"-"`
	Purpose     ConfirmationPurpose `db:"purpose" json:"purpose"`
	CreatedAt   time.Time           `db:"created_at" json:"created_at"`
	ExpiresAt   time.Time           `db:"expires_at" json:"expires_at"`
	ConfirmedAt *time.Time          `db:"confirmed_at" json:"confirmed_at,omitempty"`
}

// Confirmed reports whether the token has been consumed.
func (t *ConfirmationToken) Confirmed() bool {
	return t.ConfirmedAt != nil
}

// Pending reports whether the token is unconsumed and unexpired at now.
func (t *ConfirmationToken) Pending(now time.Time) bool {
	return t != nil && t.ConfirmedAt == nil && now.Before(t.ExpiresAt)
}
