package models

import "time"

// RegisterRequest creates a disabled account awaiting activation.
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	FullName  string `json:"full_name" validate:"max=120"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	User             UserInfo  `json:"user"`
	ActivationSentAt time.Time `json:"activation_sent_at"`
}

// EmailRequest carries a bare email for resend and forgot flows.
type EmailRequest struct {
	Email     string `json:"email" validate:"required,email"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// ActivateRequest consumes an activation token.
type ActivateRequest struct {
	Token     string `json:"token" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse returns the issued tokens and user info.
type LoginResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	User         UserInfo  `json:"user"`
	IssuedAt     time.Time `json:"issued_at"`
}

// RefreshTokenRequest exchanges a refresh token for a new access token.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// RefreshTokenResponse returns the new access token. The refresh token is unchanged.
type RefreshTokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}

// ChangePasswordRequest payload for updating password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=72"`
}

// ConfirmResetPasswordRequest completes reset flow.
type ConfirmResetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=72"`
	IP          string `json:"-"`
	UserAgent   string `json:"-"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Enabled  bool   `json:"enabled"`
}

// NewUserInfo projects a user into its public shape.
func NewUserInfo(u *User) UserInfo {
	return UserInfo{ID: u.ID, Email: u.Email, FullName: u.FullName, Enabled: u.Enabled}
}

// TokenClaims is the verified identity the auth middleware stores on a request.
type TokenClaims struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Kind      TokenKind `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RequestMeta carries client details recorded in the audit trail.
type RequestMeta struct {
	IP        string
	UserAgent string
}
