package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-api/internal/models"
	appErrors "github.com/noah-isme/storefront-api/pkg/errors"
)

func TestRegisterActivateLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.authSvc.Register(ctx, models.RegisterRequest{Email: "alice@example.com", Password: "correct-horse", FullName: "Alice"})
	require.NoError(t, err)
	assert.False(t, reg.User.Enabled)

	_, err = env.authSvc.Login(ctx, models.LoginRequest{Email: "alice@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, appErrors.ErrInactiveAccount)

	activation := env.notifier.last()
	require.Equal(t, models.PurposeActivation, activation.purpose)

	info, err := env.authSvc.Activate(ctx, models.ActivateRequest{Token: activation.token})
	require.NoError(t, err)
	assert.True(t, info.Enabled)

	_, err = env.authSvc.Activate(ctx, models.ActivateRequest{Token: activation.token})
	assert.ErrorIs(t, err, appErrors.ErrInvalidToken)

	login, err := env.authSvc.Login(ctx, models.LoginRequest{Email: "alice@example.com", Password: "correct-horse", IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", login.TokenType)
	assert.EqualValues(t, testTokenConfig.AccessTTL.Seconds(), login.ExpiresIn)
	assert.Contains(t, env.users.lastLogin, reg.User.ID)

	me, err := env.authSvc.Me(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", me.Email)

	assert.Equal(t, []string{models.AuditActionRegister, models.AuditActionActivate, models.AuditActionLogin}, env.audit.actions())
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice@example.com", "correct-horse", true)

	_, err := env.authSvc.Register(context.Background(), models.RegisterRequest{Email: "alice@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, appErrors.ErrEmailTaken)
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.authSvc.Register(context.Background(), models.RegisterRequest{Email: "not-an-email", Password: "short"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addUser(t, "alice@example.com", "correct-horse", true)
	locked := env.addUser(t, "mallory@example.com", "correct-horse", true)
	locked.Locked = true
	require.NoError(t, env.users.Save(ctx, nil, locked))

	_, err := env.authSvc.Login(ctx, models.LoginRequest{Email: "ghost@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidCredentials)

	_, err = env.authSvc.Login(ctx, models.LoginRequest{Email: "alice@example.com", Password: "wrong-horse"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
	assert.Equal(t, []string{models.AuditActionLoginFailed}, env.audit.actions())

	_, err = env.authSvc.Login(ctx, models.LoginRequest{Email: "mallory@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, appErrors.ErrLockedAccount)
	assert.Empty(t, env.authTokens.rows)
}

func TestLoginSurvivesAuditFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice@example.com", "correct-horse", true)
	env.audit.err = errors.New("audit table locked")

	_, err := env.authSvc.Login(context.Background(), models.LoginRequest{Email: "alice@example.com", Password: "correct-horse"})
	assert.NoError(t, err)
}

func TestRefreshAndLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "alice@example.com", "correct-horse", true)

	login, err := env.authSvc.Login(ctx, models.LoginRequest{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	_, err = env.authSvc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	assert.ErrorIs(t, err, appErrors.ErrTokenAlreadyExists)

	env.clock.Advance(testTokenConfig.AccessTTL)
	refreshed, err := env.authSvc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
	assert.EqualValues(t, testTokenConfig.AccessTTL.Seconds(), refreshed.ExpiresIn)

	require.NoError(t, env.authSvc.Logout(ctx, user.ID, models.RequestMeta{IP: "10.0.0.1"}))
	assert.False(t, env.tokenSvc.IsAuthTokenValid(ctx, refreshed.AccessToken, models.TokenKindAccess))

	_, err = env.authSvc.Refresh(ctx, models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	assert.ErrorIs(t, err, appErrors.ErrInvalidToken)

	assert.ErrorIs(t, env.authSvc.Logout(ctx, "ghost", models.RequestMeta{}), appErrors.ErrUserNotFound)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "alice@example.com", "correct-horse", true)

	login, err := env.authSvc.Login(ctx, models.LoginRequest{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	err = env.authSvc.ChangePassword(ctx, user.ID, models.ChangePasswordRequest{OldPassword: "wrong-horse", NewPassword: "battery-staple"}, models.RequestMeta{})
	assert.ErrorIs(t, err, appErrors.ErrInvalidCredentials)

	err = env.authSvc.ChangePassword(ctx, user.ID, models.ChangePasswordRequest{OldPassword: "correct-horse", NewPassword: "correct-horse"}, models.RequestMeta{})
	assert.ErrorIs(t, err, appErrors.ErrInvalidPassword)
	assert.True(t, env.tokenSvc.IsAuthTokenValid(ctx, login.AccessToken, models.TokenKindAccess))

	err = env.authSvc.ChangePassword(ctx, user.ID, models.ChangePasswordRequest{OldPassword: "correct-horse", NewPassword: "battery-staple"}, models.RequestMeta{})
	require.NoError(t, err)
	assert.False(t, env.tokenSvc.IsAuthTokenValid(ctx, login.AccessToken, models.TokenKindAccess))
	assert.False(t, env.tokenSvc.IsAuthTokenValid(ctx, login.RefreshToken, models.TokenKindRefresh))

	_, err = env.authSvc.Login(ctx, models.LoginRequest{Email: "alice@example.com", Password: "battery-staple"})
	assert.NoError(t, err)
}

func TestForgotAndResetPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addUser(t, "alice@example.com", "correct-horse", true)

	require.NoError(t, env.authSvc.ForgotPassword(ctx, models.EmailRequest{Email: "ghost@example.com"}))
	assert.Empty(t, env.notifier.sent)

	require.NoError(t, env.authSvc.ForgotPassword(ctx, models.EmailRequest{Email: "alice@example.com"}))
	require.NoError(t, env.authSvc.ForgotPassword(ctx, models.EmailRequest{Email: "alice@example.com"}))
	require.Len(t, env.notifier.sent, 1)
	reset := env.notifier.last()
	assert.Equal(t, models.PurposeResetPassword, reset.purpose)

	err := env.authSvc.ResetPassword(ctx, models.ConfirmResetPasswordRequest{Token: "bogus", NewPassword: "battery-staple"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidToken)

	require.NoError(t, env.authSvc.ResetPassword(ctx, models.ConfirmResetPasswordRequest{Token: reset.token, NewPassword: "battery-staple"}))

	err = env.authSvc.ResetPassword(ctx, models.ConfirmResetPasswordRequest{Token: reset.token, NewPassword: "another-staple"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidToken)

	_, err = env.authSvc.Login(ctx, models.LoginRequest{Email: "alice@example.com", Password: "battery-staple"})
	assert.NoError(t, err)
}

func TestForgotPasswordSurfacesNotificationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice@example.com", "correct-horse", true)
	env.notifier.err = errors.New("queue down")

	err := env.authSvc.ForgotPassword(context.Background(), models.EmailRequest{Email: "alice@example.com"})
	assert.ErrorIs(t, err, appErrors.ErrNotificationFailed)
}

func TestResendActivationAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.authSvc.Register(ctx, models.RegisterRequest{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	err = env.authSvc.ResendActivation(ctx, models.EmailRequest{Email: "alice@example.com"})
	assert.ErrorIs(t, err, appErrors.ErrTokenAlreadyExists)

	env.clock.Advance(16 * time.Minute)
	require.NoError(t, env.authSvc.ResendActivation(ctx, models.EmailRequest{Email: "alice@example.com"}))
	assert.Len(t, env.notifier.sent, 2)
}

func TestActivityListsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "alice@example.com", "correct-horse", true)
	env.addUser(t, "bob@example.com", "correct-horse", true)

	_, err := env.authSvc.Login(ctx, models.LoginRequest{Email: "alice@example.com", Password: "correct-horse", IP: "10.0.0.1"})
	require.NoError(t, err)
	_, err = env.authSvc.Login(ctx, models.LoginRequest{Email: "bob@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	require.NoError(t, env.authSvc.Logout(ctx, user.ID, models.RequestMeta{IP: "10.0.0.2"}))

	entries, err := env.authSvc.Activity(ctx, user.ID, 20)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditActionLogout, entries[0].Action)
	assert.Equal(t, "10.0.0.2", entries[0].IPAddress)
	assert.Equal(t, models.AuditActionLogin, entries[1].Action)

	env.audit.err = errors.New("connection reset")
	_, err = env.authSvc.Activity(ctx, user.ID, 20)
	assert.ErrorIs(t, err, appErrors.ErrInternal)
}
