package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/storefront-api/internal/models"
	appErrors "github.com/noah-isme/storefront-api/pkg/errors"
)

const bearerTokenType = "Bearer"

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Save(ctx context.Context, exec sqlx.ExtContext, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
}

// AuditWriter persists audit entries.
type AuditWriter interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

type auditLogReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]models.AuditLog, error)
}

// AuthService provides the account and session use cases exposed over HTTP.
type AuthService struct {
	users         authUserRepository
	audit         AuditWriter
	history       auditLogReader
	tokens        *TokenService
	confirmations *ConfirmationService
	hasher        passwordHasher
	tx            txRunner
	validator     *validator.Validate
	clock         Clock
	logger        *zap.Logger
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(
	users authUserRepository,
	audit AuditWriter,
	history auditLogReader,
	tokens *TokenService,
	confirmations *ConfirmationService,
	hasher passwordHasher,
	tx txRunner,
	validate *validator.Validate,
	logger *zap.Logger,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{
		users:         users,
		audit:         audit,
		history:       history,
		tokens:        tokens,
		confirmations: confirmations,
		hasher:        hasher,
		tx:            tx,
		validator:     validate,
		clock:         SystemClock(),
		logger:        logger,
	}
}

// Register creates a disabled account and sends its activation code.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	digest, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Email:        req.Email,
		PasswordHash: digest,
		FullName:     req.FullName,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, appErrors.ErrEmailTaken) {
			return nil, appErrors.FromError(err)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.record(ctx, user.ID, models.AuditActionRegister, models.AuditResourceUser, models.RequestMeta{IP: req.IP, UserAgent: req.UserAgent})

	if _, err := s.confirmations.RequestConfirmation(ctx, user.Email, models.PurposeActivation); err != nil {
		return nil, err
	}

	return &models.RegisterResponse{
		User:             models.NewUserInfo(user),
		ActivationSentAt: s.clock.Now(),
	}, nil
}

// ResendActivation sends a new activation code once the previous one expired.
func (s *AuthService) ResendActivation(ctx context.Context, req models.EmailRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid resend payload")
	}
	_, err := s.confirmations.RequestConfirmation(ctx, req.Email, models.PurposeActivation)
	return err
}

// Activate consumes an activation code.
func (s *AuthService) Activate(ctx context.Context, req models.ActivateRequest) (*models.UserInfo, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid activation payload")
	}
	if s.confirmations.IsConfirmationTokenInvalid(ctx, req.Token, models.PurposeActivation) {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "activation token is invalid, used or expired")
	}

	user, err := s.confirmations.ActivateAccountUsingActivationToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	s.record(ctx, user.ID, models.AuditActionActivate, models.AuditResourceUser, models.RequestMeta{IP: req.IP, UserAgent: req.UserAgent})
	info := models.NewUserInfo(user)
	return &info, nil
}

// Login authenticates a user and returns issued tokens.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}
	meta := models.RequestMeta{IP: req.IP, UserAgent: req.UserAgent}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !s.hasher.Matches(req.Password, user.PasswordHash) {
		s.record(ctx, user.ID, models.AuditActionLoginFailed, models.AuditResourceSession, meta)
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}
	if user.Locked {
		return nil, appErrors.Clone(appErrors.ErrLockedAccount, "")
	}
	if !user.Enabled {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}

	pair, err := s.tokens.GenerateAuthTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}
	s.record(ctx, user.ID, models.AuditActionLogin, models.AuditResourceSession, meta)

	return &models.LoginResponse{
		AccessToken:  pair.Access.Value,
		RefreshToken: pair.Refresh.Value,
		TokenType:    bearerTokenType,
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
		User:         models.NewUserInfo(user),
		IssuedAt:     now,
	}, nil
}

// Refresh exchanges a refresh token for a new access token.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.RefreshTokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	issued, err := s.tokens.RefreshAccessToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}

	if uid, err := s.tokens.ExtractClaim(issued.Value, claimUserID); err == nil {
		if id, ok := uid.(string); ok {
			s.record(ctx, id, models.AuditActionRefresh, models.AuditResourceSession, models.RequestMeta{IP: req.IP, UserAgent: req.UserAgent})
		}
	}

	now := s.clock.Now()
	return &models.RefreshTokenResponse{
		AccessToken: issued.Value,
		TokenType:   bearerTokenType,
		ExpiresIn:   int64(issued.ExpiresAt.Sub(now).Seconds()),
		IssuedAt:    now,
	}, nil
}

// Logout revokes every token of the user, on all devices.
func (s *AuthService) Logout(ctx context.Context, userID string, meta models.RequestMeta) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.tokens.RevokeAllUserAuthTokens(ctx, user); err != nil {
		return err
	}
	s.record(ctx, user.ID, models.AuditActionLogout, models.AuditResourceSession, meta)
	return nil
}

// ChangePassword replaces the password of a signed-in user and revokes all
// of their tokens in the same transaction.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest, meta models.RequestMeta) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		user, err := s.users.LockByID(ctx, exec, userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrUserNotFound, "")
			}
			return err
		}
		if !s.hasher.Matches(req.OldPassword, user.PasswordHash) {
			return appErrors.Clone(appErrors.ErrInvalidCredentials, "old password does not match")
		}
		if s.hasher.Matches(req.NewPassword, user.PasswordHash) {
			return appErrors.Clone(appErrors.ErrInvalidPassword, "")
		}
		digest, err := s.hasher.Hash(req.NewPassword)
		if err != nil {
			return err
		}
		user.PasswordHash = digest
		if err := s.users.Save(ctx, exec, user); err != nil {
			return err
		}
		return s.tokens.RevokeAllUserAuthTokensWithTx(ctx, exec, user)
	})
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return appErr
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to change password")
	}

	s.record(ctx, userID, models.AuditActionPasswordChange, models.AuditResourceUser, meta)
	return nil
}

// ForgotPassword sends a reset code. Unknown emails and repeated requests
// get the same answer as a successful one.
func (s *AuthService) ForgotPassword(ctx context.Context, req models.EmailRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid forgot password payload")
	}

	token, err := s.confirmations.RequestConfirmation(ctx, req.Email, models.PurposeResetPassword)
	switch {
	case err == nil:
		s.record(ctx, token.UserID, models.AuditActionPasswordForgot, models.AuditResourceUser, models.RequestMeta{IP: req.IP, UserAgent: req.UserAgent})
		return nil
	case errors.Is(err, appErrors.ErrUserNotFound), errors.Is(err, appErrors.ErrTokenAlreadyExists):
		s.logger.Info("password reset request ignored", zap.String("reason", appErrors.FromError(err).Code))
		return nil
	default:
		return err
	}
}

// ResetPassword consumes a reset code and sets the new password.
func (s *AuthService) ResetPassword(ctx context.Context, req models.ConfirmResetPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reset password payload")
	}
	if s.confirmations.IsConfirmationTokenInvalid(ctx, req.Token, models.PurposeResetPassword) {
		return appErrors.Clone(appErrors.ErrInvalidToken, "reset token is invalid, used or expired")
	}

	user, err := s.confirmations.ChangePasswordUsingResetToken(ctx, req.Token, req.NewPassword)
	if err != nil {
		return err
	}

	s.record(ctx, user.ID, models.AuditActionPasswordReset, models.AuditResourceUser, models.RequestMeta{IP: req.IP, UserAgent: req.UserAgent})
	return nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	info := models.NewUserInfo(user)
	return &info, nil
}

// Activity returns the user's most recent audit entries, newest first.
func (s *AuthService) Activity(ctx context.Context, userID string, limit int) ([]models.ActivityEntry, error) {
	if s.history == nil {
		return []models.ActivityEntry{}, nil
	}
	logs, err := s.history.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity")
	}
	entries := make([]models.ActivityEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, models.NewActivityEntry(l))
	}
	return entries, nil
}

func (s *AuthService) loadUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUserNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// record writes an audit entry. Failures are logged, never returned.
func (s *AuthService) record(ctx context.Context, userID, action, resource string, meta models.RequestMeta) {
	if s.audit == nil {
		return
	}
	uid := userID
	if err := s.audit.Create(ctx, &models.AuditLog{
		UserID:     &uid,
		Action:     action,
		Resource:   resource,
		ResourceID: &uid,
		NewValues:  []byte(fmt.Sprintf(`{"action":%q}`, action)),
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}
