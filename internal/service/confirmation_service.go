package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/storefront-api/internal/models"
	appErrors "github.com/noah-isme/storefront-api/pkg/errors"
)

// DefaultConfirmationTTL is how long an activation or reset code stays usable.
const DefaultConfirmationTTL = 15 * time.Minute

const confirmationTokenBytes = 32

type confirmationTokenStore interface {
	Save(ctx context.Context, exec sqlx.ExtContext, token *models.ConfirmationToken) error
	FindByValue(ctx context.Context, value string) (*models.ConfirmationToken, error)
	IsNoActiveConfirmationToken(ctx context.Context, exec sqlx.ExtContext, userID string, purpose models.ConfirmationPurpose, now time.Time) (bool, error)
	MarkConfirmed(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error
}

type confirmationUserDirectory interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.User, error)
	Save(ctx context.Context, exec sqlx.ExtContext, user *models.User) error
}

type passwordHasher interface {
	Hash(plain string) (string, error)
	Matches(plain, digest string) bool
}

type authTokenRevoker interface {
	RevokeAllUserAuthTokensWithTx(ctx context.Context, exec sqlx.ExtContext, user *models.User) error
}

type notificationSender interface {
	Send(ctx context.Context, recipient, token string, purpose models.ConfirmationPurpose) error
}

// ConfirmationService runs the activation and password reset flows.
type ConfirmationService struct {
	tokens   confirmationTokenStore
	users    confirmationUserDirectory
	tx       txRunner
	hasher   passwordHasher
	revoker  authTokenRevoker
	notifier notificationSender
	ttl      time.Duration
	clock    Clock
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewConfirmationService constructs a ConfirmationService. A non-positive
// ttl falls back to DefaultConfirmationTTL.
func NewConfirmationService(
	tokens confirmationTokenStore,
	users confirmationUserDirectory,
	tx txRunner,
	hasher passwordHasher,
	revoker authTokenRevoker,
	notifier notificationSender,
	ttl time.Duration,
	metrics *MetricsService,
	logger *zap.Logger,
) *ConfirmationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	return &ConfirmationService{
		tokens:   tokens,
		users:    users,
		tx:       tx,
		hasher:   hasher,
		revoker:  revoker,
		notifier: notifier,
		ttl:      ttl,
		clock:    SystemClock(),
		metrics:  metrics,
		logger:   logger,
	}
}

// CreateConfirmationToken mints a single-use code for the user with the
// given email. At most one pending code per user and purpose is allowed.
func (s *ConfirmationService) CreateConfirmationToken(ctx context.Context, username string, purpose models.ConfirmationPurpose) (*models.ConfirmationToken, error) {
	if !purpose.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown confirmation purpose %q", purpose))
	}

	user, err := s.users.FindByEmail(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUserNotFound, "")
		}
		return nil, s.internal(err, "failed to load user")
	}

	var token *models.ConfirmationToken
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		locked, err := s.users.LockByID(ctx, exec, user.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrUserNotFound, "")
			}
			return err
		}
		if purpose == models.PurposeActivation && locked.Enabled {
			return appErrors.Clone(appErrors.ErrAccountAlreadyActivated, "")
		}

		now := s.clock.Now()
		none, err := s.tokens.IsNoActiveConfirmationToken(ctx, exec, user.ID, purpose, now)
		if err != nil {
			return err
		}
		if !none {
			return appErrors.Clone(appErrors.ErrTokenAlreadyExists, "a pending confirmation token already exists")
		}

		value, err := newConfirmationValue()
		if err != nil {
			return err
		}
		token = &models.ConfirmationToken{
			UserID:    user.ID,
			Value:     value,
			Purpose:   purpose,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		return s.tokens.Save(ctx, exec, token)
	})
	if err != nil {
		return nil, s.internal(err, "failed to create confirmation token")
	}

	s.metrics.recordConfirmationCreated(string(purpose))
	return token, nil
}

// RequestConfirmation creates a code and hands it to the notification
// sender. A delivery failure is reported as ErrNotificationFailed; the code
// stays persisted.
func (s *ConfirmationService) RequestConfirmation(ctx context.Context, email string, purpose models.ConfirmationPurpose) (*models.ConfirmationToken, error) {
	token, err := s.CreateConfirmationToken(ctx, email, purpose)
	if err != nil {
		return nil, err
	}
	if err := s.notifier.Send(ctx, email, token.Value, purpose); err != nil {
		s.metrics.recordNotificationFailure(string(purpose))
		s.logger.Error("confirmation notification failed",
			zap.String("user_id", token.UserID),
			zap.String("purpose", string(purpose)),
			zap.Error(err),
		)
		return nil, appErrors.Wrap(err, appErrors.ErrNotificationFailed.Code, appErrors.ErrNotificationFailed.Status, appErrors.ErrNotificationFailed.Message)
	}
	return token, nil
}

// IsConfirmationTokenInvalid reports true when the code is unknown, was
// issued for another purpose, was already used or has expired. It never
// returns an error.
func (s *ConfirmationService) IsConfirmationTokenInvalid(ctx context.Context, value string, purpose models.ConfirmationPurpose) bool {
	if value == "" {
		return true
	}
	token, err := s.tokens.FindByValue(ctx, value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("confirmation token lookup failed", zap.Error(err))
		}
		return true
	}
	return token.Purpose != purpose || !token.Pending(s.clock.Now())
}

// ActivateAccountUsingActivationToken consumes an activation code and
// enables its owner. Callers gate on IsConfirmationTokenInvalid first.
func (s *ConfirmationService) ActivateAccountUsingActivationToken(ctx context.Context, value string) (*models.User, error) {
	token, err := s.consumable(ctx, value, models.PurposeActivation)
	if err != nil {
		return nil, err
	}

	var user *models.User
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		user, err = s.lockOwner(ctx, exec, token)
		if err != nil {
			return err
		}
		if err := s.confirm(ctx, exec, token); err != nil {
			return err
		}
		user.Enabled = true
		return s.users.Save(ctx, exec, user)
	})
	if err != nil {
		return nil, s.internal(err, "failed to activate account")
	}

	s.metrics.recordConfirmationConsumed(string(models.PurposeActivation))
	s.logger.Info("account activated", zap.String("user_id", user.ID))
	return user, nil
}

// ChangePasswordUsingResetToken consumes a reset code, stores the new
// password and revokes every auth token of the owner, all in one
// transaction. Reusing the current password fails with ErrInvalidPassword.
func (s *ConfirmationService) ChangePasswordUsingResetToken(ctx context.Context, value, newPassword string) (*models.User, error) {
	token, err := s.consumable(ctx, value, models.PurposeResetPassword)
	if err != nil {
		return nil, err
	}

	var user *models.User
	err = s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		var err error
		user, err = s.lockOwner(ctx, exec, token)
		if err != nil {
			return err
		}
		if s.hasher.Matches(newPassword, user.PasswordHash) {
			return appErrors.Clone(appErrors.ErrInvalidPassword, "")
		}
		if err := s.confirm(ctx, exec, token); err != nil {
			return err
		}
		digest, err := s.hasher.Hash(newPassword)
		if err != nil {
			return err
		}
		user.PasswordHash = digest
		if err := s.users.Save(ctx, exec, user); err != nil {
			return err
		}
		return s.revoker.RevokeAllUserAuthTokensWithTx(ctx, exec, user)
	})
	if err != nil {
		return nil, s.internal(err, "failed to reset password")
	}

	s.metrics.recordConfirmationConsumed(string(models.PurposeResetPassword))
	s.logger.Info("password reset", zap.String("user_id", user.ID))
	return user, nil
}

func (s *ConfirmationService) consumable(ctx context.Context, value string, purpose models.ConfirmationPurpose) (*models.ConfirmationToken, error) {
	token, err := s.tokens.FindByValue(ctx, value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrTokenNotFound, "")
		}
		return nil, s.internal(err, "failed to load confirmation token")
	}
	if token.Purpose != purpose || !token.Pending(s.clock.Now()) {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "confirmation token is invalid, used or expired")
	}
	return token, nil
}

func (s *ConfirmationService) lockOwner(ctx context.Context, exec sqlx.ExtContext, token *models.ConfirmationToken) (*models.User, error) {
	user, err := s.users.LockByID(ctx, exec, token.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUserNotFound, "")
		}
		return nil, err
	}
	return user, nil
}

// confirm sets confirmed_at; a concurrent consumer makes it fail.
func (s *ConfirmationService) confirm(ctx context.Context, exec sqlx.ExtContext, token *models.ConfirmationToken) error {
	now := s.clock.Now()
	if err := s.tokens.MarkConfirmed(ctx, exec, token.ID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidToken, "confirmation token was already used")
		}
		return err
	}
	token.ConfirmedAt = &now
	return nil
}

func (s *ConfirmationService) internal(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	s.logger.Error(message, zap.Error(err))
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func newConfirmationValue() (string, error) {
	buf := make([]byte, confirmationTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate confirmation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
