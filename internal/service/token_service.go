package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/storefront-api/internal/models"
	appErrors "github.com/noah-isme/storefront-api/pkg/errors"
	"github.com/noah-isme/storefront-api/pkg/signer"
)

// Claim names embedded in every bearer token next to the registered ones.
const (
	claimUserID = "uid"
	claimKind   = "typ"
)

type authTokenStore interface {
	Save(ctx context.Context, exec sqlx.ExtContext, token *models.AuthToken) error
	FindByValue(ctx context.Context, exec sqlx.ExtContext, value string) (*models.AuthToken, error)
	FindAllActiveForUser(ctx context.Context, userID string, kind models.TokenKind, now time.Time) ([]models.AuthToken, error)
	ExistsActive(ctx context.Context, exec sqlx.ExtContext, userID string, kind models.TokenKind, now time.Time) (bool, error)
	RevokeAllActive(ctx context.Context, exec sqlx.ExtContext, userID string, at time.Time) (int64, error)
	ExpireStaleForUser(ctx context.Context, exec sqlx.ExtContext, userID string, kind models.TokenKind, now time.Time) (int64, error)
}

type tokenUserDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.User, error)
}

type txRunner interface {
	WithinTx(ctx context.Context, fn func(exec sqlx.ExtContext) error) error
}

type tokenSigner interface {
	Sign(subject string, extra map[string]any, ttl time.Duration) (string, error)
	Parse(token string) (*signer.Claims, error)
}

// TokenConfig holds the bearer token lifetimes.
type TokenConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// IssuedToken is a freshly minted bearer token.
type IssuedToken struct {
	Value     string
	Kind      models.TokenKind
	ExpiresAt time.Time
}

// TokenPair is the result of a successful login.
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}

// TokenService issues, validates, refreshes and revokes bearer tokens.
type TokenService struct {
	tokens  authTokenStore
	users   tokenUserDirectory
	tx      txRunner
	signer  tokenSigner
	config  TokenConfig
	clock   Clock
	metrics *MetricsService
	logger  *zap.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(tokens authTokenStore, users tokenUserDirectory, tx txRunner, signer tokenSigner, config TokenConfig, metrics *MetricsService, logger *zap.Logger) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		tokens:  tokens,
		users:   users,
		tx:      tx,
		signer:  signer,
		config:  config,
		clock:   SystemClock(),
		metrics: metrics,
		logger:  logger,
	}
}

// AccessTTL reports the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration {
	return s.config.AccessTTL
}

// GenerateAuthTokens mints and persists an access and a refresh token.
// Tokens the user already holds stay active.
func (s *TokenService) GenerateAuthTokens(ctx context.Context, user *models.User) (*TokenPair, error) {
	if user == nil {
		return nil, appErrors.Clone(appErrors.ErrUserNotFound, "")
	}

	var pair TokenPair
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		now := s.clock.Now()
		access, err := s.issue(ctx, exec, user, models.TokenKindAccess, now)
		if err != nil {
			return err
		}
		refresh, err := s.issue(ctx, exec, user, models.TokenKindRefresh, now)
		if err != nil {
			return err
		}
		pair = TokenPair{Access: *access, Refresh: *refresh}
		return nil
	})
	if err != nil {
		return nil, s.internal(err, "failed to issue tokens")
	}

	s.metrics.recordTokenIssued(string(models.TokenKindAccess))
	s.metrics.recordTokenIssued(string(models.TokenKindRefresh))
	return &pair, nil
}

// IsAuthTokenValid reports whether value is a live token of kind. It never
// returns an error; every failure reads as invalid.
func (s *TokenService) IsAuthTokenValid(ctx context.Context, value string, kind models.TokenKind) bool {
	_, _, ok := s.validate(ctx, nil, value, kind)
	return ok
}

// Authenticate validates an access token and returns the identity it carries.
func (s *TokenService) Authenticate(ctx context.Context, value string) (*models.TokenClaims, bool) {
	row, claims, ok := s.validate(ctx, nil, value, models.TokenKindAccess)
	if !ok {
		return nil, false
	}
	return &models.TokenClaims{
		UserID:    row.UserID,
		Email:     claims.Subject,
		Kind:      row.Kind,
		ExpiresAt: claims.ExpiresAt,
	}, true
}

func (s *TokenService) validate(ctx context.Context, exec sqlx.ExtContext, value string, kind models.TokenKind) (*models.AuthToken, *signer.Claims, bool) {
	outcome := outcomeValid
	defer func() { s.metrics.recordTokenValidation(string(kind), outcome) }()

	if value == "" {
		outcome = outcomeNotFound
		return nil, nil, false
	}

	row, err := s.tokens.FindByValue(ctx, exec, value)
	if err != nil {
		outcome = outcomeNotFound
		if !errors.Is(err, sql.ErrNoRows) {
			outcome = outcomeStoreError
			s.logger.Warn("auth token lookup failed", zap.Error(err))
		}
		return nil, nil, false
	}
	if row.Kind != kind {
		outcome = outcomeKindMismatch
		return nil, nil, false
	}

	now := s.clock.Now()
	if !row.Active(now) {
		outcome = outcomeInactive
		return nil, nil, false
	}

	claims, err := s.signer.Parse(value)
	if err != nil {
		outcome = outcomeBadSignature
		return nil, nil, false
	}
	if claims.Expired(now) {
		outcome = outcomeExpired
		return nil, nil, false
	}
	if claimed, err := claimedKind(claims); err != nil || claimed != kind {
		outcome = outcomeKindMismatch
		return nil, nil, false
	}

	user, err := s.users.FindByID(ctx, row.UserID)
	if err != nil {
		outcome = outcomeSubjectMismatch
		if !errors.Is(err, sql.ErrNoRows) {
			outcome = outcomeStoreError
			s.logger.Warn("token owner lookup failed", zap.String("user_id", row.UserID), zap.Error(err))
		}
		return nil, nil, false
	}
	if claims.Subject != user.Email {
		outcome = outcomeSubjectMismatch
		return nil, nil, false
	}

	return row, claims, true
}

// claimedKind reads the kind a token was minted as. Tokens without one are rejected.
func claimedKind(claims *signer.Claims) (models.TokenKind, error) {
	raw, ok := claims.Get(claimKind)
	if !ok {
		return "", fmt.Errorf("token has no %s claim", claimKind)
	}
	str, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s claim is not a string", claimKind)
	}
	return models.ParseTokenKind(str)
}

// RefreshAccessToken mints one new access token from a valid refresh token.
// The refresh token stays active. It fails with ErrInvalidToken when the
// refresh token is not valid and with ErrTokenAlreadyExists while the owner
// still holds an active access token.
func (s *TokenService) RefreshAccessToken(ctx context.Context, refreshValue string) (*IssuedToken, error) {
	row, _, ok := s.validate(ctx, nil, refreshValue, models.TokenKindRefresh)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "refresh token is invalid, expired or revoked")
	}

	var issued *IssuedToken
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		user, err := s.users.LockByID(ctx, exec, row.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrInvalidToken, "refresh token owner no longer exists")
			}
			return err
		}

		// A logout may have committed between the validity check and the lock.
		if _, _, ok := s.validate(ctx, exec, refreshValue, models.TokenKindRefresh); !ok {
			return appErrors.Clone(appErrors.ErrInvalidToken, "refresh token is invalid, expired or revoked")
		}

		now := s.clock.Now()
		if _, err := s.tokens.ExpireStaleForUser(ctx, exec, user.ID, models.TokenKindAccess, now); err != nil {
			return err
		}
		exists, err := s.tokens.ExistsActive(ctx, exec, user.ID, models.TokenKindAccess, now)
		if err != nil {
			return err
		}
		if exists {
			return appErrors.Clone(appErrors.ErrTokenAlreadyExists, "an active access token already exists for this user")
		}

		issued, err = s.issue(ctx, exec, user, models.TokenKindAccess, now)
		return err
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrTokenAlreadyExists) {
			s.metrics.recordRefreshConflict()
		}
		return nil, s.internal(err, "failed to refresh access token")
	}

	s.metrics.recordTokenIssued(string(models.TokenKindAccess))
	return issued, nil
}

// RevokeAllUserAuthTokens revokes every active token of the user, both
// kinds. Revoking an already revoked set is a no-op.
func (s *TokenService) RevokeAllUserAuthTokens(ctx context.Context, user *models.User) error {
	if user == nil {
		return appErrors.Clone(appErrors.ErrUserNotFound, "")
	}
	err := s.tx.WithinTx(ctx, func(exec sqlx.ExtContext) error {
		if _, err := s.users.LockByID(ctx, exec, user.ID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrUserNotFound, "")
			}
			return err
		}
		return s.RevokeAllUserAuthTokensWithTx(ctx, exec, user)
	})
	if err != nil {
		return s.internal(err, "failed to revoke tokens")
	}
	return nil
}

// RevokeAllUserAuthTokensWithTx revokes inside a transaction the caller owns.
func (s *TokenService) RevokeAllUserAuthTokensWithTx(ctx context.Context, exec sqlx.ExtContext, user *models.User) error {
	if user == nil {
		return appErrors.Clone(appErrors.ErrUserNotFound, "")
	}
	n, err := s.tokens.RevokeAllActive(ctx, exec, user.ID, s.clock.Now())
	if err != nil {
		return err
	}
	s.metrics.recordTokensRevoked(n)
	s.logger.Info("auth tokens revoked", zap.String("user_id", user.ID), zap.Int64("count", n))
	return nil
}

// ActiveTokens lists the user's active tokens of kind.
func (s *TokenService) ActiveTokens(ctx context.Context, userID string, kind models.TokenKind) ([]models.AuthToken, error) {
	tokens, err := s.tokens.FindAllActiveForUser(ctx, userID, kind, s.clock.Now())
	if err != nil {
		return nil, s.internal(err, "failed to list tokens")
	}
	return tokens, nil
}

// ExtractUsername returns the subject of a token. Parse failures are
// returned, not swallowed.
func (s *TokenService) ExtractUsername(value string) (string, error) {
	claims, err := s.ExtractClaims(value)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ExtractClaims parses a token without consulting the store.
func (s *TokenService) ExtractClaims(value string) (*signer.Claims, error) {
	claims, err := s.signer.Parse(value)
	if err != nil {
		if errors.Is(err, signer.ErrInvalidSignature) {
			return nil, appErrors.Wrap(err, appErrors.ErrInvalidSignature.Code, appErrors.ErrInvalidSignature.Status, appErrors.ErrInvalidSignature.Message)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrMalformedToken.Code, appErrors.ErrMalformedToken.Status, appErrors.ErrMalformedToken.Message)
	}
	return claims, nil
}

// ExtractClaim returns one named claim of a token.
func (s *TokenService) ExtractClaim(value, name string) (any, error) {
	claims, err := s.ExtractClaims(value)
	if err != nil {
		return nil, err
	}
	switch name {
	case "sub":
		return claims.Subject, nil
	case "exp":
		return claims.ExpiresAt, nil
	case "iat":
		return claims.IssuedAt, nil
	case "jti":
		return claims.ID, nil
	case "iss":
		return claims.Issuer, nil
	}
	v, ok := claims.Get(name)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrMalformedToken, fmt.Sprintf("token has no %q claim", name))
	}
	return v, nil
}

func (s *TokenService) issue(ctx context.Context, exec sqlx.ExtContext, user *models.User, kind models.TokenKind, now time.Time) (*IssuedToken, error) {
	ttl := s.config.AccessTTL
	if kind == models.TokenKindRefresh {
		ttl = s.config.RefreshTTL
	}

	value, err := s.signer.Sign(user.Email, map[string]any{
		claimUserID: user.ID,
		claimKind:   string(kind),
	}, ttl)
	if err != nil {
		return nil, fmt.Errorf("sign %s token: %w", kind, err)
	}

	row := &models.AuthToken{
		UserID:    user.ID,
		Value:     value,
		Kind:      kind,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.tokens.Save(ctx, exec, row); err != nil {
		return nil, fmt.Errorf("save %s token: %w", kind, err)
	}

	return &IssuedToken{Value: value, Kind: kind, ExpiresAt: row.ExpiresAt}, nil
}

// internal passes typed errors through and wraps everything else.
func (s *TokenService) internal(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	s.logger.Error(message, zap.Error(err))
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
