// Package signer mints and verifies HS256 bearer tokens.
package signer

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinKeyLength is the smallest accepted HMAC key, in bytes.
const MinKeyLength = 32

var (
	ErrMissingKey       = errors.New("signer: signing key is missing or shorter than 32 bytes")
	ErrInvalidSignature = errors.New("signer: invalid token signature")
	ErrMalformed        = errors.New("signer: malformed token")
)

// reserved claims cannot be overridden through extra claims.
var reserved = map[string]struct{}{
	"sub": {}, "iat": {}, "exp": {}, "jti": {}, "iss": {},
}

// Config is the immutable signer configuration.
type Config struct {
	Key    []byte
	Issuer string
}

// Claims is the decoded payload of a token.
type Claims struct {
	Subject   string
	ID        string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Extra     map[string]any
}

// Expired reports whether the embedded expiration has passed at now.
func (c *Claims) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Get returns an extra claim by name.
func (c *Claims) Get(name string) (any, bool) {
	v, ok := c.Extra[name]
	return v, ok
}

// Signer is safe for concurrent use.
type Signer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// New validates the configuration and returns a Signer.
func New(cfg Config) (*Signer, error) {
	if len(cfg.Key) < MinKeyLength {
		return nil, ErrMissingKey
	}
	key := make([]byte, len(cfg.Key))
	copy(key, cfg.Key)
	return &Signer{key: key, issuer: cfg.Issuer, now: time.Now}, nil
}

// WithClock returns a copy of the signer reading time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	clone := *s
	clone.now = now
	return &clone
}

// Sign creates a token for subject that expires ttl from now.
func (s *Signer) Sign(subject string, extra map[string]any, ttl time.Duration) (string, error) {
	if s == nil || len(s.key) < MinKeyLength {
		return "", ErrMissingKey
	}
	if ttl < 0 {
		ttl = 0
	}

	issuedAt := s.now()
	claims := jwt.MapClaims{}
	for k, v := range extra {
		if _, ok := reserved[k]; ok {
			continue
		}
		claims[k] = v
	}
	claims["sub"] = subject
	claims["jti"] = uuid.NewString()
	claims["iat"] = issuedAt.Unix()
	claims["exp"] = issuedAt.Add(ttl).Unix()
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and decodes the claims. An expired token
// parses successfully; freshness is checked by the caller.
func (s *Signer) Parse(token string) (*Claims, error) {
	if s == nil || len(s.key) < MinKeyLength {
		return nil, ErrMissingKey
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithoutClaimsValidation(), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformed
	}

	return decode(mc)
}

func decode(mc jwt.MapClaims) (*Claims, error) {
	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformed)
	}
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing expiration", ErrMalformed)
	}

	claims := &Claims{
		Subject:   sub,
		ExpiresAt: exp.Time,
		Extra:     map[string]any{},
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if iss, err := mc.GetIssuer(); err == nil {
		claims.Issuer = iss
	}
	if jti, ok := mc["jti"].(string); ok {
		claims.ID = jti
	}
	for k, v := range mc {
		if _, ok := reserved[k]; ok {
			continue
		}
		claims.Extra[k] = v
	}
	return claims, nil
}
