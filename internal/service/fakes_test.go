package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/storefront-api/internal/models"
	appErrors "github.com/noah-isme/storefront-api/pkg/errors"
	"github.com/noah-isme/storefront-api/pkg/signer"
)

const testSigningKey = "storefront-test-key-0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// callTrace records store calls in order across all fakes of one env.
type callTrace struct {
	mu     sync.Mutex
	events []string
}

func (c *callTrace) record(event string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *callTrace) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func (c *callTrace) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

// requireOrder fails unless want appears in events as an ordered subsequence.
func requireOrder(t *testing.T, events []string, want ...string) {
	t.Helper()
	next := 0
	for _, e := range events {
		if next < len(want) && e == want[next] {
			next++
		}
	}
	require.Equalf(t, len(want), next, "expected %v in order, got %v", want, events)
}

// fakeExec stands in for a transaction handle. Row locks taken through it
// are released when the owning fakeTx finishes.
type fakeExec struct {
	sqlx.ExtContext
	held map[string]*sync.Mutex
}

func (e *fakeExec) release() {
	for _, mu := range e.held {
		mu.Unlock()
	}
}

type fakeTx struct {
	mu    sync.Mutex
	calls int
	trace *callTrace
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(exec sqlx.ExtContext) error) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	exec := &fakeExec{held: map[string]*sync.Mutex{}}
	defer exec.release()
	f.trace.record("tx_begin")
	err := fn(exec)
	f.trace.record("tx_end")
	return err
}

type memUsers struct {
	mu        sync.Mutex
	byID      map[string]models.User
	lastLogin map[string]time.Time
	rowLocks  map[string]*sync.Mutex
	trace     *callTrace
	// onLock runs once the row lock is held, before the row is read.
	onLock func(id string)
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]models.User{}, lastLogin: map[string]time.Time{}, rowLocks: map[string]*sync.Mutex{}}
}

func (m *memUsers) rowLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.rowLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.rowLocks[id] = mu
	}
	return mu
}

func (m *memUsers) add(u models.User) *models.User {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.byID[u.ID] = u
	m.mu.Unlock()
	return &u
}

func (m *memUsers) get(id string) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

func (m *memUsers) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			found := u
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &u, nil
}

// LockByID blocks while another fake transaction holds the row, like SELECT ... FOR UPDATE.
func (m *memUsers) LockByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.User, error) {
	if tx, ok := exec.(*fakeExec); ok {
		if _, held := tx.held[id]; !held {
			mu := m.rowLock(id)
			mu.Lock()
			tx.held[id] = mu
		}
	}
	m.trace.record("lock_user")
	if m.onLock != nil {
		m.onLock(id)
	}
	return m.FindByID(ctx, id)
}

func (m *memUsers) Create(ctx context.Context, user *models.User) error {
	if _, err := m.FindByEmail(ctx, user.Email); err == nil {
		return appErrors.Clone(appErrors.ErrEmailTaken, "")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	m.add(*user)
	return nil
}

func (m *memUsers) Save(ctx context.Context, exec sqlx.ExtContext, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[user.ID]; !ok {
		return sql.ErrNoRows
	}
	m.byID[user.ID] = *user
	return nil
}

func (m *memUsers) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLogin[id] = ts
	return nil
}

type memAuthTokens struct {
	mu      sync.Mutex
	rows    []*models.AuthToken
	findErr error
	trace   *callTrace
}

func (m *memAuthTokens) Save(ctx context.Context, exec sqlx.ExtContext, token *models.AuthToken) error {
	m.trace.record("save_" + string(token.Kind))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Value == token.Value {
			return appErrors.Clone(appErrors.ErrConflict, "duplicate token value")
		}
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	row := *token
	m.rows = append(m.rows, &row)
	return nil
}

func (m *memAuthTokens) FindByValue(ctx context.Context, exec sqlx.ExtContext, value string) (*models.AuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, r := range m.rows {
		if r.Value == value {
			found := *r
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memAuthTokens) FindAllActiveForUser(ctx context.Context, userID string, kind models.TokenKind, now time.Time) ([]models.AuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuthToken
	for _, r := range m.rows {
		if r.UserID == userID && r.Kind == kind && r.Active(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memAuthTokens) ExistsActive(ctx context.Context, exec sqlx.ExtContext, userID string, kind models.TokenKind, now time.Time) (bool, error) {
	m.trace.record("exists_active_" + string(kind))
	active, _ := m.FindAllActiveForUser(ctx, userID, kind, now)
	return len(active) > 0, nil
}

func (m *memAuthTokens) RevokeAllActive(ctx context.Context, exec sqlx.ExtContext, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.UserID == userID && !r.Revoked && !r.Expired {
			r.Revoked = true
			r.Expired = true
			ts := at
			r.RevokedAt = &ts
			n++
		}
	}
	return n, nil
}

func (m *memAuthTokens) ExpireStaleForUser(ctx context.Context, exec sqlx.ExtContext, userID string, kind models.TokenKind, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.UserID == userID && r.Kind == kind && !r.Expired && !now.Before(r.ExpiresAt) {
			r.Expired = true
			n++
		}
	}
	return n, nil
}

func (m *memAuthTokens) byValue(value string) *models.AuthToken {
	found, _ := m.FindByValue(context.Background(), nil, value)
	return found
}

type memConfirmations struct {
	mu    sync.Mutex
	rows  []*models.ConfirmationToken
	trace *callTrace
}

func (m *memConfirmations) Save(ctx context.Context, exec sqlx.ExtContext, token *models.ConfirmationToken) error {
	m.trace.record("save_confirmation")
	m.mu.Lock()
	defer m.mu.Unlock()
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	row := *token
	m.rows = append(m.rows, &row)
	return nil
}

func (m *memConfirmations) FindByValue(ctx context.Context, value string) (*models.ConfirmationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Value == value {
			found := *r
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memConfirmations) IsNoActiveConfirmationToken(ctx context.Context, exec sqlx.ExtContext, userID string, purpose models.ConfirmationPurpose, now time.Time) (bool, error) {
	m.trace.record("check_pending_confirmation")
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.UserID == userID && r.Purpose == purpose && r.Pending(now) {
			return false, nil
		}
	}
	return true, nil
}

func (m *memConfirmations) MarkConfirmed(ctx context.Context, exec sqlx.ExtContext, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == id && r.ConfirmedAt == nil {
			ts := at
			r.ConfirmedAt = &ts
			return nil
		}
	}
	return sql.ErrNoRows
}

type sentNotification struct {
	recipient string
	token     string
	purpose   models.ConfirmationPurpose
}

type fakeNotifier struct {
	sent []sentNotification
	err  error
}

func (f *fakeNotifier) Send(ctx context.Context, recipient, token string, purpose models.ConfirmationPurpose) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNotification{recipient: recipient, token: token, purpose: purpose})
	return nil
}

func (f *fakeNotifier) last() sentNotification {
	if len(f.sent) == 0 {
		return sentNotification{}
	}
	return f.sent[len(f.sent)-1]
}

type memAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLog
	err     error
}

func (m *memAudit) Create(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, log)
	return nil
}

func (m *memAudit) ListByUser(ctx context.Context, userID string, limit int) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []models.AuditLog
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.UserID != nil && *e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

var testTokenConfig = TokenConfig{AccessTTL: 15 * time.Minute, RefreshTTL: 7 * 24 * time.Hour}

type testEnv struct {
	trace         *callTrace
	clock         *fakeClock
	tx            *fakeTx
	users         *memUsers
	authTokens    *memAuthTokens
	confirmations *memConfirmations
	notifier      *fakeNotifier
	audit         *memAudit
	hasher        *BcryptHasher
	metrics       *MetricsService
	signer        *signer.Signer
	tokenSvc      *TokenService
	confirmSvc    *ConfirmationService
	authSvc       *AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock()
	s, err := signer.New(signer.Config{Key: []byte(testSigningKey), Issuer: "storefront-test"})
	require.NoError(t, err)
	s = s.WithClock(clock.Now)

	trace := &callTrace{}
	users := newMemUsers()
	users.trace = trace

	env := &testEnv{
		trace:         trace,
		clock:         clock,
		tx:            &fakeTx{trace: trace},
		users:         users,
		authTokens:    &memAuthTokens{trace: trace},
		confirmations: &memConfirmations{trace: trace},
		notifier:      &fakeNotifier{},
		audit:         &memAudit{},
		hasher:        NewBcryptHasher(bcrypt.MinCost),
		metrics:       NewMetricsService(),
		signer:        s,
	}

	env.tokenSvc = NewTokenService(env.authTokens, env.users, env.tx, s, testTokenConfig, env.metrics, nil)
	env.tokenSvc.clock = clock

	env.confirmSvc = NewConfirmationService(env.confirmations, env.users, env.tx, env.hasher, env.tokenSvc, env.notifier, 0, env.metrics, nil)
	env.confirmSvc.clock = clock

	env.authSvc = NewAuthService(env.users, env.audit, env.audit, env.tokenSvc, env.confirmSvc, env.hasher, env.tx, validator.New(), nil)
	env.authSvc.clock = clock

	return env
}

func (e *testEnv) addUser(t *testing.T, email, password string, enabled bool) *models.User {
	t.Helper()
	digest, err := e.hasher.Hash(password)
	require.NoError(t, err)
	return e.users.add(models.User{Email: email, PasswordHash: digest, Enabled: enabled})
}
