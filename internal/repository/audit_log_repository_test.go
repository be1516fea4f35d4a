package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-api/internal/models"
)

func TestAuditLogCreate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuditLogRepository(db)

	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(1, 1))

	uid := "u1"
	entry := &models.AuditLog{UserID: &uid, Action: models.AuditActionLogin, Resource: models.AuditResourceSession}
	require.NoError(t, repo.Create(context.Background(), entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditLogListByUserClampsLimit(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewAuditLogRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_logs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2")).
		WithArgs("u1", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "action", "resource", "resource_id", "old_values", "new_values", "ip_address", "user_agent", "created_at"}).
			AddRow("a1", "u1", "LOGIN", "session", nil, nil, nil, "127.0.0.1", "curl", now))

	logs, err := repo.ListByUser(context.Background(), "u1", 500)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
