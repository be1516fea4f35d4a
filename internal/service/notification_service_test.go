package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/storefront-api/internal/models"
)

type recordingQueue struct {
	msgs []*models.Notification
	err  error
}

func (q *recordingQueue) Enqueue(ctx context.Context, msg *models.Notification) error {
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

func TestNotificationServiceEnqueues(t *testing.T) {
	queue := &recordingQueue{}
	svc := NewNotificationService(queue, true, nil)

	require.NoError(t, svc.Send(context.Background(), "alice@example.com", "code", models.PurposeResetPassword))
	require.Len(t, queue.msgs, 1)
	assert.NotEmpty(t, queue.msgs[0].ID)
	assert.Equal(t, "code", queue.msgs[0].Token)
	assert.Equal(t, models.PurposeResetPassword, queue.msgs[0].Purpose)
}

func TestNotificationServiceQueueFailure(t *testing.T) {
	down := errors.New("redis down")
	svc := NewNotificationService(&recordingQueue{err: down}, true, nil)

	err := svc.Send(context.Background(), "alice@example.com", "code", models.PurposeActivation)
	assert.ErrorIs(t, err, down)

	svc = NewNotificationService(nil, true, nil)
	assert.Error(t, svc.Send(context.Background(), "alice@example.com", "code", models.PurposeActivation))
}

func TestNotificationServiceDisabledOnlyLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	queue := &recordingQueue{}
	svc := NewNotificationService(queue, false, zap.New(core))

	const code = "s3cret-confirmation-code"
	require.NoError(t, svc.Send(context.Background(), "alice@example.com", code, models.PurposeActivation))
	assert.Empty(t, queue.msgs)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "alice@example.com", fields["recipient"])
	for key, value := range fields {
		assert.NotContains(t, fmt.Sprint(value), code, "field %s leaks the confirmation code", key)
	}
}

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(0)
	assert.Equal(t, 10, h.cost)

	h = NewBcryptHasher(4)
	digest, err := h.Hash("correct-horse")
	require.NoError(t, err)
	assert.True(t, h.Matches("correct-horse", digest))
	assert.False(t, h.Matches("wrong-horse", digest))
	assert.False(t, h.Matches("correct-horse", "not-a-hash"))
}
