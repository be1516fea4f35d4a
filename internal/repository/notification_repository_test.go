package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-api/internal/models"
)

type stubPusher struct {
	key    string
	values []interface{}
	err    error
}

func (s *stubPusher) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	s.key = key
	s.values = values
	if s.err != nil {
		cmd := redis.NewIntCmd(ctx)
		cmd.SetErr(s.err)
		return cmd
	}
	return redis.NewIntResult(int64(len(values)), nil)
}

func TestNotificationEnqueue(t *testing.T) {
	pusher := &stubPusher{}
	repo := &NotificationRepository{client: pusher, queue: "storefront:notifications"}

	msg := &models.Notification{ID: "n1", Recipient: "alice@example.com", Token: "code", Purpose: models.PurposeActivation}
	require.NoError(t, repo.Enqueue(context.Background(), msg))

	assert.Equal(t, "storefront:notifications", pusher.key)
	require.Len(t, pusher.values, 1)
	var decoded models.Notification
	require.NoError(t, json.Unmarshal(pusher.values[0].([]byte), &decoded))
	assert.Equal(t, "alice@example.com", decoded.Recipient)
	assert.Equal(t, models.PurposeActivation, decoded.Purpose)
}

func TestNotificationEnqueueErrors(t *testing.T) {
	repo := NewNotificationRepository(nil, "q")
	assert.ErrorIs(t, repo.Enqueue(context.Background(), &models.Notification{}), ErrQueueUnavailable)

	down := errors.New("connection refused")
	repo = &NotificationRepository{client: &stubPusher{err: down}, queue: "q"}
	assert.ErrorIs(t, repo.Enqueue(context.Background(), &models.Notification{}), down)
}
