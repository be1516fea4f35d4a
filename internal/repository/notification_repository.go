package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/storefront-api/internal/models"
)

// ErrQueueUnavailable is returned when no Redis client was configured.
var ErrQueueUnavailable = errors.New("notification queue unavailable")

type listPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// NotificationRepository appends outbox messages to a Redis list that the
// mail worker drains.
type NotificationRepository struct {
	client listPusher
	queue  string
}

// NewNotificationRepository constructs the repository. A nil client leaves
// the outbox unavailable.
func NewNotificationRepository(client *redis.Client, queue string) *NotificationRepository {
	repo := &NotificationRepository{queue: queue}
	if client != nil {
		repo.client = client
	}
	return repo
}

// Enqueue pushes one notification onto the outbox list.
func (r *NotificationRepository) Enqueue(ctx context.Context, msg *models.Notification) error {
	if r.client == nil {
		return ErrQueueUnavailable
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := r.client.RPush(ctx, r.queue, payload).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", r.queue, err)
	}
	return nil
}
