package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/storefront-api/internal/models"
)

type notificationQueue interface {
	Enqueue(ctx context.Context, msg *models.Notification) error
}

// NotificationService hands confirmation codes to the mail worker.
type NotificationService struct {
	queue   notificationQueue
	enabled bool
	clock   Clock
	logger  *zap.Logger
}

// NewNotificationService constructs the sender. When disabled, deliveries are
// only noted in the debug log and the code itself is dropped.
func NewNotificationService(queue notificationQueue, enabled bool, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{queue: queue, enabled: enabled, clock: SystemClock(), logger: logger}
}

// Send queues one confirmation email. Failures are returned, never retried.
func (s *NotificationService) Send(ctx context.Context, recipient, token string, purpose models.ConfirmationPurpose) error {
	if !s.enabled {
		s.logger.Debug("notification delivery disabled",
			zap.String("recipient", recipient),
			zap.String("purpose", string(purpose)),
		)
		return nil
	}
	if s.queue == nil {
		return fmt.Errorf("notification queue is not configured")
	}

	msg := &models.Notification{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Token:     token,
		Purpose:   purpose,
		CreatedAt: s.clock.Now(),
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s notification: %w", purpose, err)
	}
	return nil
}
