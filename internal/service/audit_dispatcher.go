package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/storefront-api/internal/models"
	"github.com/noah-isme/storefront-api/pkg/jobs"
)

const auditWriteTimeout = 5 * time.Second

// AuditDispatcher writes audit entries from a worker pool so a slow audit
// table never delays login or logout responses.
type AuditDispatcher struct {
	queue *jobs.Queue[*models.AuditLog]
}

// NewAuditDispatcher wraps store with a queue of the given worker count.
func NewAuditDispatcher(store AuditWriter, workers int, logger *zap.Logger) *AuditDispatcher {
	handler := func(ctx context.Context, entry *models.AuditLog) error {
		writeCtx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
		defer cancel()
		return store.Create(writeCtx, entry)
	}
	return &AuditDispatcher{
		queue: jobs.New[*models.AuditLog]("audit", handler, jobs.Config{
			Workers:    workers,
			MaxRetries: 3,
			RetryDelay: time.Second,
			Logger:     logger,
		}),
	}
}

// Start launches the workers.
func (d *AuditDispatcher) Start(ctx context.Context) { d.queue.Start(ctx) }

// Stop flushes buffered entries and waits for the workers.
func (d *AuditDispatcher) Stop() { d.queue.Stop() }

// Create enqueues entry. The request context is not carried over.
func (d *AuditDispatcher) Create(_ context.Context, entry *models.AuditLog) error {
	return d.queue.Enqueue(entry)
}
