// Package queue is the durable retry queue for submissions that failed transiently, and the
// drain job that re-sends them.
//
// There is one entry per submission: enqueueing again increments the attempt counter and
// replaces the last error. The drain job is idempotent and is driven by an external scheduler.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// DefaultBatchSize is the number of entries a drain processes when the caller sets no limit.
const DefaultBatchSize = 20

type Queue struct {
	store  store.QueueStore
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func NewQueue(s store.QueueStore, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:  s,
		logger: logger.With(slog.String("component", "queue")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue creates the entry for submissionID with attempt count 1, or increments the count and
// replaces the error and timestamp of an existing one.
func (q *Queue) Enqueue(ctx context.Context, submissionID uuid.UUID, errText string) (*store.PendingSend, error) {
	entry, err := q.store.UpsertPendingSend(ctx, submissionID, errText, q.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", submissionID, err)
	}
	q.logger.Debug("submission enqueued",
		slog.String("submission_id", submissionID.String()),
		slog.Int("attempt_count", entry.AttemptCount),
	)
	return entry, nil
}

// Remove deletes the entry of submissionID. Removing a missing entry is not an error.
func (q *Queue) Remove(ctx context.Context, submissionID uuid.UUID) error {
	if err := q.store.DeletePendingSend(ctx, submissionID); err != nil {
		return fmt.Errorf("failed to remove %s from queue: %w", submissionID, err)
	}
	return nil
}

// List returns up to limit entries in drain order (0 means all).
func (q *Queue) List(ctx context.Context, limit int) ([]store.PendingSend, error) {
	entries, err := q.store.ListPendingSends(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return entries, nil
}
