package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/delivery"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/services"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// Submitter re-sends one submission. *delivery.Pipeline implements it.
type Submitter interface {
	SubmitOne(ctx context.Context, id uuid.UUID) (delivery.Result, error)
}

// Drainer re-attempts queued submissions.
type Drainer struct {
	queue       *Queue
	submitter   Submitter
	submissions store.SubmissionStore
	notifier    services.Notifier
	audit       *store.Auditor
	ttl         time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

type DrainerOption func(*Drainer)

// WithEntryTTL drops entries first queued longer than ttl ago. Zero keeps entries forever.
func WithEntryTTL(ttl time.Duration) DrainerOption {
	return func(d *Drainer) { d.ttl = ttl }
}

func WithDrainAuditor(a *store.Auditor) DrainerOption {
	return func(d *Drainer) { d.audit = a }
}

func WithDrainClock(now func() time.Time) DrainerOption {
	return func(d *Drainer) { d.now = now }
}

func NewDrainer(q *Queue, submitter Submitter, submissions store.SubmissionStore, notifier services.Notifier, logger *slog.Logger, opts ...DrainerOption) *Drainer {
	d := &Drainer{
		queue:       q,
		submitter:   submitter,
		submissions: submissions,
		notifier:    notifier,
		logger:      logger.With(slog.String("component", "drain")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DrainReport counts what happened to the processed entries.
type DrainReport struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Rejected  int `json:"rejected"`
	Requeued  int `json:"requeued"`

	// Dropped entries were refused before sending (inactive buyer, invalid document, already
	// resolved) and removed from the queue.
	Dropped int `json:"dropped"`

	// Expired entries outlived the entry TTL.
	Expired int `json:"expired"`

	// Failed entries hit a local error and stay queued unchanged.
	Failed int `json:"failed"`

	Remaining int      `json:"remaining"`
	Errors    []string `json:"errors,omitempty"`
}

// Drain re-sends up to maxBatch entries, least recently attempted first with ties broken by queue
// time. This is not queue-age order: an old entry that failed on the last run goes behind newer
// entries that have waited longer since their last attempt, so a persistently failing head cannot
// take the whole batch every run. Accepted and rejected submissions leave the queue (the pipeline
// removes them), transient failures stay with an advanced counter.
func (d *Drainer) Drain(ctx context.Context, maxBatch int) (DrainReport, error) {
	var report DrainReport
	if maxBatch <= 0 {
		maxBatch = DefaultBatchSize
	}

	entries, err := d.queue.List(ctx, maxBatch)
	if err != nil {
		return report, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++

		if d.expired(entry) {
			d.expire(ctx, entry, &report)
			continue
		}

		res, err := d.submitter.SubmitOne(ctx, entry.SubmissionID)
		if err != nil {
			d.handleError(ctx, entry, err, &report)
			continue
		}

		switch res.Outcome {
		case delivery.OutcomeAccepted:
			report.Sent++
		case delivery.OutcomeRejected:
			report.Rejected++
		case delivery.OutcomeQueued:
			report.Requeued++
		}
	}

	if remaining, err := d.queue.List(ctx, 0); err == nil {
		report.Remaining = len(remaining)
	}

	if report.Processed > 0 {
		d.logger.Info("retry queue drained",
			slog.Int("processed", report.Processed),
			slog.Int("sent", report.Sent),
			slog.Int("rejected", report.Rejected),
			slog.Int("requeued", report.Requeued),
			slog.Int("dropped", report.Dropped),
			slog.Int("expired", report.Expired),
			slog.Int("remaining", report.Remaining),
		)
	}
	return report, nil
}

func (d *Drainer) expired(entry store.PendingSend) bool {
	return d.ttl > 0 && d.now().Sub(entry.QueuedAt) > d.ttl
}

// expire gives up on an entry: the submission records why and the alert sink is told.
func (d *Drainer) expire(ctx context.Context, entry store.PendingSend, report *DrainReport) {
	id := entry.SubmissionID
	if err := d.queue.Remove(ctx, id); err != nil {
		report.Failed++
		report.Errors = append(report.Errors, err.Error())
		return
	}
	report.Expired++

	message := fmt.Sprintf("gave up after %d attempts over %s: %s",
		entry.AttemptCount, d.ttl, entry.LastError)
	if err := d.submissions.SetSubmissionError(ctx, id, message); err != nil {
		d.logger.Warn("failed to record expiry", slog.String("submission_id", id.String()), slog.String("error", err.Error()))
	}
	d.audit.Record(ctx, store.AuditQueueExpired, id.String(), false, map[string]any{
		"attempt_count": entry.AttemptCount,
		"queued_at":     entry.QueuedAt.UTC().Format(time.RFC3339),
		"last_error":    entry.LastError,
	})
	d.logger.Warn("queue entry expired",
		slog.String("submission_id", id.String()),
		slog.Int("attempt_count", entry.AttemptCount),
	)

	if d.notifier == nil {
		return
	}
	number := ""
	if sub, err := d.submissions.GetSubmission(ctx, id); err == nil {
		number = sub.Invoice.Number
	}
	if err := d.notifier.NotifyRejection(ctx, services.Rejection{
		SubmissionID:   id.String(),
		DocumentNumber: number,
		Message:        message,
	}); err != nil {
		d.logger.Warn("expiry alert failed", slog.String("submission_id", id.String()), slog.String("error", err.Error()))
	}
}

// handleError drops entries the pipeline refused for good and keeps the rest.
func (d *Drainer) handleError(ctx context.Context, entry store.PendingSend, err error, report *DrainReport) {
	id := entry.SubmissionID
	report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))

	if !terminal(err) {
		report.Failed++
		d.logger.Warn("queue entry kept after local error",
			slog.String("submission_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if rmErr := d.queue.Remove(ctx, id); rmErr != nil {
		report.Failed++
		return
	}
	report.Dropped++
	d.logger.Info("queue entry dropped",
		slog.String("submission_id", id.String()),
		slog.String("reason", err.Error()),
	)
}

func terminal(err error) bool {
	var ksefErr *ksef.Error
	if !errors.As(err, &ksefErr) {
		return ksef.IsCode(err, ksef.ErrCodeValidation)
	}
	switch ksefErr.Code() {
	case ksef.ErrCodeValidation, ksef.ErrCodeInactiveBuyer, ksef.ErrCodePrecondition, ksef.ErrCodeNotFound:
		return true
	default:
		return false
	}
}
