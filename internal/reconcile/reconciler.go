// Package reconcile follows submissions after they were accepted for processing: it polls the
// authority verdict, maps it onto the canonical statuses and downloads the official receipt (UPO).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/services"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// Sessions hands out authority sessions. *session.Manager implements it.
type Sessions interface {
	GetOrCreateValidSession(ctx context.Context, tenant string) (*store.Session, error)
	Discard(ctx context.Context, s *store.Session)
}

// Authority is the read side of the gateway. *ksef.Client implements it.
type Authority interface {
	InvoiceStatus(ctx context.Context, sessionToken, referenceNumber string) (ksef.InvoiceStatusResponse, *ksef.Envelope)
	InvoiceUpo(ctx context.Context, sessionToken, uid string) (ksef.Upo, *ksef.Envelope)
}

type Reconciler struct {
	sessions    Sessions
	authority   Authority
	submissions store.SubmissionStore
	notifier    services.Notifier
	archive     Archive
	audit       *store.Auditor
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Reconciler)

// WithArchive keeps downloaded receipts in a.
func WithArchive(a Archive) Option {
	return func(r *Reconciler) { r.archive = a }
}

func WithAuditor(a *store.Auditor) Option {
	return func(r *Reconciler) { r.audit = a }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(sessions Sessions, authority Authority, submissions store.SubmissionStore, notifier services.Notifier, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		sessions:    sessions,
		authority:   authority,
		submissions: submissions,
		notifier:    notifier,
		logger:      logger.With(slog.String("component", "reconcile")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Archive returns the configured receipt archive, nil when receipts are not archived.
func (r *Reconciler) Archive() Archive {
	return r.archive
}

// StatusResult is the outcome of one status refresh.
type StatusResult struct {
	SubmissionID uuid.UUID              `json:"submission_id"`
	Status       store.SubmissionStatus `json:"status"`
	KsefUID      string                 `json:"ksef_uid,omitempty"`
	RawStatus    string                 `json:"raw_status,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// RefreshStatus polls the authority verdict of a sent submission. Submissions that already
// reached ACCEPTED or REJECTED are returned as stored without a call.
func (r *Reconciler) RefreshStatus(ctx context.Context, id uuid.UUID) (StatusResult, error) {
	sub, err := r.load(ctx, id)
	if err != nil {
		return StatusResult{SubmissionID: id}, err
	}
	res := StatusResult{SubmissionID: id, Status: sub.Status, KsefUID: sub.KsefUID}

	if sub.ReferenceNumber == "" {
		return res, ksef.NewPreconditionError("submission has no reference number, send it first")
	}
	if sub.Status.Final() {
		return res, nil
	}

	s, err := r.sessions.GetOrCreateValidSession(ctx, sub.Tenant)
	if err != nil {
		return res, err
	}

	resp, env := r.authority.InvoiceStatus(ctx, s.Token, sub.ReferenceNumber)
	r.audit.Record(ctx, store.AuditInvoiceStatus, id.String(), env.OK, map[string]any{
		"reference": sub.ReferenceNumber,
		"status":    env.Status,
		"raw":       resp.Status,
	})
	if !env.OK {
		if env.AuthFailure() {
			r.sessions.Discard(ctx, s)
		}
		return res, env.Err()
	}

	res.RawStatus = resp.Status
	status, ok := MapStatus(resp.Status)
	if !ok {
		r.logger.Debug("authority returned no status yet",
			slog.String("submission_id", id.String()),
			slog.String("reference", sub.ReferenceNumber),
		)
		return res, nil
	}

	message := resp.ErrorMessage
	if status == store.StatusRejected && message == "" {
		message = resp.Status
	}
	if err := r.submissions.UpdateStatus(ctx, id, status, resp.UUID, message); err != nil {
		return res, ksef.WrapInternalError(err, "failed to record status")
	}

	res.Status = status
	res.Message = message
	if resp.UUID != "" {
		res.KsefUID = resp.UUID
	}

	if status != sub.Status {
		r.logger.Info("submission status changed",
			slog.String("submission_id", id.String()),
			slog.String("from", string(sub.Status)),
			slog.String("to", string(status)),
		)
	}
	if status == store.StatusRejected {
		r.notify(ctx, sub, message)
	}
	return res, nil
}

// PollReport summarizes one polling run.
type PollReport struct {
	Checked  int      `json:"checked"`
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Pending  int      `json:"pending"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// PollPending refreshes up to limit unresolved submissions sent within window, oldest first.
func (r *Reconciler) PollPending(ctx context.Context, window time.Duration, limit int) (PollReport, error) {
	var report PollReport

	subs, err := r.submissions.ListSubmissionsForPolling(ctx, r.now().Add(-window).UTC(), limit)
	if err != nil {
		return report, ksef.WrapInternalError(err, "failed to list submissions for polling")
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		res, err := r.RefreshStatus(ctx, sub.ID)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sub.ID, err))
			continue
		}
		switch res.Status {
		case store.StatusAccepted:
			report.Accepted++
		case store.StatusRejected:
			report.Rejected++
		default:
			report.Pending++
		}
	}

	if report.Checked > 0 {
		r.logger.Info("status poll finished",
			slog.Int("checked", report.Checked),
			slog.Int("accepted", report.Accepted),
			slog.Int("rejected", report.Rejected),
			slog.Int("pending", report.Pending),
			slog.Int("failed", report.Failed),
		)
	}
	return report, nil
}

func (r *Reconciler) load(ctx context.Context, id uuid.UUID) (*store.Submission, error) {
	sub, err := r.submissions.GetSubmission(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ksef.NewNotFoundError(fmt.Sprintf("submission %s not found", id))
	}
	if err != nil {
		return nil, ksef.WrapInternalError(err, "failed to load submission")
	}
	return sub, nil
}

func (r *Reconciler) notify(ctx context.Context, sub *store.Submission, message string) {
	if r.notifier == nil {
		return
	}
	err := r.notifier.NotifyRejection(ctx, services.Rejection{
		SubmissionID:   sub.ID.String(),
		DocumentNumber: sub.Invoice.Number,
		Message:        message,
	})
	if err != nil {
		r.logger.Warn("rejection alert failed",
			slog.String("submission_id", sub.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
