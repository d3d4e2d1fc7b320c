// Package delivery sends rendered invoices to the authority and records the outcome.
//
// Each send is classified into one of three outcomes:
//
//   - accepted for processing: the reference number is stored and the submission is PENDING
//   - queued: the authority was unreachable or answered 5xx; the submission is in the retry queue
//   - rejected: the authority answered 4xx; the parsed message is stored and an alert is sent
//
// Pre-flight failures (inactive buyer NIP, invalid document, already sent) are returned as
// errors and never reach the network.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
	"github.com/information-sharing-networks/ksef-gateway/internal/invoice"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/services"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

// Sessions hands out authority sessions.
type Sessions interface {
	GetOrCreateValidSession(ctx context.Context, tenant string) (*store.Session, error)
	Discard(ctx context.Context, s *store.Session)
}

// Sender submits a document with a session token. *ksef.Client implements it.
type Sender interface {
	SendInvoice(ctx context.Context, sessionToken string, document []byte) (ksef.SendInvoiceResponse, *ksef.Envelope)
}

// Enqueuer is the retry queue as seen by the pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, submissionID uuid.UUID, errText string) (*store.PendingSend, error)
	Remove(ctx context.Context, submissionID uuid.UUID) error
}

// Renderer produces the document payload of an invoice.
type Renderer interface {
	Render(inv invoice.Invoice) ([]byte, error)
}

// Outcome is the classification of a single send.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED_FOR_PROCESSING"
	OutcomeQueued   Outcome = "QUEUED"
	OutcomeRejected Outcome = "REJECTED"
)

// Result describes what happened to one submission.
type Result struct {
	SubmissionID    uuid.UUID `json:"submission_id"`
	Outcome         Outcome   `json:"outcome"`
	ReferenceNumber string    `json:"reference_number,omitempty"`
	Error           string    `json:"error,omitempty"`

	// Attempts is the number of HTTP attempts of the final send call.
	Attempts int `json:"attempts,omitempty"`
}

// Pipeline validates, sends and classifies submissions.
type Pipeline struct {
	sessions    Sessions
	sender      Sender
	registry    services.TaxpayerRegistry
	renderer    Renderer
	submissions store.SubmissionStore
	batches     store.BatchStore
	queue       Enqueuer
	notifier    services.Notifier
	audit       *store.Auditor
	logger      *slog.Logger
	now         func() time.Time
	reauth      reauthBudget
}

type Option func(*Pipeline)

func WithAuditor(a *store.Auditor) Option {
	return func(p *Pipeline) { p.audit = a }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Sessions    Sessions
	Sender      Sender
	Registry    services.TaxpayerRegistry
	Renderer    Renderer
	Submissions store.SubmissionStore
	Batches     store.BatchStore
	Queue       Enqueuer
	Notifier    services.Notifier
}

func NewPipeline(deps Deps, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		sessions:    deps.Sessions,
		sender:      deps.Sender,
		registry:    deps.Registry,
		renderer:    deps.Renderer,
		submissions: deps.Submissions,
		batches:     deps.Batches,
		queue:       deps.Queue,
		notifier:    deps.Notifier,
		logger:      logger.With(slog.String("component", "delivery")),
		now:         time.Now,
		reauth:      singleReauth,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate checks the structure of a rendered document.
func (p *Pipeline) Validate(document []byte) error {
	if err := invoice.Validate(document); err != nil {
		return ksef.WrapValidationError(err, "document failed validation")
	}
	return nil
}

// SubmitOne runs the buyer gate, freezes and validates the document and sends it.
func (p *Pipeline) SubmitOne(ctx context.Context, id uuid.UUID) (Result, error) {
	sub, err := p.load(ctx, id)
	if err != nil {
		return Result{SubmissionID: id}, err
	}
	if err := p.checkBuyer(ctx, sub); err != nil {
		return Result{SubmissionID: id}, err
	}
	document, err := p.prepare(ctx, sub)
	if err != nil {
		return Result{SubmissionID: id}, err
	}

	s, err := p.sessions.GetOrCreateValidSession(ctx, sub.Tenant)
	if err != nil {
		return p.enqueue(ctx, sub, fmt.Sprintf("no session: %v", err))
	}

	res, _, err := p.deliver(ctx, sub, document, s)
	return res, err
}

// load fetches a submission that has not been sent or rejected yet.
func (p *Pipeline) load(ctx context.Context, id uuid.UUID) (*store.Submission, error) {
	sub, err := p.submissions.GetSubmission(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ksef.NewNotFoundError(fmt.Sprintf("submission %s not found", id))
	}
	if err != nil {
		return nil, ksef.WrapInternalError(err, "failed to load submission")
	}
	if sub.ReferenceNumber != "" {
		return nil, ksef.NewPreconditionError(fmt.Sprintf("submission %s was already sent (reference %s)", id, sub.ReferenceNumber))
	}
	if sub.Status == store.StatusRejected {
		return nil, ksef.NewPreconditionError(fmt.Sprintf("submission %s was rejected", id))
	}
	return sub, nil
}

// checkBuyer refuses a submission whose buyer NIP the registry reports inactive.
func (p *Pipeline) checkBuyer(ctx context.Context, sub *store.Submission) error {
	nip := sub.Invoice.BuyerNIP()
	if nip == "" || p.registry == nil {
		return nil
	}
	check := p.registry.CheckTaxIDActive(ctx, nip)
	if check.Active {
		return nil
	}

	msg := fmt.Sprintf("invoice %s: %s", sub.Invoice.Number, check.Reason)
	p.recordError(ctx, sub.ID, msg)
	p.logger.Info("submission refused, buyer NIP inactive",
		slog.String("submission_id", sub.ID.String()),
		slog.String("number", sub.Invoice.Number),
	)
	return ksef.NewInactiveBuyerError(msg)
}

// prepare returns the frozen document, rendering and storing it on the first send. A frozen
// document must still match the digest stored with it.
func (p *Pipeline) prepare(ctx context.Context, sub *store.Submission) ([]byte, error) {
	document := sub.Document
	if len(document) > 0 && sub.DocumentDigest != "" && !crypto.VerifyDocumentDigest(document, sub.DocumentDigest) {
		p.logger.Error("frozen document does not match its digest",
			slog.String("submission_id", sub.ID.String()),
			slog.String("digest", sub.DocumentDigest),
		)
		return nil, crypto.NewInternalError(fmt.Sprintf("stored document of submission %s does not match its digest", sub.ID))
	}
	if len(document) == 0 {
		rendered, err := p.renderer.Render(sub.Invoice)
		if err != nil {
			p.recordError(ctx, sub.ID, err.Error())
			return nil, ksef.WrapValidationError(err, fmt.Sprintf("invoice %s cannot be rendered", sub.Invoice.Number))
		}
		document = rendered
	}

	if err := p.Validate(document); err != nil {
		p.recordError(ctx, sub.ID, err.Error())
		return nil, err
	}

	if len(sub.Document) == 0 {
		if err := p.submissions.SaveDocument(ctx, sub.ID, document); err != nil {
			return nil, ksef.WrapInternalError(err, "failed to store document")
		}
		sub.Document = document
	}
	return document, nil
}

// deliver sends document with s, re-authenticating once, and classifies the answer. It returns
// the session the final call used.
func (p *Pipeline) deliver(ctx context.Context, sub *store.Submission, document []byte, s *store.Session) (Result, *store.Session, error) {
	var resp ksef.SendInvoiceResponse
	send := func(ctx context.Context, s *store.Session) *ksef.Envelope {
		var env *ksef.Envelope
		resp, env = p.sender.SendInvoice(ctx, s.Token, document)
		return env
	}
	renew := func(ctx context.Context, stale *store.Session) (*store.Session, error) {
		p.logger.Info("session rejected by authority, re-authenticating",
			slog.String("session_id", stale.ID.String()),
			slog.String("submission_id", sub.ID.String()),
		)
		p.sessions.Discard(ctx, stale)
		return p.sessions.GetOrCreateValidSession(ctx, sub.Tenant)
	}

	env, s, err := p.reauth.run(ctx, s, renew, send)
	if err != nil {
		res, qerr := p.enqueue(ctx, sub, fmt.Sprintf("re-authentication failed: %v", err))
		return res, s, qerr
	}

	p.audit.Record(ctx, store.AuditInvoiceSend, sub.ID.String(), env.OK, map[string]any{
		"status":    env.Status,
		"attempts":  env.Attempts,
		"reference": resp.ReferenceNumber,
		"session":   s.ID.String(),
		"document":  crypto.DocumentDigest(document),
		"size":      len(document),
	})

	switch {
	case env.OK:
		res, err := p.accept(ctx, sub, resp)
		res.Attempts = env.Attempts
		return res, s, err
	case env.Rejected():
		res, err := p.reject(ctx, sub, ksef.ParseRejection(env.Status, env.Body()))
		res.Attempts = env.Attempts
		return res, s, err
	default:
		res, err := p.enqueue(ctx, sub, env.Error)
		res.Attempts = env.Attempts
		return res, s, err
	}
}

func (p *Pipeline) accept(ctx context.Context, sub *store.Submission, resp ksef.SendInvoiceResponse) (Result, error) {
	res := Result{SubmissionID: sub.ID, Outcome: OutcomeAccepted, ReferenceNumber: resp.ReferenceNumber}
	if resp.ReferenceNumber == "" {
		p.logger.Warn("authority accepted the invoice without a reference number",
			slog.String("submission_id", sub.ID.String()),
		)
	}

	if err := p.submissions.MarkSent(ctx, sub.ID, resp.ReferenceNumber, p.now().UTC()); err != nil {
		if errors.Is(err, store.ErrReferenceAssigned) {
			return res, ksef.NewPreconditionError(fmt.Sprintf("submission %s was sent twice", sub.ID))
		}
		return res, ksef.WrapInternalError(err, "failed to record reference number")
	}
	p.dequeue(ctx, sub.ID)

	p.logger.Info("invoice accepted for processing",
		slog.String("submission_id", sub.ID.String()),
		slog.String("number", sub.Invoice.Number),
		slog.String("reference", resp.ReferenceNumber),
	)
	return res, nil
}

func (p *Pipeline) reject(ctx context.Context, sub *store.Submission, message string) (Result, error) {
	res := Result{SubmissionID: sub.ID, Outcome: OutcomeRejected, Error: message}

	if err := p.submissions.MarkRejected(ctx, sub.ID, message); err != nil {
		return res, ksef.WrapInternalError(err, "failed to record rejection")
	}
	p.dequeue(ctx, sub.ID)

	p.logger.Warn("invoice rejected",
		slog.String("submission_id", sub.ID.String()),
		slog.String("number", sub.Invoice.Number),
		slog.String("message", message),
	)
	p.notify(ctx, sub, message)
	return res, nil
}

func (p *Pipeline) enqueue(ctx context.Context, sub *store.Submission, errText string) (Result, error) {
	res := Result{SubmissionID: sub.ID, Outcome: OutcomeQueued, Error: errText}

	entry, err := p.queue.Enqueue(ctx, sub.ID, errText)
	if err != nil {
		return res, ksef.WrapInternalError(err, "failed to queue submission")
	}
	p.recordError(ctx, sub.ID, errText)

	p.logger.Warn("invoice queued for retry",
		slog.String("submission_id", sub.ID.String()),
		slog.String("number", sub.Invoice.Number),
		slog.Int("attempt_count", entry.AttemptCount),
		slog.String("error", errText),
	)
	return res, nil
}

// NotifyRejection forwards a terminal rejection to the alert sink. Sink failures are logged.
func (p *Pipeline) NotifyRejection(ctx context.Context, sub *store.Submission, message string) {
	p.notify(ctx, sub, message)
}

func (p *Pipeline) notify(ctx context.Context, sub *store.Submission, message string) {
	if p.notifier == nil {
		return
	}
	err := p.notifier.NotifyRejection(ctx, services.Rejection{
		SubmissionID:   sub.ID.String(),
		DocumentNumber: sub.Invoice.Number,
		Message:        message,
	})
	if err != nil {
		p.logger.Warn("rejection alert failed",
			slog.String("submission_id", sub.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) dequeue(ctx context.Context, id uuid.UUID) {
	if err := p.queue.Remove(ctx, id); err != nil {
		p.logger.Warn("failed to remove queue entry",
			slog.String("submission_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) recordError(ctx context.Context, id uuid.UUID, message string) {
	if err := p.submissions.SetSubmissionError(ctx, id, message); err != nil {
		p.logger.Warn("failed to record submission error",
			slog.String("submission_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}
