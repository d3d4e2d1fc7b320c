// Package store persists sessions, submissions, retry queue entries, batches and the audit trail.
//
// Two implementations are provided: Postgres (pgx, schema managed by goose migrations embedded in
// this package) and Memory, used by tests and by dev/test environments without a DATABASE_URL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReferenceAssigned is returned when a submission already carries an authority reference number.
	ErrReferenceAssigned = errors.New("reference number already assigned")
)

type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)

	// FindUsableSession returns the tenant session expiring last, provided it expires after
	// notBefore. ErrNotFound when there is none.
	FindUsableSession(ctx context.Context, tenant string, notBefore time.Time) (*Session, error)

	TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error

	// DeleteSession is idempotent.
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// ListSessions returns sessions expiring after now, latest expiry first.
	ListSessions(ctx context.Context, now time.Time) ([]Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type SubmissionStore interface {
	CreateSubmission(ctx context.Context, s *Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error)

	// SaveDocument stores the rendered document and its digest unless a document is already stored.
	SaveDocument(ctx context.Context, id uuid.UUID, document []byte) error

	// MarkSent assigns the reference number, sets PENDING and clears the error.
	// Returns ErrReferenceAssigned when the submission already has a reference.
	MarkSent(ctx context.Context, id uuid.UUID, referenceNumber string, at time.Time) error

	// MarkRejected sets REJECTED with the user facing message.
	MarkRejected(ctx context.Context, id uuid.UUID, message string) error

	SetSubmissionError(ctx context.Context, id uuid.UUID, message string) error

	// UpdateStatus records a polled status. ACCEPTED and REJECTED are never overwritten; an
	// empty uid keeps the stored one.
	UpdateStatus(ctx context.Context, id uuid.UUID, status SubmissionStatus, uid, message string) error

	SetUpoLocator(ctx context.Context, id uuid.UUID, locator string) error

	// ListSubmissionsForPolling returns PENDING and VERIFICATION submissions with a reference
	// number sent at or after since, oldest first.
	ListSubmissionsForPolling(ctx context.Context, since time.Time, limit int) ([]Submission, error)
}

type QueueStore interface {
	// UpsertPendingSend creates the entry with AttemptCount 1 or increments it, overwriting the
	// error text and attempt time.
	UpsertPendingSend(ctx context.Context, submissionID uuid.UUID, lastError string, at time.Time) (*PendingSend, error)
	GetPendingSend(ctx context.Context, submissionID uuid.UUID) (*PendingSend, error)

	// DeletePendingSend is idempotent.
	DeletePendingSend(ctx context.Context, submissionID uuid.UUID) error

	// ListPendingSends returns entries least recently attempted first (ties by queue time).
	// limit <= 0 returns every entry.
	ListPendingSends(ctx context.Context, limit int) ([]PendingSend, error)
}

type BatchStore interface {
	CreateBatch(ctx context.Context, b *Batch) error

	// ListBatches returns the most recent batches first.
	ListBatches(ctx context.Context, limit int) ([]Batch, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error

	// ListAudit returns entries for entityID, newest first. An empty entityID lists all.
	ListAudit(ctx context.Context, entityID string, limit int) ([]AuditEntry, error)
}

// Store is the complete persistence surface used by the gateway.
type Store interface {
	SessionStore
	SubmissionStore
	QueueStore
	BatchStore
	AuditStore

	Ping(ctx context.Context) error
	Close()
}
