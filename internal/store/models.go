package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/invoice"
)

// SubmissionStatus is the canonical authority verdict of a submission.
type SubmissionStatus string

const (
	StatusNone         SubmissionStatus = "NONE"
	StatusPending      SubmissionStatus = "PENDING"
	StatusAccepted     SubmissionStatus = "ACCEPTED"
	StatusRejected     SubmissionStatus = "REJECTED"
	StatusVerification SubmissionStatus = "VERIFICATION"
)

// Final reports whether the status can no longer change.
func (s SubmissionStatus) Final() bool {
	return s == StatusAccepted || s == StatusRejected
}

type BatchStatus string

const (
	BatchSent    BatchStatus = "SENT"
	BatchFailed  BatchStatus = "FAILED"
	BatchPartial BatchStatus = "PARTIAL"
)

// AggregateBatchStatus is SENT when every item was accepted for processing, FAILED when none was
// and PARTIAL otherwise.
func AggregateBatchStatus(sent, total int) BatchStatus {
	switch {
	case total > 0 && sent == total:
		return BatchSent
	case sent == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}

// Session is an authenticated authority session.
type Session struct {
	ID     uuid.UUID
	Tenant string
	NIP    string

	// Token is the bearer credential. It is never logged.
	Token             string
	ExpiresAt         time.Time
	LastKeepAlive     *time.Time
	ContextIdentifier string

	// Challenge is a truncated copy of the challenge used to open the session.
	Challenge string
	CreatedAt time.Time
}

// UsableAt reports whether the session can be handed out at now given the safety margin.
func (s *Session) UsableAt(now time.Time, margin time.Duration) bool {
	return s.ExpiresAt.After(now.Add(margin))
}

// Submission is an outbound invoice and its authority state.
type Submission struct {
	ID      uuid.UUID
	Tenant  string
	Invoice invoice.Invoice

	// Document is the rendered payload, frozen the first time it is sent.
	Document []byte

	// DocumentDigest is the hex SHA-256 of Document, stored together with it.
	DocumentDigest string

	ReferenceNumber string
	Status          SubmissionStatus
	ErrorMessage    string
	KsefUID         string
	UpoLocator      string
	SentAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PendingSend is a retry queue entry. There is at most one per submission.
type PendingSend struct {
	SubmissionID  uuid.UUID
	LastError     string
	LastAttemptAt time.Time
	AttemptCount  int
	QueuedAt      time.Time
}

type Batch struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	SubmissionIDs   []uuid.UUID
	ReferenceNumber string
	Status          BatchStatus
	CreatedAt       time.Time
}

// AuditEntry records one authority operation. Payload is canonical JSON.
type AuditEntry struct {
	ID        uuid.UUID
	Operation string
	EntityID  string
	Success   bool
	Payload   json.RawMessage
	CreatedAt time.Time
}
