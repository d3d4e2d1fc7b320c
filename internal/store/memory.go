package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store. Records are copied on the way in and out.
type Memory struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]Session
	submissions map[uuid.UUID]Submission
	pending     map[uuid.UUID]PendingSend
	batches     []Batch
	audit       []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		sessions:    map[uuid.UUID]Session{},
		submissions: map[uuid.UUID]Submission{},
		pending:     map[uuid.UUID]PendingSend{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close()                         {}

// sessions

func (m *Memory) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.sessions[s.ID] = copySession(*s)
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copySession(s)
	return &out, nil
}

func (m *Memory) FindUsableSession(ctx context.Context, tenant string, notBefore time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Session
	for _, s := range m.sessions {
		if s.Tenant != tenant || !s.ExpiresAt.After(notBefore) {
			continue
		}
		if best == nil || s.ExpiresAt.After(best.ExpiresAt) {
			c := copySession(s)
			best = &c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *Memory) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastKeepAlive = &at
	m.sessions[id] = s
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func (m *Memory) ListSessions(ctx context.Context, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Session{}
	for _, s := range m.sessions {
		if s.ExpiresAt.After(now) {
			out = append(out, copySession(s))
		}
	}
	slices.SortFunc(out, func(a, b Session) int { return b.ExpiresAt.Compare(a.ExpiresAt) })
	return out, nil
}

func (m *Memory) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// submissions

func (m *Memory) CreateSubmission(ctx context.Context, s *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = StatusNone
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.submissions[s.ID] = copySubmission(*s)
	return nil
}

func (m *Memory) GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copySubmission(s)
	return &out, nil
}

// update applies fn to a stored submission under the lock.
func (m *Memory) update(id uuid.UUID, fn func(s *Submission) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.submissions[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&s); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	m.submissions[id] = s
	return nil
}

func (m *Memory) SaveDocument(ctx context.Context, id uuid.UUID, document []byte) error {
	return m.update(id, func(s *Submission) error {
		if len(s.Document) == 0 {
			s.Document = slices.Clone(document)
			s.DocumentDigest = crypto.DocumentDigest(document)
		}
		return nil
	})
}

func (m *Memory) MarkSent(ctx context.Context, id uuid.UUID, referenceNumber string, at time.Time) error {
	return m.update(id, func(s *Submission) error {
		if s.ReferenceNumber != "" {
			return ErrReferenceAssigned
		}
		s.ReferenceNumber = referenceNumber
		s.Status = StatusPending
		s.ErrorMessage = ""
		s.SentAt = &at
		return nil
	})
}

func (m *Memory) MarkRejected(ctx context.Context, id uuid.UUID, message string) error {
	return m.update(id, func(s *Submission) error {
		s.Status = StatusRejected
		s.ErrorMessage = message
		return nil
	})
}

func (m *Memory) SetSubmissionError(ctx context.Context, id uuid.UUID, message string) error {
	return m.update(id, func(s *Submission) error {
		s.ErrorMessage = message
		return nil
	})
}

func (m *Memory) UpdateStatus(ctx context.Context, id uuid.UUID, status SubmissionStatus, uid, message string) error {
	return m.update(id, func(s *Submission) error {
		if s.Status.Final() {
			return nil
		}
		s.Status = status
		if uid != "" {
			s.KsefUID = uid
		}
		if message != "" {
			s.ErrorMessage = message
		}
		return nil
	})
}

func (m *Memory) SetUpoLocator(ctx context.Context, id uuid.UUID, locator string) error {
	return m.update(id, func(s *Submission) error {
		s.UpoLocator = locator
		return nil
	})
}

func (m *Memory) ListSubmissionsForPolling(ctx context.Context, since time.Time, limit int) ([]Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Submission{}
	for _, s := range m.submissions {
		if s.Status != StatusPending && s.Status != StatusVerification {
			continue
		}
		if s.ReferenceNumber == "" || s.SentAt == nil || s.SentAt.Before(since) {
			continue
		}
		out = append(out, copySubmission(s))
	}
	slices.SortFunc(out, func(a, b Submission) int { return a.SentAt.Compare(*b.SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// retry queue

func (m *Memory) UpsertPendingSend(ctx context.Context, submissionID uuid.UUID, lastError string, at time.Time) (*PendingSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[submissionID]
	if !ok {
		p = PendingSend{SubmissionID: submissionID, QueuedAt: at}
	}
	p.AttemptCount++
	p.LastError = lastError
	p.LastAttemptAt = at
	m.pending[submissionID] = p

	out := p
	return &out, nil
}

func (m *Memory) GetPendingSend(ctx context.Context, submissionID uuid.UUID) (*PendingSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[submissionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) DeletePendingSend(ctx context.Context, submissionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, submissionID)
	return nil
}

func (m *Memory) ListPendingSends(ctx context.Context, limit int) ([]PendingSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingSend, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b PendingSend) int {
		if c := a.LastAttemptAt.Compare(b.LastAttemptAt); c != 0 {
			return c
		}
		return a.QueuedAt.Compare(b.QueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// batches

func (m *Memory) CreateBatch(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	c := *b
	c.SubmissionIDs = slices.Clone(b.SubmissionIDs)
	m.batches = append(m.batches, c)
	return nil
}

func (m *Memory) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Batch, 0, len(m.batches))
	for i := len(m.batches) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		b := m.batches[i]
		b.SubmissionIDs = slices.Clone(b.SubmissionIDs)
		out = append(out, b)
	}
	return out, nil
}

// audit

func (m *Memory) AppendAudit(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	c := *e
	c.Payload = slices.Clone(e.Payload)
	m.audit = append(m.audit, c)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, entityID string, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if entityID != "" && m.audit[i].EntityID != entityID {
			continue
		}
		out = append(out, m.audit[i])
	}
	return out, nil
}

func copySession(s Session) Session {
	if s.LastKeepAlive != nil {
		t := *s.LastKeepAlive
		s.LastKeepAlive = &t
	}
	return s
}

func copySubmission(s Submission) Submission {
	s.Document = slices.Clone(s.Document)
	s.Invoice.Items = slices.Clone(s.Invoice.Items)
	if s.SentAt != nil {
		t := *s.SentAt
		s.SentAt = &t
	}
	return s
}
