package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

// PoolOptions are the connection pool settings taken from configuration.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// Connect creates a connection pool and pings the database.
func Connect(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	poolConfig.MinConns = opts.MinConns
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging database: %w", err)
	}
	return pool, nil
}

// Postgres is the PostgreSQL Store.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p *Postgres) Close()                         { p.pool.Close() }

// Pool exposes the underlying pool (migrations, integration tests).
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// limitArg maps limit <= 0 to SQL NULL, which postgres treats as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// sessions

const sessionColumns = `id, tenant, nip, session_token, expires_at, last_keep_alive, context_identifier, challenge, created_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Tenant, &s.NIP, &s.Token, &s.ExpiresAt, &s.LastKeepAlive,
		&s.ContextIdentifier, &s.Challenge, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ksef_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.Tenant, s.NIP, s.Token, s.ExpiresAt, s.LastKeepAlive, s.ContextIdentifier, s.Challenge, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM ksef_sessions WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, err
}

func (p *Postgres) FindUsableSession(ctx context.Context, tenant string, notBefore time.Time) (*Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM ksef_sessions
		WHERE tenant = $1 AND expires_at > $2
		ORDER BY expires_at DESC
		LIMIT 1`, tenant, notBefore))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, err
}

func (p *Postgres) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE ksef_sessions SET last_keep_alive = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to update session keep-alive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM ksef_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (p *Postgres) ListSessions(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM ksef_sessions
		WHERE expires_at > $1
		ORDER BY expires_at DESC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM ksef_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// submissions

const submissionColumns = `id, tenant, invoice, document, document_digest, reference_number, status, error_message, ksef_uid, upo_locator, sent_at, created_at, updated_at`

func scanSubmission(row pgx.Row) (*Submission, error) {
	var (
		s       Submission
		invJSON []byte
		status  string
	)
	err := row.Scan(&s.ID, &s.Tenant, &invJSON, &s.Document, &s.DocumentDigest, &s.ReferenceNumber, &status,
		&s.ErrorMessage, &s.KsefUID, &s.UpoLocator, &s.SentAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(invJSON, &s.Invoice); err != nil {
		return nil, fmt.Errorf("invalid invoice payload for submission %s: %w", s.ID, err)
	}
	s.Status = SubmissionStatus(status)
	return &s, nil
}

func (p *Postgres) CreateSubmission(ctx context.Context, s *Submission) error {
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

	invJSON, err := json.Marshal(s.Invoice)
	if err != nil {
		return fmt.Errorf("failed to encode invoice: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO submissions (`+submissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.Tenant, invJSON, s.Document, s.DocumentDigest, s.ReferenceNumber, string(s.Status),
		s.ErrorMessage, s.KsefUID, s.UpoLocator, s.SentAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

func (p *Postgres) GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error) {
	s, err := scanSubmission(p.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return s, err
}

// updateSubmission runs an UPDATE and maps "no row" to ErrNotFound.
func (p *Postgres) updateSubmission(ctx context.Context, op, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SaveDocument(ctx context.Context, id uuid.UUID, document []byte) error {
	return p.updateSubmission(ctx, "save document", `
		UPDATE submissions
		SET document = COALESCE(document, $2),
			document_digest = CASE WHEN document IS NULL THEN $3 ELSE document_digest END,
			updated_at = now()
		WHERE id = $1`, id, document, crypto.DocumentDigest(document))
}

func (p *Postgres) MarkSent(ctx context.Context, id uuid.UUID, referenceNumber string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE submissions
		SET reference_number = $2, status = 'PENDING', error_message = '', sent_at = $3, updated_at = now()
		WHERE id = $1 AND reference_number = ''`, id, referenceNumber, at)
	if err != nil {
		return fmt.Errorf("failed to mark submission sent: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := p.GetSubmission(ctx, id); err != nil {
		return err
	}
	return ErrReferenceAssigned
}

func (p *Postgres) MarkRejected(ctx context.Context, id uuid.UUID, message string) error {
	return p.updateSubmission(ctx, "mark submission rejected", `
		UPDATE submissions
		SET status = 'REJECTED', error_message = $2, updated_at = now()
		WHERE id = $1`, id, message)
}

func (p *Postgres) SetSubmissionError(ctx context.Context, id uuid.UUID, message string) error {
	return p.updateSubmission(ctx, "set submission error", `
		UPDATE submissions SET error_message = $2, updated_at = now() WHERE id = $1`, id, message)
}

func (p *Postgres) UpdateStatus(ctx context.Context, id uuid.UUID, status SubmissionStatus, uid, message string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE submissions
		SET status = $2,
		    ksef_uid = COALESCE(NULLIF($3, ''), ksef_uid),
		    error_message = COALESCE(NULLIF($4, ''), error_message),
		    updated_at = now()
		WHERE id = $1 AND status NOT IN ('ACCEPTED', 'REJECTED')`, id, string(status), uid, message)
	if err != nil {
		return fmt.Errorf("failed to update submission status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// final status or missing row
		_, err := p.GetSubmission(ctx, id)
		return err
	}
	return nil
}

func (p *Postgres) SetUpoLocator(ctx context.Context, id uuid.UUID, locator string) error {
	return p.updateSubmission(ctx, "set receipt locator", `
		UPDATE submissions SET upo_locator = $2, updated_at = now() WHERE id = $1`, id, locator)
}

func (p *Postgres) ListSubmissionsForPolling(ctx context.Context, since time.Time, limit int) ([]Submission, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE status IN ('PENDING', 'VERIFICATION')
		  AND reference_number <> ''
		  AND sent_at >= $1
		ORDER BY sent_at
		LIMIT $2`, since, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions for polling: %w", err)
	}
	defer rows.Close()

	out := []Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// retry queue

const pendingColumns = `submission_id, last_error, last_attempt_at, attempt_count, queued_at`

func scanPending(row pgx.Row) (*PendingSend, error) {
	var ps PendingSend
	err := row.Scan(&ps.SubmissionID, &ps.LastError, &ps.LastAttemptAt, &ps.AttemptCount, &ps.QueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

func (p *Postgres) UpsertPendingSend(ctx context.Context, submissionID uuid.UUID, lastError string, at time.Time) (*PendingSend, error) {
	ps, err := scanPending(p.pool.QueryRow(ctx, `
		INSERT INTO pending_sends (submission_id, last_error, last_attempt_at, attempt_count, queued_at)
		VALUES ($1, $2, $3, 1, $3)
		ON CONFLICT (submission_id) DO UPDATE
		SET last_error = EXCLUDED.last_error,
		    last_attempt_at = EXCLUDED.last_attempt_at,
		    attempt_count = pending_sends.attempt_count + 1
		RETURNING `+pendingColumns, submissionID, lastError, at))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue submission: %w", err)
	}
	return ps, nil
}

func (p *Postgres) GetPendingSend(ctx context.Context, submissionID uuid.UUID) (*PendingSend, error) {
	ps, err := scanPending(p.pool.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_sends WHERE submission_id = $1`, submissionID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return ps, err
}

func (p *Postgres) DeletePendingSend(ctx context.Context, submissionID uuid.UUID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM pending_sends WHERE submission_id = $1`, submissionID); err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	return nil
}

func (p *Postgres) ListPendingSends(ctx context.Context, limit int) ([]PendingSend, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+pendingColumns+` FROM pending_sends
		ORDER BY last_attempt_at, queued_at
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	out := []PendingSend{}
	for rows.Next() {
		ps, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		out = append(out, *ps)
	}
	return out, rows.Err()
}

// batches

func (p *Postgres) CreateBatch(ctx context.Context, b *Batch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	ids := make([]string, len(b.SubmissionIDs))
	for i, id := range b.SubmissionIDs {
		ids[i] = id.String()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO batches (id, session_id, submission_ids, reference_number, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.SessionID, ids, b.ReferenceNumber, string(b.Status), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (p *Postgres) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, submission_ids, reference_number, status, created_at
		FROM batches
		ORDER BY created_at DESC
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	out := []Batch{}
	for rows.Next() {
		var (
			b      Batch
			ids    []string
			status string
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &ids, &b.ReferenceNumber, &status, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.Status = BatchStatus(status)
		for _, s := range ids {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("invalid submission id in batch %s: %w", b.ID, err)
			}
			b.SubmissionIDs = append(b.SubmissionIDs, id)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// audit

func (p *Postgres) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, operation, entity_id, success, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Operation, e.EntityID, e.Success, payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (p *Postgres) ListAudit(ctx context.Context, entityID string, limit int) ([]AuditEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, operation, entity_id, success, payload, created_at
		FROM audit_entries
		WHERE $1 = '' OR entity_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, entityID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	out := []AuditEntry{}
	for rows.Next() {
		var (
			e       AuditEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Operation, &e.EntityID, &e.Success, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}
