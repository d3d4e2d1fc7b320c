// Package session owns the lifecycle of authenticated KSeF sessions.
//
// A session is opened with the challenge handshake (challenge, encrypted init request, optional
// challenge signature), persisted with a fixed 20 minute expiry and then handed out to callers
// until it comes within the safety margin of that expiry. Keep-alive only records the call; it
// never extends the stored expiry.
//
// The manager keeps no session in memory: every lookup reads the freshest usable record from
// the store, so two concurrent callers may each open a session when none exists.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/config"
	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
)

const (
	// Lifetime is the authority's fixed session timeout.
	Lifetime = 20 * time.Minute

	// SafetyMargin is the minimum remaining lifetime of a session handed to a caller.
	SafetyMargin = 2 * time.Minute

	maxStoredChallenge = 500
)

// Manager opens, reuses, refreshes and closes authority sessions.
type Manager struct {
	client     *ksef.Client
	sessions   store.SessionStore
	audit      *store.Auditor
	nip        string
	credential string
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Manager)

// WithCredential sets the holder credential used to sign the challenge.
func WithCredential(credential string) Option {
	return func(m *Manager) { m.credential = credential }
}

func WithAuditor(a *store.Auditor) Option {
	return func(m *Manager) { m.audit = a }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager opening sessions for the holder nip.
func NewManager(client *ksef.Client, sessions store.SessionStore, nip string, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		client:   client,
		sessions: sessions,
		nip:      nip,
		logger:   logger.With(slog.String("component", "session")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetAuthChallenge fetches a challenge and the authority public key material.
func (m *Manager) GetAuthChallenge(ctx context.Context) (ksef.AuthorisationChallenge, error) {
	challenge, env := m.client.GetAuthorisationChallenge(ctx)
	if err := env.Err(); err != nil {
		return challenge, err
	}
	if challenge.KeyMaterial() == "" {
		return challenge, ksef.NewTransientGatewayError(env.Status, "authorisation challenge carried no key material")
	}
	return challenge, nil
}

// InitiateSession runs the handshake for taxID (the holder NIP when empty) and stores the new
// session for tenant.
func (m *Manager) InitiateSession(ctx context.Context, tenant, taxID string) (*store.Session, error) {
	if taxID == "" {
		taxID = m.nip
	}
	nip, err := crypto.NormalizeTaxID(taxID)
	if err != nil {
		return nil, err
	}

	challenge, err := m.GetAuthChallenge(ctx)
	if err != nil {
		m.audit.Record(ctx, store.AuditSessionInit, tenant, false, map[string]any{"stage": "challenge", "error": err.Error()})
		return nil, err
	}

	document, err := crypto.BuildSessionInitRequest(nip, "")
	if err != nil {
		return nil, err
	}
	encrypted, err := crypto.EncryptWithAuthorityKey(document, challenge.KeyMaterial())
	if err != nil {
		return nil, err
	}

	req := ksef.InitSessionRequest{InitSessionTokenRequest: encrypted}
	if m.credential != "" {
		sig, err := crypto.SignChallenge(challenge.Challenge, m.credential)
		if err != nil {
			return nil, err
		}
		req.ChallengeSignature = sig
	}

	resp, env := m.client.InitSession(ctx, req)
	if err := env.Err(); err != nil {
		m.audit.Record(ctx, store.AuditSessionInit, tenant, false, map[string]any{
			"stage":  "init",
			"status": env.Status,
			"error":  err.Error(),
		})
		m.logger.Warn("session init failed",
			slog.String("nip", config.MaskNIP(nip)),
			slog.Int("status", env.Status),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	now := m.now().UTC()
	s := &store.Session{
		Tenant:            tenant,
		NIP:               nip,
		Token:             resp.SessionToken,
		ExpiresAt:         now.Add(Lifetime),
		ContextIdentifier: resp.ContextIdentifier,
		Challenge:         truncate(challenge.Challenge, maxStoredChallenge),
		CreatedAt:         now,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	m.audit.Record(ctx, store.AuditSessionInit, s.ID.String(), true, map[string]any{
		"tenant":             tenant,
		"context_identifier": s.ContextIdentifier,
		"expires_at":         s.ExpiresAt.Format(time.RFC3339),
	})
	m.logger.Info("session initiated",
		slog.String("session_id", s.ID.String()),
		slog.String("nip", config.MaskNIP(nip)),
		slog.Time("expires_at", s.ExpiresAt),
	)
	return s, nil
}

// GetOrCreateValidSession returns the tenant session expiring last if it outlives the safety
// margin, otherwise it opens a new one.
func (m *Manager) GetOrCreateValidSession(ctx context.Context, tenant string) (*store.Session, error) {
	s, err := m.sessions.FindUsableSession(ctx, tenant, m.now().Add(SafetyMargin))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	return m.InitiateSession(ctx, tenant, "")
}

// KeepAlive calls the session status endpoint and records the time of the call. A token the
// authority no longer accepts is discarded locally.
func (m *Manager) KeepAlive(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	s, err := m.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if !s.ExpiresAt.After(now) {
		return nil, ksef.NewAuthExpiredError(0, "session has expired")
	}

	_, env := m.client.SessionStatus(ctx, s.Token)
	if err := env.Err(); err != nil {
		m.audit.Record(ctx, store.AuditSessionKeepAlive, s.ID.String(), false, map[string]any{"status": env.Status})
		if env.AuthFailure() {
			m.Discard(ctx, s)
		}
		return nil, err
	}

	if err := m.sessions.TouchSession(ctx, s.ID, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to record keep-alive: %w", err)
	}
	m.audit.Record(ctx, store.AuditSessionKeepAlive, s.ID.String(), true, map[string]any{"status": env.Status})

	at := now.UTC()
	s.LastKeepAlive = &at
	return s, nil
}

// KeepAliveReport summarises a keep-alive sweep.
type KeepAliveReport struct {
	Refreshed int      `json:"refreshed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// KeepAliveStale refreshes every unexpired session that was never kept alive or whose last
// keep-alive is older than after.
func (m *Manager) KeepAliveStale(ctx context.Context, after time.Duration) (KeepAliveReport, error) {
	var report KeepAliveReport

	now := m.now()
	sessions, err := m.sessions.ListSessions(ctx, now)
	if err != nil {
		return report, fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, s := range sessions {
		if s.LastKeepAlive != nil && now.Sub(*s.LastKeepAlive) < after {
			report.Skipped++
			continue
		}
		if _, err := m.KeepAlive(ctx, s.ID); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", s.ID, err))
			continue
		}
		report.Refreshed++
	}

	if report.Refreshed > 0 || report.Failed > 0 {
		m.logger.Info("keep-alive sweep finished",
			slog.Int("refreshed", report.Refreshed),
			slog.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// TerminateSession closes the session at the authority and deletes the local record even when
// the remote call fails.
func (m *Manager) TerminateSession(ctx context.Context, id uuid.UUID) error {
	s, err := m.getSession(ctx, id)
	if err != nil {
		return err
	}

	env := m.client.TerminateSession(ctx, s.Token)
	if !env.OK {
		m.logger.Warn("remote session termination failed, removing local record",
			slog.String("session_id", s.ID.String()),
			slog.Int("status", env.Status),
		)
	}
	m.audit.Record(ctx, store.AuditSessionTerminate, s.ID.String(), env.OK, map[string]any{"status": env.Status})

	if err := m.sessions.DeleteSession(ctx, s.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Discard removes the local record of a session the authority stopped accepting.
func (m *Manager) Discard(ctx context.Context, s *store.Session) {
	if err := m.sessions.DeleteSession(ctx, s.ID); err != nil {
		m.logger.Warn("failed to discard session",
			slog.String("session_id", s.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Info("session discarded", slog.String("session_id", s.ID.String()))
}

// PurgeExpired deletes stored sessions already past their expiry.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.sessions.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	if n > 0 {
		m.logger.Info("expired sessions purged", slog.Int64("count", n))
	}
	return n, nil
}

// List returns the unexpired sessions, latest expiry first.
func (m *Manager) List(ctx context.Context) ([]store.Session, error) {
	return m.sessions.ListSessions(ctx, m.now())
}

func (m *Manager) getSession(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	s, err := m.sessions.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ksef.NewNotFoundError(fmt.Sprintf("session %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
