//go:build integration

package store

// These tests run against a real PostgreSQL database:
//
//	TEST_DATABASE_URL=postgres://ksef-dev@localhost:15433/ksef_test?sslmode=disable \
//	  go test -tags=integration ./internal/store
//
// The schema is migrated with the embedded goose migrations and every table is truncated before
// each test.

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/information-sharing-networks/ksef-gateway/internal/invoice"
)

func setupPostgres(t *testing.T) *Postgres {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, url, PoolOptions{MaxConns: 4})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(pool.Close)

	if err := Migrate(ctx, pool, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE audit_entries, batches, pending_sends, submissions, ksef_sessions`); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	return NewPostgres(pool)
}

func TestPostgresSubmissionLifecycle(t *testing.T) {
	ctx := context.Background()
	p := setupPostgres(t)

	s := &Submission{Invoice: invoice.Invoice{Number: "FV/1/2026", AmountGross: 10800}}
	if err := p.CreateSubmission(ctx, s); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}

	if err := p.SaveDocument(ctx, s.ID, []byte("<Faktura/>")); err != nil {
		t.Fatal(err)
	}
	if err := p.SaveDocument(ctx, s.ID, []byte("<Other/>")); err != nil {
		t.Fatal(err)
	}

	if err := p.MarkSent(ctx, s.ID, "REF-1", time.Now()); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if err := p.MarkSent(ctx, s.ID, "REF-2", time.Now()); !errors.Is(err, ErrReferenceAssigned) {
		t.Errorf("second MarkSent() error = %v", err)
	}

	if err := p.UpdateStatus(ctx, s.ID, StatusRejected, "", "KSeF E1: Invalid NIP"); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdateStatus(ctx, s.ID, StatusAccepted, "UID", ""); err != nil {
		t.Fatal(err)
	}

	got, err := p.GetSubmission(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Document) != "<Faktura/>" || got.ReferenceNumber != "REF-1" {
		t.Errorf("unexpected submission %+v", got)
	}
	if got.Status != StatusRejected || got.ErrorMessage != "KSeF E1: Invalid NIP" {
		t.Errorf("status = %s, message = %q", got.Status, got.ErrorMessage)
	}
	if got.Invoice.Number != "FV/1/2026" || got.Invoice.AmountGross != 10800 {
		t.Errorf("invoice not round-tripped: %+v", got.Invoice)
	}

	if _, err := p.GetSubmission(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSubmission() on unknown id error = %v", err)
	}
}

func TestPostgresQueue(t *testing.T) {
	ctx := context.Background()
	p := setupPostgres(t)

	s := &Submission{Invoice: invoice.Invoice{Number: "FV/2"}}
	if err := p.CreateSubmission(ctx, s); err != nil {
		t.Fatal(err)
	}

	t0 := time.Now().UTC().Truncate(time.Microsecond)
	first, err := p.UpsertPendingSend(ctx, s.ID, "HTTP 500", t0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.UpsertPendingSend(ctx, s.ID, "HTTP 502", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if first.AttemptCount != 1 || second.AttemptCount != 2 || !second.QueuedAt.Equal(t0) {
		t.Errorf("unexpected upsert results %+v / %+v", first, second)
	}

	entries, err := p.ListPendingSends(ctx, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListPendingSends() = %d, %v", len(entries), err)
	}

	if err := p.DeletePendingSend(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GetPendingSend(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry still present: %v", err)
	}
}

func TestPostgresSessionsAndBatches(t *testing.T) {
	ctx := context.Background()
	p := setupPostgres(t)
	now := time.Now().UTC()

	live := &Session{NIP: "5260250274", Token: "t1", ExpiresAt: now.Add(20 * time.Minute)}
	expired := &Session{NIP: "5260250274", Token: "t0", ExpiresAt: now.Add(-time.Minute)}
	for _, s := range []*Session{live, expired} {
		if err := p.CreateSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	got, err := p.FindUsableSession(ctx, "", now.Add(2*time.Minute))
	if err != nil || got.ID != live.ID {
		t.Fatalf("FindUsableSession() = %v, %v", got, err)
	}
	if n, err := p.DeleteExpiredSessions(ctx, now); err != nil || n != 1 {
		t.Errorf("DeleteExpiredSessions() = %d, %v", n, err)
	}

	b := &Batch{SessionID: live.ID, SubmissionIDs: []uuid.UUID{uuid.New(), uuid.New()}, Status: BatchPartial}
	if err := p.CreateBatch(ctx, b); err != nil {
		t.Fatal(err)
	}
	batches, err := p.ListBatches(ctx, 50)
	if err != nil || len(batches) != 1 || len(batches[0].SubmissionIDs) != 2 {
		t.Errorf("ListBatches() = %+v, %v", batches, err)
	}
}
