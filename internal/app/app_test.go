package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/information-sharing-networks/ksef-gateway/internal/config"
	"github.com/information-sharing-networks/ksef-gateway/internal/delivery"
	"github.com/information-sharing-networks/ksef-gateway/internal/invoice"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/reconcile"
	"github.com/information-sharing-networks/ksef-gateway/internal/services"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
	"github.com/information-sharing-networks/ksef-gateway/internal/testutil"
)

func testConfig(baseURL, archiveDir string) *config.ServerEnvironment {
	return &config.ServerEnvironment{
		Environment:        "test",
		KsefEnv:            config.KsefEnvTest,
		KsefBaseURL:        baseURL,
		KsefNIP:            "5260250274",
		KsefQueueBatchSize: 20,
		KsefQueueEntryTTL:  72 * time.Hour,
		UpoStorageDir:      archiveDir,
		SellerName:         "Hotel Pod Lipami",
		SellerCity:         "Kraków",
	}
}

func TestNewWiresAnEndToEndFlow(t *testing.T) {
	ctx := context.Background()
	authority := testutil.NewFakeAuthority(t)
	dir := t.TempDir()
	notifier := &testutil.RecordingNotifier{}

	a, err := New(ctx, testConfig(authority.URL(), dir), testutil.DiscardLogger(),
		WithServices(&services.Services{Registry: testutil.NewFakeRegistry(), Notifier: notifier}),
		WithClientOptions(ksef.WithRetryDelays(0, 0, 0)),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if _, ok := a.Store.(*store.Memory); !ok {
		t.Errorf("store = %T, want the in-memory store without DATABASE_URL", a.Store)
	}
	if _, ok := a.Archive.(*reconcile.FileArchive); !ok {
		t.Errorf("archive = %T, want a file archive", a.Archive)
	}

	sub := &store.Submission{Invoice: invoice.Invoice{
		Number:      "FV/1/2026",
		IssuedAt:    time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		AmountNet:   10000,
		AmountVat:   800,
		AmountGross: 10800,
		VatRate:     8,
		Buyer:       invoice.Buyer{Name: "Jan Kowalski"},
	}}
	if err := a.Store.CreateSubmission(ctx, sub); err != nil {
		t.Fatal(err)
	}

	res, err := a.Pipeline.SubmitOne(ctx, sub.ID)
	if err != nil || res.Outcome != delivery.OutcomeAccepted {
		t.Fatalf("SubmitOne() = %+v, %v", res, err)
	}
	if !strings.Contains(string(authority.LastDocument()), "Hotel Pod Lipami") {
		t.Error("seller from configuration missing from the rendered document")
	}

	authority.SetInvoiceStatus(res.ReferenceNumber, testutil.Response{Body: `{"status":"ACCEPTED","uuid":"UID-1"}`})
	status, err := a.Reconciler.RefreshStatus(ctx, sub.ID)
	if err != nil || status.Status != store.StatusAccepted {
		t.Fatalf("RefreshStatus() = %+v, %v", status, err)
	}

	authority.SetUpo("UID-1", testutil.Response{Body: "<Potwierdzenie/>", ContentType: "application/xml"})
	receipt, err := a.Reconciler.FetchReceipt(ctx, sub.ID)
	if err != nil || !receipt.Archived {
		t.Fatalf("FetchReceipt() = %+v, %v", receipt, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "UPO_FV_1_2026_UID-1.xml")); err != nil {
		t.Errorf("archived receipt missing: %v", err)
	}

	entries, err := a.Store.ListAudit(ctx, sub.ID.String(), 0)
	if err != nil {
		t.Fatal(err)
	}
	ops := map[string]bool{}
	for _, e := range entries {
		ops[e.Operation] = true
	}
	for _, op := range []string{store.AuditInvoiceSend, store.AuditInvoiceStatus, store.AuditInvoiceUpo} {
		if !ops[op] {
			t.Errorf("audit entry %s missing, got %v", op, ops)
		}
	}
}

func TestNewWithoutArchive(t *testing.T) {
	authority := testutil.NewFakeAuthority(t)
	a, err := New(context.Background(), testConfig(authority.URL(), ""), testutil.DiscardLogger(),
		WithStore(store.NewMemory()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.Archive != nil {
		t.Errorf("archive = %T, want none", a.Archive)
	}
	if a.Reconciler.Archive() != nil {
		t.Error("reconciler has an archive")
	}
}

func TestSellerFromConfig(t *testing.T) {
	cfg := testConfig("", "")
	s := Seller(cfg)
	if s.NIP != "5260250274" || s.Name != "Hotel Pod Lipami" || s.City != "Kraków" {
		t.Errorf("Seller() = %+v", s)
	}
}
