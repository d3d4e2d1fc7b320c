package reconcile

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/information-sharing-networks/ksef-gateway/internal/invoice"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/session"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
	"github.com/information-sharing-networks/ksef-gateway/internal/testutil"
)

const holderNIP = "5260250274"

type fixture struct {
	mem        *store.Memory
	authority  *testutil.FakeAuthority
	notifier   *testutil.RecordingNotifier
	reconciler *Reconciler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		mem:       store.NewMemory(),
		authority: testutil.NewFakeAuthority(t),
		notifier:  &testutil.RecordingNotifier{},
	}
	logger := testutil.DiscardLogger()
	client := ksef.NewClient(f.authority.URL(), logger, ksef.WithRetryDelays(0, 0, 0))
	sessions := session.NewManager(client, f.mem, holderNIP, logger)
	f.reconciler = NewReconciler(sessions, client, f.mem, f.notifier, logger, opts...)
	return f
}

// sent creates a submission that was accepted for processing under reference.
func (f *fixture) sent(t *testing.T, number, reference string) *store.Submission {
	t.Helper()
	ctx := context.Background()
	s := &store.Submission{Invoice: invoice.Invoice{
		Number:      number,
		IssuedAt:    time.Now(),
		AmountNet:   10000,
		AmountVat:   800,
		AmountGross: 10800,
		VatRate:     8,
	}}
	if err := f.mem.CreateSubmission(ctx, s); err != nil {
		t.Fatal(err)
	}
	if reference != "" {
		if err := f.mem.MarkSent(ctx, s.ID, reference, time.Now().UTC()); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		raw    string
		want   store.SubmissionStatus
		wantOK bool
	}{
		{"ACCEPTED", store.StatusAccepted, true},
		{"Faktura zaakceptowana", store.StatusAccepted, true},
		{"Przyjęto fakturę do dalszego przetwarzania", store.StatusVerification, true},
		{"Invoice accepted for further processing", store.StatusVerification, true},
		{"Faktura przyjęta", store.StatusVerification, true},
		{"rejected", store.StatusRejected, true},
		{"Faktura odrzucona", store.StatusRejected, true},
		{"Invoice NOT ACCEPTED", store.StatusRejected, true},
		{"Przetwarzanie w toku", store.StatusVerification, true},
		{"  ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := MapStatus(tt.raw)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("MapStatus(%q) = %q, %v, want %q, %v", tt.raw, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRefreshStatusRequiresReference(t *testing.T) {
	f := newFixture(t)
	sub := f.sent(t, "FV/1/2026", "")

	_, err := f.reconciler.RefreshStatus(context.Background(), sub.ID)
	if !ksef.IsCode(err, ksef.ErrCodePrecondition) {
		t.Fatalf("RefreshStatus() error = %v, want precondition", err)
	}
	if n := f.authority.Calls(ksef.PathInvoiceStatus); n != 0 {
		t.Errorf("status calls = %d, want 0", n)
	}
}

func TestRefreshStatusAccepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.sent(t, "FV/1/2026", "REF-1")
	f.authority.SetInvoiceStatus("REF-1", testutil.Response{
		Body: `{"status":"Faktura zaakceptowana","uuid":"5260250274-20260314-ABCDEF-01"}`,
	})

	res, err := f.reconciler.RefreshStatus(ctx, sub.ID)
	if err != nil {
		t.Fatalf("RefreshStatus() error = %v", err)
	}
	if res.Status != store.StatusAccepted || res.KsefUID != "5260250274-20260314-ABCDEF-01" {
		t.Errorf("result = %+v", res)
	}

	got, _ := f.mem.GetSubmission(ctx, sub.ID)
	if got.Status != store.StatusAccepted || got.KsefUID == "" {
		t.Errorf("stored submission = %+v", got)
	}

	// resolved submissions are not polled again
	if _, err := f.reconciler.RefreshStatus(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	if n := f.authority.Calls(ksef.PathInvoiceStatus); n != 1 {
		t.Errorf("status calls = %d, want 1", n)
	}
}

func TestRefreshStatusRejectedNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.sent(t, "FV/2/2026", "REF-2")
	f.authority.SetInvoiceStatus("REF-2", testutil.Response{
		Body: `{"status":"REJECTED","errorMessage":"Duplicate invoice"}`,
	})

	res, err := f.reconciler.RefreshStatus(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.StatusRejected || res.Message != "Duplicate invoice" {
		t.Errorf("result = %+v", res)
	}
	alerts := f.notifier.Rejections()
	if len(alerts) != 1 || alerts[0].DocumentNumber != "FV/2/2026" {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestRefreshStatusVerification(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.Response
		want store.SubmissionStatus
	}{
		{"json in progress", testutil.Response{Body: `{"status":"Przetwarzanie"}`}, store.StatusVerification},
		{"plain text", testutil.Response{Body: "W trakcie weryfikacji", ContentType: "text/plain"}, store.StatusVerification},
		{"empty status keeps pending", testutil.Response{Body: `{}`}, store.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sub := f.sent(t, "FV/3/2026", "REF-3")
			f.authority.SetInvoiceStatus("REF-3", tt.resp)

			res, err := f.reconciler.RefreshStatus(context.Background(), sub.ID)
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != tt.want {
				t.Errorf("status = %s, want %s", res.Status, tt.want)
			}
			if len(f.notifier.Rejections()) != 0 {
				t.Error("non-final status triggered an alert")
			}
		})
	}
}

func TestRefreshStatusProcessingThenRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.sent(t, "FV/5/2026", "REF-5")
	f.authority.SetInvoiceStatus("REF-5", testutil.Response{
		Body: `{"processingCode":200,"processingDescription":"Przyjęto fakturę do dalszego przetwarzania"}`,
	})

	res, err := f.reconciler.RefreshStatus(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.StatusVerification {
		t.Fatalf("status = %s, want %s", res.Status, store.StatusVerification)
	}

	f.authority.SetInvoiceStatus("REF-5", testutil.Response{
		Body: `{"status":"Faktura odrzucona","errorMessage":"Duplikat faktury"}`,
	})
	if _, err := f.reconciler.RefreshStatus(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.mem.GetSubmission(ctx, sub.ID)
	if got.Status != store.StatusRejected {
		t.Errorf("final status = %s, want %s", got.Status, store.StatusRejected)
	}
	if alerts := f.notifier.Rejections(); len(alerts) != 1 {
		t.Errorf("alerts = %+v, want one", alerts)
	}
}

func TestRefreshStatusGatewayError(t *testing.T) {
	f := newFixture(t)
	sub := f.sent(t, "FV/4/2026", "REF-4")
	f.authority.SetInvoiceStatus("REF-4", testutil.Response{Status: http.StatusBadGateway})

	_, err := f.reconciler.RefreshStatus(context.Background(), sub.ID)
	if !ksef.IsCode(err, ksef.ErrCodeTransientGateway) {
		t.Fatalf("RefreshStatus() error = %v, want transient", err)
	}
	got, _ := f.mem.GetSubmission(context.Background(), sub.ID)
	if got.Status != store.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
}

func TestPollPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accepted := f.sent(t, "FV/1/2026", "REF-1")
	f.sent(t, "FV/2/2026", "REF-2")
	f.sent(t, "FV/3/2026", "") // never sent, not polled
	f.authority.SetInvoiceStatus("REF-1", testutil.Response{Body: `{"status":"ACCEPTED","uuid":"UID-1"}`})
	f.authority.SetInvoiceStatus("REF-2", testutil.Response{Status: http.StatusServiceUnavailable})

	report, err := f.reconciler.PollPending(ctx, 24*time.Hour, 50)
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 2 || report.Accepted != 1 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	got, _ := f.mem.GetSubmission(ctx, accepted.ID)
	if got.Status != store.StatusAccepted {
		t.Errorf("status = %s", got.Status)
	}

	report, _ = f.reconciler.PollPending(ctx, 24*time.Hour, 50)
	if report.Checked != 1 {
		t.Errorf("second poll checked %d, want only the unresolved one", report.Checked)
	}
}

func resolved(t *testing.T, f *fixture, number, uid string) *store.Submission {
	t.Helper()
	sub := f.sent(t, number, "REF-"+uid)
	if err := f.mem.UpdateStatus(context.Background(), sub.ID, store.StatusAccepted, uid, ""); err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestFetchReceiptRequiresUID(t *testing.T) {
	f := newFixture(t)
	sub := f.sent(t, "FV/1/2026", "REF-1")

	_, err := f.reconciler.FetchReceipt(context.Background(), sub.ID)
	if !ksef.IsCode(err, ksef.ErrCodePrecondition) {
		t.Fatalf("FetchReceipt() error = %v, want precondition", err)
	}
}

func TestFetchReceiptArchivesContent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	archive, err := NewFileArchive(dir)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, WithArchive(archive))
	sub := resolved(t, f, "FV/7/2026", "UID-7")
	upo := `<?xml version="1.0"?><Potwierdzenie/>`
	f.authority.SetUpo("UID-7", testutil.Response{Body: upo, ContentType: "application/xml"})

	res, err := f.reconciler.FetchReceipt(ctx, sub.ID)
	if err != nil {
		t.Fatalf("FetchReceipt() error = %v", err)
	}
	wantName := "UPO_FV_7_2026_UID-7.xml"
	if !res.Archived || res.Locator != FileArchivePath+wantName {
		t.Errorf("result = %+v", res)
	}

	data, err := os.ReadFile(filepath.Join(dir, wantName))
	if err != nil || string(data) != upo {
		t.Errorf("archived file = %q, %v", data, err)
	}
	got, _ := f.mem.GetSubmission(ctx, sub.ID)
	if got.UpoLocator != res.Locator {
		t.Errorf("stored locator = %q", got.UpoLocator)
	}
}

func TestFetchReceiptKeepsRemoteURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := resolved(t, f, "FV/8/2026", "UID-8")
	f.authority.SetUpo("UID-8", testutil.Response{Body: `{"upoUrl":"https://ksef-test.mf.gov.pl/upo/UID-8"}`})

	res, err := f.reconciler.FetchReceipt(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived || res.Locator != "https://ksef-test.mf.gov.pl/upo/UID-8" {
		t.Errorf("result = %+v", res)
	}
}

type failingArchive struct{}

func (failingArchive) Store(context.Context, string, []byte) (string, error) {
	return "", os.ErrPermission
}

func (failingArchive) Read(context.Context, string) ([]byte, error) {
	return nil, os.ErrNotExist
}

func TestFetchReceiptArchiveFailureFallsBack(t *testing.T) {
	f := newFixture(t, WithArchive(failingArchive{}))
	sub := resolved(t, f, "FV/9/2026", "UID-9")
	f.authority.SetUpo("UID-9", testutil.Response{Body: `{"upoUrl":"https://example.test/upo","upo":""}`})

	res, err := f.reconciler.FetchReceipt(context.Background(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived || res.Locator != "https://example.test/upo" {
		t.Errorf("result = %+v", res)
	}
}

func TestArchiveFileName(t *testing.T) {
	tests := []struct {
		number, uid string
		content     string
		want        string
	}{
		{"FV/1/2026", "5260250274-20260314-ABCDEF-01", "<?xml?>", "UPO_FV_1_2026_5260250274-20260314-ABCDEF-01.xml"},
		{"../etc", "x", "%PDF-1.7", "UPO_" + "___etc" + "_x.pdf"},
		{"", "", "\x00\x01", "UPO_unknown_unknown.bin"},
		{"FV 2\\A", "ab.cd", "  <Potwierdzenie/>", "UPO_FV_2_A_ab_cd.xml"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := ArchiveFileName(tt.number, tt.uid, []byte(tt.content)); got != tt.want {
				t.Errorf("ArchiveFileName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFileArchiveRejectsUnsafeNames(t *testing.T) {
	archive, err := NewFileArchive(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, name := range []string{"", "..", "../x.xml", "a/b.xml", `a\b.xml`} {
		if _, err := archive.Store(ctx, name, []byte("x")); err == nil {
			t.Errorf("Store(%q) succeeded", name)
		}
		if _, err := archive.Read(ctx, name); err == nil {
			t.Errorf("Read(%q) succeeded", name)
		}
	}

	if _, err := archive.Store(ctx, "UPO_1.xml", []byte("<a/>")); err != nil {
		t.Fatal(err)
	}
	data, err := archive.Read(ctx, "UPO_1.xml")
	if err != nil || string(data) != "<a/>" {
		t.Errorf("Read() = %q, %v", data, err)
	}
}

// fakeBucket is a minimal path-style S3 endpoint.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	methods []string
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.methods = append(b.methods, r.Method+" "+r.URL.Path)

	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		b.objects[r.URL.Path] = data
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := b.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Archive(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{}}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "eu-central-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	archive := NewS3ArchiveWithClient(client, "receipts", "upo/")
	ctx := context.Background()

	locator, err := archive.Store(ctx, "UPO_FV_1_UID.xml", []byte("<Potwierdzenie/>"))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if locator != "s3://receipts/upo/UPO_FV_1_UID.xml" {
		t.Errorf("locator = %q", locator)
	}

	data, err := archive.Read(ctx, "UPO_FV_1_UID.xml")
	if err != nil || !strings.Contains(string(data), "Potwierdzenie") {
		t.Errorf("Read() = %q, %v", data, err)
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	want := []string{"PUT /receipts/upo/UPO_FV_1_UID.xml", "GET /receipts/upo/UPO_FV_1_UID.xml"}
	if len(bucket.methods) != 2 || bucket.methods[0] != want[0] || bucket.methods[1] != want[1] {
		t.Errorf("requests = %v, want %v", bucket.methods, want)
	}
}
