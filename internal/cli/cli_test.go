package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
	"github.com/information-sharing-networks/ksef-gateway/internal/crypto"
	"github.com/information-sharing-networks/ksef-gateway/internal/delivery"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
	"github.com/information-sharing-networks/ksef-gateway/internal/services"
	"github.com/information-sharing-networks/ksef-gateway/internal/store"
	"github.com/information-sharing-networks/ksef-gateway/internal/testutil"
)

const invoiceJSON = `{
  "number": "FV/12/2026",
  "issuedAt": "2026-03-14T10:00:00Z",
  "amountNet": 10000,
  "amountVat": 800,
  "amountGross": 10800,
  "vatRate": 8,
  "buyer": {"name": "Jan Kowalski"}
}`

func setEnv(t *testing.T, baseURL string) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KSEF_ENV", "test")
	t.Setenv("KSEF_BASE_URL", baseURL)
	t.Setenv("KSEF_NIP", "5260250274")
	t.Setenv("KSEF_UPO_STORAGE_DIR", "")
	t.Setenv("KSEF_UPO_S3_BUCKET", "")
}

func execute(t *testing.T, rt *runtime, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(rt)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidate(t *testing.T) {
	setEnv(t, "http://127.0.0.1:1")
	rt := &runtime{logger: testutil.DiscardLogger()}

	t.Run("invoice json", func(t *testing.T) {
		rendered := filepath.Join(t.TempDir(), "out.xml")
		out, err := execute(t, rt, "validate", writeFile(t, "invoice.json", invoiceJSON), "--output", rendered)
		if err != nil {
			t.Fatalf("validate error = %v", err)
		}
		if !strings.Contains(out, "valid") {
			t.Errorf("output = %q", out)
		}

		// the rendered document validates on its own
		if _, err := execute(t, rt, "validate", rendered); err != nil {
			t.Errorf("validate rendered xml error = %v", err)
		}
	})

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"incomplete invoice", "invoice.json", `{"number":"FV/1"}`},
		{"not json", "invoice.json", `number: FV/1`},
		{"wrong root", "doc.xml", `<Invoice/>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, rt, "validate", writeFile(t, tt.file, tt.content))
			if !ksef.IsCode(err, ksef.ErrCodeValidation) {
				t.Errorf("error = %v, want a validation error", err)
			}
		})
	}
}

func TestKeygen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	out, err := execute(t, &runtime{}, "keygen", "--size", "2048", "--outputdir", dir, "--name", "holder")
	if err != nil {
		t.Fatalf("keygen error = %v", err)
	}
	if !strings.Contains(out, "holder.pub.pem") {
		t.Errorf("output = %q", out)
	}

	private, err := crypto.ReadPEMFile(dir, "holder.pem")
	if err != nil {
		t.Fatal(err)
	}
	if !crypto.IsPrivateKeyMaterial(private) {
		t.Error("private key file does not hold private key material")
	}
	if _, err := crypto.ParseHolderPrivateKey(private); err != nil {
		t.Errorf("ParseHolderPrivateKey() error = %v", err)
	}
	public, err := crypto.ReadPEMFile(dir, "holder.pub.pem")
	if err != nil {
		t.Fatal(err)
	}
	pemKey, err := crypto.ParseAuthorityPublicKey(public)
	if err != nil {
		t.Fatalf("public key does not parse: %v", err)
	}
	jwkMaterial, err := crypto.ReadPEMFile(dir, "holder.pub.jwk")
	if err != nil {
		t.Fatal(err)
	}
	jwkKey, err := crypto.ParseAuthorityPublicKey(jwkMaterial)
	if err != nil {
		t.Fatalf("JWK does not parse: %v", err)
	}
	if !jwkKey.Equal(pemKey) {
		t.Error("JWK and PEM public keys differ")
	}
}

func TestKeygenRejectsUnsupportedSize(t *testing.T) {
	_, err := execute(t, &runtime{}, "keygen", "--size", "1024", "--outputdir", t.TempDir())
	if err == nil {
		t.Fatal("expected an error for a 1024-bit key")
	}
}

func TestSendAndQueue(t *testing.T) {
	authority := testutil.NewFakeAuthority(t)
	setEnv(t, authority.URL())
	registry := testutil.NewFakeRegistry()
	rt := &runtime{
		logger: testutil.DiscardLogger(),
		appOpts: []app.Option{
			app.WithStore(store.NewMemory()),
			app.WithServices(&services.Services{Registry: registry, Notifier: &testutil.RecordingNotifier{}}),
			app.WithClientOptions(ksef.WithRetryDelays(0, 0, 0)),
		},
	}
	file := writeFile(t, "invoice.json", invoiceJSON)

	out, err := execute(t, rt, "send", "--file", file)
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	var res delivery.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("send output is not JSON: %v\n%s", err, out)
	}
	if res.Outcome != delivery.OutcomeAccepted {
		t.Errorf("outcome = %s, want %s", res.Outcome, delivery.OutcomeAccepted)
	}

	// the authority goes down: the next send is queued
	authority.ScriptSend(
		testutil.Response{Status: 503, Body: `{}`},
		testutil.Response{Status: 503, Body: `{}`},
		testutil.Response{Status: 503, Body: `{}`},
	)
	out, err = execute(t, rt, "send", "--file", file)
	if err != nil {
		t.Fatalf("send error = %v", err)
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.Outcome != delivery.OutcomeQueued {
		t.Fatalf("outcome = %s, want %s", res.Outcome, delivery.OutcomeQueued)
	}

	out, err = execute(t, rt, "queue", "list")
	if err != nil {
		t.Fatalf("queue list error = %v", err)
	}
	if !strings.Contains(out, res.SubmissionID.String()) {
		t.Errorf("queue list = %s", out)
	}

	// the authority is back: the drain sends it
	out, err = execute(t, rt, "queue", "drain")
	if err != nil {
		t.Fatalf("queue drain error = %v", err)
	}
	if !strings.Contains(out, `"sent": 1`) {
		t.Errorf("drain report = %s", out)
	}
}

func TestSendArguments(t *testing.T) {
	setEnv(t, "http://127.0.0.1:1")
	rt := &runtime{logger: testutil.DiscardLogger(), appOpts: []app.Option{app.WithStore(store.NewMemory())}}

	if _, err := execute(t, rt, "send"); err == nil {
		t.Error("send without id or file should fail")
	}
	if _, err := execute(t, rt, "send", "not-a-uuid"); err == nil {
		t.Error("send with a malformed id should fail")
	}
}

func TestNIPCheck(t *testing.T) {
	setEnv(t, "http://127.0.0.1:1")
	registry := testutil.NewFakeRegistry()
	registry.MarkInactive("1234563218", "not registered as a VAT payer")
	rt := &runtime{
		logger: testutil.DiscardLogger(),
		appOpts: []app.Option{
			app.WithStore(store.NewMemory()),
			app.WithServices(&services.Services{Registry: registry, Notifier: &testutil.RecordingNotifier{}}),
		},
	}

	out, err := execute(t, rt, "nip", "check", "PL 123-456-32-18")
	if err != nil {
		t.Fatalf("nip check error = %v", err)
	}
	var got nipCheckView
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if got.NIP != "1234563218" || got.Active || got.Reason == "" {
		t.Errorf("nip check = %+v", got)
	}

	if _, err := execute(t, rt, "nip", "check", "12345"); !ksef.IsCode(err, ksef.ErrCodeValidation) {
		t.Errorf("short NIP error = %v, want a validation error", err)
	}
}

func TestMigrateRequiresDatabase(t *testing.T) {
	setEnv(t, "http://127.0.0.1:1")
	_, err := execute(t, &runtime{logger: testutil.DiscardLogger()}, "migrate")
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("migrate error = %v", err)
	}
}
