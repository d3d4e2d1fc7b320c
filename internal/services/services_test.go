package services

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/information-sharing-networks/ksef-gateway/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckTaxIDActive(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantActive  bool
		wantChecked bool
	}{
		{"active", 200, `{"result":{"subject":{"statusVat":"Czynny"}}}`, true, true},
		{"unknown status fails open", 200, `{"result":{"subject":{"statusVat":"Wykreślony?"}}}`, true, true},
		{"exempt", 200, `{"result":{"subject":{"statusVat":"Zwolniony"}}}`, true, true},
		{"top level subject", 200, `{"subject":{"statusVat":"active"}}`, true, true},
		{"unregistered", 200, `{"result":{"subject":{"statusVat":"Niezarejestrowany"}}}`, false, true},
		{"no subject", 200, `{"result":{"subject":null}}`, false, true},
		{"not found", 404, `{"code":"WL-115"}`, false, true},
		{"registry error fails open", 500, `oops`, true, false},
		{"bad json fails open", 200, `not json`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotDate string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotDate = r.URL.Query().Get("date")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			day := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
			registry := NewWhiteListRegistry(server.URL, discardLogger(), WithRegistryClock(func() time.Time { return day }))

			got := registry.CheckTaxIDActive(context.Background(), "PL 725-001-81-06")

			if got.Active != tt.wantActive || got.Checked != tt.wantChecked {
				t.Errorf("got %+v, want active=%v checked=%v", got, tt.wantActive, tt.wantChecked)
			}
			if !got.Active && got.Reason == "" {
				t.Error("inactive result needs a reason")
			}
			if gotPath != "/api/search/nip/7250018106" || gotDate != "2026-05-04" {
				t.Errorf("unexpected registry request %s?date=%s", gotPath, gotDate)
			}
		})
	}
}

func TestCheckTaxIDActiveSkipsForeignIdentifiers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	registry := NewWhiteListRegistry(server.URL, discardLogger())
	for _, id := range []string{"", "DE123456789", "12345", "123456789012"} {
		if got := registry.CheckTaxIDActive(context.Background(), id); !got.Active || got.Checked {
			t.Errorf("CheckTaxIDActive(%q) = %+v, want unchecked pass", id, got)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("registry called %d times for foreign identifiers", calls.Load())
	}
}

func TestCheckTaxIDActiveUnreachableRegistry(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	registry := NewWhiteListRegistry(url, discardLogger())
	if got := registry.CheckTaxIDActive(context.Background(), "7250018106"); !got.Active {
		t.Errorf("unreachable registry must not block, got %+v", got)
	}
}

func TestEmailNotifier(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	n := &EmailNotifier{
		addr:   "smtp.example.com:587",
		host:   "smtp.example.com",
		from:   "gateway@example.com",
		to:     "manager@example.com",
		logger: discardLogger(),
		send: func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotTo, gotMsg = addr, to, string(msg)
			return nil
		},
	}

	err := n.NotifyRejection(context.Background(), Rejection{
		SubmissionID:   "sub-1",
		DocumentNumber: "FV/7/2026",
		Message:        "KSeF E1: Invalid NIP",
	})
	if err != nil {
		t.Fatalf("NotifyRejection() error = %v", err)
	}
	if gotAddr != "smtp.example.com:587" || len(gotTo) != 1 || gotTo[0] != "manager@example.com" {
		t.Errorf("unexpected envelope %s %v", gotAddr, gotTo)
	}
	for _, want := range []string{"To: manager@example.com", "Subject: KSeF: faktura FV/7/2026 odrzucona", "Reason: KSeF E1: Invalid NIP", "FV/7/2026"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message does not contain %q:\n%s", want, gotMsg)
		}
	}
}

func TestNewNotifierSelection(t *testing.T) {
	cfg := &config.ServerEnvironment{SMTPPort: 587}
	if _, ok := NewNotifier(cfg, discardLogger()).(*LogNotifier); !ok {
		t.Error("expected log notifier without SMTP settings")
	}

	cfg.SMTPHost = "smtp.example.com"
	cfg.ManagerEmail = "manager@example.com"
	if _, ok := NewNotifier(cfg, discardLogger()).(*EmailNotifier); !ok {
		t.Error("expected email notifier with SMTP host and recipient")
	}
}
