package config

import (
	"strings"
	"testing"
)

func TestNewServerConfigDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "dev")
	t.Setenv("KSEF_ENV", "")
	t.Setenv("KSEF_BASE_URL", "")

	cfg, err := NewServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.KsefEnv != KsefEnvTest {
		t.Errorf("KsefEnv = %q, want %q", cfg.KsefEnv, KsefEnvTest)
	}
	if got := cfg.KsefURL(); got != "https://ksef-test.mf.gov.pl" {
		t.Errorf("KsefURL() = %q", got)
	}
	if got := cfg.WhiteListURL(); got != "https://wl-test.mf.gov.pl" {
		t.Errorf("WhiteListURL() = %q", got)
	}
	if cfg.KsefQueueBatchSize != 20 {
		t.Errorf("KsefQueueBatchSize = %d, want 20", cfg.KsefQueueBatchSize)
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() ServerEnvironment {
		return ServerEnvironment{
			Environment:         "dev",
			Port:                8080,
			DBMaxConnections:    4,
			KsefEnv:             KsefEnvTest,
			KsefQueueBatchSize:  20,
			KsefStatusPollLimit: 50,
			SMTPPort:            587,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*ServerEnvironment)
		wantErr string
	}{
		{"valid dev config", func(c *ServerEnvironment) {}, ""},
		{"prod without opt-in", func(c *ServerEnvironment) { c.KsefEnv = KsefEnvProd }, "KSEF_ALLOW_PRODUCTION"},
		{"prod with opt-in", func(c *ServerEnvironment) {
			c.KsefEnv = KsefEnvProd
			c.KsefAllowProduction = true
		}, ""},
		{"unknown ksef env", func(c *ServerEnvironment) { c.KsefEnv = "staging" }, "KSEF_ENV"},
		{"short nip", func(c *ServerEnvironment) { c.KsefNIP = "12345" }, "KSEF_NIP"},
		{"database required in prod", func(c *ServerEnvironment) {
			c.Environment = "prod"
			c.APIToken = "secret"
			c.KsefNIP = "1234567890"
		}, "DATABASE_URL"},
		{"api token required in staging", func(c *ServerEnvironment) {
			c.Environment = "staging"
			c.DatabaseURL = "postgres://localhost/ksef"
			c.KsefNIP = "1234567890"
		}, "API_TOKEN"},
		{"negative queue ttl", func(c *ServerEnvironment) { c.KsefQueueEntryTTL = -1 }, "KSEF_QUEUE_ENTRY_TTL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)

			err := validateConfig(&cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestKsefURL(t *testing.T) {
	cfg := ServerEnvironment{
		KsefEnv:     KsefEnvProd,
		KsefTestURL: "https://ksef-test.mf.gov.pl",
		KsefProdURL: "https://ksef.mf.gov.pl/",
	}

	if got := cfg.KsefURL(); got != "https://ksef-test.mf.gov.pl" {
		t.Errorf("prod without opt-in must stay on test, got %q", got)
	}

	cfg.KsefAllowProduction = true
	if got := cfg.KsefURL(); got != "https://ksef.mf.gov.pl" {
		t.Errorf("KsefURL() = %q", got)
	}

	cfg.KsefBaseURL = "http://localhost:9000/"
	if got := cfg.KsefURL(); got != "http://localhost:9000" {
		t.Errorf("override ignored, got %q", got)
	}
}

func TestMaskNIP(t *testing.T) {
	tests := map[string]string{
		"1234567890": "123****890",
		"12345":      "*****",
		"":           "",
	}
	for in, want := range tests {
		if got := MaskNIP(in); got != want {
			t.Errorf("MaskNIP(%q) = %q, want %q", in, got, want)
		}
	}
}
