package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// Environment variables with defaults
type ServerEnvironment struct {

	// http server settings
	Environment           string        `env:"ENVIRONMENT,default=dev"`
	Host                  string        `env:"HOST,default=0.0.0.0"`
	Port                  int           `env:"PORT,default=8080"`
	LogLevel              string        `env:"LOG_LEVEL,default=debug"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
	ReadTimeout           time.Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout          time.Duration `env:"WRITE_TIMEOUT,default=60s"`
	IdleTimeout           time.Duration `env:"IDLE_TIMEOUT,default=60s"`
	RateLimitRPS          int32         `env:"RATE_LIMIT_RPS,default=100"`
	RateLimitBurst        int32         `env:"RATE_LIMIT_BURST,default=200"`
	MaxRequestBodySize    int64         `env:"MAX_REQUEST_BODY_SIZE,default=1048576"`
	APIToken              string        `env:"API_TOKEN"`
	CronSecret            string        `env:"CRON_SECRET"`

	// database settings (an empty DATABASE_URL selects the in-memory store, dev/test only)
	DatabaseURL         string        `env:"DATABASE_URL"`
	DBMaxConnections    int32         `env:"DB_MAX_CONNECTIONS,default=4"`
	DBMinConnections    int32         `env:"DB_MIN_CONNECTIONS,default=0"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME,default=60m"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME,default=30m"`
	DBConnectTimeout    time.Duration `env:"DB_CONNECT_TIMEOUT,default=5s"`
	DatabasePingTimeout time.Duration `env:"DATABASE_PING_TIMEOUT,default=10s"`

	// KSeF gateway
	KsefEnv             string        `env:"KSEF_ENV,default=test"`
	KsefAllowProduction bool          `env:"KSEF_ALLOW_PRODUCTION,default=false"`
	KsefBaseURL         string        `env:"KSEF_BASE_URL"`
	KsefTestURL         string        `env:"KSEF_TEST_URL,default=https://ksef-test.mf.gov.pl"`
	KsefProdURL         string        `env:"KSEF_PROD_URL,default=https://ksef.mf.gov.pl"`
	KsefNIP             string        `env:"KSEF_NIP"`
	KsefAuthToken       string        `env:"KSEF_AUTH_TOKEN"`
	KsefHTTPTimeout     time.Duration `env:"KSEF_HTTP_TIMEOUT,default=30s"`
	KsefRequestsPerSec  int32         `env:"KSEF_REQUESTS_PER_SECOND,default=5"`
	KsefRequestBurst    int32         `env:"KSEF_REQUEST_BURST,default=5"`
	KsefQueueBatchSize  int           `env:"KSEF_QUEUE_BATCH_SIZE,default=20"`
	KsefQueueEntryTTL   time.Duration `env:"KSEF_QUEUE_ENTRY_TTL,default=72h"`
	KsefKeepAliveAfter  time.Duration `env:"KSEF_KEEPALIVE_AFTER,default=10m"`
	KsefStatusPollSince time.Duration `env:"KSEF_STATUS_POLL_WINDOW,default=24h"`
	KsefStatusPollLimit int           `env:"KSEF_STATUS_POLL_LIMIT,default=50"`

	// VAT white list registry used by the buyer NIP gate
	WLAPIURL     string        `env:"WL_API_URL"`
	WLAPITimeout time.Duration `env:"WL_API_TIMEOUT,default=10s"`

	// receipt (UPO) archive - S3 takes precedence over the local directory
	UpoStorageDir string `env:"KSEF_UPO_STORAGE_DIR"`
	UpoS3Bucket   string `env:"KSEF_UPO_S3_BUCKET"`
	UpoS3Region   string `env:"KSEF_UPO_S3_REGION,default=eu-central-1"`
	UpoS3Endpoint string `env:"KSEF_UPO_S3_ENDPOINT"`
	UpoS3Prefix   string `env:"KSEF_UPO_S3_PREFIX,default=upo/"`

	// rejection alerts
	AlertEmail   string `env:"KSEF_ALERT_EMAIL"`
	ManagerEmail string `env:"MANAGER_EMAIL"`
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT,default=587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM,default=ksef-gateway@localhost"`

	// seller identity printed on rendered invoices
	SellerName       string `env:"SELLER_NAME"`
	SellerAddress    string `env:"SELLER_ADDRESS"`
	SellerPostalCode string `env:"SELLER_POSTAL_CODE"`
	SellerCity       string `env:"SELLER_CITY"`
	SellerEmail      string `env:"SELLER_EMAIL"`
	SellerPhone      string `env:"SELLER_PHONE"`
}

const (
	KsefEnvTest = "test"
	KsefEnvProd = "prod"

	wlTestURL = "https://wl-test.mf.gov.pl"
	wlProdURL = "https://wl-api.mf.gov.pl"
)

var validEnvs = map[string]bool{
	"dev":     true,
	"test":    true,
	"prod":    true,
	"staging": true,
}

var nipPattern = regexp.MustCompile(`^\d{10}$`)

// NewServerConfig loads environment variables and returns a ServerEnvironment struct that contains the values
func NewServerConfig() (*ServerEnvironment, error) {
	var cfg ServerEnvironment

	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment variables: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateConfig checks for required env variables
func validateConfig(cfg *ServerEnvironment) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if !validEnvs[cfg.Environment] {
		return fmt.Errorf("invalid ENVIRONMENT: %s", cfg.Environment)
	}

	if cfg.DBMaxConnections < 1 {
		return fmt.Errorf("DB_MAX_CONNECTIONS must be at least 1")
	}
	if cfg.DBMinConnections < 0 {
		return fmt.Errorf("DB_MIN_CONNECTIONS must be 0 or greater")
	}
	if cfg.DBMinConnections > cfg.DBMaxConnections {
		return fmt.Errorf("DB_MIN_CONNECTIONS (%d) cannot be greater than DB_MAX_CONNECTIONS (%d)",
			cfg.DBMinConnections, cfg.DBMaxConnections)
	}
	if cfg.DatabaseURL == "" && !cfg.IsDevelopment() {
		return fmt.Errorf("DATABASE_URL is required when ENVIRONMENT is %s", cfg.Environment)
	}
	if cfg.APIToken == "" && !cfg.IsDevelopment() {
		return fmt.Errorf("API_TOKEN is required when ENVIRONMENT is %s", cfg.Environment)
	}

	switch cfg.KsefEnv {
	case KsefEnvTest:
	case KsefEnvProd:
		if !cfg.KsefAllowProduction {
			return fmt.Errorf("KSEF_ENV=prod requires KSEF_ALLOW_PRODUCTION=true")
		}
	default:
		return fmt.Errorf("KSEF_ENV must be %q or %q, got %q", KsefEnvTest, KsefEnvProd, cfg.KsefEnv)
	}

	if cfg.KsefNIP != "" && !nipPattern.MatchString(cfg.KsefNIP) {
		return fmt.Errorf("KSEF_NIP must be 10 digits")
	}
	if cfg.KsefNIP == "" && !cfg.IsDevelopment() {
		return fmt.Errorf("KSEF_NIP is required when ENVIRONMENT is %s", cfg.Environment)
	}

	if cfg.KsefQueueBatchSize < 1 {
		return fmt.Errorf("KSEF_QUEUE_BATCH_SIZE must be at least 1")
	}
	if cfg.KsefQueueEntryTTL < 0 {
		return fmt.Errorf("KSEF_QUEUE_ENTRY_TTL must be 0 (disabled) or positive")
	}
	if cfg.KsefStatusPollLimit < 1 {
		return fmt.Errorf("KSEF_STATUS_POLL_LIMIT must be at least 1")
	}
	if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
		return fmt.Errorf("SMTP_PORT must be between 1 and 65535")
	}

	return nil
}

// IsDevelopment reports whether the service runs in a local environment where the in-memory
// store and unauthenticated operator endpoints are acceptable.
func (cfg *ServerEnvironment) IsDevelopment() bool {
	return cfg.Environment == "dev" || cfg.Environment == "test"
}

// KsefURL returns the authority base URL for the selected KSeF environment.
func (cfg *ServerEnvironment) KsefURL() string {
	if cfg.KsefBaseURL != "" {
		return strings.TrimRight(cfg.KsefBaseURL, "/")
	}
	if cfg.KsefEnv == KsefEnvProd && cfg.KsefAllowProduction {
		return strings.TrimRight(cfg.KsefProdURL, "/")
	}
	return strings.TrimRight(cfg.KsefTestURL, "/")
}

// WhiteListURL returns the VAT registry base URL matching the KSeF environment.
func (cfg *ServerEnvironment) WhiteListURL() string {
	if cfg.WLAPIURL != "" {
		return strings.TrimRight(cfg.WLAPIURL, "/")
	}
	if cfg.KsefEnv == KsefEnvProd {
		return wlProdURL
	}
	return wlTestURL
}

// AlertRecipient is the address that receives rejection alerts (empty when alerts are off).
func (cfg *ServerEnvironment) AlertRecipient() string {
	if cfg.AlertEmail != "" {
		return cfg.AlertEmail
	}
	return cfg.ManagerEmail
}

// JobSecret is the bearer token expected on scheduler endpoints.
func (cfg *ServerEnvironment) JobSecret() string {
	if cfg.CronSecret != "" {
		return cfg.CronSecret
	}
	return cfg.APIToken
}

// MaskedNIP hides the middle of the holder NIP for logs and the config endpoint.
func (cfg *ServerEnvironment) MaskedNIP() string {
	return MaskNIP(cfg.KsefNIP)
}

// MaskNIP keeps the first and last three characters, e.g. 123****890.
func MaskNIP(nip string) string {
	if len(nip) < 7 {
		return strings.Repeat("*", len(nip))
	}
	return nip[:3] + "****" + nip[len(nip)-3:]
}
