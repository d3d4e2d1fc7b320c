package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/information-sharing-networks/ksef-gateway/internal/config"
	"github.com/information-sharing-networks/ksef-gateway/internal/ksef"
)

// VAT statuses reported by the white-list registry.
const (
	StatusVatActive       = "Czynny"
	StatusVatExempt       = "Zwolniony"
	StatusVatUnregistered = "Niezarejestrowany"
)

// TaxpayerRegistry checks buyer tax identifiers before submission.
type TaxpayerRegistry interface {
	// CheckTaxIDActive never fails: registry errors are reported as active.
	CheckTaxIDActive(ctx context.Context, taxID string) NIPCheck
}

// NIPCheck is the outcome of a buyer tax identifier check.
type NIPCheck struct {
	Active bool

	// Reason explains an inactive result.
	Reason string

	// Checked is false when the registry was not consulted (foreign identifier) or could not be
	// reached.
	Checked bool
}

// WhiteListRegistry queries the Ministry of Finance VAT payer register (Wykaz podatników VAT).
//
//	GET {baseURL}/api/search/nip/{nip}?date=YYYY-MM-DD
//	Response: {"result": {"subject": {"statusVat": "Czynny"}}}
//	404 or a missing subject: the NIP is not in the register
type WhiteListRegistry struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type RegistryOption func(*WhiteListRegistry)

func WithRegistryTimeout(d time.Duration) RegistryOption {
	return func(r *WhiteListRegistry) {
		if d > 0 {
			r.httpClient.Timeout = d
		}
	}
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *WhiteListRegistry) { r.now = now }
}

func NewWhiteListRegistry(baseURL string, logger *slog.Logger, opts ...RegistryOption) *WhiteListRegistry {
	r := &WhiteListRegistry{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// registryResponse accepts the subject at the top level or under result.
type registryResponse struct {
	Result *struct {
		Subject *registrySubject `json:"subject"`
	} `json:"result"`
	Subject *registrySubject `json:"subject"`
}

type registrySubject struct {
	StatusVat string `json:"statusVat"`
}

func (r registryResponse) subject() *registrySubject {
	if r.Result != nil && r.Result.Subject != nil {
		return r.Result.Subject
	}
	return r.Subject
}

const notInRegister = "buyer NIP is not in the VAT payer register (inactive); check the NIP in the Ministry of Finance search"

// CheckTaxIDActive reports whether taxID may be invoiced. Identifiers that do not normalize to
// 10 digits are out of jurisdiction and pass unchecked.
func (r *WhiteListRegistry) CheckTaxIDActive(ctx context.Context, taxID string) NIPCheck {
	nip := digitsOnly(taxID)
	if len(nip) != 10 {
		return NIPCheck{Active: true}
	}

	status, found, err := r.lookup(ctx, nip)
	if err != nil {
		r.logger.Warn("tax registry unavailable, allowing submission",
			slog.String("nip", config.MaskNIP(nip)),
			slog.String("error", ksef.WrapRegistryUnavailableError(err, "registry lookup failed").Error()),
		)
		return NIPCheck{Active: true}
	}

	switch {
	case !found:
		return NIPCheck{Active: false, Checked: true, Reason: notInRegister}
	case strings.EqualFold(status, StatusVatUnregistered) || strings.EqualFold(status, "unregistered"):
		return NIPCheck{Active: false, Checked: true,
			Reason: fmt.Sprintf("buyer NIP has status %q in the VAT payer register; check the NIP in the Ministry of Finance search", status)}
	case strings.EqualFold(status, StatusVatActive), strings.EqualFold(status, StatusVatExempt),
		strings.EqualFold(status, "active"), strings.EqualFold(status, "exempt"):
		return NIPCheck{Active: true, Checked: true}
	default:
		r.logger.Info("unknown VAT status, allowing submission",
			slog.String("nip", config.MaskNIP(nip)),
			slog.String("status_vat", status),
		)
		return NIPCheck{Active: true, Checked: true}
	}
}

// lookup returns the statusVat of nip and whether the register knows it.
func (r *WhiteListRegistry) lookup(ctx context.Context, nip string) (string, bool, error) {
	u, err := url.Parse(r.baseURL + "/api/search/nip/" + url.PathEscape(nip))
	if err != nil {
		return "", false, fmt.Errorf("failed to parse registry URL: %w", err)
	}
	q := u.Query()
	q.Set("date", r.now().Format(time.DateOnly))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	// #nosec G704 -- the base URL comes from server configuration, the NIP is 10 digits
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("failed to call registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, fmt.Errorf("registry returned status %d: %s", resp.StatusCode, string(body))
	}

	var out registryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", false, fmt.Errorf("failed to decode registry response: %w", err)
	}
	subject := out.subject()
	if subject == nil {
		return "", false, nil
	}
	return subject.StatusVat, true, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
