package invoice

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
)

const (
	// FA2Namespace is the namespace of the FA(2) structured invoice schema.
	FA2Namespace = "http://crd.gov.pl/wzor/2023/06/29/12648/"

	defaultSystemInfo = "ksef-gateway"

	// maxSummaryRates is the number of VAT rate subtotals FA(2) has slots for.
	maxSummaryRates = 4
)

// Renderer produces FA(2) documents for a fixed seller.
type Renderer struct {
	seller     Seller
	systemInfo string
	now        func() time.Time
}

type RendererOption func(*Renderer)

// WithSystemInfo sets the Naglowek/SystemInfo value.
func WithSystemInfo(s string) RendererOption {
	return func(r *Renderer) { r.systemInfo = s }
}

// WithClock overrides the clock used for DataWytworzeniaFa.
func WithClock(now func() time.Time) RendererOption {
	return func(r *Renderer) { r.now = now }
}

func NewRenderer(seller Seller, opts ...RendererOption) *Renderer {
	r := &Renderer{
		seller:     seller,
		systemInfo: defaultSystemInfo,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render builds the FA(2) XML document for inv.
func (r *Renderer) Render(inv Invoice) ([]byte, error) {
	if err := inv.Check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("Faktura")
	root.CreateAttr("xmlns", FA2Namespace)

	r.header(root)
	r.seller1(root)
	buyer(root, inv.Buyer)
	body(root, inv)

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize invoice %s: %w", inv.Number, err)
	}
	return out, nil
}

func (r *Renderer) header(root *etree.Element) {
	h := root.CreateElement("Naglowek")
	kod := h.CreateElement("KodFormularza")
	kod.CreateAttr("kodSystemowy", "FA (2)")
	kod.CreateAttr("wersjaSchemy", "1-0E")
	kod.SetText("FA")
	text(h, "WariantFormularza", "2")
	text(h, "DataWytworzeniaFa", r.now().UTC().Format("2006-01-02T15:04:05Z"))
	text(h, "SystemInfo", r.systemInfo)
}

func (r *Renderer) seller1(root *etree.Element) {
	p := root.CreateElement("Podmiot1")
	id := p.CreateElement("DaneIdentyfikacyjne")
	text(id, "NIP", strings.Join(strings.Fields(r.seller.NIP), ""))
	text(id, "Nazwa", r.seller.Name)

	addr := p.CreateElement("Adres")
	text(addr, "KodKraju", "PL")
	text(addr, "AdresL1", orDash(r.seller.Address))
	if l2 := joinNonEmpty(" ", r.seller.PostalCode, r.seller.City); l2 != "" {
		text(addr, "AdresL2", l2)
	}

	if r.seller.Email != "" || r.seller.Phone != "" {
		contact := p.CreateElement("DaneKontaktowe")
		optional(contact, "Email", r.seller.Email)
		optional(contact, "Telefon", r.seller.Phone)
	}
}

func buyer(root *etree.Element, b Buyer) {
	p := root.CreateElement("Podmiot2")
	id := p.CreateElement("DaneIdentyfikacyjne")
	if nip := strings.Join(strings.Fields(b.NIP), ""); nip != "" {
		text(id, "NIP", nip)
	} else {
		text(id, "BrakID", "1")
	}
	text(id, "Nazwa", b.Name)

	addr := p.CreateElement("Adres")
	text(addr, "KodKraju", "PL")
	text(addr, "AdresL1", orDash(b.Address))
	if l2 := joinNonEmpty(" ", b.PostalCode, b.City); l2 != "" {
		text(addr, "AdresL2", l2)
	}
}

func body(root *etree.Element, inv Invoice) {
	fa := root.CreateElement("Fa")
	text(fa, "KodWaluty", "PLN")
	text(fa, "P_1", inv.IssuedAt.Format(time.DateOnly))
	optional(fa, "P_1M", inv.Place)
	text(fa, "P_2", inv.Number)

	saleDate := inv.IssuedAt
	if inv.SaleDate != nil {
		saleDate = *inv.SaleDate
	}
	text(fa, "P_6", saleDate.Format(time.DateOnly))

	if c := inv.Correction; c != nil {
		text(fa, "RodzajFaktury", "KOR")
		optional(fa, "PrzyczynaKorekty", c.Reason)
		corrected := fa.CreateElement("DaneFaKorygowanej")
		text(corrected, "NrFaKorygowanej", c.CorrectedNumber)
		optional(fa, "OkresFaKorygowanej", c.Period)
	} else {
		text(fa, "RodzajFaktury", "VAT")
	}

	lines := inv.Lines()
	rows := fa.CreateElement("FaWiersze")
	for i, item := range lines {
		row := rows.CreateElement("FaWiersz")
		text(row, "NrWierszaFa", strconv.Itoa(i+1))
		text(row, "P_7", item.Name)
		text(row, "P_8A", "szt")
		text(row, "P_8B", strconv.FormatFloat(item.Quantity, 'f', -1, 64))
		text(row, "P_9A", FormatAmount(unitPrice(item)))
		text(row, "P_11", FormatAmount(item.AmountNet))
		text(row, "P_11Vat", FormatAmount(item.AmountVat))
		text(row, "P_12", strconv.Itoa(item.VatRate))
	}

	summary := fa.CreateElement("Podsumowanie")
	for i, s := range subtotals(lines) {
		text(summary, fmt.Sprintf("P_13_%d", i+1), FormatAmount(s.net))
		text(summary, fmt.Sprintf("P_14_%d", i+1), FormatAmount(s.vat))
	}

	text(fa, "P_15_2", FormatAmount(inv.AmountNet))
	text(fa, "P_16", FormatAmount(inv.AmountVat))
	text(fa, "P_17", FormatAmount(inv.AmountGross))
}

type subtotal struct {
	rate     int
	net, vat int64
}

// subtotals groups lines by VAT rate in ascending rate order, capped at maxSummaryRates.
func subtotals(lines []Item) []subtotal {
	byRate := map[int]*subtotal{}
	for _, item := range lines {
		s, ok := byRate[item.VatRate]
		if !ok {
			s = &subtotal{rate: item.VatRate}
			byRate[item.VatRate] = s
		}
		s.net += item.AmountNet
		s.vat += item.AmountVat
	}

	out := make([]subtotal, 0, len(byRate))
	for _, s := range byRate {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b subtotal) int { return a.rate - b.rate })
	if len(out) > maxSummaryRates {
		out = out[:maxSummaryRates]
	}
	return out
}

func unitPrice(item Item) int64 {
	if item.Quantity == 0 {
		return item.AmountNet
	}
	return int64(math.Round(float64(item.AmountNet) / item.Quantity))
}

// FormatAmount prints grosze as a decimal PLN amount, e.g. 12345 -> "123.45".
func FormatAmount(grosze int64) string {
	sign := ""
	if grosze < 0 {
		sign = "-"
		grosze = -grosze
	}
	return fmt.Sprintf("%s%d.%02d", sign, grosze/100, grosze%100)
}

func text(parent *etree.Element, tag, value string) {
	parent.CreateElement(tag).SetText(value)
}

func optional(parent *etree.Element, tag, value string) {
	if value != "" {
		text(parent, tag, value)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
