// Package invoice holds the outbound invoice model and turns it into an FA(2) e-invoice document.
//
// Amounts are integer grosze (1/100 PLN). The VAT arithmetic is done by the caller: the renderer
// prints the amounts it is given and only sums the per-rate subtotals.
package invoice

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultItemName is used for the single line rendered when an invoice carries no items.
const DefaultItemName = "Usługa noclegowa"

type Invoice struct {
	Number   string     `json:"number"`
	IssuedAt time.Time  `json:"issuedAt"`
	SaleDate *time.Time `json:"saleDate,omitempty"`
	Place    string     `json:"place,omitempty"`

	AmountNet   int64 `json:"amountNet"`
	AmountVat   int64 `json:"amountVat"`
	AmountGross int64 `json:"amountGross"`
	VatRate     int   `json:"vatRate"`

	Buyer      Buyer       `json:"buyer"`
	Correction *Correction `json:"correction,omitempty"`
	Items      []Item      `json:"items,omitempty"`
}

type Buyer struct {
	NIP        string `json:"nip,omitempty"`
	Name       string `json:"name"`
	Address    string `json:"address,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	City       string `json:"city,omitempty"`
}

// Correction marks a corrective invoice (faktura korygująca).
type Correction struct {
	Reason          string `json:"reason,omitempty"`
	CorrectedNumber string `json:"correctedNumber"`
	Period          string `json:"period,omitempty"`
}

type Item struct {
	Name        string  `json:"name"`
	Quantity    float64 `json:"quantity"`
	AmountNet   int64   `json:"amountNet"`
	AmountVat   int64   `json:"amountVat"`
	AmountGross int64   `json:"amountGross"`
	VatRate     int     `json:"vatRate"`
}

// Seller is the invoice issuer, taken from configuration.
type Seller struct {
	NIP        string
	Name       string
	Address    string
	PostalCode string
	City       string
	Email      string
	Phone      string
}

// Lines returns the invoice items, or one default line carrying the invoice totals.
func (inv Invoice) Lines() []Item {
	if len(inv.Items) > 0 {
		return inv.Items
	}
	return []Item{{
		Name:        DefaultItemName,
		Quantity:    1,
		AmountNet:   inv.AmountNet,
		AmountVat:   inv.AmountVat,
		AmountGross: inv.AmountGross,
		VatRate:     inv.VatRate,
	}}
}

// BuyerNIP returns the buyer tax identifier without whitespace (empty when the buyer has none).
func (inv Invoice) BuyerNIP() string {
	return strings.Join(strings.Fields(inv.Buyer.NIP), "")
}

// Check validates the fields the renderer cannot do without.
func (inv Invoice) Check() error {
	var errs []error
	if strings.TrimSpace(inv.Number) == "" {
		errs = append(errs, errors.New("number is required"))
	}
	if inv.IssuedAt.IsZero() {
		errs = append(errs, errors.New("issuedAt is required"))
	}
	if strings.TrimSpace(inv.Buyer.Name) == "" {
		errs = append(errs, errors.New("buyer name is required"))
	}
	for i, item := range inv.Items {
		if strings.TrimSpace(item.Name) == "" {
			errs = append(errs, fmt.Errorf("item %d: name is required", i+1))
		}
		if item.Quantity <= 0 {
			errs = append(errs, fmt.Errorf("item %d: quantity must be positive", i+1))
		}
	}
	return errors.Join(errs...)
}
