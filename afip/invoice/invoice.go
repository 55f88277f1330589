// Package invoice requests authorization codes (CAE) for invoices from the
// authority's WSFEv1 service and interprets its verdict.
package invoice

import (
	"fmt"
	"strings"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/shopspring/decimal"
)

// Concept says what the invoice bills for.
type Concept int

const (
	Products            Concept = 1
	Services            Concept = 2
	ProductsAndServices Concept = 3
)

func (c Concept) valid() bool {
	return c >= Products && c <= ProductsAndServices
}

// DefaultCurrency is the authority's code for Argentine pesos.
const DefaultCurrency = "PES"

// VAT rate identifiers (AlicIva Id) and their rates in percent.
var vatRates = map[int]decimal.Decimal{
	3: decimal.Zero,
	4: decimal.RequireFromString("10.5"),
	5: decimal.NewFromInt(21),
	6: decimal.NewFromInt(27),
	8: decimal.NewFromInt(5),
	9: decimal.RequireFromString("2.5"),
}

// VatRate returns the percentage for a VAT rate id.
func VatRate(id int) (decimal.Decimal, bool) {
	r, ok := vatRates[id]
	return r, ok
}

// tolerance is the largest difference accepted between a declared amount and
// the sum of its parts.
var tolerance = decimal.New(1, -2)

type VatLine struct {
	RateID int
	Base   decimal.Decimal
	Amount decimal.Decimal
}

// AssociatedVoucher references the original voucher of a credit or debit note.
type AssociatedVoucher struct {
	VoucherType int
	SalesPoint  int
	Number      int64
	CUIT        string
	Date        time.Time
}

// Invoice is the input of an authorization request. Voucher numbers are not
// part of it: the requester assigns them from the sequencer.
type Invoice struct {
	TenantID string
	// SaleID identifies the sale record updated by Requester.Issue.
	SaleID string

	SalesPoint  int
	VoucherType int
	Concept     Concept

	BuyerDocType   int
	BuyerDocNumber int64
	// TaxConditionID is the buyer's VAT condition (CondicionIVAReceptorId).
	TaxConditionID int

	// IssueDate defaults to the current day.
	IssueDate time.Time
	// Service period and payment due date, required for Services and
	// ProductsAndServices.
	ServiceFrom time.Time
	ServiceTo   time.Time
	PaymentDue  time.Time

	Net    decimal.Decimal
	Exempt decimal.Decimal
	VAT    decimal.Decimal
	Other  decimal.Decimal
	Total  decimal.Decimal

	// Currency defaults to DefaultCurrency with ExchangeRate 1.
	Currency     string
	ExchangeRate decimal.Decimal

	VatLines   []VatLine
	Associated []AssociatedVoucher
}

// Key identifies an independent voucher number sequence.
type Key struct {
	TenantID    string
	SalesPoint  int
	VoucherType int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d", k.TenantID, k.SalesPoint, k.VoucherType)
}

func (inv *Invoice) Key() Key {
	return Key{TenantID: inv.TenantID, SalesPoint: inv.SalesPoint, VoucherType: inv.VoucherType}
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// Validate checks the invoice before anything is sent. All problems are
// reported together as an afip.InvalidRequest error.
func (inv *Invoice) Validate() error {
	var problems []afip.Detail
	add := func(code, format string, args ...any) {
		problems = append(problems, afip.Detail{Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if inv.TenantID == "" {
		add("tenant", "tenant is required")
	}
	if inv.SalesPoint <= 0 {
		add("sales_point", "sales point must be positive, got %d", inv.SalesPoint)
	}
	if inv.VoucherType <= 0 {
		add("voucher_type", "voucher type must be positive, got %d", inv.VoucherType)
	}
	if !inv.Concept.valid() {
		add("concept", "unknown concept %d", inv.Concept)
	}
	if inv.BuyerDocNumber < 0 {
		add("buyer_doc", "buyer document number cannot be negative")
	}

	amounts := []struct {
		name  string
		value decimal.Decimal
	}{
		{"net", inv.Net}, {"exempt", inv.Exempt}, {"vat", inv.VAT}, {"other", inv.Other}, {"total", inv.Total},
	}
	for _, a := range amounts {
		if a.value.IsNegative() {
			add(a.name, "%s amount cannot be negative", a.name)
		}
	}

	sum := round(inv.Net).Add(round(inv.Exempt)).Add(round(inv.VAT)).Add(round(inv.Other))
	if !within(round(inv.Total), sum) {
		add("total", "total %s does not match net + exempt + vat + other = %s",
			round(inv.Total).StringFixed(2), sum.StringFixed(2))
	}

	lineVAT := decimal.Zero
	for i, l := range inv.VatLines {
		if _, ok := vatRates[l.RateID]; !ok {
			add("vat_line", "line %d: unknown VAT rate id %d", i+1, l.RateID)
		}
		if l.Base.IsNegative() || l.Amount.IsNegative() {
			add("vat_line", "line %d: amounts cannot be negative", i+1)
		}
		lineVAT = lineVAT.Add(round(l.Amount))
	}
	if !within(round(inv.VAT), lineVAT) {
		add("vat", "VAT total %s does not match VAT lines sum %s",
			round(inv.VAT).StringFixed(2), lineVAT.StringFixed(2))
	}

	if inv.Concept == Services || inv.Concept == ProductsAndServices {
		if inv.ServiceFrom.IsZero() || inv.ServiceTo.IsZero() || inv.PaymentDue.IsZero() {
			add("service_period", "service period and payment due date are required for concept %d", inv.Concept)
		} else if inv.ServiceTo.Before(inv.ServiceFrom) {
			add("service_period", "service period ends before it starts")
		}
	}

	if inv.Currency != "" && !strings.EqualFold(inv.Currency, DefaultCurrency) && !inv.ExchangeRate.IsPositive() {
		add("currency", "exchange rate is required for currency %s", inv.Currency)
	}

	if len(problems) == 0 {
		return nil
	}
	e := afip.NewError(afip.InvalidRequest, "invoice failed validation")
	e.Details = problems
	return e
}
