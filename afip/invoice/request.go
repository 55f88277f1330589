package invoice

import (
	"strings"
	"time"

	"github.com/alapierre/go-afip-client/afip/util"
	"github.com/shopspring/decimal"
)

var requestTemplate = `      <FeCAEReq>
        <FeCabReq>
          <CantReg>1</CantReg>
          <PtoVta>{{.SalesPoint}}</PtoVta>
          <CbteTipo>{{.VoucherType}}</CbteTipo>
        </FeCabReq>
        <FeDetReq>
          <FECAEDetRequest>
            <Concepto>{{.Concept}}</Concepto>
            <DocTipo>{{.DocType}}</DocTipo>
            <DocNro>{{.DocNumber}}</DocNro>
            <CbteDesde>{{.Number}}</CbteDesde>
            <CbteHasta>{{.Number}}</CbteHasta>
            <CbteFch>{{.Date}}</CbteFch>
            <ImpTotal>{{.Total}}</ImpTotal>
            <ImpTotConc>0.00</ImpTotConc>
            <ImpNeto>{{.Net}}</ImpNeto>
            <ImpOpEx>{{.Exempt}}</ImpOpEx>
            <ImpTrib>{{.Other}}</ImpTrib>
            <ImpIVA>{{.VAT}}</ImpIVA>
{{- if .ServiceFrom}}
            <FchServDesde>{{.ServiceFrom}}</FchServDesde>
            <FchServHasta>{{.ServiceTo}}</FchServHasta>
            <FchVtoPago>{{.PaymentDue}}</FchVtoPago>
{{- end}}
            <MonId>{{xml .Currency}}</MonId>
            <MonCotiz>{{.ExchangeRate}}</MonCotiz>
{{- if .TaxCondition}}
            <CondicionIVAReceptorId>{{.TaxCondition}}</CondicionIVAReceptorId>
{{- end}}
{{- if .Associated}}
            <CbtesAsoc>
{{- range .Associated}}
              <CbteAsoc>
                <Tipo>{{.VoucherType}}</Tipo>
                <PtoVta>{{.SalesPoint}}</PtoVta>
                <Nro>{{.Number}}</Nro>
{{- if .CUIT}}
                <Cuit>{{xml .CUIT}}</Cuit>
{{- end}}
{{- if .Date}}
                <CbteFch>{{.Date}}</CbteFch>
{{- end}}
              </CbteAsoc>
{{- end}}
            </CbtesAsoc>
{{- end}}
{{- if .VatLines}}
            <Iva>
{{- range .VatLines}}
              <AlicIva>
                <Id>{{.RateID}}</Id>
                <BaseImp>{{.Base}}</BaseImp>
                <Importe>{{.Amount}}</Importe>
              </AlicIva>
{{- end}}
            </Iva>
{{- end}}
          </FECAEDetRequest>
        </FeDetReq>
      </FeCAEReq>`

type requestModel struct {
	SalesPoint   int
	VoucherType  int
	Concept      int
	DocType      int
	DocNumber    int64
	Number       int64
	Date         string
	Total        string
	Net          string
	Exempt       string
	Other        string
	VAT          string
	ServiceFrom  string
	ServiceTo    string
	PaymentDue   string
	Currency     string
	ExchangeRate string
	TaxCondition int
	Associated   []associatedModel
	VatLines     []vatLineModel
}

type associatedModel struct {
	VoucherType int
	SalesPoint  int
	Number      int64
	CUIT        string
	Date        string
}

type vatLineModel struct {
	RateID int
	Base   string
	Amount string
}

func amount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func compactDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return util.CalendarDate(t)
}

// buildRequest renders the FeCAEReq element for a single voucher numbered
// number. Amounts are rounded to two decimals.
func buildRequest(inv *Invoice, number int64, now time.Time) ([]byte, error) {
	issued := compactDate(inv.IssueDate)
	if issued == "" {
		issued = util.CompactDate(now)
	}

	currency := strings.ToUpper(inv.Currency)
	rate := inv.ExchangeRate
	if currency == "" {
		currency = DefaultCurrency
	}
	if currency == DefaultCurrency || !rate.IsPositive() {
		rate = decimal.NewFromInt(1)
	}

	m := requestModel{
		SalesPoint:   inv.SalesPoint,
		VoucherType:  inv.VoucherType,
		Concept:      int(inv.Concept),
		DocType:      inv.BuyerDocType,
		DocNumber:    inv.BuyerDocNumber,
		Number:       number,
		Date:         issued,
		Total:        amount(inv.Total),
		Net:          amount(inv.Net),
		Exempt:       amount(inv.Exempt),
		Other:        amount(inv.Other),
		VAT:          amount(inv.VAT),
		Currency:     currency,
		ExchangeRate: rate.StringFixed(6),
		TaxCondition: inv.TaxConditionID,
	}
	if inv.Concept == Services || inv.Concept == ProductsAndServices {
		m.ServiceFrom = compactDate(inv.ServiceFrom)
		m.ServiceTo = compactDate(inv.ServiceTo)
		m.PaymentDue = compactDate(inv.PaymentDue)
	}
	for _, a := range inv.Associated {
		m.Associated = append(m.Associated, associatedModel{
			VoucherType: a.VoucherType,
			SalesPoint:  a.SalesPoint,
			Number:      a.Number,
			CUIT:        a.CUIT,
			Date:        compactDate(a.Date),
		})
	}
	for _, l := range inv.VatLines {
		m.VatLines = append(m.VatLines, vatLineModel{RateID: l.RateID, Base: amount(l.Base), Amount: amount(l.Amount)})
	}

	return util.MergeTemplate(&requestTemplate, m)
}
