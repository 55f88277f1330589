package invoice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/soap"
	"github.com/shopspring/decimal"
)

type fakeTickets struct{}

func (fakeTickets) Ticket(context.Context, string) (*afip.Ticket, error) {
	return &afip.Ticket{Token: "TOKEN", Sign: "SIGN", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeCredentials struct {
	cred *afip.Credential
}

func (f fakeCredentials) Credential(_ context.Context, tenant string) (*afip.Credential, error) {
	if f.cred == nil || f.cred.TenantID != tenant {
		return nil, afip.NewError(afip.CredentialNotFound, tenant)
	}
	return f.cred, nil
}

type fakeClient struct {
	mu        sync.Mutex
	responses []string
	err       error
	payloads  []string
	auths     []soap.Auth
	envs      []afip.Environment
	last      string
	query     string
	queries   int
}

func (f *fakeClient) RequestAuthorization(_ context.Context, env afip.Environment, auth soap.Auth, payload []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, string(payload))
	f.auths = append(f.auths, auth)
	f.envs = append(f.envs, env)
	if f.err != nil {
		return nil, f.err
	}
	r := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return []byte(r), nil
}

func (f *fakeClient) LastAuthorized(context.Context, afip.Environment, soap.Auth, int, int) ([]byte, error) {
	return []byte(f.last), nil
}

func (f *fakeClient) QueryVoucher(context.Context, afip.Environment, soap.Auth, int, int, int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return []byte(f.query), nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type fakeSequencer struct {
	mu    sync.Mutex
	lasts []int64
	calls int
}

func (s *fakeSequencer) Last(context.Context, Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	n := s.lasts[0]
	if len(s.lasts) > 1 {
		s.lasts = s.lasts[1:]
	}
	return n, nil
}

type fakeSales struct {
	updates map[string]SaleUpdate
	err     error
}

func (f *fakeSales) UpdateSale(_ context.Context, saleID string, u SaleUpdate) error {
	if f.err != nil {
		return f.err
	}
	if f.updates == nil {
		f.updates = map[string]SaleUpdate{}
	}
	f.updates[saleID] = u
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleInvoice() *Invoice {
	return &Invoice{
		TenantID:       "acme",
		SaleID:         "sale-1",
		SalesPoint:     4,
		VoucherType:    6,
		Concept:        Products,
		BuyerDocType:   99,
		BuyerDocNumber: 0,
		TaxConditionID: 5,
		IssueDate:      time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC),
		Net:            dec("100.00"),
		VAT:            dec("21.00"),
		Total:          dec("121.00"),
		VatLines:       []VatLine{{RateID: 5, Base: dec("100.00"), Amount: dec("21.00")}},
	}
}

func approvedResponse(number int64, obs ...afip.Detail) string {
	var o string
	if len(obs) > 0 {
		o = "<Observaciones>"
		for _, d := range obs {
			o += fmt.Sprintf("<Obs><Code>%s</Code><Msg>%s</Msg></Obs>", d.Code, d.Message)
		}
		o += "</Observaciones>"
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
<soap:Body><FECAESolicitarResponse xmlns="http://ar.gov.afip.dif.FEV1/"><FECAESolicitarResult>
<FeCabResp><Cuit>20111111112</Cuit><PtoVta>4</PtoVta><CbteTipo>6</CbteTipo><FchProceso>20240510120000</FchProceso><CantReg>1</CantReg><Resultado>A</Resultado><Reproceso>N</Reproceso></FeCabResp>
<FeDetResp><FECAEDetResponse><Concepto>1</Concepto><DocTipo>99</DocTipo><DocNro>0</DocNro><CbteDesde>%d</CbteDesde><CbteHasta>%d</CbteHasta><CbteFch>20240510</CbteFch><Resultado>A</Resultado>%s<CAE>74191234567890</CAE><CAEFchVto>20240520</CAEFchVto></FECAEDetResponse></FeDetResp>
</FECAESolicitarResult></FECAESolicitarResponse></soap:Body></soap:Envelope>`, number, number, o)
}

const rejectedResponse = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
<soap:Body><FECAESolicitarResponse xmlns="http://ar.gov.afip.dif.FEV1/"><FECAESolicitarResult>
<FeCabResp><Cuit>20111111112</Cuit><PtoVta>4</PtoVta><CbteTipo>6</CbteTipo><CantReg>1</CantReg><Resultado>R</Resultado></FeCabResp>
<FeDetResp><FECAEDetResponse><CbteDesde>11</CbteDesde><CbteHasta>11</CbteHasta><Resultado>R</Resultado><CAE></CAE><CAEFchVto></CAEFchVto></FECAEDetResponse></FeDetResp>
<Errors><Err><Code>10016</Code><Msg>El numero o fecha del comprobante no se corresponde con el proximo a autorizar.</Msg></Err><Err><Code>10048</Code><Msg>El campo ImpTotal no coincide.</Msg></Err></Errors>
</FECAESolicitarResult></FECAESolicitarResponse></soap:Body></soap:Envelope>`
