package soap

import (
	"context"
	"fmt"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/util"
)

// FEV1Namespace is the namespace of every WSFEv1 element. Payload fragments
// passed to RequestAuthorization are placed under an element declaring it as
// the default namespace, so they are written without prefixes.
const FEV1Namespace = "http://ar.gov.afip.dif.FEV1/"

var wsfeTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Header/>
  <soap:Body>
    <{{.Operation}} xmlns="` + FEV1Namespace + `">
{{- if .Auth}}
      <Auth>
        <Token>{{xml .Auth.Token}}</Token>
        <Sign>{{xml .Auth.Sign}}</Sign>
        <Cuit>{{xml .Auth.CUIT}}</Cuit>
      </Auth>
{{- end}}
{{.Body}}
    </{{.Operation}}>
  </soap:Body>
</soap:Envelope>
`

type wsfeCall struct {
	Operation string
	Auth      *Auth
	Body      string
}

func (c *Client) callWSFE(ctx context.Context, env afip.Environment, call wsfeCall) ([]byte, error) {
	ep, err := c.endpointsFor(env)
	if err != nil {
		return nil, err
	}
	envelope, err := util.MergeTemplate(&wsfeTemplate, call)
	if err != nil {
		return nil, afip.WrapError(afip.InvalidRequest, err, "render "+call.Operation+" envelope")
	}
	return c.post(ctx, ep.Invoicing, FEV1Namespace+call.Operation, call.Operation, envelope)
}

// RequestAuthorization submits an FECAESolicitar request. payload is the
// FeCAEReq element. The call is never retried here: a lost response may hide
// a granted authorization, so the caller has to check before resubmitting.
func (c *Client) RequestAuthorization(ctx context.Context, env afip.Environment, auth Auth, payload []byte) ([]byte, error) {
	return c.callWSFE(ctx, env, wsfeCall{
		Operation: "FECAESolicitar",
		Auth:      &auth,
		Body:      string(payload),
	})
}

// LastAuthorized asks for the last authorized voucher number of a sales point
// and voucher type (FECompUltimoAutorizado).
func (c *Client) LastAuthorized(ctx context.Context, env afip.Environment, auth Auth, salesPoint, voucherType int) ([]byte, error) {
	return c.callWSFE(ctx, env, wsfeCall{
		Operation: "FECompUltimoAutorizado",
		Auth:      &auth,
		Body:      fmt.Sprintf("      <PtoVta>%d</PtoVta>\n      <CbteTipo>%d</CbteTipo>", salesPoint, voucherType),
	})
}

// QueryVoucher fetches an already issued voucher (FECompConsultar).
func (c *Client) QueryVoucher(ctx context.Context, env afip.Environment, auth Auth, salesPoint, voucherType int, number int64) ([]byte, error) {
	return c.callWSFE(ctx, env, wsfeCall{
		Operation: "FECompConsultar",
		Auth:      &auth,
		Body: fmt.Sprintf("      <FeCompConsReq>\n        <CbteTipo>%d</CbteTipo>\n        <CbteNro>%d</CbteNro>\n        <PtoVta>%d</PtoVta>\n      </FeCompConsReq>",
			voucherType, number, salesPoint),
	})
}

// Dummy is the unauthenticated health check of the invoicing service.
func (c *Client) Dummy(ctx context.Context, env afip.Environment) ([]byte, error) {
	return c.callWSFE(ctx, env, wsfeCall{Operation: "FEDummy"})
}
