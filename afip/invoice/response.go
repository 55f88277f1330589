package invoice

import (
	"strconv"
	"strings"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/util"
	"github.com/beevik/etree"
)

type Verdict int

const (
	Approved Verdict = iota + 1
	Rejected
	ApprovedWithObservations
)

func (v Verdict) String() string {
	switch v {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case ApprovedWithObservations:
		return "approved_with_observations"
	}
	return "unknown"
}

// Result is the authority's verdict on one voucher.
type Result struct {
	Verdict Verdict
	// CAE, CAEExpiry and VoucherNumber are set unless the voucher was rejected.
	CAE           string
	CAEExpiry     time.Time
	VoucherNumber int64
	SalesPoint    int
	VoucherType   int

	// Errors are the authority's error entries. Observations are advisory on
	// approval and carry the rejection reasons otherwise.
	Errors       []afip.Detail
	Observations []afip.Detail
	Events       []afip.Detail

	Raw []byte
}

// Authorized reports whether the voucher received a CAE.
func (r *Result) Authorized() bool {
	return r != nil && (r.Verdict == Approved || r.Verdict == ApprovedWithObservations)
}

func readDocument(raw []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		e := afip.WrapError(afip.ParseFailure, err, "response is not XML")
		e.Raw = raw
		return nil, e
	}
	return doc, nil
}

func details(parent *etree.Element, path string) []afip.Detail {
	if parent == nil {
		return nil
	}
	var out []afip.Detail
	for _, el := range parent.FindElements(path) {
		out = append(out, afip.Detail{
			Code:    childText(el, "Code"),
			Message: childText(el, "Msg"),
		})
	}
	return out
}

func childText(el *etree.Element, path string) string {
	if el == nil {
		return ""
	}
	if c := el.FindElement(path); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

func parseFailure(raw []byte, msg string) *afip.Error {
	e := afip.NewError(afip.ParseFailure, msg)
	e.Raw = raw
	return e
}

func rejection(raw []byte, msg string, d []afip.Detail) *afip.Error {
	e := afip.NewError(afip.AuthorityRejection, msg)
	e.Details = d
	e.Raw = raw
	return e
}

// parseAuthorization interprets an FECAESolicitar response. A response without
// any verdict but with error entries (for example an invalid ticket) is
// returned as an AuthorityRejection error.
func parseAuthorization(raw []byte) (*Result, error) {
	doc, err := readDocument(raw)
	if err != nil {
		return nil, err
	}
	res := doc.FindElement("//FECAESolicitarResult")
	if res == nil {
		return nil, parseFailure(raw, "FECAESolicitarResult element not found")
	}

	r := &Result{
		Errors: details(res, "Errors/Err"),
		Events: details(res, "Events/Evt"),
		Raw:    raw,
	}

	det := res.FindElement("FeDetResp/FECAEDetResponse")
	verdict := childText(det, "Resultado")
	if verdict == "" {
		verdict = childText(res, "FeCabResp/Resultado")
	}
	if verdict == "" {
		if len(r.Errors) > 0 {
			return nil, rejection(raw, "authorization request refused", r.Errors)
		}
		return nil, parseFailure(raw, "result code missing")
	}

	r.SalesPoint, _ = strconv.Atoi(childText(res, "FeCabResp/PtoVta"))
	r.VoucherType, _ = strconv.Atoi(childText(res, "FeCabResp/CbteTipo"))
	r.Observations = details(det, "Observaciones/Obs")

	switch verdict {
	case "A":
		r.Verdict = Approved
		if len(r.Observations) > 0 {
			r.Verdict = ApprovedWithObservations
		}
	case "R":
		r.Verdict = Rejected
		return r, nil
	default:
		return nil, parseFailure(raw, "unexpected result code "+verdict)
	}

	r.CAE = childText(det, "CAE")
	if r.CAE == "" {
		return nil, parseFailure(raw, "approved voucher without CAE")
	}
	if r.CAEExpiry, err = util.ParseCompactDate(childText(det, "CAEFchVto")); err != nil {
		return nil, parseFailure(raw, "CAEFchVto: "+err.Error())
	}
	if r.VoucherNumber, err = strconv.ParseInt(childText(det, "CbteDesde"), 10, 64); err != nil {
		return nil, parseFailure(raw, "CbteDesde: "+err.Error())
	}
	return r, nil
}

// parseLastAuthorized reads CbteNro from an FECompUltimoAutorizado response.
func parseLastAuthorized(raw []byte) (int64, error) {
	doc, err := readDocument(raw)
	if err != nil {
		return 0, err
	}
	res := doc.FindElement("//FECompUltimoAutorizadoResult")
	if res == nil {
		return 0, parseFailure(raw, "FECompUltimoAutorizadoResult element not found")
	}
	if errs := details(res, "Errors/Err"); len(errs) > 0 {
		return 0, rejection(raw, "last authorized voucher query refused", errs)
	}
	n, err := strconv.ParseInt(childText(res, "CbteNro"), 10, 64)
	if err != nil {
		return 0, parseFailure(raw, "CbteNro: "+err.Error())
	}
	return n, nil
}

// voucherNotFound is the error code of FECompConsultar for unknown vouchers.
const voucherNotFound = "602"

// parseQuery interprets an FECompConsultar response. It returns (nil, nil)
// when the authority has no such voucher.
func parseQuery(raw []byte) (*Result, error) {
	doc, err := readDocument(raw)
	if err != nil {
		return nil, err
	}
	res := doc.FindElement("//FECompConsultarResult")
	if res == nil {
		return nil, parseFailure(raw, "FECompConsultarResult element not found")
	}
	if errs := details(res, "Errors/Err"); len(errs) > 0 {
		if len(errs) == 1 && errs[0].Code == voucherNotFound {
			return nil, nil
		}
		return nil, rejection(raw, "voucher query refused", errs)
	}

	get := res.FindElement("ResultGet")
	if get == nil {
		return nil, parseFailure(raw, "ResultGet element not found")
	}

	r := &Result{
		CAE:          childText(get, "CodAutorizacion"),
		Observations: details(get, "Observaciones/Obs"),
		Events:       details(res, "Events/Evt"),
		Raw:          raw,
	}
	r.SalesPoint, _ = strconv.Atoi(childText(get, "PtoVta"))
	r.VoucherType, _ = strconv.Atoi(childText(get, "CbteTipo"))

	switch childText(get, "Resultado") {
	case "A":
		r.Verdict = Approved
		if len(r.Observations) > 0 {
			r.Verdict = ApprovedWithObservations
		}
	case "R":
		r.Verdict = Rejected
		return r, nil
	default:
		return nil, parseFailure(raw, "unexpected result code "+childText(get, "Resultado"))
	}

	if r.CAEExpiry, err = util.ParseCompactDate(childText(get, "FchVto")); err != nil {
		return nil, parseFailure(raw, "FchVto: "+err.Error())
	}
	if r.VoucherNumber, err = strconv.ParseInt(childText(get, "CbteDesde"), 10, 64); err != nil {
		return nil, parseFailure(raw, "CbteDesde: "+err.Error())
	}
	return r, nil
}
