// Package qr builds the verification QR code the authority requires on
// printed electronic invoices.
package qr

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

var logger = logrus.WithField("component", "afip.qr")

// BaseURL is the authority's QR landing page.
const BaseURL = "https://www.afip.gob.ar/fe/qr/"

const (
	// AuthorizationCAE marks vouchers authorized with a CAE.
	AuthorizationCAE = "E"
	// AuthorizationCAEA marks vouchers authorized in advance (CAEA).
	AuthorizationCAEA = "A"

	DefaultSize = 300
)

// Data is the content of the QR code.
type Data struct {
	IssueDate    time.Time
	CUIT         string
	SalesPoint   int
	VoucherType  int
	Number       int64
	Total        decimal.Decimal
	Currency     string
	ExchangeRate decimal.Decimal
	BuyerDocType int
	// BuyerDocNumber is omitted from the payload when zero.
	BuyerDocNumber int64
	// AuthorizationType defaults to AuthorizationCAE.
	AuthorizationType string
	AuthorizationCode string
}

// Payload encodes d as the JSON document expected by the authority.
func Payload(d Data) ([]byte, error) {
	cuit, err := strconv.ParseInt(d.CUIT, 10, 64)
	if err != nil || len(d.CUIT) != 11 {
		return nil, afip.NewError(afip.InvalidRequest, "CUIT must have 11 digits: "+d.CUIT)
	}
	code, err := strconv.ParseInt(d.AuthorizationCode, 10, 64)
	if err != nil {
		return nil, afip.WrapError(afip.InvalidRequest, err, "authorization code must be numeric")
	}
	if d.Number <= 0 || d.SalesPoint <= 0 || d.VoucherType <= 0 {
		return nil, afip.NewError(afip.InvalidRequest, "voucher number, sales point and type are required")
	}

	currency := d.Currency
	if currency == "" {
		currency = "PES"
	}
	rate := d.ExchangeRate
	if !rate.IsPositive() {
		rate = decimal.NewFromInt(1)
	}
	authType := d.AuthorizationType
	if authType == "" {
		authType = AuthorizationCAE
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("ver")
	e.Int(1)
	e.FieldStart("fecha")
	e.Str(d.IssueDate.Format(time.DateOnly))
	e.FieldStart("cuit")
	e.Int64(cuit)
	e.FieldStart("ptoVta")
	e.Int(d.SalesPoint)
	e.FieldStart("tipoCmp")
	e.Int(d.VoucherType)
	e.FieldStart("nroCmp")
	e.Int64(d.Number)
	e.FieldStart("importe")
	e.Num(jx.Num(d.Total.Round(2).String()))
	e.FieldStart("moneda")
	e.Str(currency)
	e.FieldStart("ctz")
	e.Num(jx.Num(rate.String()))
	if d.BuyerDocNumber != 0 {
		e.FieldStart("tipoDocRec")
		e.Int(d.BuyerDocType)
		e.FieldStart("nroDocRec")
		e.Int64(d.BuyerDocNumber)
	}
	e.FieldStart("tipoCodAut")
	e.Str(authType)
	e.FieldStart("codAut")
	e.Int64(code)
	e.ObjEnd()

	return e.Bytes(), nil
}

// URL returns the link encoded in the QR code.
func URL(d Data) (string, error) {
	p, err := Payload(d)
	if err != nil {
		return "", err
	}
	return BaseURL + "?p=" + base64.StdEncoding.EncodeToString(p), nil
}

// PNG renders the QR code of d. A non-positive size uses DefaultSize.
func PNG(d Data, size int) ([]byte, error) {
	u, err := URL(d)
	if err != nil {
		return nil, err
	}
	logger.Debugf("QR url: %s", u)
	return Encode(u, size)
}

// Encode renders arbitrary content as a PNG QR code.
func Encode(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrap(err, "encode QR code")
	}
	return png, nil
}
