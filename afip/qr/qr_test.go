package qr

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Data {
	return Data{
		IssueDate:         time.Date(2020, 10, 13, 12, 0, 0, 0, time.UTC),
		CUIT:              "30000000007",
		SalesPoint:        10,
		VoucherType:       1,
		Number:            94,
		Total:             decimal.RequireFromString("12100"),
		Currency:          "DOL",
		ExchangeRate:      decimal.RequireFromString("65"),
		BuyerDocType:      80,
		BuyerDocNumber:    20000000001,
		AuthorizationCode: "70417054367476",
	}
}

func decode(t *testing.T, p []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := jx.DecodeBytes(p).Obj(func(d *jx.Decoder, key string) error {
		raw, err := d.Raw()
		if err != nil {
			return err
		}
		out[key] = strings.Trim(raw.String(), `"`)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestPayload_MidnightDateKeepsDay(t *testing.T) {
	d := sample()
	d.IssueDate = time.Date(2020, 10, 13, 0, 0, 0, 0, time.UTC)

	p, err := Payload(d)
	require.NoError(t, err)
	assert.Equal(t, "2020-10-13", decode(t, p)["fecha"])
}

func TestPayload(t *testing.T) {
	p, err := Payload(sample())
	require.NoError(t, err)

	got := decode(t, p)
	assert.Equal(t, map[string]string{
		"ver":        "1",
		"fecha":      "2020-10-13",
		"cuit":       "30000000007",
		"ptoVta":     "10",
		"tipoCmp":    "1",
		"nroCmp":     "94",
		"importe":    "12100",
		"moneda":     "DOL",
		"ctz":        "65",
		"tipoDocRec": "80",
		"nroDocRec":  "20000000001",
		"tipoCodAut": "E",
		"codAut":     "70417054367476",
	}, got)
}

func TestPayload_AnonymousBuyer(t *testing.T) {
	d := sample()
	d.BuyerDocNumber = 0
	d.Currency = ""
	d.ExchangeRate = decimal.Zero

	got := decode(t, mustPayload(t, d))
	assert.NotContains(t, got, "nroDocRec")
	assert.Equal(t, "PES", got["moneda"])
	assert.Equal(t, "1", got["ctz"])
}

func mustPayload(t *testing.T, d Data) []byte {
	t.Helper()
	p, err := Payload(d)
	require.NoError(t, err)
	return p
}

func TestPayload_Invalid(t *testing.T) {
	d := sample()
	d.CUIT = "3000"
	_, err := Payload(d)
	assert.Equal(t, afip.InvalidRequest, afip.KindOf(err))

	d = sample()
	d.AuthorizationCode = "abc"
	_, err = Payload(d)
	assert.Equal(t, afip.InvalidRequest, afip.KindOf(err))
}

func TestURL(t *testing.T) {
	u, err := URL(sample())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, BaseURL+"?p="))

	p, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(u, BaseURL+"?p="))
	require.NoError(t, err)
	assert.Equal(t, mustPayload(t, sample()), p)
}

func TestPNG(t *testing.T) {
	png, err := PNG(sample(), 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}
