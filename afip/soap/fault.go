package soap

import (
	"strings"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/beevik/etree"
)

// parseFault returns the SOAP fault carried by body, or nil when body is not
// a fault (or not XML at all).
func parseFault(body []byte) *afip.Error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil
	}
	fault := doc.FindElement("//Body/Fault")
	if fault == nil {
		return nil
	}

	code := childText(fault, "faultcode")
	msg := childText(fault, "faultstring")

	e := afip.NewError(afip.AuthorityRejection, "soap fault")
	e.Details = []afip.Detail{{Code: trimPrefix(code), Message: msg}}
	e.Raw = body
	return e
}

func childText(el *etree.Element, tag string) string {
	if c := el.FindElement(".//" + tag); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

// trimPrefix drops the namespace prefix of a qualified fault code, e.g.
// "ns1:coe.alreadyAuthenticated".
func trimPrefix(code string) string {
	if i := strings.IndexByte(code, ':'); i >= 0 {
		return code[i+1:]
	}
	return code
}
