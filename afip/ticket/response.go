package ticket

import (
	"strings"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/beevik/etree"
)

// ParseLoginResponse extracts the ticket from a loginCms SOAP response. The
// loginTicketResponse document may also be passed directly.
func ParseLoginResponse(raw []byte) (*afip.Ticket, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, parseError(raw, "login response is not XML: "+err.Error())
	}

	ta := doc
	if ret := doc.FindElement("//loginCmsReturn"); ret != nil {
		ta = etree.NewDocument()
		if err := ta.ReadFromString(strings.TrimSpace(ret.Text())); err != nil {
			return nil, parseError(raw, "loginCmsReturn is not XML: "+err.Error())
		}
	}

	root := ta.FindElement("//loginTicketResponse")
	if root == nil {
		return nil, parseError(raw, "loginTicketResponse element not found")
	}

	t := &afip.Ticket{
		Token: text(root, "credentials/token"),
		Sign:  text(root, "credentials/sign"),
		Raw:   raw,
	}
	if t.Token == "" {
		return nil, parseError(raw, "token missing from login response")
	}
	if t.Sign == "" {
		return nil, parseError(raw, "sign missing from login response")
	}

	var err error
	if t.GeneratedAt, err = parseTime(text(root, "header/generationTime")); err != nil {
		return nil, parseError(raw, "generationTime: "+err.Error())
	}
	if t.ExpiresAt, err = parseTime(text(root, "header/expirationTime")); err != nil {
		return nil, parseError(raw, "expirationTime: "+err.Error())
	}
	if !t.ExpiresAt.After(t.GeneratedAt) {
		return nil, parseError(raw, "expirationTime is not after generationTime")
	}
	return t, nil
}

func text(root *etree.Element, path string) string {
	if el := root.FindElement(path); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

// parseTime accepts the authority's timestamps with or without fractional
// seconds.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, afip.NewError(afip.ParseFailure, "empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseError(raw []byte, msg string) *afip.Error {
	e := afip.NewError(afip.ParseFailure, msg)
	e.Raw = raw
	return e
}
