package util

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"text/template"
)

var funcMap = template.FuncMap{
	"xml": escapeXML,
}

// MergeTemplate renders tpl with model. Values interpolated into XML documents
// should go through the "xml" function.
func MergeTemplate(tpl *string, model any) ([]byte, error) {

	tmpl, err := template.New("request").Funcs(funcMap).Parse(*tpl)
	if err != nil {
		return nil, err
	}

	var output bytes.Buffer

	err = tmpl.Execute(&output, model)
	if err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}

func escapeXML(v any) (string, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		s = fmt.Sprint(v)
	}
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}
