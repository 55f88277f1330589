package postgres

import (
	"github.com/alapierre/go-afip-client/afip"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// encodeDetails renders authority codes as a JSON array of {code, message}.
func encodeDetails(details []afip.Detail) string {
	var e jx.Encoder
	e.ArrStart()
	for _, d := range details {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(d.Code)
		e.FieldStart("message")
		e.Str(d.Message)
		e.ObjEnd()
	}
	e.ArrEnd()
	return string(e.Bytes())
}

func decodeDetails(b []byte) ([]afip.Detail, error) {
	var out []afip.Detail
	err := jx.DecodeBytes(b).Arr(func(d *jx.Decoder) error {
		var det afip.Detail
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "code":
				det.Code, err = d.Str()
			case "message":
				det.Message, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		out = append(out, det)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode details")
	}
	return out, nil
}
