package soap

import (
	"context"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/util"
	"github.com/go-faster/errors"
	"github.com/sethvargo/go-retry"
)

var loginTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:wsaa="http://wsaa.view.sua.dvadac.desein.afip.gov">
  <soapenv:Header/>
  <soapenv:Body>
    <wsaa:loginCms>
      <wsaa:in0>{{xml .}}</wsaa:in0>
    </wsaa:loginCms>
  </soapenv:Body>
</soapenv:Envelope>
`

// Login submits the signed login request and returns the raw SOAP response.
// Transport failures are retried with exponential backoff up to the
// configured attempt budget; a fault from the authority is returned at once.
// A call abandoned through ctx still counts as an attempt.
func (c *Client) Login(ctx context.Context, env afip.Environment, signedRequest string) ([]byte, error) {
	ep, err := c.endpointsFor(env)
	if err != nil {
		return nil, err
	}
	envelope, err := util.MergeTemplate(&loginTemplate, signedRequest)
	if err != nil {
		return nil, afip.WrapError(afip.InvalidRequest, err, "render loginCms envelope")
	}

	var (
		body    []byte
		attempt int
	)
	err = retry.Do(ctx, c.newBackoff(), func(ctx context.Context) error {
		attempt++
		log := logger.WithField("environment", env.Name()).WithField("attempt", attempt)

		res, err := c.post(ctx, ep.Login, "", "loginCms", envelope)
		if err != nil {
			if afip.IsRetryable(err) {
				c.metrics.Login(env.Name(), "transport_failure")
				log.WithError(err).Warn("login failed, will retry if budget allows")
				return retry.RetryableError(err)
			}
			c.metrics.Login(env.Name(), "rejected")
			log.WithError(err).Error("login rejected")
			return err
		}
		c.metrics.Login(env.Name(), "success")
		log.Debug("login succeeded")
		body = res
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if afip.KindOf(err) == afip.KindUnknown {
				return nil, afip.WrapError(afip.TransportFailure, err, "loginCms abandoned")
			}
		}
		return nil, err
	}
	return body, nil
}
