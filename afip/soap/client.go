// Package soap is the transport to the authority's login (WSAA) and
// invoicing (WSFEv1) SOAP services.
package soap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/metrics"
	"github.com/alapierre/go-afip-client/afip/util"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "afip.soap")

const (
	DefaultLoginAttempts = 3
	DefaultLoginBackoff  = 1 * time.Second
	DefaultTimeout       = 30 * time.Second

	maxResponseSize = 8 << 20
)

// Auth identifies the caller on invoicing operations.
type Auth struct {
	Token string
	Sign  string
	CUIT  string
}

type Client struct {
	httpClient *http.Client
	endpoints  map[afip.Environment]afip.Endpoints
	newBackoff func() retry.Backoff
	metrics    *metrics.Collector
}

type Option func(*Client)

// WithEndpoints overrides the URLs used for env.
func WithEndpoints(env afip.Environment, ep afip.Endpoints) Option {
	return func(c *Client) { c.endpoints[env] = ep }
}

// WithLoginRetry sets the total number of login attempts and the first
// backoff delay, which doubles after every failure.
func WithLoginRetry(attempts int, base time.Duration) Option {
	return func(c *Client) {
		c.newBackoff = func() retry.Backoff { return LoginBackoff(attempts, base) }
	}
}

// WithBackoff replaces the login backoff policy. A fresh Backoff is requested
// for every Login call.
func WithBackoff(f func() retry.Backoff) Option {
	return func(c *Client) { c.newBackoff = f }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a transport. A nil httpClient gets a client with
// DefaultTimeout; callers supplying their own must set a timeout.
func NewClient(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	c := &Client{
		httpClient: httpClient,
		endpoints: map[afip.Environment]afip.Endpoints{
			afip.Homologation: afip.Homologation.Endpoints(),
			afip.Production:   afip.Production.Endpoints(),
		},
		newBackoff: func() retry.Backoff { return LoginBackoff(DefaultLoginAttempts, DefaultLoginBackoff) },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// LoginBackoff allows attempts calls in total, waiting base, 2*base, 4*base...
// between them.
func LoginBackoff(attempts int, base time.Duration) retry.Backoff {
	if attempts < 1 {
		attempts = 1
	}
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
}

func (c *Client) endpointsFor(env afip.Environment) (afip.Endpoints, error) {
	ep, ok := c.endpoints[env]
	if !ok {
		return afip.Endpoints{}, afip.NewError(afip.InvalidRequest, "unknown environment "+env.String())
	}
	return ep, nil
}

// post performs a single SOAP call. HTTP 200 bodies are returned as is, a
// SOAP fault is an AuthorityRejection and anything else a TransportFailure.
func (c *Client) post(ctx context.Context, url, action, operation string, envelope []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return nil, afip.WrapError(afip.InvalidRequest, err, "create request")
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+action+`"`)

	if util.DebugEnabled() {
		logger.WithField("operation", operation).Debugf("request: %s", envelope)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ObserveCall(operation, time.Since(start))
	if err != nil {
		return nil, afip.WrapError(afip.TransportFailure, err, operation)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, afip.WrapError(afip.TransportFailure, err, operation+": read response")
	}

	if util.DebugEnabled() {
		logger.WithField("operation", operation).Debugf("response %d: %s", resp.StatusCode, body)
	}

	if fault := parseFault(body); fault != nil {
		fault.Message = operation + ": " + fault.Message
		return nil, fault
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		e := afip.NewError(afip.TransportFailure, fmt.Sprintf("%s: http status %d", operation, resp.StatusCode))
		e.Raw = body
		return nil, e
	default:
		e := afip.NewError(afip.AuthorityRejection, fmt.Sprintf("%s: http status %d", operation, resp.StatusCode))
		e.Raw = body
		return nil, e
	}
}
