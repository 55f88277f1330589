// Package tra builds the login ticket request (TRA) document submitted to the
// authentication service.
package tra

import (
	"time"

	"github.com/alapierre/go-afip-client/afip/util"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
)

// TimeLayout is the timestamp format required inside the TRA: local time,
// second precision, explicit offset.
const TimeLayout = "2006-01-02T15:04:05-07:00"

const (
	DefaultValidity = 12 * time.Hour
	DefaultSkew     = 10 * time.Minute
)

var requestTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<loginTicketRequest version="1.0">
  <header>
    <uniqueId>{{.UniqueID}}</uniqueId>
    <generationTime>{{.Generation}}</generationTime>
    <expirationTime>{{.Expiration}}</expirationTime>
  </header>
  <service>{{xml .Service}}</service>
</loginTicketRequest>
`

// Request is an unsigned login ticket request.
type Request struct {
	UniqueID    int64
	GeneratedAt time.Time
	ExpiresAt   time.Time
	Service     string
}

// XML serializes the request. The signer must be given exactly these bytes.
func (r *Request) XML() ([]byte, error) {
	return util.MergeTemplate(&requestTemplate, struct {
		UniqueID   int64
		Generation string
		Expiration string
		Service    string
	}{
		UniqueID:   r.UniqueID,
		Generation: r.GeneratedAt.Format(TimeLayout),
		Expiration: r.ExpiresAt.Format(TimeLayout),
		Service:    r.Service,
	})
}

type Builder struct {
	validity time.Duration
	skew     time.Duration
	location *time.Location
	clock    clockwork.Clock
}

type Option func(*Builder)

// WithValidity sets how far in the future the request expires.
func WithValidity(d time.Duration) Option {
	return func(b *Builder) { b.validity = d }
}

// WithSkew sets how far in the past the generation time is placed, to absorb
// clock drift against the authority.
func WithSkew(d time.Duration) Option {
	return func(b *Builder) { b.skew = d }
}

func WithLocation(loc *time.Location) Option {
	return func(b *Builder) { b.location = loc }
}

func WithClock(c clockwork.Clock) Option {
	return func(b *Builder) { b.clock = c }
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		validity: DefaultValidity,
		skew:     DefaultSkew,
		location: util.ArgentinaTime,
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build creates a request for service at the current time.
func (b *Builder) Build(service string) (*Request, error) {
	if service == "" {
		return nil, errors.New("service identifier is empty")
	}
	if b.validity <= 0 {
		return nil, errors.Errorf("invalid validity window: %s", b.validity)
	}

	now := b.clock.Now().In(b.location).Truncate(time.Second)

	return &Request{
		UniqueID:    now.Unix(),
		GeneratedAt: now.Add(-b.skew),
		ExpiresAt:   now.Add(b.validity),
		Service:     service,
	}, nil
}
