package invoice

import (
	"context"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/cms"
	"github.com/alapierre/go-afip-client/afip/metrics"
	"github.com/alapierre/go-afip-client/afip/mutex"
	"github.com/alapierre/go-afip-client/afip/soap"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "afip.invoice")

// TicketSource hands out valid access tickets, see ticket.Manager.
type TicketSource interface {
	Ticket(ctx context.Context, tenant string) (*afip.Ticket, error)
}

// Client is the part of the WSFEv1 transport used here.
type Client interface {
	RequestAuthorization(ctx context.Context, env afip.Environment, auth soap.Auth, payload []byte) ([]byte, error)
	LastAuthorized(ctx context.Context, env afip.Environment, auth soap.Auth, salesPoint, voucherType int) ([]byte, error)
	QueryVoucher(ctx context.Context, env afip.Environment, auth soap.Auth, salesPoint, voucherType int, number int64) ([]byte, error)
}

type SaleStatus string

const (
	StatusAuthorized                 SaleStatus = "AUTHORIZED"
	StatusAuthorizedWithObservations SaleStatus = "AUTHORIZED_WITH_OBSERVATIONS"
	StatusRejected                   SaleStatus = "REJECTED"
	StatusError                      SaleStatus = "ERROR"
)

// SaleUpdate is written onto the sale record in one step, so a voucher number
// is never stored without its CAE or the other way round.
type SaleUpdate struct {
	Key           Key
	Status        SaleStatus
	VoucherNumber int64
	CAE           string
	CAEExpiry     time.Time
	Errors        []afip.Detail
	Observations  []afip.Detail
	Message       string
	UpdatedAt     time.Time
}

// ErrAlreadyAuthorized is returned by sale recorders asked to overwrite a sale
// that already holds a CAE.
var ErrAlreadyAuthorized = errors.New("sale already authorized")

// SaleRecorder persists the outcome of an authorization on the sale record.
type SaleRecorder interface {
	UpdateSale(ctx context.Context, saleID string, u SaleUpdate) error
}

type session struct {
	tickets     TicketSource
	credentials afip.CredentialStore
}

// auth resolves the ticket and the CUIT the tenant acts as. Without an explicit
// CUIT the one in the certificate subject is used.
func (s session) auth(ctx context.Context, tenant string) (soap.Auth, *afip.Credential, error) {
	cred, err := s.credentials.Credential(ctx, tenant)
	if err != nil {
		return soap.Auth{}, nil, err
	}
	t, err := s.tickets.Ticket(ctx, tenant)
	if err != nil {
		return soap.Auth{}, nil, err
	}

	cuit := cred.CUIT
	if cuit == "" {
		cert, err := cms.ParseCertificate(cred.CertificatePEM)
		if err != nil {
			return soap.Auth{}, nil, err
		}
		if cuit, err = cms.CUITFromCertificate(cert); err != nil {
			return soap.Auth{}, nil, err
		}
	}
	return soap.Auth{Token: t.Token, Sign: t.Sign, CUIT: cuit}, cred, nil
}

// Requester requests CAEs. Submissions for the same tenant, sales point and
// voucher type are serialized so each one sees the number of the previous.
type Requester struct {
	session   session
	client    Client
	sequencer Sequencer
	sales     SaleRecorder
	clock     clockwork.Clock
	metrics   *metrics.Collector

	locks mutex.KeyedMutex[Key]
}

type Option func(*Requester)

// WithSequencer replaces the default AuthoritySequencer.
func WithSequencer(s Sequencer) Option {
	return func(r *Requester) { r.sequencer = s }
}

func WithSaleRecorder(s SaleRecorder) Option {
	return func(r *Requester) { r.sales = s }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Requester) { r.clock = c }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Requester) { r.metrics = m }
}

func NewRequester(tickets TicketSource, credentials afip.CredentialStore, client Client, opts ...Option) *Requester {
	r := &Requester{
		session: session{tickets: tickets, credentials: credentials},
		client:  client,
		clock:   clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.sequencer == nil {
		r.sequencer = NewAuthoritySequencer(tickets, credentials, client)
	}
	return r
}

// Authorize validates inv, numbers it after the sequencer's last voucher and
// submits it. The call is not retried: after a TransportFailure the outcome is
// unknown and Recover tells whether the voucher was authorized.
//
// A rejected result carries no voucher number.
func (r *Requester) Authorize(ctx context.Context, inv *Invoice) (*Result, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	key := inv.Key()
	log := logger.WithField("tenant", key.TenantID).
		WithField("sales_point", key.SalesPoint).
		WithField("voucher_type", key.VoucherType)

	unlock := r.locks.Lock(key)
	defer unlock()

	auth, cred, err := r.session.auth(ctx, key.TenantID)
	if err != nil {
		return nil, err
	}

	last, err := r.sequencer.Last(ctx, key)
	if err != nil {
		return nil, err
	}
	number := last + 1
	log = log.WithField("voucher_number", number)

	payload, err := buildRequest(inv, number, r.clock.Now())
	if err != nil {
		return nil, afip.WrapError(afip.InvalidRequest, err, "render FeCAEReq")
	}

	raw, err := r.client.RequestAuthorization(ctx, cred.Mode, auth, payload)
	if err != nil {
		if afip.IsRetryable(err) {
			log.WithError(err).Error("authorization outcome unknown, query the voucher before resubmitting")
		}
		return nil, err
	}

	res, err := parseAuthorization(raw)
	if err != nil {
		log.WithError(err).WithField("payload", string(raw)).Error("cannot interpret authorization response")
		return nil, err
	}
	r.metrics.Authorization(res.Verdict.String())

	switch res.Verdict {
	case Rejected:
		log.WithField("errors", res.Errors).WithField("observations", res.Observations).Warn("voucher rejected")
	case ApprovedWithObservations:
		log.WithField("cae", res.CAE).WithField("observations", res.Observations).Warn("voucher approved with observations")
	default:
		log.WithField("cae", res.CAE).Info("voucher approved")
	}
	if res.Authorized() && res.VoucherNumber != number {
		log.Warnf("authority assigned voucher %d instead of %d", res.VoucherNumber, number)
	}
	return res, nil
}

// Issue authorizes inv and records the outcome on its sale record. Failures
// are recorded with StatusError and the authority's codes. If the sale cannot
// be updated after an approval, both the result and the error are returned so
// the CAE is not lost.
func (r *Requester) Issue(ctx context.Context, inv *Invoice) (*Result, error) {
	if inv.SaleID == "" {
		return nil, afip.NewError(afip.InvalidRequest, "sale id is required")
	}
	if r.sales == nil {
		return nil, afip.NewError(afip.InvalidRequest, "no sale recorder configured")
	}

	res, err := r.Authorize(ctx, inv)

	u := SaleUpdate{Key: inv.Key(), UpdatedAt: r.clock.Now()}
	if err != nil {
		u.Status = StatusError
		u.Message = err.Error()
		u.Errors = afip.DetailsOf(err)
		if uerr := r.sales.UpdateSale(ctx, inv.SaleID, u); uerr != nil {
			logger.WithField("sale", inv.SaleID).WithError(uerr).Error("cannot record failed authorization")
		}
		return nil, err
	}

	u.Errors = res.Errors
	u.Observations = res.Observations
	switch res.Verdict {
	case Approved:
		u.Status = StatusAuthorized
	case ApprovedWithObservations:
		u.Status = StatusAuthorizedWithObservations
	default:
		u.Status = StatusRejected
	}
	if res.Authorized() {
		u.VoucherNumber = res.VoucherNumber
		u.CAE = res.CAE
		u.CAEExpiry = res.CAEExpiry
	}

	if err := r.sales.UpdateSale(ctx, inv.SaleID, u); err != nil {
		logger.WithField("sale", inv.SaleID).
			WithField("voucher_number", u.VoucherNumber).
			WithField("cae", u.CAE).
			WithError(err).Error("cannot record authorization")
		return res, errors.Wrapf(err, "record authorization of sale %s", inv.SaleID)
	}
	return res, nil
}

// Recover asks the authority whether voucher number of key's sequence was
// authorized. It returns (nil, nil) when the authority does not know it, in
// which case the same number may be submitted again.
func (r *Requester) Recover(ctx context.Context, key Key, number int64) (*Result, error) {
	if key.TenantID == "" {
		return nil, afip.ErrNoTenant
	}
	if number <= 0 {
		return nil, afip.NewError(afip.InvalidRequest, "voucher number must be positive")
	}
	auth, cred, err := r.session.auth(ctx, key.TenantID)
	if err != nil {
		return nil, err
	}
	raw, err := r.client.QueryVoucher(ctx, cred.Mode, auth, key.SalesPoint, key.VoucherType, number)
	if err != nil {
		return nil, err
	}
	res, err := parseQuery(raw)
	if err != nil {
		return nil, err
	}
	if res == nil {
		logger.WithField("tenant", key.TenantID).Infof("voucher %s/%d not found at the authority", key, number)
	}
	return res, nil
}
