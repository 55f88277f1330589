// Package ticket manages access tickets (TA) issued by the authority's login
// service: it builds and signs the login request, caches the result per tenant
// and renews it before it expires.
package ticket

import (
	"context"
	"sync"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/cms"
	"github.com/alapierre/go-afip-client/afip/metrics"
	"github.com/alapierre/go-afip-client/afip/tra"
	"github.com/alapierre/go-afip-client/afip/util"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var logger = logrus.WithField("component", "afip.ticket")

// DefaultRenewalBuffer is how long before expiration a ticket stops being
// handed out.
const DefaultRenewalBuffer = 10 * time.Minute

// Transport performs the login call.
type Transport interface {
	Login(ctx context.Context, env afip.Environment, signedRequest string) ([]byte, error)
}

// Signer wraps a login request into a base64 CMS envelope.
type Signer interface {
	Sign(doc, certPEM, keyPEM, password []byte) (string, error)
}

// Manager hands out valid tickets per tenant. Lookups go through the memory
// cache, then the ticket store, and finally a login. At most one login per
// tenant is in flight; concurrent callers share its result.
type Manager struct {
	credentials afip.CredentialStore
	tickets     afip.TicketStore
	transport   Transport
	signer      Signer
	builder     *tra.Builder
	clock       clockwork.Clock
	buffer      time.Duration
	cacheTTL    time.Duration
	metrics     *metrics.Collector

	cache *cache
	group singleflight.Group

	mu       sync.Mutex
	renewing map[string]int
}

type Option func(*Manager)

// WithRenewalBuffer sets how long before expiration a ticket is renewed.
func WithRenewalBuffer(d time.Duration) Option {
	return func(m *Manager) { m.buffer = d }
}

// WithCacheTTL sets the lifetime of memory cache entries. Zero disables the
// TTL, leaving only the ticket's own expiration.
func WithCacheTTL(d time.Duration) Option {
	return func(m *Manager) { m.cacheTTL = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

func WithSigner(s Signer) Option {
	return func(m *Manager) { m.signer = s }
}

// WithBuilder replaces the login request builder. By default one is created
// with the manager's clock.
func WithBuilder(b *tra.Builder) Option {
	return func(m *Manager) { m.builder = b }
}

func NewManager(credentials afip.CredentialStore, tickets afip.TicketStore, transport Transport, opts ...Option) *Manager {
	m := &Manager{
		credentials: credentials,
		tickets:     tickets,
		transport:   transport,
		signer:      cms.NewSigner(),
		clock:       clockwork.NewRealClock(),
		buffer:      DefaultRenewalBuffer,
		cacheTTL:    DefaultCacheTTL,
		renewing:    make(map[string]int),
	}
	for _, o := range opts {
		o(m)
	}
	if m.builder == nil {
		m.builder = tra.NewBuilder(tra.WithClock(m.clock))
	}
	m.cache = newCache(m.cacheTTL, m.clock)
	return m
}

// Ticket returns a ticket valid for at least the renewal buffer. When the
// context is marked with afip.ContextWithForceRenewal it behaves like
// ForceRenew.
//
// If a renewal fails and an earlier ticket has not expired yet, the earlier
// ticket is returned and the failure is only logged.
func (m *Manager) Ticket(ctx context.Context, tenant string) (*afip.Ticket, error) {
	if tenant == "" {
		return nil, afip.ErrNoTenant
	}
	if afip.IsForceRenewal(ctx) {
		return m.ForceRenew(ctx, tenant)
	}

	log := logger.WithField("tenant", tenant)
	now := m.clock.Now()

	gen := m.cache.generation(tenant)
	prior, hit := m.cache.get(tenant)
	m.metrics.CacheLookup("memory", hit && prior.Usable(now, m.buffer))
	if hit && prior.Usable(now, m.buffer) {
		log.Debug("ticket served from memory")
		return prior, nil
	}

	stored, err := m.tickets.Ticket(ctx, tenant)
	if err != nil {
		log.WithError(err).Warn("reading stored ticket failed, renewing")
	}
	m.metrics.CacheLookup("store", stored.Usable(now, m.buffer))
	if stored.Usable(now, m.buffer) {
		if m.cache.putIf(tenant, stored, gen) {
			log.Debug("ticket served from store")
			return stored, nil
		}
		// a renewal or invalidation raced the store read, the stored ticket
		// may be the one it replaced
		log.Debug("stored ticket superseded while reading, renewing")
		stored = nil
	}
	if prior == nil || (stored != nil && stored.ExpiresAt.After(prior.ExpiresAt)) {
		prior = stored
	}

	t, err := m.renew(ctx, tenant, false)
	if err != nil {
		if prior.Alive(m.clock.Now()) {
			m.metrics.Renewal("fallback")
			log.WithError(err).WithField("expires_at", prior.ExpiresAt).
				Warn("ticket renewal failed, returning previous ticket until it expires")
			return prior, nil
		}
		return nil, err
	}
	return t, nil
}

// ForceRenew logs in again regardless of the cached ticket. Failures are
// reported as afip.RenewalFailed wrapping the underlying error.
func (m *Manager) ForceRenew(ctx context.Context, tenant string) (*afip.Ticket, error) {
	if tenant == "" {
		return nil, afip.ErrNoTenant
	}
	m.cache.invalidate(tenant)

	t, err := m.renew(ctx, tenant, true)
	if err != nil {
		return nil, afip.WrapError(afip.RenewalFailed, err, "forced renewal for tenant "+tenant)
	}
	return t, nil
}

// State reports the lifecycle state of the tenant's ticket without any login.
func (m *Manager) State(ctx context.Context, tenant string) (afip.TicketState, error) {
	if tenant == "" {
		return afip.NoTicket, afip.ErrNoTenant
	}
	if m.isRenewing(tenant) {
		return afip.Renewing, nil
	}
	if t, ok := m.cache.get(tenant); ok {
		return t.StateAt(m.clock.Now(), m.buffer), nil
	}
	t, err := m.tickets.Ticket(ctx, tenant)
	if err != nil {
		return afip.NoTicket, err
	}
	return t.StateAt(m.clock.Now(), m.buffer), nil
}

// Invalidate drops the tenant's memory cache entry. The stored ticket is kept.
func (m *Manager) Invalidate(tenant string) {
	m.cache.invalidate(tenant)
}

// Purge removes lapsed memory cache entries.
func (m *Manager) Purge() int {
	return m.cache.purge()
}

type result struct {
	ticket *afip.Ticket
	// fresh is false when the flight found a usable ticket without logging in.
	fresh bool
}

func (m *Manager) renew(ctx context.Context, tenant string, force bool) (*afip.Ticket, error) {
	for {
		ch := m.group.DoChan(tenant, func() (any, error) {
			r, err := m.flight(context.WithoutCancel(ctx), tenant, force)
			return r, err
		})

		select {
		case <-ctx.Done():
			return nil, afip.WrapError(afip.TransportFailure, ctx.Err(), "waiting for ticket renewal")
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			r := res.Val.(result)
			// a forced caller that joined a flight answered from cache starts its own
			if force && !r.fresh {
				continue
			}
			return r.ticket, nil
		}
	}
}

func (m *Manager) flight(ctx context.Context, tenant string, force bool) (result, error) {
	m.setRenewing(tenant, 1)
	defer m.setRenewing(tenant, -1)

	if !force {
		if t, ok := m.cache.get(tenant); ok && t.Usable(m.clock.Now(), m.buffer) {
			return result{ticket: t}, nil
		}
	}

	log := logger.WithField("tenant", tenant).WithField("renewal_id", uuid.NewString())
	log.WithField("forced", force).Info("renewing ticket")

	t, err := m.login(ctx, tenant, log)
	if err != nil {
		m.metrics.Renewal("failure")
		log.WithError(err).Error("ticket renewal failed")
		return result{}, err
	}

	if err := m.tickets.UpsertTicket(ctx, tenant, t); err != nil {
		log.WithError(err).Error("persisting ticket failed, keeping it in memory only")
	}
	m.cache.put(tenant, t)
	m.metrics.Renewal("success")
	log.WithField("expires_at", t.ExpiresAt).Info("ticket renewed")
	return result{ticket: t, fresh: true}, nil
}

func (m *Manager) login(ctx context.Context, tenant string, log *logrus.Entry) (*afip.Ticket, error) {
	cred, err := m.credentials.Credential(ctx, tenant)
	if err != nil {
		if afip.KindOf(err) == afip.KindUnknown {
			return nil, afip.WrapError(afip.TransportFailure, err, "read credential")
		}
		return nil, err
	}

	req, err := m.builder.Build(cred.Service())
	if err != nil {
		return nil, afip.WrapError(afip.CredentialInvalid, err, "build login request")
	}
	doc, err := req.XML()
	if err != nil {
		return nil, afip.WrapError(afip.CredentialInvalid, err, "render login request")
	}
	if util.DebugEnabled() {
		log.Debugf("login request: %s", doc)
	}

	signed, err := m.signer.Sign(doc, cred.CertificatePEM, cred.PrivateKeyPEM, cred.KeyPassword)
	if err != nil {
		return nil, err
	}

	raw, err := m.transport.Login(ctx, cred.Mode, signed)
	if err != nil {
		return nil, err
	}

	t, err := ParseLoginResponse(raw)
	if err != nil {
		log.WithError(err).WithField("payload", string(raw)).Error("cannot parse login response")
		return nil, err
	}
	if !t.Usable(m.clock.Now(), m.buffer) {
		e := afip.NewError(afip.AuthorityRejection, "issued ticket expires within the renewal buffer")
		e.Raw = raw
		return nil, e
	}
	return t, nil
}

func (m *Manager) setRenewing(tenant string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewing[tenant] += delta
	if m.renewing[tenant] <= 0 {
		delete(m.renewing, tenant)
	}
}

func (m *Manager) isRenewing(tenant string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewing[tenant] > 0
}
