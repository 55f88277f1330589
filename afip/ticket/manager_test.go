package ticket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/cms"
	"github.com/alapierre/go-afip-client/afip/internal/testutil"
	"github.com/alapierre/go-afip-client/afip/store/memory"
	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "acme"

var start = time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

type fakeSigner struct{}

func (fakeSigner) Sign(doc, _, _, _ []byte) (string, error) {
	return "CMS", nil
}

type fakeTransport struct {
	clock    clockwork.Clock
	validity time.Duration
	calls    atomic.Int32
	gate     chan struct{}

	mu   sync.Mutex
	err  error
	envs []afip.Environment
}

func (f *fakeTransport) Login(_ context.Context, env afip.Environment, _ string) ([]byte, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	if f.err != nil {
		return nil, f.err
	}
	now := f.clock.Now()
	return []byte(loginEnvelope(loginTicketResponse(
		fmt.Sprintf("token-%d", n), fmt.Sprintf("sign-%d", n),
		now.Format(time.RFC3339), now.Add(f.validity).Format(time.RFC3339)))), nil
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fixture struct {
	clock     *clockwork.FakeClock
	store     *memory.Store
	transport *fakeTransport
	manager   *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	store := memory.New()
	store.PutCredential(&afip.Credential{TenantID: tenant, CUIT: "20111111112", Mode: afip.Homologation})
	transport := &fakeTransport{clock: clock, validity: 12 * time.Hour}

	opts = append([]Option{WithClock(clock), WithSigner(fakeSigner{}), WithRenewalBuffer(5 * time.Minute)}, opts...)
	return &fixture{
		clock:     clock,
		store:     store,
		transport: transport,
		manager:   NewManager(store, store, transport, opts...),
	}
}

func (f *fixture) storeTicket(t *testing.T, token string, expiresIn time.Duration) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.store.UpsertTicket(context.Background(), tenant, &afip.Ticket{
		Token: token, Sign: "stored-sign", GeneratedAt: now.Add(-time.Hour), ExpiresAt: now.Add(expiresIn),
	}))
}

func TestTicket_LoginOnceThenCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)
	second, err := f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.transport.calls.Load())
	assert.Equal(t, first.Token, second.Token)
	assert.True(t, first.ExpiresAt.After(first.GeneratedAt))
	assert.True(t, first.Usable(f.clock.Now(), 5*time.Minute))

	stored, err := f.store.Ticket(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, first.Token, stored.Token, "renewed ticket is persisted")
	assert.Equal(t, []afip.Environment{afip.Homologation}, f.transport.envs)
}

func TestTicket_NearExpiryRenews(t *testing.T) {
	f := newFixture(t)
	f.storeTicket(t, "old", 3*time.Minute)

	got, err := f.manager.Ticket(context.Background(), tenant)
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.transport.calls.Load())
	assert.Equal(t, "token-1", got.Token)
}

func TestTicket_ValidStoredTicketIsServed(t *testing.T) {
	f := newFixture(t)
	f.storeTicket(t, "stored", 20*time.Minute)

	got, err := f.manager.Ticket(context.Background(), tenant)
	require.NoError(t, err)

	assert.Zero(t, f.transport.calls.Load())
	assert.Equal(t, "stored", got.Token)
}

func TestTicket_RenewsOnceBufferIsReached(t *testing.T) {
	f := newFixture(t, WithCacheTTL(0))
	ctx := context.Background()

	_, err := f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)

	f.clock.Advance(12*time.Hour - 6*time.Minute)
	_, err = f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.transport.calls.Load())

	f.clock.Advance(2 * time.Minute)
	got, err := f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.transport.calls.Load())
	assert.Equal(t, "token-2", got.Token)
}

func TestTicket_ConcurrentCallersShareOneLogin(t *testing.T) {
	f := newFixture(t)
	f.storeTicket(t, "expired", -time.Minute)
	f.transport.gate = make(chan struct{})

	const n = 25
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := f.manager.Ticket(context.Background(), tenant)
			errs[i] = err
			if got != nil {
				tokens[i] = got.Token
			}
		}(i)
	}

	require.Eventually(t, func() bool { return f.transport.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.transport.gate)
	wg.Wait()

	assert.EqualValues(t, 1, f.transport.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", tokens[i])
	}
}

func TestTicket_TenantsRenewIndependently(t *testing.T) {
	f := newFixture(t)
	f.store.PutCredential(&afip.Credential{TenantID: "other", Mode: afip.Production})

	_, err := f.manager.Ticket(context.Background(), tenant)
	require.NoError(t, err)
	_, err = f.manager.Ticket(context.Background(), "other")
	require.NoError(t, err)

	assert.EqualValues(t, 2, f.transport.calls.Load())
	assert.Equal(t, []afip.Environment{afip.Homologation, afip.Production}, f.transport.envs)
}

func TestTicket_FailureFallsBackToAliveTicket(t *testing.T) {
	f := newFixture(t)
	f.storeTicket(t, "old", 3*time.Minute)
	f.transport.fail(afip.NewError(afip.TransportFailure, "connection refused"))

	got, err := f.manager.Ticket(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Token)
}

func TestTicket_FailureWithoutAliveTicket(t *testing.T) {
	f := newFixture(t)
	f.storeTicket(t, "old", -time.Minute)
	f.transport.fail(afip.NewError(afip.TransportFailure, "connection refused"))

	_, err := f.manager.Ticket(context.Background(), tenant)
	require.Error(t, err)
	assert.Equal(t, afip.TransportFailure, afip.KindOf(err))
}

func TestForceRenew_IgnoresValidTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)

	got, err := f.manager.ForceRenew(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "token-2", got.Token)

	got, err = f.manager.Ticket(afip.ContextWithForceRenewal(ctx), tenant)
	require.NoError(t, err)
	assert.Equal(t, "token-3", got.Token)

	got, err = f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "token-3", got.Token)
	assert.EqualValues(t, 3, f.transport.calls.Load())
}

// pausingStore holds the first Ticket read after it has loaded its result.
type pausingStore struct {
	*memory.Store
	once    sync.Once
	loaded  chan struct{}
	release chan struct{}
}

func (p *pausingStore) Ticket(ctx context.Context, tenant string) (*afip.Ticket, error) {
	t, err := p.Store.Ticket(ctx, tenant)
	p.once.Do(func() {
		close(p.loaded)
		<-p.release
	})
	return t, err
}

func TestForceRenew_ConcurrentStoreReadDoesNotRestoreOldTicket(t *testing.T) {
	f := newFixture(t)
	f.storeTicket(t, "old", 20*time.Minute)
	store := &pausingStore{Store: f.store, loaded: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(f.store, store, f.transport,
		WithClock(f.clock), WithSigner(fakeSigner{}), WithRenewalBuffer(5*time.Minute))
	ctx := context.Background()

	type read struct {
		ticket *afip.Ticket
		err    error
	}
	reader := make(chan read, 1)
	go func() {
		got, err := m.Ticket(ctx, tenant)
		reader <- read{got, err}
	}()
	<-store.loaded

	forced, err := m.ForceRenew(ctx, tenant)
	require.NoError(t, err)
	require.Equal(t, "token-1", forced.Token)

	close(store.release)
	r := <-reader
	require.NoError(t, r.err)
	assert.Equal(t, "token-1", r.ticket.Token)

	next, err := m.Ticket(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "token-1", next.Token)
	assert.EqualValues(t, 1, f.transport.calls.Load())
}

func TestForceRenew_FailureIsRenewalFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)

	f.transport.fail(afip.NewError(afip.AuthorityRejection, "coe.alreadyAuthenticated"))
	_, err = f.manager.ForceRenew(ctx, tenant)
	require.Error(t, err)

	var e *afip.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, afip.RenewalFailed, e.Kind)
	assert.Equal(t, afip.AuthorityRejection, e.Cause())
	assert.True(t, afip.IsKind(err, afip.AuthorityRejection))
}

func TestTicket_MissingCredential(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Ticket(context.Background(), "ghost")
	assert.Equal(t, afip.CredentialNotFound, afip.KindOf(err))

	_, err = f.manager.Ticket(context.Background(), "")
	assert.ErrorIs(t, err, afip.ErrNoTenant)
}

func TestTicket_UnparsableResponse(t *testing.T) {
	f := newFixture(t)
	f.transport.validity = -time.Hour

	_, err := f.manager.Ticket(context.Background(), tenant)
	assert.Equal(t, afip.ParseFailure, afip.KindOf(err))
}

func TestTicket_ShortLivedTicketRejected(t *testing.T) {
	f := newFixture(t)
	f.transport.validity = 2 * time.Minute

	_, err := f.manager.Ticket(context.Background(), tenant)
	assert.Equal(t, afip.AuthorityRejection, afip.KindOf(err))
}

func TestTicket_CacheTTLRereadsStore(t *testing.T) {
	f := newFixture(t, WithCacheTTL(5*time.Minute))
	ctx := context.Background()

	_, err := f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)
	f.storeTicket(t, "replaced", 6*time.Hour)

	got, err := f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "token-1", got.Token)

	f.clock.Advance(6 * time.Minute)
	got, err = f.manager.Ticket(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "replaced", got.Token)
	assert.EqualValues(t, 1, f.transport.calls.Load())
}

func TestPurge(t *testing.T) {
	f := newFixture(t, WithCacheTTL(time.Minute))
	_, err := f.manager.Ticket(context.Background(), tenant)
	require.NoError(t, err)

	assert.Zero(t, f.manager.Purge())
	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.manager.Purge())
	assert.Zero(t, f.manager.cache.len())
}

func TestState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.manager.State(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, afip.NoTicket, s)

	f.storeTicket(t, "stored", 20*time.Minute)
	s, _ = f.manager.State(ctx, tenant)
	assert.Equal(t, afip.Valid, s)

	f.clock.Advance(17 * time.Minute)
	s, _ = f.manager.State(ctx, tenant)
	assert.Equal(t, afip.NearExpiry, s)

	f.clock.Advance(5 * time.Minute)
	s, _ = f.manager.State(ctx, tenant)
	assert.Equal(t, afip.Expired, s)

	f.transport.gate = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.manager.Ticket(ctx, tenant)
	}()
	require.Eventually(t, func() bool { return f.transport.calls.Load() == 1 }, time.Second, time.Millisecond)
	s, _ = f.manager.State(ctx, tenant)
	assert.Equal(t, afip.Renewing, s)

	close(f.transport.gate)
	<-done
	s, _ = f.manager.State(ctx, tenant)
	assert.Equal(t, afip.Valid, s)
}

func TestTicket_AbandonedCallerDoesNotCancelRenewal(t *testing.T) {
	f := newFixture(t)
	f.transport.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.manager.Ticket(ctx, tenant)
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.transport.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	err := <-errc
	assert.Equal(t, afip.TransportFailure, afip.KindOf(err))

	close(f.transport.gate)
	require.Eventually(t, func() bool {
		s, _ := f.manager.State(context.Background(), tenant)
		return s == afip.Valid
	}, time.Second, time.Millisecond)

	got, err := f.manager.Ticket(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, "token-1", got.Token)
	assert.EqualValues(t, 1, f.transport.calls.Load())
}

type verifyingTransport struct {
	t       *testing.T
	clock   clockwork.Clock
	service string
}

func (v *verifyingTransport) Login(_ context.Context, _ afip.Environment, signed string) ([]byte, error) {
	content, _, err := cms.Verify(signed)
	require.NoError(v.t, err)

	doc := etree.NewDocument()
	require.NoError(v.t, doc.ReadFromBytes(content))
	v.service = doc.FindElement("//service").Text()

	now := v.clock.Now()
	return []byte(loginEnvelope(loginTicketResponse("tok", "sig",
		now.Format(time.RFC3339), now.Add(12*time.Hour).Format(time.RFC3339)))), nil
}

func TestTicket_SignsLoginRequest(t *testing.T) {
	id := testutil.NewIdentity(t, "20111111112")
	clock := clockwork.NewFakeClockAt(time.Now())
	store := memory.New()
	store.PutCredential(&afip.Credential{
		TenantID: tenant, CertificatePEM: id.CertPEM, PrivateKeyPEM: id.KeyPEM, ServiceID: "wsfex",
	})
	transport := &verifyingTransport{t: t, clock: clock}

	m := NewManager(store, store, transport, WithClock(clock))
	got, err := m.Ticket(context.Background(), tenant)
	require.NoError(t, err)

	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, "wsfex", transport.service)
}
