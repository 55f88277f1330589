// Package sweep renews tickets of every configured tenant ahead of their
// expiration. It is meant to be driven by an external scheduler.
package sweep

import (
	"context"
	"sync/atomic"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var logger = logrus.WithField("component", "afip.sweep")

// ErrSweepInProgress is returned by Run while a previous pass is still running.
var ErrSweepInProgress = errors.New("ticket sweep already in progress")

const (
	DefaultConcurrency     = 4
	DefaultLoginsPerSecond = 2
)

// Renewer is the part of ticket.Manager used by the sweeper.
type Renewer interface {
	State(ctx context.Context, tenant string) (afip.TicketState, error)
	Ticket(ctx context.Context, tenant string) (*afip.Ticket, error)
	// Purge evicts lapsed in-memory entries.
	Purge() int
}

// Report summarizes one pass.
type Report struct {
	Checked int
	Purged  int
	Renewed []string
	Failed  []string
}

type Sweeper struct {
	tenants     afip.TenantLister
	renewer     Renewer
	concurrency int
	limiter     *rate.Limiter
	running     atomic.Bool
}

type Option func(*Sweeper)

func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLoginRate caps how many renewals start per second across tenants.
func WithLoginRate(perSecond float64) Option {
	return func(s *Sweeper) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func New(tenants afip.TenantLister, renewer Renewer, opts ...Option) *Sweeper {
	s := &Sweeper{
		tenants:     tenants,
		renewer:     renewer,
		concurrency: DefaultConcurrency,
		limiter:     rate.NewLimiter(DefaultLoginsPerSecond, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run renews every tenant whose ticket is not valid. Tenants are processed
// independently; failures are collected and returned together once all
// tenants were tried. Only one pass runs at a time.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	purged := s.renewer.Purge()

	tenants, err := s.tenants.Tenants(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "list tenants")
	}

	type outcome struct {
		tenant  string
		renewed bool
		err     error
	}
	results := make([]outcome, len(tenants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, tenant := range tenants {
		g.Go(func() error {
			renewed, err := s.sweepTenant(gctx, tenant)
			results[i] = outcome{tenant: tenant, renewed: renewed, err: err}
			// per tenant failures must not cancel the others
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Checked: len(tenants), Purged: purged}
	var errs error
	for _, r := range results {
		switch {
		case r.err != nil:
			report.Failed = append(report.Failed, r.tenant)
			errs = multierr.Append(errs, errors.Wrapf(r.err, "tenant %s", r.tenant))
		case r.renewed:
			report.Renewed = append(report.Renewed, r.tenant)
		}
	}

	logger.WithField("checked", report.Checked).
		WithField("purged", report.Purged).
		WithField("renewed", len(report.Renewed)).
		WithField("failed", len(report.Failed)).
		Info("ticket sweep finished")
	return report, errs
}

func (s *Sweeper) sweepTenant(ctx context.Context, tenant string) (bool, error) {
	log := logger.WithField("tenant", tenant)

	state, err := s.renewer.State(ctx, tenant)
	if err != nil {
		return false, err
	}
	switch state {
	case afip.Valid, afip.Renewing:
		log.WithField("state", state).Debug("no renewal needed")
		return false, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	log.WithField("state", state).Debug("renewing ticket")
	t, err := s.renewer.Ticket(ctx, tenant)
	if err != nil {
		return false, err
	}
	// Ticket may hand back the previous ticket after a failed renewal.
	if state, err := s.renewer.State(ctx, tenant); err == nil && state != afip.Valid {
		return false, errors.Errorf("ticket still %s after renewal, expires at %s", state, t.ExpiresAt)
	}
	return true, nil
}
