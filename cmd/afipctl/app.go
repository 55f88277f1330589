package main

import (
	"context"
	"net/http"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/config"
	"github.com/alapierre/go-afip-client/afip/metrics"
	"github.com/alapierre/go-afip-client/afip/soap"
	"github.com/alapierre/go-afip-client/afip/store/file"
	"github.com/alapierre/go-afip-client/afip/store/memory"
	"github.com/alapierre/go-afip-client/afip/store/postgres"
	"github.com/alapierre/go-afip-client/afip/store/redis"
	"github.com/alapierre/go-afip-client/afip/ticket"
	"github.com/alapierre/go-afip-client/afip/tra"
	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

type credentialSource interface {
	afip.CredentialStore
	afip.TenantLister
}

// app holds the wired components for one command invocation.
type app struct {
	credentials credentialSource
	tickets     afip.TicketStore
	client      *soap.Client
	manager     *ticket.Manager
	registry    *prometheus.Registry
	closers     []func() error
}

// newApp picks the credential source (tenants file, then database) and the
// ticket store (redis, then database, then process memory).
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}

	collector, err := metrics.New(a.registry)
	if err != nil {
		return nil, err
	}

	var pg *postgres.Store
	if cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		pg = postgres.New(pool)
	}

	switch {
	case cfg.TenantsFile != "":
		fs, err := file.Load(cfg.TenantsFile)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.credentials = fs
	case pg != nil:
		a.credentials = pg
	default:
		_ = a.Close()
		return nil, errors.New("no credential source: set AFIP_TENANTS_FILE or DATABASE_URL")
	}

	switch {
	case cfg.RedisAddr != "":
		rc, err := redis.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		a.tickets = redis.New(rc)
	case pg != nil:
		a.tickets = pg
	default:
		a.tickets = memory.New()
	}

	a.client = soap.NewClient(&http.Client{Timeout: cfg.HTTPTimeout},
		soap.WithLoginRetry(cfg.LoginAttempts, cfg.LoginBackoff),
		soap.WithMetrics(collector),
	)
	a.manager = ticket.NewManager(a.credentials, a.tickets, a.client,
		ticket.WithRenewalBuffer(cfg.RenewalBuffer),
		ticket.WithCacheTTL(cfg.CacheTTL),
		ticket.WithBuilder(tra.NewBuilder(tra.WithValidity(cfg.TicketValidity), tra.WithSkew(cfg.GenerationSkew))),
		ticket.WithMetrics(collector),
	)
	return a, nil
}

func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	return err
}

// withApp wires the components, runs fn and releases connections.
func withApp(ctx context.Context, fn func(a *app) error) (err error) {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()
	return fn(a)
}
