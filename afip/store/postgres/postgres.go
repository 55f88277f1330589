// Package postgres stores credentials, tickets and sale authorizations in
// PostgreSQL.
package postgres

import (
	"context"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/invoice"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "afip.store.postgres")

var (
	_ afip.CredentialStore = (*Store)(nil)
	_ afip.TicketStore     = (*Store)(nil)
	_ afip.TenantLister    = (*Store)(nil)
	_ invoice.SaleRecorder = (*Store)(nil)
	_ invoice.Sequencer    = (*Store)(nil)
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for databaseURL and checks it is reachable.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database URL")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}

func (s *Store) PutCredential(ctx context.Context, c *afip.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO afip_credentials (tenant_id, cuit, certificate_pem, private_key_pem, key_password, service_id, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			cuit = EXCLUDED.cuit,
			certificate_pem = EXCLUDED.certificate_pem,
			private_key_pem = EXCLUDED.private_key_pem,
			key_password = EXCLUDED.key_password,
			service_id = EXCLUDED.service_id,
			mode = EXCLUDED.mode,
			updated_at = now()`,
		c.TenantID, c.CUIT, c.CertificatePEM, c.PrivateKeyPEM, c.KeyPassword, c.Service(), c.Mode.Name())
	return errors.Wrap(err, "upsert credential")
}

// DeleteCredential removes the credential; its ticket goes with it.
func (s *Store) DeleteCredential(ctx context.Context, tenant string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM afip_credentials WHERE tenant_id = $1`, tenant)
	return errors.Wrap(err, "delete credential")
}

func (s *Store) Credential(ctx context.Context, tenant string) (*afip.Credential, error) {
	c := &afip.Credential{TenantID: tenant}
	var mode string
	err := s.pool.QueryRow(ctx, `
		SELECT cuit, certificate_pem, private_key_pem, key_password, service_id, mode
		FROM afip_credentials WHERE tenant_id = $1`, tenant).
		Scan(&c.CUIT, &c.CertificatePEM, &c.PrivateKeyPEM, &c.KeyPassword, &c.ServiceID, &mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, afip.NewError(afip.CredentialNotFound, "no credential for tenant "+tenant)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select credential")
	}
	if c.Mode, err = afip.ParseEnvironment(mode); err != nil {
		return nil, afip.WrapError(afip.CredentialInvalid, err, "credential mode")
	}
	return c, nil
}

func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_id FROM afip_credentials ORDER BY tenant_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list tenants")
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return tenants, errors.Wrap(err, "list tenants")
}

func (s *Store) Ticket(ctx context.Context, tenant string) (*afip.Ticket, error) {
	t := &afip.Ticket{}
	err := s.pool.QueryRow(ctx, `
		SELECT token, sign, generated_at, expires_at, raw_response
		FROM afip_tickets WHERE tenant_id = $1`, tenant).
		Scan(&t.Token, &t.Sign, &t.GeneratedAt, &t.ExpiresAt, &t.Raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select ticket")
	}
	return t, nil
}

// UpsertTicket replaces the tenant's ticket in a single statement.
func (s *Store) UpsertTicket(ctx context.Context, tenant string, t *afip.Ticket) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO afip_tickets (tenant_id, token, sign, generated_at, expires_at, raw_response)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			token = EXCLUDED.token,
			sign = EXCLUDED.sign,
			generated_at = EXCLUDED.generated_at,
			expires_at = EXCLUDED.expires_at,
			raw_response = EXCLUDED.raw_response,
			updated_at = now()`,
		tenant, t.Token, t.Sign, t.GeneratedAt, t.ExpiresAt, t.Raw)
	return errors.Wrap(err, "upsert ticket")
}

// UpdateSale records an authorization outcome. A sale that already holds a
// CAE is never overwritten.
func (s *Store) UpdateSale(ctx context.Context, saleID string, u invoice.SaleUpdate) error {
	var (
		number *int64
		cae    *string
		expiry *time.Time
	)
	if u.CAE != "" {
		number, cae, expiry = &u.VoucherNumber, &u.CAE, &u.CAEExpiry
	}
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO afip_sale_authorizations
			(sale_id, tenant_id, sales_point, voucher_type, status, voucher_number, cae, cae_expiry,
			 errors, observations, message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sale_id) DO UPDATE SET
			status = EXCLUDED.status,
			voucher_number = EXCLUDED.voucher_number,
			cae = EXCLUDED.cae,
			cae_expiry = EXCLUDED.cae_expiry,
			errors = EXCLUDED.errors,
			observations = EXCLUDED.observations,
			message = EXCLUDED.message,
			updated_at = EXCLUDED.updated_at
		WHERE afip_sale_authorizations.cae IS NULL`,
		saleID, u.Key.TenantID, u.Key.SalesPoint, u.Key.VoucherType, string(u.Status), number, cae, expiry,
		encodeDetails(u.Errors), encodeDetails(u.Observations), u.Message, updatedAt)
	if err != nil {
		return errors.Wrap(err, "upsert sale authorization")
	}
	if tag.RowsAffected() == 0 {
		logger.WithField("sale", saleID).WithField("status", u.Status).Warn("sale already authorized, update ignored")
		return invoice.ErrAlreadyAuthorized
	}
	return nil
}

// Sale reads back a recorded authorization.
func (s *Store) Sale(ctx context.Context, saleID string) (invoice.SaleUpdate, error) {
	var (
		u            invoice.SaleUpdate
		status       string
		number       *int64
		cae          *string
		expiry       *time.Time
		errs, notice []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, sales_point, voucher_type, status, voucher_number, cae, cae_expiry,
		       errors, observations, message, updated_at
		FROM afip_sale_authorizations WHERE sale_id = $1`, saleID).
		Scan(&u.Key.TenantID, &u.Key.SalesPoint, &u.Key.VoucherType, &status, &number, &cae, &expiry,
			&errs, &notice, &u.Message, &u.UpdatedAt)
	if err != nil {
		return u, errors.Wrap(err, "select sale authorization")
	}
	u.Status = invoice.SaleStatus(status)
	if number != nil {
		u.VoucherNumber = *number
	}
	if cae != nil {
		u.CAE = *cae
	}
	if expiry != nil {
		u.CAEExpiry = *expiry
	}
	if u.Errors, err = decodeDetails(errs); err != nil {
		return u, err
	}
	if u.Observations, err = decodeDetails(notice); err != nil {
		return u, err
	}
	return u, nil
}

// Last returns the highest voucher number recorded for key. It suits
// deployments where every voucher of the sequence is issued through this
// store; otherwise use invoice.AuthoritySequencer.
func (s *Store) Last(ctx context.Context, key invoice.Key) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(voucher_number), 0) FROM afip_sale_authorizations
		WHERE tenant_id = $1 AND sales_point = $2 AND voucher_type = $3`,
		key.TenantID, key.SalesPoint, key.VoucherType).Scan(&n)
	return n, errors.Wrap(err, "select last voucher number")
}
