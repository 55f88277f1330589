package invoice

import (
	"context"

	"github.com/alapierre/go-afip-client/afip"
)

// Sequencer returns the last voucher number authorized for a key. The requester
// asks it right before every submission and never caches the answer.
type Sequencer interface {
	Last(ctx context.Context, key Key) (int64, error)
}

// AuthoritySequencer reads the last number from the authority itself
// (FECompUltimoAutorizado).
type AuthoritySequencer struct {
	session session
	client  Client
}

func NewAuthoritySequencer(tickets TicketSource, credentials afip.CredentialStore, client Client) *AuthoritySequencer {
	return &AuthoritySequencer{
		session: session{tickets: tickets, credentials: credentials},
		client:  client,
	}
}

func (s *AuthoritySequencer) Last(ctx context.Context, key Key) (int64, error) {
	auth, cred, err := s.session.auth(ctx, key.TenantID)
	if err != nil {
		return 0, err
	}
	raw, err := s.client.LastAuthorized(ctx, cred.Mode, auth, key.SalesPoint, key.VoucherType)
	if err != nil {
		return 0, err
	}
	n, err := parseLastAuthorized(raw)
	if err != nil {
		return 0, err
	}
	logger.WithField("tenant", key.TenantID).
		WithField("sales_point", key.SalesPoint).
		WithField("voucher_type", key.VoucherType).
		Debugf("last authorized voucher: %d", n)
	return n, nil
}
