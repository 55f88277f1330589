package afip

import (
	"context"
	"time"
)

type forceRenewalKey struct{}

// ContextWithForceRenewal marks ctx so that the ticket manager skips every cache
// layer and performs a fresh login.
func ContextWithForceRenewal(ctx context.Context) context.Context {
	return context.WithValue(ctx, forceRenewalKey{}, true)
}

func IsForceRenewal(ctx context.Context) bool {
	v, ok := ctx.Value(forceRenewalKey{}).(bool)
	return ok && v
}

// Credential is the per tenant material needed to obtain a ticket.
type Credential struct {
	TenantID       string
	CUIT           string
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	// KeyPassword is only needed for ENCRYPTED PRIVATE KEY blocks.
	KeyPassword []byte
	ServiceID   string
	Mode        Environment
}

// DefaultService is the WSAA service name of the electronic invoicing service.
const DefaultService = "wsfe"

func (c *Credential) Service() string {
	if c.ServiceID == "" {
		return DefaultService
	}
	return c.ServiceID
}

// TicketState describes where a tenant's ticket sits in its lifecycle.
type TicketState int

const (
	NoTicket TicketState = iota
	Valid
	NearExpiry
	Expired
	Renewing
)

func (s TicketState) String() string {
	switch s {
	case NoTicket:
		return "NO_TICKET"
	case Valid:
		return "VALID"
	case NearExpiry:
		return "NEAR_EXPIRY"
	case Expired:
		return "EXPIRED"
	case Renewing:
		return "RENEWING"
	}
	return "UNKNOWN"
}

// Ticket is the access ticket (TA) returned by the login service.
type Ticket struct {
	Token       string
	Sign        string
	GeneratedAt time.Time
	ExpiresAt   time.Time
	// Raw is the login response payload kept for audit.
	Raw []byte
}

// Usable reports whether the ticket can still be handed out without renewal.
func (t *Ticket) Usable(now time.Time, buffer time.Duration) bool {
	return t != nil && now.Before(t.ExpiresAt.Add(-buffer))
}

// Alive reports whether the authority would still accept the ticket.
func (t *Ticket) Alive(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt)
}

func (t *Ticket) StateAt(now time.Time, buffer time.Duration) TicketState {
	switch {
	case t == nil:
		return NoTicket
	case t.Usable(now, buffer):
		return Valid
	case t.Alive(now):
		return NearExpiry
	default:
		return Expired
	}
}

// CredentialStore reads tenant credentials. Implementations return an error of
// kind CredentialNotFound when the tenant has none configured.
type CredentialStore interface {
	Credential(ctx context.Context, tenantID string) (*Credential, error)
}

// TicketStore persists the last issued ticket per credential. Ticket returns
// (nil, nil) when nothing is stored.
type TicketStore interface {
	Ticket(ctx context.Context, tenantID string) (*Ticket, error)
	UpsertTicket(ctx context.Context, tenantID string, t *Ticket) error
}

// TenantLister enumerates tenants with configured credentials.
type TenantLister interface {
	Tenants(ctx context.Context) ([]string, error)
}
