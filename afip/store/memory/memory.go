// Package memory keeps credentials, tickets and sale records in process memory.
// It backs tests and the command line tool.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/invoice"
)

var (
	_ afip.CredentialStore = (*Store)(nil)
	_ afip.TicketStore     = (*Store)(nil)
	_ afip.TenantLister    = (*Store)(nil)
	_ invoice.SaleRecorder = (*Store)(nil)
	_ invoice.Sequencer    = (*Store)(nil)
)

type Store struct {
	mu          sync.RWMutex
	credentials map[string]*afip.Credential
	tickets     map[string]*afip.Ticket
	sales       map[string]invoice.SaleUpdate
	last        map[invoice.Key]int64
}

func New() *Store {
	return &Store{
		credentials: make(map[string]*afip.Credential),
		tickets:     make(map[string]*afip.Ticket),
		sales:       make(map[string]invoice.SaleUpdate),
		last:        make(map[invoice.Key]int64),
	}
}

// PutCredential adds or replaces a tenant's credential.
func (s *Store) PutCredential(c *afip.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.credentials[c.TenantID] = &cp
}

// DeleteCredential removes the credential together with its ticket.
func (s *Store) DeleteCredential(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, tenant)
	delete(s.tickets, tenant)
}

func (s *Store) Credential(_ context.Context, tenant string) (*afip.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[tenant]
	if !ok {
		return nil, afip.NewError(afip.CredentialNotFound, "no credential for tenant "+tenant)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) Tenants(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.credentials))
	for k := range s.credentials {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Ticket(_ context.Context, tenant string) (*afip.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[tenant]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// UpsertTicket stores t for a tenant that has a credential.
func (s *Store) UpsertTicket(_ context.Context, tenant string, t *afip.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[tenant]; !ok {
		return afip.NewError(afip.CredentialNotFound, "no credential for tenant "+tenant)
	}
	cp := *t
	s.tickets[tenant] = &cp
	return nil
}

func (s *Store) UpdateSale(_ context.Context, saleID string, u invoice.SaleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sales[saleID]; ok && prev.CAE != "" {
		return invoice.ErrAlreadyAuthorized
	}
	s.sales[saleID] = u
	if u.VoucherNumber > s.last[u.Key] {
		s.last[u.Key] = u.VoucherNumber
	}
	return nil
}

func (s *Store) Sale(saleID string) (invoice.SaleUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.sales[saleID]
	return u, ok
}

// Last returns the highest voucher number recorded through UpdateSale or
// SetLast for key.
func (s *Store) Last(_ context.Context, key invoice.Key) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last[key], nil
}

func (s *Store) SetLast(key invoice.Key, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[key] = n
}
