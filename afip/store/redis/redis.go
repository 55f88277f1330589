// Package redis shares tickets between processes through Redis. Entries expire
// together with the ticket.
package redis

import (
	"context"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	goredis "github.com/redis/go-redis/v9"
)

var _ afip.TicketStore = (*Store)(nil)

const DefaultPrefix = "afip:ticket:"

type Store struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

type Option func(*Store)

func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect creates a client for addr and checks it answers.
func Connect(ctx context.Context, addr string) (*goredis.Client, error) {
	c := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return c, nil
}

func (s *Store) key(tenant string) string {
	return s.prefix + tenant
}

func (s *Store) Ticket(ctx context.Context, tenant string) (*afip.Ticket, error) {
	b, err := s.client.Get(ctx, s.key(tenant)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get ticket")
	}
	return decodeTicket(b)
}

// UpsertTicket stores t until its expiration. Already expired tickets are
// not stored.
func (s *Store) UpsertTicket(ctx context.Context, tenant string, t *afip.Ticket) error {
	ttl := t.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.client.Del(ctx, s.key(tenant)).Err()
	}
	err := s.client.Set(ctx, s.key(tenant), encodeTicket(t), ttl).Err()
	return errors.Wrap(err, "set ticket")
}

func encodeTicket(t *afip.Ticket) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("token")
	e.Str(t.Token)
	e.FieldStart("sign")
	e.Str(t.Sign)
	e.FieldStart("generated_at")
	e.Str(t.GeneratedAt.Format(time.RFC3339Nano))
	e.FieldStart("expires_at")
	e.Str(t.ExpiresAt.Format(time.RFC3339Nano))
	if len(t.Raw) > 0 {
		e.FieldStart("raw")
		e.Base64(t.Raw)
	}
	e.ObjEnd()
	return e.Bytes()
}

func decodeTicket(b []byte) (*afip.Ticket, error) {
	t := &afip.Ticket{}
	err := jx.DecodeBytes(b).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "token":
			t.Token, err = d.Str()
		case "sign":
			t.Sign, err = d.Str()
		case "generated_at":
			t.GeneratedAt, err = decodeTime(d)
		case "expires_at":
			t.ExpiresAt, err = decodeTime(d)
		case "raw":
			t.Raw, err = d.Base64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, afip.WrapError(afip.ParseFailure, err, "decode cached ticket")
	}
	return t, nil
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}
