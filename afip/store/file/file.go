// Package file reads tenant credentials from a YAML file.
//
//	tenants:
//	  acme:
//	    cuit: "20111111112"
//	    certificate: certs/acme.crt
//	    key: certs/acme.key
//	    key_password_env: ACME_KEY_PASSWORD
//	    service: wsfe
//	    mode: homologation
//
// Relative paths are resolved against the file's directory.
package file

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"
)

var (
	_ afip.CredentialStore = (*Store)(nil)
	_ afip.TenantLister    = (*Store)(nil)
)

type tenantEntry struct {
	CUIT           string           `yaml:"cuit"`
	Certificate    string           `yaml:"certificate"`
	Key            string           `yaml:"key"`
	KeyPasswordEnv string           `yaml:"key_password_env"`
	Service        string           `yaml:"service"`
	Mode           afip.Environment `yaml:"mode"`
}

type document struct {
	Tenants map[string]tenantEntry `yaml:"tenants"`
}

// Store serves credentials loaded by Load. Certificate and key files are read
// on every lookup so rotated material is picked up without a restart.
type Store struct {
	dir     string
	tenants map[string]tenantEntry
}

func Load(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read tenants file")
	}
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse tenants file %s", path)
	}
	for id, t := range doc.Tenants {
		if t.Certificate == "" || t.Key == "" {
			return nil, errors.Errorf("tenant %s: certificate and key are required", id)
		}
	}
	return &Store{dir: filepath.Dir(path), tenants: doc.Tenants}, nil
}

func (s *Store) Credential(_ context.Context, tenant string) (*afip.Credential, error) {
	t, ok := s.tenants[tenant]
	if !ok {
		return nil, afip.NewError(afip.CredentialNotFound, "tenant "+tenant+" not configured")
	}
	cert, err := os.ReadFile(s.resolve(t.Certificate))
	if err != nil {
		return nil, afip.WrapError(afip.CredentialNotFound, err, "read certificate of tenant "+tenant)
	}
	key, err := os.ReadFile(s.resolve(t.Key))
	if err != nil {
		return nil, afip.WrapError(afip.CredentialNotFound, err, "read private key of tenant "+tenant)
	}

	c := &afip.Credential{
		TenantID:       tenant,
		CUIT:           t.CUIT,
		CertificatePEM: cert,
		PrivateKeyPEM:  key,
		ServiceID:      t.Service,
		Mode:           t.Mode,
	}
	if t.KeyPasswordEnv != "" {
		c.KeyPassword = []byte(os.Getenv(t.KeyPasswordEnv))
	}
	return c, nil
}

func (s *Store) Tenants(context.Context) ([]string, error) {
	out := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.dir, p)
}
