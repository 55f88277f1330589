package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "acme.crt", "CERT")
	write(t, dir, "acme.key", "KEY")
	path := write(t, dir, "tenants.yaml", `
tenants:
  acme:
    cuit: "20111111112"
    certificate: acme.crt
    key: acme.key
    key_password_env: ACME_TEST_KEY_PASSWORD
    mode: production
  beta:
    certificate: acme.crt
    key: acme.key
`)
	t.Setenv("ACME_TEST_KEY_PASSWORD", "secret")

	s, err := Load(path)
	require.NoError(t, err)

	tenants, err := s.Tenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "beta"}, tenants)

	c, err := s.Credential(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "20111111112", c.CUIT)
	assert.Equal(t, "CERT", string(c.CertificatePEM))
	assert.Equal(t, "KEY", string(c.PrivateKeyPEM))
	assert.Equal(t, "secret", string(c.KeyPassword))
	assert.Equal(t, afip.Production, c.Mode)
	assert.Equal(t, afip.DefaultService, c.Service())

	c, err = s.Credential(context.Background(), "beta")
	require.NoError(t, err)
	assert.Equal(t, afip.Homologation, c.Mode)

	_, err = s.Credential(context.Background(), "ghost")
	assert.Equal(t, afip.CredentialNotFound, afip.KindOf(err))
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(write(t, dir, "bad-mode.yaml", "tenants:\n  a:\n    certificate: c\n    key: k\n    mode: staging\n"))
	assert.Error(t, err)

	_, err = Load(write(t, dir, "no-key.yaml", "tenants:\n  a:\n    certificate: c\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestCredential_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(write(t, dir, "t.yaml", "tenants:\n  a:\n    certificate: nope.crt\n    key: nope.key\n"))
	require.NoError(t, err)

	_, err = s.Credential(context.Background(), "a")
	assert.Equal(t, afip.CredentialNotFound, afip.KindOf(err))
}
