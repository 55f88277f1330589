package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alapierre/go-afip-client/afip/config"
	"github.com/alapierre/go-afip-client/afip/store/file"
	"github.com/alapierre/go-afip-client/afip/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearStorageEnv(t *testing.T) {
	for _, k := range []string{"AFIP_TENANTS_FILE", "DATABASE_URL", "REDIS_ADDR"} {
		t.Setenv(k, "")
	}
}

func TestNewApp_RequiresCredentialSource(t *testing.T) {
	clearStorageEnv(t)
	c, err := config.Load()
	require.NoError(t, err)

	_, err = newApp(context.Background(), c)
	assert.ErrorContains(t, err, "no credential source")
}

func TestNewApp_TenantsFileWithMemoryTickets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yaml")
	clearStorageEnv(t)
	require.NoError(t, os.WriteFile(path, []byte(`tenants:
  acme:
    cuit: "20111111112"
    certificate: acme.crt
    key: acme.key
`), 0o600))
	t.Setenv("AFIP_TENANTS_FILE", path)

	c, err := config.Load()
	require.NoError(t, err)

	a, err := newApp(context.Background(), c)
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	assert.IsType(t, &file.Store{}, a.credentials)
	assert.IsType(t, &memory.Store{}, a.tickets)

	tenants, err := a.credentials.Tenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, tenants)
}
