package charm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charmed-osm/vyos-config/internal/database"
	"github.com/charmed-osm/vyos-config/internal/sshproxy"
)

func TestConfigStoreSealsSecrets(t *testing.T) {
	ctx := context.Background()
	u := newSingleUnit(t, unitOpts{})
	u.configure(t, map[string]string{OptPassword: "hunter2-hunter2", OptHostname: "vnf"})

	raw, err := database.ListConfigOptions(u.db)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2-hunter2", raw[OptPassword])
	assert.Equal(t, "vnf", raw[OptHostname])

	opts, err := u.config.Options(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hunter2-hunter2", opts[OptPassword])

	red, err := u.config.Redacted(ctx)
	require.NoError(t, err)
	assert.Equal(t, "****ter2", red[OptPassword])
}

func TestConfigStoreSeedKeepsExisting(t *testing.T) {
	ctx := context.Background()
	u := newSingleUnit(t, unitOpts{})
	u.configure(t, map[string]string{OptPort: "2222"})
	require.NoError(t, u.config.Seed(ctx))

	opts, err := u.config.Options(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2222", opts[OptPort])
	assert.Equal(t, "", opts[OptHostname])
}

func TestConfigStoreValidates(t *testing.T) {
	u := newSingleUnit(t, unitOpts{})
	assert.Error(t, u.config.Set(context.Background(), OptPort, "ssh"))
	assert.Error(t, u.config.Set(context.Background(), "ssh-colour", "blue"))
}

func TestTargetFromOptions(t *testing.T) {
	got := targetFromOptions(map[string]string{
		OptHostname: "10.1.1.1",
		OptUsername: "vyos",
		OptPassword: "pw",
		OptPort:     "2200",
	})
	assert.Equal(t, sshproxy.Target{Hostname: "10.1.1.1", Username: "vyos", Password: "pw", Port: 2200}, got)
	assert.Equal(t, 0, targetFromOptions(map[string]string{}).Port)
}
