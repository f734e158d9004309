package charmmeta

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadCharm(t *testing.T) *Charm {
	t.Helper()
	c, err := Load()
	require.NoError(t, err)
	return c
}

func TestLoadEmbedded(t *testing.T) {
	c := loadCharm(t)
	assert.Equal(t, "vyos-config", c.Metadata.Name)
	assert.Equal(t, "proxypeer", c.PeerRelation())
	assert.Equal(t, []string{
		"generate-ssh-key", "get-ssh-public-key", "reboot", "run", "touch", "verify-ssh-credentials",
	}, c.ActionNames())
	assert.True(t, c.IsSecret("ssh-password"))
	assert.False(t, c.IsSecret("ssh-hostname"))
}

func TestDefaults(t *testing.T) {
	d := loadCharm(t).Defaults()
	assert.Equal(t, "", d["ssh-hostname"])
	assert.Equal(t, "22", d["ssh-port"])
	assert.Len(t, d, 4)
	assert.NotContains(t, d, "ssh-key-bits")
}

func TestValidateParams(t *testing.T) {
	c := loadCharm(t)

	got, err := c.ValidateParams("touch", map[string]any{"filename": "/home/ubuntu/touched"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"filename": "/home/ubuntu/touched"}, got)

	got, err = c.ValidateParams("reboot", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValidateParamsErrors(t *testing.T) {
	c := loadCharm(t)

	_, err := c.ValidateParams("format-disk", nil)
	assert.True(t, errors.Is(err, ErrUnknownAction))

	var pe *ParamError
	_, err = c.ValidateParams("run", map[string]any{})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "command", pe.Param)
	assert.Equal(t, "required", pe.Reason)

	_, err = c.ValidateParams("run", map[string]any{"command": 42.0})
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "expected string")

	_, err = c.ValidateParams("reboot", map[string]any{"force": true})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "force", pe.Param)
}

func TestCoerce(t *testing.T) {
	actions := []byte(`
scale:
  params:
    count: {type: integer}
    ratio: {type: number}
    dry-run: {type: boolean, default: false}
`)
	c, err := Parse([]byte("name: x"), actions, []byte("options: {}"))
	require.NoError(t, err)

	got, err := c.ValidateParams("scale", map[string]any{"count": "3", "ratio": 1, "extra": "kept"})
	require.NoError(t, err)
	assert.Equal(t, 3, got["count"])
	assert.Equal(t, 1.0, got["ratio"])
	assert.Equal(t, false, got["dry-run"])
	assert.Equal(t, "kept", got["extra"])

	got, err = c.ValidateParams("scale", map[string]any{"count": 2.0, "dry-run": "true"})
	require.NoError(t, err)
	assert.Equal(t, 2, got["count"])
	assert.Equal(t, true, got["dry-run"])

	_, err = c.ValidateParams("scale", map[string]any{"count": 2.5})
	assert.Error(t, err)
}

func TestValidateOption(t *testing.T) {
	c := loadCharm(t)
	assert.NoError(t, c.ValidateOption("ssh-hostname", "10.0.0.5"))
	assert.NoError(t, c.ValidateOption("ssh-port", "2222"))
	assert.Error(t, c.ValidateOption("ssh-port", "twenty-two"))
	assert.ErrorIs(t, c.ValidateOption("ssh-colour", "x"), ErrUnknownOption)
}
