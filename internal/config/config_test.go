package config

import (
	"net"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(settings map[string]any) *viper.Viper {
	v := viper.New()
	Defaults(v)
	for key, value := range settings {
		v.Set(key, value)
	}
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(newViper(nil))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Bind)
	assert.Equal(t, 3319, cfg.Port)
	assert.Equal(t, "claude", cfg.AgentCommand)
	assert.Empty(t, cfg.AllowCIDRs)
}

func TestFromViperValidation(t *testing.T) {
	_, err := FromViper(newViper(map[string]any{"port": 0}))
	assert.Error(t, err)

	_, err = FromViper(newViper(map[string]any{"port": 70000}))
	assert.Error(t, err)

	_, err = FromViper(newViper(map[string]any{"allow-cidr": []string{"not-a-cidr"}}))
	assert.Error(t, err)

	_, err = FromViper(newViper(map[string]any{"agent-command": "  "}))
	assert.Error(t, err)

	cfg, err := FromViper(newViper(map[string]any{
		"bind": "0.0.0.0", "port": 4001, "allow-cidr": []string{"100.64.0.0/10"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Bind)
	assert.Equal(t, []string{"100.64.0.0/10"}, cfg.AllowCIDRs)
}

func TestIsAllowedClient(t *testing.T) {
	assert.True(t, IsAllowedClient(net.ParseIP("127.0.0.1"), nil))
	assert.True(t, IsAllowedClient(net.ParseIP("10.1.2.3"), []string{"10.0.0.0/8"}))
	assert.False(t, IsAllowedClient(net.ParseIP("8.8.8.8"), []string{"10.0.0.0/8"}))
	assert.True(t, IsAllowedClient(net.ParseIP("8.8.8.8"), nil), "empty allowlist admits everyone")
}
