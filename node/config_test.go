package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.KeySeed = "test-seed"
		return cfg
	}
	require.NoError(t, base().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing key seed", func(c *Config) { c.KeySeed = "" }, ErrEmptyKeySeed},
		{"missing listen addr", func(c *Config) { c.ListenAddr = "" }, ErrEmptyListenAddr},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, ErrEmptyDataDir},
		{"missing genesis file", func(c *Config) { c.GenesisFile = "" }, ErrEmptyGenesisFile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
}
