package node

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmint/gridmint/crypto"
	"github.com/gridmint/gridmint/types"
)

func validGenesis(t *testing.T) *Genesis {
	t.Helper()
	kpA := crypto.KeyPairFromSeed([]byte("genesis-a"))
	kpB := crypto.KeyPairFromSeed([]byte("genesis-b"))
	return &Genesis{
		ChainID:     "gridmint-test",
		EpochLength: 100,
		Validators: []GenesisValidator{
			{
				ID:     crypto.NodeID(kpA.PublicKeyBytes()),
				PubKey: hex.EncodeToString(kpA.PublicKeyBytes()),
				Stake:  "100",
				Role:   "authority",
			},
			{
				ID:     crypto.NodeID(kpB.PublicKeyBytes()),
				PubKey: hex.EncodeToString(kpB.PublicKeyBytes()),
				Stake:  "50",
				Role:   "staker",
			},
		},
	}
}

func TestGenesisValidate(t *testing.T) {
	require.NoError(t, validGenesis(t).Validate())

	cases := []struct {
		name   string
		mutate func(*Genesis)
	}{
		{"missing chain id", func(g *Genesis) { g.ChainID = "" }},
		{"no validators", func(g *Genesis) { g.Validators = nil }},
		{"empty validator id", func(g *Genesis) { g.Validators[0].ID = "" }},
		{"duplicate validator id", func(g *Genesis) { g.Validators[1].ID = g.Validators[0].ID }},
		{"bad pub key hex", func(g *Genesis) { g.Validators[0].PubKey = "zz-not-hex" }},
		{"zero stake", func(g *Genesis) { g.Validators[0].Stake = "0" }},
		{"negative stake", func(g *Genesis) { g.Validators[0].Stake = "-5" }},
		{"garbage stake", func(g *Genesis) { g.Validators[0].Stake = "lots" }},
		{"unknown role", func(g *Genesis) { g.Validators[0].Role = "observer" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := validGenesis(t)
			tc.mutate(g)
			assert.Error(t, g.Validate())
		})
	}
}

func TestGenesisValidatorSet(t *testing.T) {
	g := validGenesis(t)
	vs, err := g.ValidatorSet()
	require.NoError(t, err)

	assert.Equal(t, uint64(0), vs.Epoch)
	assert.Equal(t, 2, vs.Size())
	assert.Equal(t, int64(150), vs.TotalWeight().Int64())

	v := vs.GetByID(g.Validators[0].ID)
	require.NotNil(t, v)
	assert.Equal(t, types.RoleAuthority, v.Role)
	assert.Equal(t, int64(100), v.StakeWeight.Int64())
}

func TestGenesisSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.json")
	g := validGenesis(t)
	require.NoError(t, SaveGenesis(path, g))

	loaded, err := LoadGenesis(path)
	require.NoError(t, err)
	assert.Equal(t, g.ChainID, loaded.ChainID)
	assert.Equal(t, g.EpochLength, loaded.EpochLength)
	assert.Len(t, loaded.Validators, 2)
}

func TestLoadGenesisErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadGenesis(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})

	t.Run("invalid json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "genesis.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		_, err := LoadGenesis(path)
		assert.Error(t, err)
	})

	t.Run("fails validation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "genesis.json")
		g := validGenesis(t)
		g.ChainID = ""
		require.NoError(t, SaveGenesis(path, g))
		_, err := LoadGenesis(path)
		assert.Error(t, err)
	})
}
