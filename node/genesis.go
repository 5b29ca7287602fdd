package node

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	sdkmath "cosmossdk.io/math"

	"github.com/gridmint/gridmint/types"
)

// GenesisValidator is one validator entry in the genesis file.
type GenesisValidator struct {
	ID     string `json:"id"`
	PubKey string `json:"pub_key"`
	Stake  string `json:"stake"`
	Role   string `json:"role"`
}

// Genesis fixes the chain identity and the epoch-0 validator set.
type Genesis struct {
	ChainID     string             `json:"chain_id"`
	EpochLength uint64             `json:"epoch_length"`
	Validators  []GenesisValidator `json:"validators"`
}

// LoadGenesis reads and validates a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse genesis file: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks the genesis document.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("genesis: chain_id is required")
	}
	if len(g.Validators) == 0 {
		return fmt.Errorf("genesis: at least one validator is required")
	}
	seen := make(map[string]struct{}, len(g.Validators))
	for i, v := range g.Validators {
		if v.ID == "" {
			return fmt.Errorf("genesis: validator %d has no id", i)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("genesis: duplicate validator id %s", v.ID)
		}
		seen[v.ID] = struct{}{}
		if _, err := hex.DecodeString(v.PubKey); err != nil {
			return fmt.Errorf("genesis: validator %s has invalid pub_key: %w", v.ID, err)
		}
		stake, ok := sdkmath.NewIntFromString(v.Stake)
		if !ok || !stake.IsPositive() {
			return fmt.Errorf("genesis: validator %s has invalid stake %q", v.ID, v.Stake)
		}
		switch types.Role(v.Role) {
		case types.RoleAuthority, types.RoleStaker:
		default:
			return fmt.Errorf("genesis: validator %s has unknown role %q", v.ID, v.Role)
		}
	}
	return nil
}

// ValidatorSet materializes the epoch-0 validator set.
func (g *Genesis) ValidatorSet() (*types.ValidatorSet, error) {
	validators := make([]*types.Validator, 0, len(g.Validators))
	for _, gv := range g.Validators {
		pubKey, err := hex.DecodeString(gv.PubKey)
		if err != nil {
			return nil, err
		}
		stake, _ := sdkmath.NewIntFromString(gv.Stake)
		validators = append(validators, &types.Validator{
			ID:          gv.ID,
			PubKey:      pubKey,
			StakeWeight: stake,
			Role:        types.Role(gv.Role),
		})
	}
	return types.NewValidatorSet(0, validators), nil
}

// SaveGenesis writes a genesis document, used by the init command.
func SaveGenesis(path string, g *Genesis) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
