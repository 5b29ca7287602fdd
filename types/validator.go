package types

import (
	"sort"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
)

// Role distinguishes permissioned authorities from staked validators.
type Role string

const (
	RoleAuthority Role = "authority"
	RoleStaker    Role = "staker"
)

// Validator is one member of the active set.
type Validator struct {
	ID          string      `json:"validator_id"`
	PubKey      []byte      `json:"public_key"`
	StakeWeight sdkmath.Int `json:"stake_weight"`
	Role        Role        `json:"role"`
}

// ValidatorSet is an immutable, ordered snapshot of the active validators
// for one epoch. Sets are never mutated in place; epoch transitions produce
// a new snapshot.
type ValidatorSet struct {
	Epoch      uint64       `json:"epoch"`
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet builds a snapshot ordered by validator id so proposer
// rotation is deterministic across nodes.
func NewValidatorSet(epoch uint64, validators []*Validator) *ValidatorSet {
	sorted := make([]*Validator, len(validators))
	copy(sorted, validators)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &ValidatorSet{Epoch: epoch, Validators: sorted}
}

// Size returns the number of validators in the set.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// GetByID returns the validator with the given id, or nil.
func (vs *ValidatorSet) GetByID(id string) *Validator {
	for _, v := range vs.Validators {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// Has reports whether the id belongs to the active set.
func (vs *ValidatorSet) Has(id string) bool {
	return vs.GetByID(id) != nil
}

// TotalWeight returns the sum of all stake weights.
func (vs *ValidatorSet) TotalWeight() sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, v := range vs.Validators {
		total = total.Add(v.StakeWeight)
	}
	return total
}

// HasSupermajority reports whether the approving stake weight strictly
// exceeds two-thirds of the total active weight. Integer arithmetic with a
// fixed denominator: 3*approved > 2*total.
func (vs *ValidatorSet) HasSupermajority(approved sdkmath.Int) bool {
	return approved.MulRaw(3).GT(vs.TotalWeight().MulRaw(2))
}

// WeightOf returns the stake weight of a validator, or an UnknownValidator
// error for ids outside the set.
func (vs *ValidatorSet) WeightOf(id string) (sdkmath.Int, error) {
	v := vs.GetByID(id)
	if v == nil {
		return sdkmath.ZeroInt(), errorsmod.Wrapf(ErrUnknownValidator, "id %q", id)
	}
	return v.StakeWeight, nil
}

// ProposerAt returns the proposer for (height, round) under deterministic
// stake-weighted round robin: each validator owns a contiguous span of
// slots proportional to its weight, and (height+round) walks the slots.
func (vs *ValidatorSet) ProposerAt(height uint64, round uint32) *Validator {
	if len(vs.Validators) == 0 {
		return nil
	}
	total := vs.TotalWeight()
	if !total.IsPositive() {
		return vs.Validators[int(height+uint64(round))%len(vs.Validators)]
	}
	slot := sdkmath.NewIntFromUint64(height + uint64(round)).Mod(total)
	cursor := sdkmath.ZeroInt()
	for _, v := range vs.Validators {
		cursor = cursor.Add(v.StakeWeight)
		if slot.LT(cursor) {
			return v
		}
	}
	return vs.Validators[len(vs.Validators)-1]
}
