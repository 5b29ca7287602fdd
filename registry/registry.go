// Package registry maintains the epoch-indexed validator set snapshots and
// the deterministic proposer rotation.
package registry

import (
	"sync"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"github.com/gridmint/gridmint/types"
)

// EpochUpdate describes the validator changes carried by a governance
// transaction. Updates are applied atomically at epoch boundaries.
type EpochUpdate struct {
	Added   []*types.Validator `json:"added"`
	Removed []string           `json:"removed"`
	// Reweighted maps validator ids to their new stake weight.
	Reweighted map[string]sdkmath.Int `json:"reweighted,omitempty"`
}

// Registry holds the sequence of immutable ValidatorSet snapshots, one per
// epoch. The consensus engine and gossip layer share it read-only; the only
// mutation point is ApplyEpochUpdate at block heights divisible by the
// epoch length.
type Registry struct {
	mu sync.RWMutex

	epochLength uint64
	snapshots   map[uint64]*types.ValidatorSet
	current     uint64

	logger log.Logger
}

// New creates a registry seeded with the genesis validator set as epoch 0.
func New(genesis *types.ValidatorSet, epochLength uint64, logger log.Logger) *Registry {
	if epochLength == 0 {
		epochLength = DefaultEpochLength
	}
	return &Registry{
		epochLength: epochLength,
		snapshots:   map[uint64]*types.ValidatorSet{0: genesis},
		current:     0,
		logger:      logger.With("module", "registry"),
	}
}

// DefaultEpochLength is the documented default number of blocks per epoch.
const DefaultEpochLength = 100

// EpochLength returns the configured epoch length in blocks.
func (r *Registry) EpochLength() uint64 {
	return r.epochLength
}

// EpochForHeight returns the epoch a block height belongs to.
func (r *Registry) EpochForHeight(height uint64) uint64 {
	return height / r.epochLength
}

// ActiveSet returns the current validator set snapshot.
func (r *Registry) ActiveSet() *types.ValidatorSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshots[r.current]
}

// SetAt returns the snapshot for the epoch covering the given height. Past
// snapshots stay addressable so late votes can be verified against the set
// that was active when their block was proposed.
func (r *Registry) SetAt(height uint64) *types.ValidatorSet {
	epoch := r.EpochForHeight(height)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for e := epoch; ; e-- {
		if vs, ok := r.snapshots[e]; ok {
			return vs
		}
		if e == 0 {
			return r.snapshots[r.current]
		}
	}
}

// CurrentProposer returns the proposer id for (height, round) under the
// snapshot active at that height.
func (r *Registry) CurrentProposer(height uint64, round uint32) (string, error) {
	vs := r.SetAt(height)
	v := vs.ProposerAt(height, round)
	if v == nil {
		return "", errorsmod.Wrap(types.ErrUnknownValidator, "validator set is empty")
	}
	return v.ID, nil
}

// IsAuthorized reports whether the id is in the active set.
func (r *Registry) IsAuthorized(validatorID string) bool {
	return r.ActiveSet().Has(validatorID)
}

// PubKeyOf returns the public key of an active validator, for peer and
// vote authentication.
func (r *Registry) PubKeyOf(validatorID string) ([]byte, error) {
	v := r.ActiveSet().GetByID(validatorID)
	if v == nil {
		return nil, errorsmod.Wrapf(types.ErrUnknownValidator, "id %q", validatorID)
	}
	return v.PubKey, nil
}

// ApplyEpochUpdate builds a new snapshot from the current one plus the
// governance update, and atomically switches to it. The caller (the
// consensus engine) invokes this exactly at epoch-boundary heights; the
// snapshot is keyed by the first epoch after the boundary, so already
// finalized heights keep resolving to the set they were validated under.
func (r *Registry) ApplyEpochUpdate(boundaryHeight uint64, update *EpochUpdate) (*types.ValidatorSet, error) {
	epoch := r.EpochForHeight(boundaryHeight) + 1

	r.mu.Lock()
	defer r.mu.Unlock()

	if epoch <= r.current {
		return nil, errorsmod.Wrapf(types.ErrValidation,
			"epoch %d already sealed, current is %d", epoch, r.current)
	}

	cur := r.snapshots[r.current]
	next := make(map[string]*types.Validator, len(cur.Validators))
	for _, v := range cur.Validators {
		clone := *v
		next[v.ID] = &clone
	}

	if update != nil {
		for _, id := range update.Removed {
			if _, ok := next[id]; !ok {
				return nil, errorsmod.Wrapf(types.ErrUnknownValidator, "cannot remove %q", id)
			}
			delete(next, id)
		}
		for id, weight := range update.Reweighted {
			v, ok := next[id]
			if !ok {
				return nil, errorsmod.Wrapf(types.ErrUnknownValidator, "cannot reweight %q", id)
			}
			v.StakeWeight = weight
		}
		for _, v := range update.Added {
			clone := *v
			next[v.ID] = &clone
		}
	}

	validators := make([]*types.Validator, 0, len(next))
	for _, v := range next {
		validators = append(validators, v)
	}

	vs := types.NewValidatorSet(epoch, validators)
	r.snapshots[epoch] = vs
	r.current = epoch

	r.logger.Info("applied epoch update",
		"epoch", epoch,
		"validators", vs.Size(),
		"total_weight", vs.TotalWeight().String(),
	)
	return vs, nil
}
