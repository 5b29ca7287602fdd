package consensus

import (
	"bytes"

	sdkmath "cosmossdk.io/math"

	"github.com/gridmint/gridmint/types"
)

// roundState accumulates votes for one (height, round). It is created when a
// proposal arrives or when this node proposes, and thrown away whole when the
// round is abandoned, so no vote ever leaks across rounds.
type roundState struct {
	height   uint64
	round    uint32
	proposal *Proposal
	votes    map[string]*types.Vote
	approved sdkmath.Int
	rejected sdkmath.Int
}

func newRoundState(height uint64, round uint32) *roundState {
	return &roundState{
		height:   height,
		round:    round,
		votes:    make(map[string]*types.Vote),
		approved: sdkmath.ZeroInt(),
		rejected: sdkmath.ZeroInt(),
	}
}

// setProposal records the candidate block. Only the first proposal for the
// round is kept. Votes that arrived ahead of the proposal could reference
// any hash; those not cast for this block are discarded and the tallies are
// rebuilt from the survivors.
func (rs *roundState) setProposal(p *Proposal, set *types.ValidatorSet) bool {
	if rs.proposal != nil {
		return false
	}
	rs.proposal = p

	rs.approved = sdkmath.ZeroInt()
	rs.rejected = sdkmath.ZeroInt()
	for id, v := range rs.votes {
		if !bytes.Equal(v.BlockHash, p.Block.Hash) {
			delete(rs.votes, id)
			continue
		}
		weight, err := set.WeightOf(id)
		if err != nil {
			delete(rs.votes, id)
			continue
		}
		if v.Approve {
			rs.approved = rs.approved.Add(weight)
		} else {
			rs.rejected = rs.rejected.Add(weight)
		}
	}
	return true
}

// addVote records a vote, weighting it by the validator's stake in the set.
// Each validator counts once per round regardless of how many votes arrive.
func (rs *roundState) addVote(v *types.Vote, set *types.ValidatorSet) error {
	if v.Height != rs.height || v.Round != rs.round {
		return types.ErrValidation.Wrapf("vote for height %d round %d in round state %d/%d",
			v.Height, v.Round, rs.height, rs.round)
	}
	if rs.proposal != nil && !bytes.Equal(v.BlockHash, rs.proposal.Block.Hash) {
		return types.ErrValidation.Wrap("vote references a different block")
	}
	if _, dup := rs.votes[v.ValidatorID]; dup {
		return nil
	}
	weight, err := set.WeightOf(v.ValidatorID)
	if err != nil {
		return err
	}
	rs.votes[v.ValidatorID] = v
	if v.Approve {
		rs.approved = rs.approved.Add(weight)
	} else {
		rs.rejected = rs.rejected.Add(weight)
	}
	return nil
}

// hasSupermajority reports whether approving stake strictly exceeds 2/3 of
// the set's total stake.
func (rs *roundState) hasSupermajority(set *types.ValidatorSet) bool {
	return set.HasSupermajority(rs.approved)
}

// rejectionFatal reports whether rejecting stake already rules out approval:
// once more than 1/3 of the stake rejects, the block can never finalize.
func (rs *roundState) rejectionFatal(set *types.ValidatorSet) bool {
	total := set.TotalWeight()
	return rs.rejected.MulRaw(3).GTE(total)
}

// voteList snapshots the accumulated votes for freezing into a final block.
func (rs *roundState) voteList() []types.Vote {
	out := make([]types.Vote, 0, len(rs.votes))
	for _, v := range rs.votes {
		out = append(out, *v)
	}
	return out
}
