package consensus

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmint/gridmint/types"
)

func equalWeightSet(ids ...string) *types.ValidatorSet {
	vals := make([]*types.Validator, len(ids))
	for i, id := range ids {
		vals[i] = &types.Validator{
			ID:          id,
			PubKey:      []byte("pk-" + id),
			StakeWeight: sdkmath.NewInt(1),
			Role:        types.RoleStaker,
		}
	}
	return types.NewValidatorSet(0, vals)
}

func proposalAt(height uint64, round uint32, proposer string) *Proposal {
	block := &types.Block{
		Header: types.BlockHeader{
			Height:     height,
			Round:      round,
			ProposerID: proposer,
			Timestamp:  time.Unix(1700000000, 0).UTC(),
		},
	}
	block.Hash = block.ComputeHash()
	return &Proposal{
		Height:     height,
		Round:      round,
		ProposerID: proposer,
		Block:      block,
		Timestamp:  block.Header.Timestamp,
	}
}

func voteFor(p *Proposal, validator string, approve bool) *types.Vote {
	return &types.Vote{
		BlockHash:   p.Block.Hash,
		Height:      p.Height,
		Round:       p.Round,
		ValidatorID: validator,
		Approve:     approve,
		Signature:   []byte("sig"),
	}
}

func TestRoundStateKeepsFirstProposal(t *testing.T) {
	set := equalWeightSet("val-a", "val-b", "val-c")
	rs := newRoundState(1, 0)
	first := proposalAt(1, 0, "val-a")
	second := proposalAt(1, 0, "val-b")

	assert.True(t, rs.setProposal(first, set))
	assert.False(t, rs.setProposal(second, set))
	assert.Same(t, first, rs.proposal)
}

func TestRoundStateVoteAccumulation(t *testing.T) {
	set := equalWeightSet("val-a", "val-b", "val-c")
	rs := newRoundState(1, 0)
	p := proposalAt(1, 0, "val-a")
	require.True(t, rs.setProposal(p, set))

	require.NoError(t, rs.addVote(voteFor(p, "val-a", true), set))
	assert.False(t, rs.hasSupermajority(set))

	require.NoError(t, rs.addVote(voteFor(p, "val-b", true), set))
	assert.False(t, rs.hasSupermajority(set))

	require.NoError(t, rs.addVote(voteFor(p, "val-c", true), set))
	assert.True(t, rs.hasSupermajority(set))
	assert.Len(t, rs.voteList(), 3)
}

func TestRoundStateVoteRejections(t *testing.T) {
	set := equalWeightSet("val-a", "val-b", "val-c")

	t.Run("wrong height or round", func(t *testing.T) {
		rs := newRoundState(2, 1)
		p := proposalAt(2, 1, "val-a")
		require.True(t, rs.setProposal(p, set))

		stale := voteFor(p, "val-a", true)
		stale.Height = 1
		assert.ErrorIs(t, rs.addVote(stale, set), types.ErrValidation)

		wrongRound := voteFor(p, "val-a", true)
		wrongRound.Round = 0
		assert.ErrorIs(t, rs.addVote(wrongRound, set), types.ErrValidation)
	})

	t.Run("different block hash", func(t *testing.T) {
		rs := newRoundState(1, 0)
		require.True(t, rs.setProposal(proposalAt(1, 0, "val-a"), set))

		other := voteFor(proposalAt(1, 0, "val-b"), "val-a", true)
		assert.ErrorIs(t, rs.addVote(other, set), types.ErrValidation)
	})

	t.Run("unknown validator", func(t *testing.T) {
		rs := newRoundState(1, 0)
		p := proposalAt(1, 0, "val-a")
		require.True(t, rs.setProposal(p, set))
		assert.ErrorIs(t, rs.addVote(voteFor(p, "stranger", true), set), types.ErrUnknownValidator)
	})
}

func TestSetProposalPrunesMismatchedEarlyVotes(t *testing.T) {
	set := equalWeightSet("val-a", "val-b", "val-c")
	rs := newRoundState(1, 0)
	p := proposalAt(1, 0, "val-a")

	// Votes arriving before the proposal can name any hash; only those cast
	// for the proposed block may count toward its finality.
	stray := voteFor(p, "val-b", true)
	stray.BlockHash = []byte("not-the-proposal-hash")
	require.NoError(t, rs.addVote(stray, set))

	early := voteFor(p, "val-c", true)
	require.NoError(t, rs.addVote(early, set))
	require.Equal(t, int64(2), rs.approved.Int64())

	require.True(t, rs.setProposal(p, set))
	assert.Equal(t, int64(1), rs.approved.Int64())
	assert.Len(t, rs.voteList(), 1)
	assert.False(t, rs.hasSupermajority(set))

	// The pruned validator can still vote for the real block.
	require.NoError(t, rs.addVote(voteFor(p, "val-b", true), set))
	require.NoError(t, rs.addVote(voteFor(p, "val-a", true), set))
	assert.True(t, rs.hasSupermajority(set))
}

func TestRoundStateCountsEachValidatorOnce(t *testing.T) {
	set := equalWeightSet("val-a", "val-b", "val-c")
	rs := newRoundState(1, 0)
	p := proposalAt(1, 0, "val-a")
	require.True(t, rs.setProposal(p, set))

	for i := 0; i < 5; i++ {
		require.NoError(t, rs.addVote(voteFor(p, "val-a", true), set))
	}
	assert.Equal(t, int64(1), rs.approved.Int64())
	assert.False(t, rs.hasSupermajority(set))
}

func TestRejectionFatal(t *testing.T) {
	set := equalWeightSet("val-a", "val-b", "val-c")
	rs := newRoundState(1, 0)
	p := proposalAt(1, 0, "val-a")
	require.True(t, rs.setProposal(p, set))

	assert.False(t, rs.rejectionFatal(set))

	// One third of the stake rejecting already rules out a strict 2/3
	// approval.
	require.NoError(t, rs.addVote(voteFor(p, "val-b", false), set))
	assert.True(t, rs.rejectionFatal(set))
}
