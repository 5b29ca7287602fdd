package consensus

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/gridmint/gridmint/types"
)

// Proposal carries a candidate block for one (height, round). It travels as
// the payload of a gossip envelope signed by the proposer.
type Proposal struct {
	Height     uint64       `json:"height"`
	Round      uint32       `json:"round"`
	ProposerID string       `json:"proposer_id"`
	Block      *types.Block `json:"block"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Encode serializes the proposal for gossip.
func (p *Proposal) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeProposal parses a gossip payload into a proposal.
func DecodeProposal(data []byte) (*Proposal, error) {
	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, types.ErrValidation.Wrapf("decode proposal: %v", err)
	}
	return &p, nil
}

// ValidateBasic checks internal consistency without consulting chain state.
func (p *Proposal) ValidateBasic() error {
	if p.Block == nil {
		return types.ErrValidation.Wrap("proposal has no block")
	}
	if p.Block.Header.Height != p.Height {
		return types.ErrValidation.Wrapf("proposal height %d != block height %d", p.Height, p.Block.Header.Height)
	}
	if p.Block.Header.Round != p.Round {
		return types.ErrValidation.Wrapf("proposal round %d != block round %d", p.Round, p.Block.Header.Round)
	}
	if p.Block.Header.ProposerID != p.ProposerID {
		return types.ErrValidation.Wrapf("proposal by %s but block names %s", p.ProposerID, p.Block.Header.ProposerID)
	}
	if !bytes.Equal(p.Block.Hash, p.Block.ComputeHash()) {
		return types.ErrValidation.Wrap("block hash mismatch")
	}
	return nil
}

// EncodeVote serializes a vote for gossip.
func EncodeVote(v *types.Vote) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeVote parses a gossip payload into a vote.
func DecodeVote(data []byte) (*types.Vote, error) {
	var v types.Vote
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, types.ErrValidation.Wrapf("decode vote: %v", err)
	}
	return &v, nil
}
