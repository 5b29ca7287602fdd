// Package gossipv1 defines the wire-level messages exchanged between peers.
// The structs are serialized with the JSON codec registered by the gossip
// package, so they stay plain Go types.
package gossipv1

import (
	"fmt"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// MessageKind identifies what an envelope carries.
type MessageKind int32

const (
	MessageKindUnspecified MessageKind = iota
	// MessageKindTx carries an encoded transaction.
	MessageKindTx
	// MessageKindProposal carries an encoded block proposal.
	MessageKindProposal
	// MessageKindVote carries an encoded consensus vote.
	MessageKindVote
)

// String returns the string representation of the kind.
func (k MessageKind) String() string {
	switch k {
	case MessageKindTx:
		return "TX"
	case MessageKindProposal:
		return "PROPOSAL"
	case MessageKindVote:
		return "VOTE"
	default:
		return "UNSPECIFIED"
	}
}

// Envelope is the flood-gossip unit. ID is the hex SHA256 of the payload
// and is the deduplication key; Signature is the sender's signature over
// the payload, verified against the active validator set.
type Envelope struct {
	Kind      MessageKind            `json:"kind"`
	Id        string                 `json:"id"`
	SenderId  string                 `json:"sender_id"`
	Payload   []byte                 `json:"payload"`
	Signature []byte                 `json:"signature"`
	Timestamp *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

func (x *Envelope) String() string {
	return fmt.Sprintf("Envelope{Kind:%s, Id:%.12s, Sender:%s}", x.Kind, x.Id, x.SenderId)
}

// PublishRequest submits an envelope to a peer.
type PublishRequest struct {
	Envelope *Envelope `json:"envelope"`
}

// PublishResponse acknowledges an envelope. Accepted is false when the peer
// had already seen the message id.
type PublishResponse struct {
	Accepted bool `json:"accepted"`
}

// GetBlocksRequest asks a peer for finalized blocks in [FromHeight, ToHeight].
type GetBlocksRequest struct {
	FromHeight uint64 `json:"from_height"`
	ToHeight   uint64 `json:"to_height"`
}

// GetBlocksResponse carries JSON-encoded finalized blocks.
type GetBlocksResponse struct {
	Blocks [][]byte `json:"blocks"`
}

// GetStatusRequest asks a peer for its chain status.
type GetStatusRequest struct{}

// GetStatusResponse reports a peer's identity and finalized height.
type GetStatusResponse struct {
	NodeId    string `json:"node_id"`
	Height    uint64 `json:"height"`
	PeerCount int32  `json:"peer_count"`
}
