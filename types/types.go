// Package types defines the core data structures shared by the gridmint
// consensus, gossip, and receipt subsystems.
package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	errorsmod "cosmossdk.io/errors"
)

// PayloadKind identifies the transaction payload schema.
type PayloadKind string

const (
	// KindTransfer moves balance between accounts.
	KindTransfer PayloadKind = "transfer"
	// KindJobSubmit registers an AI-compute job.
	KindJobSubmit PayloadKind = "job_submit"
	// KindJobSettle settles a previously submitted job and carries the
	// miner's receipt signature material.
	KindJobSettle PayloadKind = "job_settle"
)

// Valid reports whether the kind is one of the fixed schema kinds.
func (k PayloadKind) Valid() bool {
	switch k {
	case KindTransfer, KindJobSubmit, KindJobSettle:
		return true
	}
	return false
}

// TransferPayload is the payload of a transfer transaction.
type TransferPayload struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// ValidateBasic performs stateless checks on the payload.
func (p *TransferPayload) ValidateBasic() error {
	if p.Recipient == "" {
		return errorsmod.Wrap(ErrValidation, "transfer recipient cannot be empty")
	}
	if p.Amount == 0 {
		return errorsmod.Wrap(ErrValidation, "transfer amount must be positive")
	}
	return nil
}

// JobSubmitPayload registers a compute job to be executed by a miner.
type JobSubmitPayload struct {
	JobID         string `json:"job_id"`
	MinerID       string `json:"miner_id"`
	CoordinatorID string `json:"coordinator_id"`
	InputHash     []byte `json:"input_hash"`
	MaxDuration   uint64 `json:"max_duration"` // seconds
}

// ValidateBasic performs stateless checks on the payload.
func (p *JobSubmitPayload) ValidateBasic() error {
	if p.JobID == "" {
		return errorsmod.Wrap(ErrValidation, "job id cannot be empty")
	}
	if p.MinerID == "" {
		return errorsmod.Wrap(ErrValidation, "miner id cannot be empty")
	}
	if p.CoordinatorID == "" {
		return errorsmod.Wrap(ErrValidation, "coordinator id cannot be empty")
	}
	if len(p.InputHash) == 0 {
		return errorsmod.Wrap(ErrValidation, "input hash cannot be empty")
	}
	return nil
}

// JobSettlePayload settles an open job. MinerPubKey and MinerSignature are
// the key material the receipt service uses to build the miner half of the
// job receipt; the signature is over the canonical receipt payload.
type JobSettlePayload struct {
	JobID          string `json:"job_id"`
	MinerID        string `json:"miner_id"`
	ResultHash     []byte `json:"result_hash"`
	MinerPubKey    []byte `json:"miner_pub_key"`
	MinerSignature []byte `json:"miner_signature"`
}

// ValidateBasic performs stateless checks on the payload.
func (p *JobSettlePayload) ValidateBasic() error {
	if p.JobID == "" {
		return errorsmod.Wrap(ErrValidation, "job id cannot be empty")
	}
	if p.MinerID == "" {
		return errorsmod.Wrap(ErrValidation, "miner id cannot be empty")
	}
	if len(p.ResultHash) == 0 {
		return errorsmod.Wrap(ErrValidation, "result hash cannot be empty")
	}
	if len(p.MinerPubKey) == 0 {
		return errorsmod.Wrap(ErrValidation, "miner public key cannot be empty")
	}
	if len(p.MinerSignature) == 0 {
		return errorsmod.Wrap(ErrValidation, "miner signature cannot be empty")
	}
	return nil
}

// Transaction is the fixed wire-level transaction schema. A transaction is
// unique by (sender, nonce) and immutable once signed.
type Transaction struct {
	Sender    string          `json:"sender"`
	Nonce     uint64          `json:"nonce"`
	Kind      PayloadKind     `json:"kind"`
	Priority  uint64          `json:"priority,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	PubKey    []byte          `json:"pub_key"`
	Signature []byte          `json:"signature"`
}

// SigningBytes returns the deterministic byte encoding covered by the
// sender's signature: every field except the signature itself.
func (tx *Transaction) SigningBytes() []byte {
	clone := *tx
	clone.Signature = nil
	data, _ := json.Marshal(&clone)
	return data
}

// Hash returns the SHA256 hash of the full signed encoding.
func (tx *Transaction) Hash() []byte {
	data, _ := json.Marshal(tx)
	h := sha256.Sum256(data)
	return h[:]
}

// ID returns the hex-encoded transaction hash.
func (tx *Transaction) ID() string {
	return hex.EncodeToString(tx.Hash())
}

// Size returns the encoded size of the transaction in bytes.
func (tx *Transaction) Size() int {
	data, _ := json.Marshal(tx)
	return len(data)
}

// DecodePayload unmarshals the payload into the struct matching tx.Kind
// and validates it.
func (tx *Transaction) DecodePayload() (interface{}, error) {
	switch tx.Kind {
	case KindTransfer:
		var p TransferPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return nil, errorsmod.Wrap(ErrValidation, err.Error())
		}
		return &p, p.ValidateBasic()
	case KindJobSubmit:
		var p JobSubmitPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return nil, errorsmod.Wrap(ErrValidation, err.Error())
		}
		return &p, p.ValidateBasic()
	case KindJobSettle:
		var p JobSettlePayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return nil, errorsmod.Wrap(ErrValidation, err.Error())
		}
		return &p, p.ValidateBasic()
	default:
		return nil, errorsmod.Wrapf(ErrValidation, "unknown payload kind %q", tx.Kind)
	}
}

// ValidateBasic performs stateless validation of the transaction envelope
// and its payload.
func (tx *Transaction) ValidateBasic() error {
	if tx.Sender == "" {
		return errorsmod.Wrap(ErrValidation, "sender cannot be empty")
	}
	if len(tx.PubKey) == 0 {
		return errorsmod.Wrap(ErrValidation, "public key cannot be empty")
	}
	if len(tx.Signature) == 0 {
		return errorsmod.Wrap(ErrValidation, "signature cannot be empty")
	}
	if !tx.Kind.Valid() {
		return errorsmod.Wrapf(ErrValidation, "unknown payload kind %q", tx.Kind)
	}
	_, err := tx.DecodePayload()
	return err
}

// BlockHeader contains the block metadata.
type BlockHeader struct {
	Height     uint64    `json:"height"`
	ParentHash []byte    `json:"parent_hash"`
	ProposerID string    `json:"proposer_id"`
	Timestamp  time.Time `json:"timestamp"`
	StateRoot  []byte    `json:"state_root"`
	TxRoot     []byte    `json:"tx_root"`
	Epoch      uint64    `json:"epoch"`
	Round      uint32    `json:"round"`
}

// Block groups an ordered transaction list under a header. Votes accumulate
// on the candidate during consensus and are frozen at finality; after that
// the block is immutable and owned by the block store.
type Block struct {
	Header       BlockHeader   `json:"header"`
	Transactions []Transaction `json:"transactions"`
	Hash         []byte        `json:"hash"`
	Votes        []Vote        `json:"votes,omitempty"`
}

// ComputeHash computes the SHA256 hash over the header and transaction
// hashes. Votes are excluded so the hash is stable across vote accumulation.
func (b *Block) ComputeHash() []byte {
	h := sha256.New()
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], b.Header.Height)
	h.Write(height[:])
	h.Write(b.Header.ParentHash)
	h.Write([]byte(b.Header.ProposerID))
	h.Write(b.Header.StateRoot)
	h.Write(b.Header.TxRoot)
	var round [4]byte
	binary.BigEndian.PutUint32(round[:], b.Header.Round)
	h.Write(round[:])
	for i := range b.Transactions {
		h.Write(b.Transactions[i].Hash())
	}
	return h.Sum(nil)
}

// HashString returns the hex-encoded block hash.
func (b *Block) HashString() string {
	return hex.EncodeToString(b.Hash)
}

// SettleTxs returns the job_settle transactions contained in the block.
func (b *Block) SettleTxs() []Transaction {
	var out []Transaction
	for _, tx := range b.Transactions {
		if tx.Kind == KindJobSettle {
			out = append(out, tx)
		}
	}
	return out
}

// Vote is a validator's signed approve/reject for a candidate block. Votes
// are ephemeral and discarded once the height is finalized or abandoned.
type Vote struct {
	BlockHash   []byte `json:"block_hash"`
	Height      uint64 `json:"height"`
	Round       uint32 `json:"round"`
	ValidatorID string `json:"validator_id"`
	Approve     bool   `json:"approve"`
	Signature   []byte `json:"signature"`
}

// SigningBytes returns the deterministic byte encoding covered by the
// validator's signature.
func (v *Vote) SigningBytes() []byte {
	clone := *v
	clone.Signature = nil
	data, _ := json.Marshal(&clone)
	return data
}
