package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferTx(sender string, nonce uint64) *Transaction {
	payload, _ := json.Marshal(&TransferPayload{Recipient: "acct-1", Amount: 10})
	return &Transaction{
		Sender:    sender,
		Nonce:     nonce,
		Kind:      KindTransfer,
		Payload:   payload,
		PubKey:    []byte("pub"),
		Signature: []byte("sig"),
	}
}

func TestTransactionSigningBytes(t *testing.T) {
	tx := transferTx("sender-1", 1)

	first := tx.SigningBytes()
	second := tx.SigningBytes()
	assert.Equal(t, first, second, "signing bytes must be deterministic")

	// The signature must not influence the signed bytes.
	signed := *tx
	signed.Signature = []byte("other")
	assert.Equal(t, first, signed.SigningBytes())

	// Any other field change must.
	changed := *tx
	changed.Nonce = 2
	assert.NotEqual(t, first, changed.SigningBytes())
}

func TestTransactionIdentity(t *testing.T) {
	a := transferTx("sender-1", 1)
	b := transferTx("sender-1", 2)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, a.ID(), transferTx("sender-1", 1).ID())
}

func TestTransactionValidateBasic(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Transaction)
	}{
		{"empty sender", func(tx *Transaction) { tx.Sender = "" }},
		{"missing pubkey", func(tx *Transaction) { tx.PubKey = nil }},
		{"missing signature", func(tx *Transaction) { tx.Signature = nil }},
		{"unknown kind", func(tx *Transaction) { tx.Kind = "job_cancel" }},
		{"garbage payload", func(tx *Transaction) { tx.Payload = []byte("{") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := transferTx("sender-1", 1)
			tc.mutate(tx)
			err := tx.ValidateBasic()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	require.NoError(t, transferTx("sender-1", 1).ValidateBasic())
}

func TestPayloadValidateBasic(t *testing.T) {
	t.Run("job_submit requires all fields", func(t *testing.T) {
		p := &JobSubmitPayload{JobID: "job-1", MinerID: "m", CoordinatorID: "c", InputHash: []byte{1}}
		require.NoError(t, p.ValidateBasic())

		p.CoordinatorID = ""
		assert.ErrorIs(t, p.ValidateBasic(), ErrValidation)
	})

	t.Run("job_settle requires miner key material", func(t *testing.T) {
		p := &JobSettlePayload{JobID: "job-1", MinerID: "m", ResultHash: []byte{1}, MinerPubKey: []byte{2}, MinerSignature: []byte{3}}
		require.NoError(t, p.ValidateBasic())

		p.MinerSignature = nil
		assert.ErrorIs(t, p.ValidateBasic(), ErrValidation)
	})
}

func TestBlockHashExcludesVotes(t *testing.T) {
	block := &Block{
		Header: BlockHeader{
			Height:     1,
			ProposerID: "val-a",
			Timestamp:  time.Now(),
			TxRoot:     []byte("root"),
		},
		Transactions: []Transaction{*transferTx("sender-1", 1)},
	}
	block.Hash = block.ComputeHash()

	withVotes := *block
	withVotes.Votes = []Vote{{ValidatorID: "val-b", Approve: true}}
	assert.Equal(t, block.Hash, withVotes.ComputeHash(), "vote accumulation must not change the block hash")
}

func TestBlockHashChaining(t *testing.T) {
	parent := &Block{Header: BlockHeader{Height: 1, ProposerID: "val-a"}}
	parent.Hash = parent.ComputeHash()

	child := &Block{Header: BlockHeader{Height: 2, ProposerID: "val-b", ParentHash: parent.Hash}}
	child.Hash = child.ComputeHash()

	// A different parent yields a different child hash.
	orphan := &Block{Header: BlockHeader{Height: 2, ProposerID: "val-b", ParentHash: []byte("else")}}
	assert.NotEqual(t, child.Hash, orphan.ComputeHash())
}

func TestSettleTxs(t *testing.T) {
	settlePayload, _ := json.Marshal(&JobSettlePayload{
		JobID: "job-1", MinerID: "m", ResultHash: []byte{1}, MinerPubKey: []byte{2}, MinerSignature: []byte{3},
	})
	block := &Block{Transactions: []Transaction{
		*transferTx("sender-1", 1),
		{Sender: "sender-2", Nonce: 1, Kind: KindJobSettle, Payload: settlePayload, PubKey: []byte("p"), Signature: []byte("s")},
	}}

	settles := block.SettleTxs()
	require.Len(t, settles, 1)
	assert.Equal(t, KindJobSettle, settles[0].Kind)
}

func TestVoteSigningBytes(t *testing.T) {
	v := &Vote{BlockHash: []byte("h"), Height: 5, Round: 1, ValidatorID: "val-a", Approve: true}
	unsigned := v.SigningBytes()

	v.Signature = []byte("sig")
	assert.Equal(t, unsigned, v.SigningBytes())
}
