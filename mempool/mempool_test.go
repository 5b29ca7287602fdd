package mempool

import (
	"encoding/json"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmint/gridmint/crypto"
	"github.com/gridmint/gridmint/types"
)

type testAccount struct {
	kp *crypto.KeyPair
	id string
}

func newAccount(t *testing.T, seed byte) *testAccount {
	t.Helper()
	raw := make([]byte, 32)
	raw[0] = seed
	kp := crypto.KeyPairFromSeed(raw)
	return &testAccount{kp: kp, id: crypto.NodeID(kp.PublicKeyBytes())}
}

func (a *testAccount) signedTx(t *testing.T, nonce uint64, kind types.PayloadKind, payload interface{}) *types.Transaction {
	t.Helper()
	return a.signedTxPriority(t, nonce, 0, kind, payload)
}

func (a *testAccount) signedTxPriority(t *testing.T, nonce, priority uint64, kind types.PayloadKind, payload interface{}) *types.Transaction {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	tx := &types.Transaction{
		Sender:   a.id,
		Nonce:    nonce,
		Kind:     kind,
		Priority: priority,
		Payload:  raw,
		PubKey:   a.kp.PublicKeyBytes(),
	}
	sig, err := a.kp.Sign(tx.SigningBytes())
	require.NoError(t, err)
	tx.Signature = sig
	return tx
}

func (a *testAccount) transfer(t *testing.T, nonce uint64) *types.Transaction {
	return a.signedTx(t, nonce, types.KindTransfer, &types.TransferPayload{Recipient: "acct-1", Amount: 10})
}

func newTestMempool(t *testing.T, config *Config) *Mempool {
	t.Helper()
	mp := New(config, log.NewNopLogger())
	require.NoError(t, mp.Start())
	t.Cleanup(func() { _ = mp.Stop() })
	return mp
}

func TestSubmitAndReap(t *testing.T) {
	mp := newTestMempool(t, nil)
	acct := newAccount(t, 1)

	require.NoError(t, mp.Submit(acct.transfer(t, 1)))
	require.NoError(t, mp.Submit(acct.transfer(t, 2)))
	assert.Equal(t, 2, mp.Size())

	txs := mp.Reap(10)
	require.Len(t, txs, 2)
}

func TestSubmitRejectsDuplicates(t *testing.T) {
	mp := newTestMempool(t, nil)
	acct := newAccount(t, 1)

	tx := acct.transfer(t, 1)
	require.NoError(t, mp.Submit(tx))

	// Same transaction again.
	err := mp.Submit(tx)
	assert.ErrorIs(t, err, types.ErrDuplicateTx)

	// Different transaction with the same (sender, nonce).
	other := acct.signedTx(t, 1, types.KindTransfer, &types.TransferPayload{Recipient: "acct-2", Amount: 99})
	err = mp.Submit(other)
	assert.ErrorIs(t, err, types.ErrDuplicateTx)

	assert.Equal(t, 1, mp.Size())
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	mp := newTestMempool(t, nil)
	acct := newAccount(t, 1)

	t.Run("tampered signature", func(t *testing.T) {
		tx := acct.transfer(t, 1)
		tx.Signature[0] ^= 0xff
		assert.ErrorIs(t, mp.Submit(tx), types.ErrValidation)
	})

	t.Run("sender not derived from key", func(t *testing.T) {
		tx := acct.transfer(t, 1)
		tx.Sender = "someone-else"
		sig, err := acct.kp.Sign(tx.SigningBytes())
		require.NoError(t, err)
		tx.Signature = sig
		assert.ErrorIs(t, mp.Submit(tx), types.ErrValidation)
	})
}

func TestSubmitRejectsStaleNonce(t *testing.T) {
	mp := newTestMempool(t, nil)
	acct := newAccount(t, 1)

	committed := acct.transfer(t, 5)
	mp.Update(&types.Block{
		Header:       types.BlockHeader{Height: 1},
		Transactions: []types.Transaction{*committed},
	})

	err := mp.Submit(acct.transfer(t, 5))
	assert.ErrorIs(t, err, types.ErrStaleNonce)
	err = mp.Submit(acct.transfer(t, 4))
	assert.ErrorIs(t, err, types.ErrStaleNonce)

	require.NoError(t, mp.Submit(acct.transfer(t, 6)))
}

func TestJobLifecycleSemantics(t *testing.T) {
	mp := newTestMempool(t, nil)
	coordinator := newAccount(t, 1)
	miner := newAccount(t, 2)

	submit := func(nonce uint64, jobID string) *types.Transaction {
		return coordinator.signedTx(t, nonce, types.KindJobSubmit, &types.JobSubmitPayload{
			JobID:         jobID,
			MinerID:       miner.id,
			CoordinatorID: coordinator.id,
			InputHash:     []byte("input"),
		})
	}
	settle := func(nonce uint64, jobID string) *types.Transaction {
		return miner.signedTx(t, nonce, types.KindJobSettle, &types.JobSettlePayload{
			JobID:          jobID,
			MinerID:        miner.id,
			ResultHash:     []byte("result"),
			MinerPubKey:    miner.kp.PublicKeyBytes(),
			MinerSignature: []byte("receipt-sig"),
		})
	}

	// Settling a job no one submitted is rejected.
	err := mp.Submit(settle(1, "job-1"))
	assert.ErrorIs(t, err, types.ErrValidation)

	require.NoError(t, mp.Submit(submit(1, "job-1")))

	// A pending submission holds the job open for settlement.
	require.NoError(t, mp.Submit(settle(1, "job-1")))

	// And blocks a second submission of the same job.
	err = mp.Submit(submit(2, "job-1"))
	assert.ErrorIs(t, err, types.ErrValidation)

	// Commit both; the job is now settled on chain and may not be replayed.
	mp.Update(&types.Block{
		Header:       types.BlockHeader{Height: 1},
		Transactions: []types.Transaction{*submit(1, "job-1"), *settle(1, "job-1")},
	})
	err = mp.Submit(submit(3, "job-1"))
	assert.ErrorIs(t, err, types.ErrValidation)
	err = mp.Submit(settle(2, "job-1"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestReapOrdersByPriorityThenAdmission(t *testing.T) {
	mp := newTestMempool(t, nil)
	acct := newAccount(t, 1)

	low := acct.signedTxPriority(t, 1, 0, types.KindTransfer, &types.TransferPayload{Recipient: "r", Amount: 1})
	mid := acct.signedTxPriority(t, 2, 5, types.KindTransfer, &types.TransferPayload{Recipient: "r", Amount: 1})
	high := acct.signedTxPriority(t, 3, 10, types.KindTransfer, &types.TransferPayload{Recipient: "r", Amount: 1})

	require.NoError(t, mp.Submit(low))
	require.NoError(t, mp.Submit(high))
	require.NoError(t, mp.Submit(mid))

	txs := mp.Reap(10)
	require.Len(t, txs, 3)
	assert.Equal(t, uint64(3), txs[0].Nonce)
	assert.Equal(t, uint64(2), txs[1].Nonce)
	assert.Equal(t, uint64(1), txs[2].Nonce)

	// Reap is read-only.
	assert.Equal(t, 3, mp.Size())

	// The max argument caps the batch.
	assert.Len(t, mp.Reap(2), 2)
}

func TestCapacityEviction(t *testing.T) {
	config := DefaultConfig()
	config.MaxTxs = 2
	mp := newTestMempool(t, config)
	acct := newAccount(t, 1)

	oldLow := acct.signedTxPriority(t, 1, 1, types.KindTransfer, &types.TransferPayload{Recipient: "r", Amount: 1})
	high := acct.signedTxPriority(t, 2, 10, types.KindTransfer, &types.TransferPayload{Recipient: "r", Amount: 1})
	require.NoError(t, mp.Submit(oldLow))
	require.NoError(t, mp.Submit(high))

	// Higher priority than the lowest pending tx evicts it.
	higher := acct.signedTxPriority(t, 3, 5, types.KindTransfer, &types.TransferPayload{Recipient: "r", Amount: 1})
	require.NoError(t, mp.Submit(higher))
	assert.Equal(t, 2, mp.Size())
	assert.False(t, mp.Has(oldLow.ID()))
	assert.True(t, mp.Has(high.ID()))

	// Priority at or below every pending tx is the backpressure signal.
	lowest := acct.signedTxPriority(t, 4, 1, types.KindTransfer, &types.TransferPayload{Recipient: "r", Amount: 1})
	err := mp.Submit(lowest)
	assert.ErrorIs(t, err, types.ErrMempoolFull)
}

func TestUpdateRemovesCommittedAndStale(t *testing.T) {
	mp := newTestMempool(t, nil)
	acct := newAccount(t, 1)
	other := newAccount(t, 2)

	committed := acct.transfer(t, 1)
	stale := acct.transfer(t, 2)
	survivor := other.transfer(t, 1)
	require.NoError(t, mp.Submit(committed))
	require.NoError(t, mp.Submit(stale))
	require.NoError(t, mp.Submit(survivor))

	// The block commits acct's nonce 2 via a different transaction, so the
	// pending nonce-2 transfer is stale and is dropped alongside the
	// committed one.
	blockTx := acct.signedTx(t, 2, types.KindTransfer, &types.TransferPayload{Recipient: "x", Amount: 7})
	mp.Update(&types.Block{
		Header:       types.BlockHeader{Height: 1},
		Transactions: []types.Transaction{*committed, *blockTx},
	})

	assert.False(t, mp.Has(committed.ID()))
	assert.False(t, mp.Has(stale.ID()))
	assert.True(t, mp.Has(survivor.ID()))
	assert.Equal(t, 1, mp.Size())
}

func TestNewTxChSignalsAdmission(t *testing.T) {
	mp := newTestMempool(t, nil)
	acct := newAccount(t, 1)

	tx := acct.transfer(t, 1)
	require.NoError(t, mp.Submit(tx))

	select {
	case got := <-mp.NewTxCh():
		assert.Equal(t, tx.ID(), got.ID())
	case <-time.After(time.Second):
		t.Fatal("expected admitted transaction on channel")
	}
}

func TestFlushKeepsChainState(t *testing.T) {
	mp := newTestMempool(t, nil)
	acct := newAccount(t, 1)

	committed := acct.transfer(t, 3)
	mp.Update(&types.Block{
		Header:       types.BlockHeader{Height: 1},
		Transactions: []types.Transaction{*committed},
	})

	require.NoError(t, mp.Submit(acct.transfer(t, 4)))
	mp.Flush()
	assert.Equal(t, 0, mp.Size())
	assert.Zero(t, mp.SizeBytes())

	// Committed nonces survive a flush.
	assert.ErrorIs(t, mp.Submit(acct.transfer(t, 3)), types.ErrStaleNonce)
}
