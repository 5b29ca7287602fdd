// Package mempool admits, validates, and orders pending transactions for
// block assembly.
package mempool

import (
	"time"

	"github.com/gridmint/gridmint/types"
)

// pendingTx wraps a transaction with its admission metadata.
type pendingTx struct {
	tx *types.Transaction

	id       string
	hash     []byte
	size     int
	admitted time.Time
}

func newPendingTx(tx *types.Transaction) *pendingTx {
	return &pendingTx{
		tx:       tx,
		id:       tx.ID(),
		hash:     tx.Hash(),
		size:     tx.Size(),
		admitted: time.Now(),
	}
}

// age returns how long the transaction has been in the mempool.
func (p *pendingTx) age() time.Duration {
	return time.Since(p.admitted)
}

// senderKey is the uniqueness key mandated by the transaction schema.
type senderKey struct {
	sender string
	nonce  uint64
}

func keyOf(tx *types.Transaction) senderKey {
	return senderKey{sender: tx.Sender, nonce: tx.Nonce}
}
