package mempool

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/gridmint/gridmint/crypto"
	"github.com/gridmint/gridmint/types"
)

// Config holds the mempool limits.
type Config struct {
	// MaxTxs bounds the number of pending transactions.
	MaxTxs int
	// MaxBytes bounds the total encoded size of pending transactions.
	MaxBytes int64
	// MaxTxBytes bounds a single transaction.
	MaxTxBytes int
	// MaxBatchTxs bounds the number of transactions reaped per block.
	MaxBatchTxs int
	// TTL drops transactions that stay pending longer than this.
	TTL time.Duration
	// CacheTTL bounds how long evicted tx ids are remembered.
	CacheTTL time.Duration
}

// DefaultConfig returns the default mempool limits.
func DefaultConfig() *Config {
	return &Config{
		MaxTxs:      5000,
		MaxBytes:    64 * 1024 * 1024, // 64MB
		MaxTxBytes:  1024 * 1024,      // 1MB
		MaxBatchTxs: 500,
		TTL:         10 * time.Minute,
		CacheTTL:    10 * time.Minute,
	}
}

// Mempool holds pending transactions. Admission order: signature check,
// nonce monotonicity per sender, then the payload-specific semantic check.
// Block assembly order: priority descending, then admission time (FIFO),
// ties broken by transaction hash.
type Mempool struct {
	mu sync.RWMutex

	config *Config

	txStore  map[string]*pendingTx // tx id -> pending tx
	byKey    map[senderKey]string  // (sender, nonce) -> tx id
	txCount  int
	txBytes  int64
	height   uint64
	running  bool

	// last committed nonce per sender, fed by Update.
	committedNonce map[string]uint64

	// open jobs: submitted (pending or finalized) and not yet settled.
	openJobs map[string]struct{}
	// jobs settled on chain; settlements may not be replayed.
	settledJobs map[string]struct{}

	// recently removed tx ids, to absorb gossip redelivery.
	recentlyRemoved map[string]time.Time

	newTxCh chan *types.Transaction

	ctx    context.Context
	cancel context.CancelFunc

	logger log.Logger
}

// New creates a mempool.
func New(config *Config, logger log.Logger) *Mempool {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mempool{
		config:          config,
		txStore:         make(map[string]*pendingTx),
		byKey:           make(map[senderKey]string),
		committedNonce:  make(map[string]uint64),
		openJobs:        make(map[string]struct{}),
		settledJobs:     make(map[string]struct{}),
		recentlyRemoved: make(map[string]time.Time),
		newTxCh:         make(chan *types.Transaction, 1000),
		ctx:             ctx,
		cancel:          cancel,
		logger:          logger.With("module", "mempool"),
	}
}

// Start launches the expiry and cache-cleanup loops.
func (mp *Mempool) Start() error {
	mp.mu.Lock()
	if mp.running {
		mp.mu.Unlock()
		return nil
	}
	mp.running = true
	mp.mu.Unlock()

	go mp.expireLoop()
	go mp.cleanupCacheLoop()
	return nil
}

// Stop stops the background loops.
func (mp *Mempool) Stop() error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if !mp.running {
		return nil
	}
	mp.running = false
	mp.cancel()
	return nil
}

// Submit validates and admits a transaction. The returned error carries the
// rejection reason; a nil return means the transaction is pending.
func (mp *Mempool) Submit(tx *types.Transaction) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if !mp.running {
		return errorsmod.Wrap(types.ErrValidation, "mempool is not running")
	}

	if err := tx.ValidateBasic(); err != nil {
		return err
	}

	p := newPendingTx(tx)
	if p.size > mp.config.MaxTxBytes {
		return errorsmod.Wrapf(types.ErrValidation, "tx size %d exceeds limit %d", p.size, mp.config.MaxTxBytes)
	}

	// Duplicate suppression: by hash, by recent eviction, by (sender, nonce).
	if _, exists := mp.txStore[p.id]; exists {
		return errorsmod.Wrapf(types.ErrDuplicateTx, "tx %s", p.id[:12])
	}
	if _, removed := mp.recentlyRemoved[p.id]; removed {
		return errorsmod.Wrapf(types.ErrDuplicateTx, "tx %s recently removed", p.id[:12])
	}
	if _, exists := mp.byKey[keyOf(tx)]; exists {
		return errorsmod.Wrapf(types.ErrDuplicateTx, "sender %s nonce %d already pending", tx.Sender, tx.Nonce)
	}

	// 1. Signature check. The sender id must be derived from the pub key.
	if crypto.NodeID(tx.PubKey) != tx.Sender {
		return errorsmod.Wrap(types.ErrValidation, "sender does not match public key")
	}
	if !crypto.Verify(tx.PubKey, tx.SigningBytes(), tx.Signature) {
		return errorsmod.Wrap(types.ErrValidation, "invalid transaction signature")
	}

	// 2. Nonce monotonicity per sender.
	if last, ok := mp.committedNonce[tx.Sender]; ok && tx.Nonce <= last {
		return errorsmod.Wrapf(types.ErrStaleNonce, "got %d, committed %d", tx.Nonce, last)
	}

	// 3. Payload-specific semantic check.
	if err := mp.checkSemanticsLocked(tx); err != nil {
		return err
	}

	// Capacity bound with oldest-lowest-priority eviction.
	if err := mp.ensureCapacityLocked(p); err != nil {
		return err
	}

	mp.addLocked(p)

	select {
	case mp.newTxCh <- tx:
	default:
	}

	return nil
}

// checkSemanticsLocked enforces payload rules that need mempool or chain
// state: a job may be submitted once, and job_settle must reference an open
// job_submit.
func (mp *Mempool) checkSemanticsLocked(tx *types.Transaction) error {
	payload, err := tx.DecodePayload()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case *types.JobSubmitPayload:
		if _, open := mp.openJobs[p.JobID]; open {
			return errorsmod.Wrapf(types.ErrValidation, "job %s already submitted", p.JobID)
		}
		if _, settled := mp.settledJobs[p.JobID]; settled {
			return errorsmod.Wrapf(types.ErrValidation, "job %s already settled", p.JobID)
		}
	case *types.JobSettlePayload:
		if _, settled := mp.settledJobs[p.JobID]; settled {
			return errorsmod.Wrapf(types.ErrValidation, "job %s already settled", p.JobID)
		}
		if _, open := mp.openJobs[p.JobID]; !open {
			return errorsmod.Wrapf(types.ErrValidation, "job %s has no open submission", p.JobID)
		}
	}
	return nil
}

// ensureCapacityLocked evicts the oldest lowest-priority transaction until
// the new one fits, or rejects with MempoolFull as the backpressure signal.
func (mp *Mempool) ensureCapacityLocked(p *pendingTx) error {
	for mp.txCount >= mp.config.MaxTxs || mp.txBytes+int64(p.size) > mp.config.MaxBytes {
		victim := mp.evictionCandidateLocked()
		if victim == nil || !mp.lowerPriority(victim, p) {
			return errorsmod.Wrapf(types.ErrMempoolFull, "%d txs pending", mp.txCount)
		}
		mp.removeLocked(victim.id, true)
	}
	return nil
}

// evictionCandidateLocked returns the pending tx with the lowest priority,
// oldest first among equals.
func (mp *Mempool) evictionCandidateLocked() *pendingTx {
	var victim *pendingTx
	for _, p := range mp.txStore {
		if victim == nil || mp.lowerPriority(p, victim) {
			victim = p
		}
	}
	return victim
}

// lowerPriority reports whether a orders strictly before b for eviction:
// lower declared priority first, then older admission, then hash.
func (mp *Mempool) lowerPriority(a, b *pendingTx) bool {
	if a.tx.Priority != b.tx.Priority {
		return a.tx.Priority < b.tx.Priority
	}
	if !a.admitted.Equal(b.admitted) {
		return a.admitted.Before(b.admitted)
	}
	return bytes.Compare(a.hash, b.hash) < 0
}

func (mp *Mempool) addLocked(p *pendingTx) {
	mp.txStore[p.id] = p
	mp.byKey[keyOf(p.tx)] = p.id
	mp.txCount++
	mp.txBytes += int64(p.size)

	if p.tx.Kind == types.KindJobSubmit {
		if sub, err := p.tx.DecodePayload(); err == nil {
			mp.openJobs[sub.(*types.JobSubmitPayload).JobID] = struct{}{}
		}
	}
}

func (mp *Mempool) removeLocked(txID string, addToCache bool) {
	p, exists := mp.txStore[txID]
	if !exists {
		return
	}
	delete(mp.txStore, txID)
	delete(mp.byKey, keyOf(p.tx))
	mp.txCount--
	mp.txBytes -= int64(p.size)

	// A dropped pending submission no longer holds its job open. Committed
	// submissions are re-added by Update right after this removal.
	if p.tx.Kind == types.KindJobSubmit {
		if sub, err := p.tx.DecodePayload(); err == nil {
			delete(mp.openJobs, sub.(*types.JobSubmitPayload).JobID)
		}
	}

	if addToCache {
		mp.recentlyRemoved[txID] = time.Now()
	}
}

// Reap returns up to max transactions in block-assembly order: priority
// descending, then admission time, ties broken by transaction hash so every
// proposer derives the same order from the same contents.
func (mp *Mempool) Reap(max int) []types.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if max <= 0 || max > mp.config.MaxBatchTxs {
		max = mp.config.MaxBatchTxs
	}
	if mp.txCount == 0 {
		return nil
	}

	pending := make([]*pendingTx, 0, mp.txCount)
	for _, p := range mp.txStore {
		pending = append(pending, p)
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.tx.Priority != b.tx.Priority {
			return a.tx.Priority > b.tx.Priority
		}
		if !a.admitted.Equal(b.admitted) {
			return a.admitted.Before(b.admitted)
		}
		return bytes.Compare(a.hash, b.hash) < 0
	})

	if len(pending) > max {
		pending = pending[:max]
	}
	txs := make([]types.Transaction, len(pending))
	for i, p := range pending {
		txs[i] = *p.tx
	}
	return txs
}

// Update is called after a block is finalized. It removes committed
// transactions, records committed nonces, drops pending transactions
// superseded by them, and advances the open-job view.
func (mp *Mempool) Update(block *types.Block) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.height = block.Header.Height

	for i := range block.Transactions {
		tx := &block.Transactions[i]
		mp.removeLocked(tx.ID(), true)

		if last, ok := mp.committedNonce[tx.Sender]; !ok || tx.Nonce > last {
			mp.committedNonce[tx.Sender] = tx.Nonce
		}

		payload, err := tx.DecodePayload()
		if err != nil {
			continue
		}
		switch p := payload.(type) {
		case *types.JobSubmitPayload:
			mp.openJobs[p.JobID] = struct{}{}
		case *types.JobSettlePayload:
			delete(mp.openJobs, p.JobID)
			mp.settledJobs[p.JobID] = struct{}{}
		}
	}

	// Drop pending txs whose nonce is now stale.
	var stale []string
	for id, p := range mp.txStore {
		if last, ok := mp.committedNonce[p.tx.Sender]; ok && p.tx.Nonce <= last {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		mp.removeLocked(id, true)
	}
}

// Has reports whether a transaction id is pending.
func (mp *Mempool) Has(txID string) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, exists := mp.txStore[txID]
	return exists
}

// Get returns a pending transaction by id, or nil.
func (mp *Mempool) Get(txID string) *types.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	if p, ok := mp.txStore[txID]; ok {
		return p.tx
	}
	return nil
}

// Size returns the number of pending transactions.
func (mp *Mempool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.txCount
}

// SizeBytes returns the total encoded size of pending transactions.
func (mp *Mempool) SizeBytes() int64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.txBytes
}

// NewTxCh exposes admitted transactions for gossip broadcast.
func (mp *Mempool) NewTxCh() <-chan *types.Transaction {
	return mp.newTxCh
}

// Flush removes all pending transactions. Committed nonces and the settled
// job view are kept; they reflect chain state, not pool contents.
func (mp *Mempool) Flush() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.txStore = make(map[string]*pendingTx)
	mp.byKey = make(map[senderKey]string)
	mp.txCount = 0
	mp.txBytes = 0
}

func (mp *Mempool) expireLoop() {
	ticker := time.NewTicker(mp.config.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-mp.ctx.Done():
			return
		case <-ticker.C:
			mp.expire()
		}
	}
}

func (mp *Mempool) expire() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	var expired []string
	for id, p := range mp.txStore {
		if p.age() > mp.config.TTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		mp.removeLocked(id, true)
	}
	if len(expired) > 0 {
		mp.logger.Debug("expired transactions", "count", len(expired))
	}
}

func (mp *Mempool) cleanupCacheLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-mp.ctx.Done():
			return
		case <-ticker.C:
			mp.cleanupCache()
		}
	}
}

func (mp *Mempool) cleanupCache() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	cutoff := time.Now().Add(-mp.config.CacheTTL)
	for id, removedAt := range mp.recentlyRemoved {
		if removedAt.Before(cutoff) {
			delete(mp.recentlyRemoved, id)
		}
	}
}
