// Package consensus implements the round-based finality engine. One proposer
// per (height, round) builds a candidate block; validators vote, and a block
// finalizes once approving stake strictly exceeds two thirds of the active
// set. Rounds that time out are abandoned and the proposer rotates at the
// same height.
package consensus

import (
	"bytes"
	"context"
	"sync"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"github.com/gridmint/gridmint/crypto"
	"github.com/gridmint/gridmint/mempool"
	"github.com/gridmint/gridmint/registry"
	"github.com/gridmint/gridmint/types"
)

// BlockStore is the persistence surface the engine needs. Satisfied by
// store.BlockStore implementations.
type BlockStore interface {
	Append(block *types.Block) error
	Head() *types.Block
	Height() uint64
	GetByHeight(height uint64) (*types.Block, error)
}

// Broadcaster fans consensus messages out to peers. The node wires this to
// the gossip network.
type Broadcaster interface {
	BroadcastProposal(p *Proposal) error
	BroadcastVote(v *types.Vote) error
}

// RoundMetrics records consensus progress. Implemented by metrics.Metrics.
type RoundMetrics interface {
	RoundStarted(height uint64, round uint32)
	RoundAbandoned(height uint64, round uint32)
	BlockFinalized(height uint64, txs int)
	FaultDetected()
}

// Fault describes two conflicting finalized blocks at the same height. It is
// unrecoverable: the node halts and waits for operator intervention.
type Fault struct {
	Height          uint64
	CommittedHash   []byte
	ConflictingHash []byte
}

// Error renders the fault as an error chained to ErrConsensusFault.
func (f *Fault) Error() error {
	return types.ErrConsensusFault.Wrapf("height %d finalized twice: %x vs %x",
		f.Height, f.CommittedHash, f.ConflictingHash)
}

// Engine drives block production and finality. All state transitions happen
// on the single run goroutine; the channels are the only way in.
type Engine struct {
	mu sync.RWMutex

	cfg      *Config
	registry *registry.Registry
	mempool  *mempool.Mempool
	store    BlockStore
	signer   crypto.Signer
	caster   Broadcaster
	metrics  RoundMetrics
	logger   log.Logger

	height   uint64
	round    uint32
	cur      *roundState
	proposed bool

	halted bool
	fault  *Fault

	proposalCh chan *Proposal
	voteCh     chan *types.Vote

	onFinalized func(*types.Block)
	onFault     func(*Fault)
	onLag       func(peerHeight uint64)

	pendingEpochUpdate *registry.EpochUpdate

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine builds an engine resuming from the store's head height.
func NewEngine(
	cfg *Config,
	reg *registry.Registry,
	mp *mempool.Mempool,
	store BlockStore,
	signer crypto.Signer,
	caster Broadcaster,
	logger log.Logger,
) *Engine {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	height := store.Height() + 1
	return &Engine{
		cfg:        cfg,
		registry:   reg,
		mempool:    mp,
		store:      store,
		signer:     signer,
		caster:     caster,
		logger:     logger.With("module", "consensus"),
		height:     height,
		round:      0,
		cur:        newRoundState(height, 0),
		proposalCh: make(chan *Proposal, 1000),
		voteCh:     make(chan *types.Vote, 1000),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// SetMetrics attaches round counters.
func (e *Engine) SetMetrics(m RoundMetrics) { e.metrics = m }

// OnFinalized registers the callback invoked after every finalized block,
// on the run goroutine.
func (e *Engine) OnFinalized(fn func(*types.Block)) { e.onFinalized = fn }

// OnFault registers the callback invoked once if the engine halts.
func (e *Engine) OnFault(fn func(*Fault)) { e.onFault = fn }

// OnLag registers the callback invoked when a peer is observed ahead of us.
func (e *Engine) OnLag(fn func(peerHeight uint64)) { e.onLag = fn }

// SubmitEpochUpdate queues a membership change to apply at the next epoch
// boundary. Mid-epoch the active set is immutable.
func (e *Engine) SubmitEpochUpdate(update *registry.EpochUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingEpochUpdate = update
}

// Start launches the run loop.
func (e *Engine) Start() error {
	e.logger.Info("engine starting", "node", e.cfg.NodeID, "height", e.height)
	go e.run()
	return nil
}

// Stop terminates the run loop and waits for it to exit.
func (e *Engine) Stop() {
	e.cancel()
	<-e.done
}

// HandleProposal feeds an inbound proposal to the run loop. Non-blocking;
// drops when the engine is saturated.
func (e *Engine) HandleProposal(p *Proposal) {
	select {
	case e.proposalCh <- p:
	default:
		e.logger.Warn("proposal channel full, dropping", "height", p.Height)
	}
}

// HandleVote feeds an inbound vote to the run loop.
func (e *Engine) HandleVote(v *types.Vote) {
	select {
	case e.voteCh <- v:
	default:
		e.logger.Warn("vote channel full, dropping", "height", v.Height)
	}
}

// Height returns the height the engine is currently deciding.
func (e *Engine) Height() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.height
}

// Round returns the current round within the height.
func (e *Engine) Round() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.round
}

// Halted reports whether the engine stopped after a consensus fault.
func (e *Engine) Halted() (bool, *Fault) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted, e.fault
}

// run is the single writer for all consensus state.
func (e *Engine) run() {
	defer close(e.done)

	roundTimer := time.NewTimer(e.cfg.RoundTimeout)
	defer roundTimer.Stop()
	proposeTicker := time.NewTicker(e.cfg.ProposeInterval)
	defer proposeTicker.Stop()

	e.enterRound(e.height, 0, roundTimer)

	for {
		select {
		case <-e.ctx.Done():
			return
		case p := <-e.proposalCh:
			if e.handleProposal(p) {
				e.enterRound(e.Height(), 0, roundTimer)
			}
		case v := <-e.voteCh:
			e.handleVote(v, roundTimer)
		case <-proposeTicker.C:
			if e.maybePropose() {
				e.enterRound(e.Height(), 0, roundTimer)
			}
		case <-roundTimer.C:
			e.abandonRound(roundTimer)
		}
	}
}

// enterRound resets per-round state and the timeout.
func (e *Engine) enterRound(height uint64, round uint32, timer *time.Timer) {
	e.mu.Lock()
	e.height = height
	e.round = round
	e.cur = newRoundState(height, round)
	e.proposed = false
	e.mu.Unlock()

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(e.cfg.RoundTimeout)

	if e.metrics != nil {
		e.metrics.RoundStarted(height, round)
	}
}

// abandonRound discards the round's votes and rotates the proposer at the
// same height.
func (e *Engine) abandonRound(timer *time.Timer) {
	if e.isHalted() {
		return
	}
	e.mu.RLock()
	height, round := e.height, e.round
	e.mu.RUnlock()

	e.logger.Info("round abandoned", "height", height, "round", round)
	if e.metrics != nil {
		e.metrics.RoundAbandoned(height, round)
	}
	e.enterRound(height, round+1, timer)
}

// maybePropose builds and broadcasts a candidate if this node is the current
// proposer and has not proposed this round yet. Returns true when processing
// the own proposal already finalized the height.
func (e *Engine) maybePropose() bool {
	if e.isHalted() {
		return false
	}
	e.mu.Lock()
	if e.proposed {
		e.mu.Unlock()
		return false
	}
	height, round := e.height, e.round
	e.mu.Unlock()

	proposer, err := e.registry.CurrentProposer(height, round)
	if err != nil {
		e.logger.Error("no proposer for height", "height", height, "err", err)
		return false
	}
	if proposer != e.cfg.NodeID {
		return false
	}

	txs := e.mempool.Reap(e.cfg.MaxBlockTxs)
	if len(txs) == 0 && !e.cfg.AllowEmptyBlocks {
		return false
	}

	block := e.buildBlock(height, round, txs)
	proposal := &Proposal{
		Height:     height,
		Round:      round,
		ProposerID: e.cfg.NodeID,
		Block:      block,
		Timestamp:  time.Now().UTC(),
	}

	e.mu.Lock()
	e.proposed = true
	e.mu.Unlock()

	if err := e.caster.BroadcastProposal(proposal); err != nil {
		e.logger.Error("broadcast proposal failed", "height", height, "err", err)
	}
	e.logger.Info("proposed block", "height", height, "round", round, "txs", len(txs))

	// The proposer processes its own proposal like any other.
	return e.handleProposal(proposal)
}

func (e *Engine) buildBlock(height uint64, round uint32, txs []types.Transaction) *types.Block {
	var parentHash []byte
	if head := e.store.Head(); head != nil {
		parentHash = head.Hash
	}
	txHashes := make([][]byte, len(txs))
	for i := range txs {
		txHashes[i] = txs[i].Hash()
	}
	block := &types.Block{
		Header: types.BlockHeader{
			Height:     height,
			ParentHash: parentHash,
			ProposerID: e.cfg.NodeID,
			Timestamp:  time.Now().UTC(),
			TxRoot:     crypto.MerkleRoot(txHashes),
			Epoch:      e.registry.EpochForHeight(height),
			Round:      round,
		},
		Transactions: txs,
	}
	block.Hash = block.ComputeHash()
	return block
}

// handleProposal validates the candidate and casts this node's vote. Returns
// true when processing the proposal finalized the height.
func (e *Engine) handleProposal(p *Proposal) bool {
	if e.isHalted() {
		return false
	}
	e.mu.RLock()
	height, round := e.height, e.round
	cur := e.cur
	e.mu.RUnlock()

	if p.Height < height {
		return false
	}
	if p.Height > height {
		if e.onLag != nil {
			e.onLag(p.Height)
		}
		return false
	}
	if p.Round != round {
		return false
	}
	set := e.registry.SetAt(p.Height)
	if !cur.setProposal(p, set) {
		return false
	}

	approve := e.validateProposal(p) == nil
	vote := &types.Vote{
		BlockHash:   p.Block.Hash,
		Height:      p.Height,
		Round:       p.Round,
		ValidatorID: e.cfg.NodeID,
		Approve:     approve,
	}
	sig, err := e.signer.Sign(vote.SigningBytes())
	if err != nil {
		e.logger.Error("sign vote failed", "err", err)
		return false
	}
	vote.Signature = sig

	if err := e.caster.BroadcastVote(vote); err != nil {
		e.logger.Error("broadcast vote failed", "height", p.Height, "err", err)
	}

	if e.registry.IsAuthorized(e.cfg.NodeID) {
		if err := cur.addVote(vote, set); err != nil {
			e.logger.Error("record own vote failed", "err", err)
		}
	}
	return e.checkFinality(cur, set)
}

// validateProposal runs the full admission checks on a candidate block.
func (e *Engine) validateProposal(p *Proposal) error {
	if err := p.ValidateBasic(); err != nil {
		return err
	}

	expected, err := e.registry.CurrentProposer(p.Height, p.Round)
	if err != nil {
		return err
	}
	if p.ProposerID != expected {
		return types.ErrValidation.Wrapf("proposer %s, expected %s for height %d round %d",
			p.ProposerID, expected, p.Height, p.Round)
	}

	var parentHash []byte
	if head := e.store.Head(); head != nil {
		parentHash = head.Hash
	}
	if !bytes.Equal(p.Block.Header.ParentHash, parentHash) {
		return types.ErrValidation.Wrapf("parent hash %x does not extend local head %x",
			p.Block.Header.ParentHash, parentHash)
	}
	if want := e.registry.EpochForHeight(p.Height); p.Block.Header.Epoch != want {
		return types.ErrValidation.Wrapf("block epoch %d, expected %d", p.Block.Header.Epoch, want)
	}

	seen := make(map[string]struct{}, len(p.Block.Transactions))
	for i := range p.Block.Transactions {
		tx := &p.Block.Transactions[i]
		if err := tx.ValidateBasic(); err != nil {
			return err
		}
		if crypto.NodeID(tx.PubKey) != tx.Sender {
			return types.ErrValidation.Wrapf("tx %d: sender does not match public key", i)
		}
		if !crypto.Verify(tx.PubKey, tx.SigningBytes(), tx.Signature) {
			return types.ErrValidation.Wrapf("tx %d: bad signature", i)
		}
		key := tx.ID()
		if _, dup := seen[key]; dup {
			return types.ErrValidation.Wrapf("tx %d: duplicate (sender, nonce)", i)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// handleVote verifies and records a vote for the current round. Timer resets
// only on finality or abandonment, never on individual votes.
func (e *Engine) handleVote(v *types.Vote, timer *time.Timer) {
	if e.isHalted() {
		return
	}
	e.mu.RLock()
	height, round := e.height, e.round
	cur := e.cur
	e.mu.RUnlock()

	if v.Height != height || v.Round != round {
		return
	}

	set := e.registry.SetAt(v.Height)
	pubKey, err := e.registry.PubKeyOf(v.ValidatorID)
	if err != nil {
		e.logger.Debug("vote from unknown validator", "validator", v.ValidatorID)
		return
	}
	if !crypto.Verify(pubKey, v.SigningBytes(), v.Signature) {
		e.logger.Warn("vote with bad signature", "validator", v.ValidatorID, "height", v.Height)
		return
	}
	if err := cur.addVote(v, set); err != nil {
		e.logger.Debug("vote rejected", "validator", v.ValidatorID, "err", err)
		return
	}

	if e.checkFinality(cur, set) {
		e.enterRound(e.Height(), 0, timer)
		return
	}
	if cur.rejectionFatal(set) {
		e.logger.Info("block rejected by a third of stake", "height", height, "round", round)
		e.abandonRound(timer)
	}
}

// checkFinality finalizes the candidate once approving stake passes the
// supermajority threshold. Returns true when the height advanced.
func (e *Engine) checkFinality(cur *roundState, set *types.ValidatorSet) bool {
	if cur.proposal == nil || !cur.hasSupermajority(set) {
		return false
	}

	block := cur.proposal.Block
	block.Votes = cur.voteList()

	if err := e.store.Append(block); err != nil {
		e.logger.Error("append finalized block failed", "height", block.Header.Height, "err", err)
		return false
	}
	e.mempool.Update(block)

	if e.metrics != nil {
		e.metrics.BlockFinalized(block.Header.Height, len(block.Transactions))
	}
	e.logger.Info("block finalized",
		"height", block.Header.Height,
		"round", block.Header.Round,
		"txs", len(block.Transactions),
		"hash", block.HashString())

	if e.onFinalized != nil {
		e.onFinalized(block)
	}
	e.applyEpochBoundary(block.Header.Height)

	e.mu.Lock()
	e.height = block.Header.Height + 1
	e.round = 0
	e.cur = newRoundState(e.height, 0)
	e.proposed = false
	e.mu.Unlock()
	return true
}

// applyEpochBoundary applies a queued membership update when the finalized
// height closes an epoch.
func (e *Engine) applyEpochBoundary(height uint64) {
	if height%e.registry.EpochLength() != 0 {
		return
	}
	e.mu.Lock()
	update := e.pendingEpochUpdate
	e.pendingEpochUpdate = nil
	e.mu.Unlock()
	if update == nil {
		return
	}
	if _, err := e.registry.ApplyEpochUpdate(height, update); err != nil {
		e.logger.Error("epoch update failed", "height", height, "err", err)
	}
}

// ObserveFinalized ingests a block finalized elsewhere, used during catch-up.
// The claim is verified first; an unverifiable block is dropped as garbage.
// Only a verified block conflicting with one we already finalized is a
// consensus fault and halts the engine.
func (e *Engine) ObserveFinalized(block *types.Block) error {
	if e.isHalted() {
		return e.fault.Error()
	}

	height := block.Header.Height
	if !bytes.Equal(block.Hash, block.ComputeHash()) {
		return types.ErrValidation.Wrap("block hash mismatch")
	}
	set := e.registry.SetAt(height)
	approved := sdkmath.ZeroInt()
	counted := make(map[string]struct{}, len(block.Votes))
	for i := range block.Votes {
		v := &block.Votes[i]
		if !v.Approve || !bytes.Equal(v.BlockHash, block.Hash) {
			continue
		}
		if _, dup := counted[v.ValidatorID]; dup {
			continue
		}
		pubKey, err := e.registry.PubKeyOf(v.ValidatorID)
		if err != nil || !crypto.Verify(pubKey, v.SigningBytes(), v.Signature) {
			continue
		}
		weight, err := set.WeightOf(v.ValidatorID)
		if err != nil {
			continue
		}
		counted[v.ValidatorID] = struct{}{}
		approved = approved.Add(weight)
	}
	if !set.HasSupermajority(approved) {
		return types.ErrValidation.Wrapf("block %d lacks supermajority votes", height)
	}

	if stored, err := e.store.GetByHeight(height); err == nil {
		if !bytes.Equal(stored.Hash, block.Hash) {
			e.halt(&Fault{
				Height:          height,
				CommittedHash:   stored.Hash,
				ConflictingHash: block.Hash,
			})
			return e.fault.Error()
		}
		return nil
	}

	if err := e.store.Append(block); err != nil {
		return err
	}
	e.mempool.Update(block)
	if e.onFinalized != nil {
		e.onFinalized(block)
	}
	e.applyEpochBoundary(height)

	e.mu.Lock()
	if height >= e.height {
		e.height = height + 1
		e.round = 0
		e.cur = newRoundState(e.height, 0)
		e.proposed = false
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) halt(f *Fault) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return
	}
	e.halted = true
	e.fault = f
	e.mu.Unlock()

	e.logger.Error("consensus fault, halting",
		"height", f.Height,
		"committed", f.CommittedHash,
		"conflicting", f.ConflictingHash)
	if e.metrics != nil {
		e.metrics.FaultDetected()
	}
	if e.onFault != nil {
		e.onFault(f)
	}
}

func (e *Engine) isHalted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}
