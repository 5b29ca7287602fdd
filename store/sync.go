package store

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/gridmint/gridmint/types"
)

// syncBatchSize is how many blocks a catch-up request asks for at once.
const syncBatchSize = 100

// BlockFetcher requests finalized blocks from peers. Satisfied by
// gossip.Network.
type BlockFetcher interface {
	Peers() []string
	PeerHeight(ctx context.Context, peerID string) (uint64, error)
	RequestBlocks(ctx context.Context, peerID string, from, to uint64) ([]*types.Block, error)
}

// StateSyncer catches a lagging node up to the network head. Fetched blocks
// are handed to the applier, which verifies votes and appends to the store.
type StateSyncer struct {
	mu sync.Mutex

	store   BlockStore
	fetcher BlockFetcher
	applier func(*types.Block) error
	logger  log.Logger

	syncing bool
}

// NewStateSyncer builds a syncer. The applier runs for every fetched block
// in height order; the engine's ObserveFinalized is the usual choice.
func NewStateSyncer(store BlockStore, fetcher BlockFetcher, applier func(*types.Block) error, logger log.Logger) *StateSyncer {
	return &StateSyncer{
		store:   store,
		fetcher: fetcher,
		applier: applier,
		logger:  logger.With("module", "sync"),
	}
}

// Syncing reports whether a catch-up run is in progress.
func (ss *StateSyncer) Syncing() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.syncing
}

// SyncTo fetches blocks until the local chain reaches at least target. Only
// one run proceeds at a time; concurrent calls return immediately.
func (ss *StateSyncer) SyncTo(ctx context.Context, target uint64) error {
	ss.mu.Lock()
	if ss.syncing {
		ss.mu.Unlock()
		return nil
	}
	ss.syncing = true
	ss.mu.Unlock()
	defer func() {
		ss.mu.Lock()
		ss.syncing = false
		ss.mu.Unlock()
	}()

	local := ss.store.Height()
	if local >= target {
		return nil
	}
	ss.logger.Info("catch-up started", "local", local, "target", target)

	for ss.store.Height() < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := ss.store.Height() + 1
		to := from + syncBatchSize - 1
		if to > target {
			to = target
		}

		blocks, err := ss.fetchRange(ctx, from, to)
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return types.ErrNetworkFault.Wrapf("no peer served blocks %d-%d", from, to)
		}
		for _, block := range blocks {
			if err := ss.applier(block); err != nil {
				return err
			}
		}
		ss.logger.Info("caught up range", "from", from, "to", ss.store.Height())
	}

	ss.logger.Info("catch-up complete", "height", ss.store.Height())
	return nil
}

// fetchRange tries each ahead peer in turn until one serves the range.
func (ss *StateSyncer) fetchRange(ctx context.Context, from, to uint64) ([]*types.Block, error) {
	var lastErr error
	for _, peerID := range ss.fetcher.Peers() {
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		blocks, err := ss.fetcher.RequestBlocks(reqCtx, peerID, from, to)
		cancel()
		if err != nil {
			lastErr = err
			ss.logger.Debug("peer failed to serve range", "peer", peerID, "from", from, "to", to, "err", err)
			continue
		}
		if len(blocks) > 0 {
			return blocks, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// NetworkHeight asks all peers for their height and returns the highest.
func (ss *StateSyncer) NetworkHeight(ctx context.Context) uint64 {
	var best uint64
	for _, peerID := range ss.fetcher.Peers() {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		height, err := ss.fetcher.PeerHeight(reqCtx, peerID)
		cancel()
		if err != nil {
			continue
		}
		if height > best {
			best = height
		}
	}
	return best
}
