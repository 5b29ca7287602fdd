package store

import (
	"context"
	"testing"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmint/gridmint/types"
)

// chainFetcher serves a fixed chain, optionally failing for some peers.
type chainFetcher struct {
	peers    map[string][]*types.Block
	failing  map[string]bool
	requests int
}

func (f *chainFetcher) Peers() []string {
	// Deterministic order: failing peers first so fallback is exercised.
	var out []string
	for id := range f.peers {
		if f.failing[id] {
			out = append(out, id)
		}
	}
	for id := range f.peers {
		if !f.failing[id] {
			out = append(out, id)
		}
	}
	return out
}

func (f *chainFetcher) PeerHeight(ctx context.Context, peerID string) (uint64, error) {
	if f.failing[peerID] {
		return 0, types.ErrNetworkFault.Wrap("peer down")
	}
	return uint64(len(f.peers[peerID])), nil
}

func (f *chainFetcher) RequestBlocks(ctx context.Context, peerID string, from, to uint64) ([]*types.Block, error) {
	f.requests++
	if f.failing[peerID] {
		return nil, types.ErrNetworkFault.Wrap("peer down")
	}
	chain := f.peers[peerID]
	if from == 0 {
		from = 1
	}
	if to > uint64(len(chain)) {
		to = uint64(len(chain))
	}
	if from > to {
		return nil, nil
	}
	return chain[from-1 : to], nil
}

func TestSyncToCatchesUp(t *testing.T) {
	chain := buildChain(150)
	fetcher := &chainFetcher{peers: map[string][]*types.Block{"peer-1": chain}}

	local := NewMemoryStore()
	syncer := NewStateSyncer(local, fetcher, local.Append, log.NewNopLogger())

	require.NoError(t, syncer.SyncTo(context.Background(), 150))
	assert.Equal(t, uint64(150), local.Height())
	assert.Equal(t, chain[149].Hash, local.Head().Hash)
	// 150 blocks in batches of 100 takes two requests.
	assert.Equal(t, 2, fetcher.requests)
}

func TestSyncToAlreadyCaughtUp(t *testing.T) {
	chain := buildChain(3)
	local := NewMemoryStore()
	for _, b := range chain {
		require.NoError(t, local.Append(b))
	}
	fetcher := &chainFetcher{peers: map[string][]*types.Block{"peer-1": chain}}
	syncer := NewStateSyncer(local, fetcher, local.Append, log.NewNopLogger())

	require.NoError(t, syncer.SyncTo(context.Background(), 3))
	assert.Zero(t, fetcher.requests)
}

func TestSyncToFallsBackAcrossPeers(t *testing.T) {
	chain := buildChain(10)
	fetcher := &chainFetcher{
		peers: map[string][]*types.Block{
			"peer-down": chain,
			"peer-up":   chain,
		},
		failing: map[string]bool{"peer-down": true},
	}

	local := NewMemoryStore()
	syncer := NewStateSyncer(local, fetcher, local.Append, log.NewNopLogger())

	require.NoError(t, syncer.SyncTo(context.Background(), 10))
	assert.Equal(t, uint64(10), local.Height())
}

func TestSyncToNoPeersServing(t *testing.T) {
	fetcher := &chainFetcher{
		peers:   map[string][]*types.Block{"peer-down": buildChain(5)},
		failing: map[string]bool{"peer-down": true},
	}
	local := NewMemoryStore()
	syncer := NewStateSyncer(local, fetcher, local.Append, log.NewNopLogger())

	err := syncer.SyncTo(context.Background(), 5)
	assert.ErrorIs(t, err, types.ErrNetworkFault)
}

func TestSyncToApplierErrorStops(t *testing.T) {
	chain := buildChain(5)
	fetcher := &chainFetcher{peers: map[string][]*types.Block{"peer-1": chain}}
	local := NewMemoryStore()

	applier := func(b *types.Block) error {
		if b.Header.Height == 3 {
			return types.ErrValidation.Wrap("bad votes")
		}
		return local.Append(b)
	}
	syncer := NewStateSyncer(local, fetcher, applier, log.NewNopLogger())

	err := syncer.SyncTo(context.Background(), 5)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, uint64(2), local.Height())
}

func TestNetworkHeight(t *testing.T) {
	fetcher := &chainFetcher{
		peers: map[string][]*types.Block{
			"peer-short": buildChain(3),
			"peer-long":  buildChain(9),
			"peer-down":  buildChain(50),
		},
		failing: map[string]bool{"peer-down": true},
	}
	syncer := NewStateSyncer(NewMemoryStore(), fetcher, nil, log.NewNopLogger())
	assert.Equal(t, uint64(9), syncer.NetworkHeight(context.Background()))
}
