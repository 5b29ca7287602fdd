package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmint/gridmint/types"
)

// buildChain returns n chained blocks starting at height 1.
func buildChain(n int) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	var parent []byte
	for h := 1; h <= n; h++ {
		b := &types.Block{
			Header: types.BlockHeader{
				Height:     uint64(h),
				ParentHash: parent,
				ProposerID: "val-a",
				Timestamp:  time.Unix(int64(1700000000+h), 0).UTC(),
			},
		}
		b.Hash = b.ComputeHash()
		blocks = append(blocks, b)
		parent = b.Hash
	}
	return blocks
}

func TestMemoryStoreAppend(t *testing.T) {
	ms := NewMemoryStore()
	chain := buildChain(3)

	assert.Zero(t, ms.Height())
	assert.Nil(t, ms.Head())

	for _, b := range chain {
		require.NoError(t, ms.Append(b))
	}
	assert.Equal(t, uint64(3), ms.Height())
	assert.Equal(t, chain[2].Hash, ms.Head().Hash)

	got, err := ms.GetByHeight(2)
	require.NoError(t, err)
	assert.Equal(t, chain[1].Hash, got.Hash)

	_, err = ms.GetByHeight(0)
	assert.ErrorIs(t, err, types.ErrUnknownBlock)
	_, err = ms.GetByHeight(4)
	assert.ErrorIs(t, err, types.ErrUnknownBlock)
}

func TestAppendRejectsNonContiguous(t *testing.T) {
	ms := NewMemoryStore()
	chain := buildChain(4)
	require.NoError(t, ms.Append(chain[0]))

	t.Run("height gap", func(t *testing.T) {
		err := ms.Append(chain[2])
		assert.ErrorIs(t, err, types.ErrNonContiguous)
	})

	t.Run("replayed height", func(t *testing.T) {
		err := ms.Append(chain[0])
		assert.ErrorIs(t, err, types.ErrNonContiguous)
	})

	t.Run("wrong parent hash", func(t *testing.T) {
		bad := *chain[1]
		bad.Header.ParentHash = []byte("not-the-head")
		err := ms.Append(&bad)
		assert.ErrorIs(t, err, types.ErrNonContiguous)
	})

	t.Run("nil block", func(t *testing.T) {
		err := ms.Append(nil)
		assert.ErrorIs(t, err, types.ErrValidation)
	})

	assert.Equal(t, uint64(1), ms.Height())
}

func TestBlocksInRangeClamps(t *testing.T) {
	ms := NewMemoryStore()
	chain := buildChain(5)
	for _, b := range chain {
		require.NoError(t, ms.Append(b))
	}

	blocks, err := ms.BlocksInRange(2, 4)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, uint64(2), blocks[0].Header.Height)
	assert.Equal(t, uint64(4), blocks[2].Header.Height)

	// The upper bound is clamped to head, the lower to height 1.
	blocks, err = ms.BlocksInRange(0, 100)
	require.NoError(t, err)
	assert.Len(t, blocks, 5)

	blocks, err = ms.BlocksInRange(7, 9)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestFileStorePersistsAndRecovers(t *testing.T) {
	dir := t.TempDir()
	chain := buildChain(3)

	fs, err := OpenFileStore(dir, log.NewNopLogger())
	require.NoError(t, err)
	for _, b := range chain {
		require.NoError(t, fs.Append(b))
	}
	require.NoError(t, fs.Close())

	// One file per block plus the head file.
	entries, err := os.ReadDir(filepath.Join(dir, "blocks"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	reopened, err := OpenFileStore(dir, log.NewNopLogger())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(3), reopened.Height())
	assert.Equal(t, chain[2].Hash, reopened.Head().Hash)

	got, err := reopened.GetByHeight(1)
	require.NoError(t, err)
	assert.Equal(t, chain[0].Hash, got.Hash)

	// Appends continue from the recovered head.
	next := buildChain(4)[3]
	require.NoError(t, reopened.Append(next))
	assert.Equal(t, uint64(4), reopened.Height())
}

func TestFileStoreRecoveryStopsAtGap(t *testing.T) {
	dir := t.TempDir()
	chain := buildChain(5)

	fs, err := OpenFileStore(dir, log.NewNopLogger())
	require.NoError(t, err)
	for _, b := range chain {
		require.NoError(t, fs.Append(b))
	}
	require.NoError(t, fs.Close())

	// A missing height splits the chain; recovery keeps the prefix only.
	require.NoError(t, os.Remove(filepath.Join(dir, "blocks", "block_000000000003.json")))

	reopened, err := OpenFileStore(dir, log.NewNopLogger())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.Height())

	_, err = reopened.GetByHeight(4)
	assert.ErrorIs(t, err, types.ErrUnknownBlock)
}

func TestFileStoreRejectsNonContiguous(t *testing.T) {
	fs, err := OpenFileStore(t.TempDir(), log.NewNopLogger())
	require.NoError(t, err)
	defer fs.Close()

	chain := buildChain(3)
	require.NoError(t, fs.Append(chain[0]))
	assert.ErrorIs(t, fs.Append(chain[2]), types.ErrNonContiguous)
}
