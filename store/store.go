// Package store persists the finalized chain. The chain is append-only:
// blocks enter exactly once, in height order, and are never rewritten.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cosmossdk.io/log"

	"github.com/gridmint/gridmint/types"
)

// BlockStore is the append-only finalized chain.
type BlockStore interface {
	// Append adds the next block. Heights must be contiguous; a gap or an
	// out-of-order block returns ErrNonContiguous.
	Append(block *types.Block) error
	// Head returns the latest finalized block, nil on an empty chain.
	Head() *types.Block
	// Height returns the latest finalized height, zero on an empty chain.
	Height() uint64
	// GetByHeight returns the block at the height or ErrUnknownBlock.
	GetByHeight(height uint64) (*types.Block, error)
	// BlocksInRange returns finalized blocks in [from, to], clamped to head.
	BlocksInRange(from, to uint64) ([]*types.Block, error)
	Close() error
}

// checkAppend validates contiguity and parent linkage against the head.
func checkAppend(head *types.Block, height uint64, block *types.Block) error {
	if block == nil {
		return types.ErrValidation.Wrap("nil block")
	}
	if block.Header.Height != height+1 {
		return types.ErrNonContiguous.Wrapf("appending height %d on head %d", block.Header.Height, height)
	}
	var parentHash []byte
	if head != nil {
		parentHash = head.Hash
	}
	if !bytes.Equal(block.Header.ParentHash, parentHash) {
		return types.ErrNonContiguous.Wrapf("block %d parent %x does not match head hash %x",
			block.Header.Height, block.Header.ParentHash, parentHash)
	}
	return nil
}

// MemoryStore keeps the chain in memory. Used in tests and as the cache
// layer inside FileStore.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []*types.Block
}

// NewMemoryStore returns an empty in-memory chain.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (ms *MemoryStore) Append(block *types.Block) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var head *types.Block
	if len(ms.blocks) > 0 {
		head = ms.blocks[len(ms.blocks)-1]
	}
	if err := checkAppend(head, uint64(len(ms.blocks)), block); err != nil {
		return err
	}
	ms.blocks = append(ms.blocks, block)
	return nil
}

func (ms *MemoryStore) Head() *types.Block {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if len(ms.blocks) == 0 {
		return nil
	}
	return ms.blocks[len(ms.blocks)-1]
}

func (ms *MemoryStore) Height() uint64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return uint64(len(ms.blocks))
}

func (ms *MemoryStore) GetByHeight(height uint64) (*types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if height == 0 || height > uint64(len(ms.blocks)) {
		return nil, types.ErrUnknownBlock.Wrapf("height %d", height)
	}
	return ms.blocks[height-1], nil
}

func (ms *MemoryStore) BlocksInRange(from, to uint64) ([]*types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	head := uint64(len(ms.blocks))
	if from == 0 {
		from = 1
	}
	if to > head {
		to = head
	}
	if from > to {
		return nil, nil
	}
	out := make([]*types.Block, 0, to-from+1)
	for h := from; h <= to; h++ {
		out = append(out, ms.blocks[h-1])
	}
	return out, nil
}

func (ms *MemoryStore) Close() error { return nil }

// FileStore persists blocks as one JSON file per height under
// <dir>/blocks/, plus a head state file. On open it replays the files in
// height order, verifying the parent-hash chain, so a restarted node
// resumes from its last finalized height.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
	cache   *MemoryStore
	logger  log.Logger
}

// headState mirrors the chain tip for fast inspection and as a recovery
// cross-check.
type headState struct {
	Height uint64 `json:"height"`
	Hash   []byte `json:"hash"`
}

// OpenFileStore opens (or creates) the chain directory and recovers state.
func OpenFileStore(baseDir string, logger log.Logger) (*FileStore, error) {
	blocksDir := filepath.Join(baseDir, "blocks")
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	fs := &FileStore{
		baseDir: baseDir,
		cache:   NewMemoryStore(),
		logger:  logger.With("module", "store"),
	}
	if err := fs.recover(); err != nil {
		return nil, err
	}
	return fs, nil
}

// recover replays persisted blocks from height 1 until the first gap. A
// file after a gap is an artifact of a crashed write and is ignored.
func (fs *FileStore) recover() error {
	for h := uint64(1); ; h++ {
		block, err := fs.readBlock(h)
		if err != nil {
			return err
		}
		if block == nil {
			break
		}
		if err := fs.cache.Append(block); err != nil {
			return fmt.Errorf("corrupt chain at height %d: %w", h, err)
		}
	}
	if height := fs.cache.Height(); height > 0 {
		fs.logger.Info("chain recovered", "height", height)
	}

	// The head file can lag the block files after a crash between the two
	// writes; the block files are authoritative.
	if data, err := os.ReadFile(fs.headPath()); err == nil {
		var head headState
		if err := json.Unmarshal(data, &head); err == nil && head.Height > fs.cache.Height() {
			fs.logger.Warn("head file ahead of recovered chain",
				"head_file", head.Height, "recovered", fs.cache.Height())
		}
	}
	return nil
}

func (fs *FileStore) headPath() string {
	return filepath.Join(fs.baseDir, "head.json")
}

func (fs *FileStore) writeHead(block *types.Block) {
	data, err := json.Marshal(headState{Height: block.Header.Height, Hash: block.Hash})
	if err != nil {
		return
	}
	if err := os.WriteFile(fs.headPath(), data, 0o644); err != nil {
		fs.logger.Error("write head file failed", "err", err)
	}
}

func (fs *FileStore) blockPath(height uint64) string {
	return filepath.Join(fs.baseDir, "blocks", fmt.Sprintf("block_%012d.json", height))
}

func (fs *FileStore) readBlock(height uint64) (*types.Block, error) {
	data, err := os.ReadFile(fs.blockPath(height))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read block %d: %w", height, err)
	}
	var block types.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("unmarshal block %d: %w", height, err)
	}
	return &block, nil
}

func (fs *FileStore) Append(block *types.Block) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := checkAppend(fs.cache.Head(), fs.cache.Height(), block); err != nil {
		return err
	}

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", block.Header.Height, err)
	}
	// Write through a temp file so a crash never leaves a half-written
	// block at a committed height.
	path := fs.blockPath(block.Header.Height)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write block %d: %w", block.Header.Height, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit block %d: %w", block.Header.Height, err)
	}

	if err := fs.cache.Append(block); err != nil {
		return err
	}
	fs.writeHead(block)
	return nil
}

func (fs *FileStore) Head() *types.Block {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.cache.Head()
}

func (fs *FileStore) Height() uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.cache.Height()
}

func (fs *FileStore) GetByHeight(height uint64) (*types.Block, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.cache.GetByHeight(height)
}

func (fs *FileStore) BlocksInRange(from, to uint64) ([]*types.Block, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.cache.BlocksInRange(from, to)
}

func (fs *FileStore) Close() error { return nil }

var (
	_ BlockStore = (*MemoryStore)(nil)
	_ BlockStore = (*FileStore)(nil)
)
