package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/log"
	"golang.org/x/sync/errgroup"

	gossipv1 "github.com/gridmint/gridmint/api/gossip/v1"
	"github.com/gridmint/gridmint/consensus"
	"github.com/gridmint/gridmint/crypto"
	"github.com/gridmint/gridmint/events"
	"github.com/gridmint/gridmint/gossip"
	"github.com/gridmint/gridmint/mempool"
	"github.com/gridmint/gridmint/metrics"
	"github.com/gridmint/gridmint/receipt"
	"github.com/gridmint/gridmint/registry"
	"github.com/gridmint/gridmint/store"
	"github.com/gridmint/gridmint/types"
)

// Node owns all shared state and hands read references to its components.
type Node struct {
	mu sync.RWMutex

	config  *Config
	genesis *Genesis
	signer  *crypto.LocalSigner
	logger  log.Logger

	registry *registry.Registry
	mempool  *mempool.Mempool
	network  *gossip.Network
	engine   *consensus.Engine
	store    store.BlockStore
	receipts *receipt.Service
	syncer   *store.StateSyncer
	bus      *events.Bus
	metrics  *metrics.Metrics

	httpServer *http.Server

	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewNode builds a node from config and genesis. The block store is opened
// here, so a restarted node resumes from its last finalized height before
// consensus starts.
func NewNode(config *Config, logger log.Logger) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	kp := crypto.KeyPairFromSeed([]byte(config.KeySeed))
	signer := crypto.NewLocalSignerFromKeyPair(kp)
	if config.NodeID == "" {
		config.NodeID = signer.Address()
	} else if config.NodeID != signer.Address() {
		return nil, fmt.Errorf("node id %s does not match key material (%s)", config.NodeID, signer.Address())
	}
	logger = logger.With("node", config.NodeID)

	genesis, err := LoadGenesis(config.GenesisFile)
	if err != nil {
		return nil, err
	}
	config.ChainID = genesis.ChainID

	valset, err := genesis.ValidatorSet()
	if err != nil {
		return nil, err
	}
	reg := registry.New(valset, genesis.EpochLength, logger)

	blockStore, err := store.OpenFileStore(filepath.Join(config.DataDir, "chain"), logger)
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}

	mpConfig := mempool.DefaultConfig()
	if config.MempoolMaxTxs > 0 {
		mpConfig.MaxTxs = config.MempoolMaxTxs
	}
	if config.MempoolTTL > 0 {
		mpConfig.TTL = config.MempoolTTL
	}
	mp := mempool.New(mpConfig, logger)

	network, err := gossip.NewNetwork(gossip.Config{
		NodeID:     config.NodeID,
		ListenAddr: config.ListenAddr,
	}, signer, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("create gossip network: %w", err)
	}
	network.SetBlockSource(blockStore)

	receipts, err := receipt.NewService(filepath.Join(config.DataDir, "receipts"), reg, logger)
	if err != nil {
		return nil, fmt.Errorf("open receipt service: %w", err)
	}

	engineConfig := &consensus.Config{
		NodeID:           config.NodeID,
		ChainID:          config.ChainID,
		RoundTimeout:     config.RoundTimeout,
		MaxBlockTxs:      config.MaxBlockTxs,
		AllowEmptyBlocks: config.AllowEmptyBlocks,
	}
	engine := consensus.NewEngine(engineConfig, reg, mp, blockStore, signer, &gossipCaster{network: network}, logger)

	bus := events.NewBus(logger)

	n := &Node{
		config:   config,
		genesis:  genesis,
		signer:   signer,
		logger:   logger,
		registry: reg,
		mempool:  mp,
		network:  network,
		engine:   engine,
		store:    blockStore,
		receipts: receipts,
		bus:      bus,
	}

	if config.MetricsEnabled {
		m := metrics.NewMetrics("gridmint")
		n.metrics = m
		network.SetMetrics(m)
		engine.SetMetrics(m)
		receipts.SetMetrics(m)
	}

	n.syncer = store.NewStateSyncer(blockStore, network, engine.ObserveFinalized, logger)

	engine.OnFinalized(func(block *types.Block) {
		receipts.OnFinalized(block)
		bus.PublishBlock(block)
	})
	engine.OnFault(func(f *consensus.Fault) {
		logger.Error("node halted on consensus fault", "height", f.Height)
	})
	receipts.OnAttested(bus.PublishReceipt)

	network.Subscribe(gossipv1.MessageKindTx, n.handleGossipTx)
	network.Subscribe(gossipv1.MessageKindProposal, n.handleGossipProposal)
	network.Subscribe(gossipv1.MessageKindVote, n.handleGossipVote)

	return n, nil
}

// Start brings up networking, the mempool, catch-up, and consensus.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("node already running")
	}
	n.running = true
	n.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	n.cancel = cancel
	n.group = group

	if err := n.network.Start(); err != nil {
		return err
	}
	for _, peer := range n.config.Peers {
		parts := strings.SplitN(peer, "@", 2)
		if len(parts) != 2 {
			n.logger.Warn("skipping malformed peer entry", "peer", peer)
			continue
		}
		if parts[0] == n.config.NodeID {
			continue
		}
		n.network.AddPeer(parts[0], parts[1])
	}

	if err := n.mempool.Start(); err != nil {
		return err
	}

	n.engine.OnLag(func(peerHeight uint64) {
		group.Go(func() error {
			if err := n.syncer.SyncTo(gctx, peerHeight); err != nil && gctx.Err() == nil {
				n.logger.Error("catch-up failed", "target", peerHeight, "err", err)
			}
			return nil
		})
	})

	// Gossip every locally admitted transaction.
	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case tx := <-n.mempool.NewTxCh():
				n.bus.PublishTransaction(tx)
				payload, err := json.Marshal(tx)
				if err != nil {
					continue
				}
				if err := n.network.Broadcast(gossipv1.MessageKindTx, payload); err != nil {
					n.logger.Debug("broadcast tx failed", "err", err)
				}
			}
		}
	})

	// Initial catch-up against whoever is ahead, then keep consensus going.
	group.Go(func() error {
		if target := n.syncer.NetworkHeight(gctx); target > n.store.Height() {
			if err := n.syncer.SyncTo(gctx, target); err != nil && gctx.Err() == nil {
				n.logger.Error("initial catch-up failed", "target", target, "err", err)
			}
		}
		return nil
	})

	if n.metrics != nil {
		group.Go(func() error {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					n.metrics.SetMempoolSize(n.mempool.Size(), n.mempool.SizeBytes())
				}
			}
		})
		n.startHTTPServer()
	}

	if err := n.engine.Start(); err != nil {
		return err
	}

	n.logger.Info("node started",
		"chain", n.config.ChainID,
		"listen", n.config.ListenAddr,
		"height", n.store.Height(),
		"validators", n.registry.ActiveSet().Size())
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	n.logger.Info("node stopping")
	if n.cancel != nil {
		n.cancel()
	}
	n.engine.Stop()
	if n.group != nil {
		n.group.Wait()
	}
	n.mempool.Stop()
	n.network.Stop()
	n.bus.Close()
	if n.httpServer != nil {
		n.httpServer.Close()
	}
	if err := n.store.Close(); err != nil {
		return err
	}
	n.logger.Info("node stopped")
	return nil
}

// gossip handlers

func (n *Node) handleGossipTx(senderID string, payload []byte) {
	var tx types.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		n.logger.Debug("malformed gossiped tx", "sender", senderID, "err", err)
		return
	}
	if err := n.mempool.Submit(&tx); err != nil {
		n.logger.Debug("gossiped tx rejected", "sender", senderID, "err", err)
	}
}

func (n *Node) handleGossipProposal(senderID string, payload []byte) {
	proposal, err := consensus.DecodeProposal(payload)
	if err != nil {
		n.logger.Debug("malformed proposal", "sender", senderID, "err", err)
		return
	}
	n.engine.HandleProposal(proposal)
}

func (n *Node) handleGossipVote(senderID string, payload []byte) {
	vote, err := consensus.DecodeVote(payload)
	if err != nil {
		n.logger.Debug("malformed vote", "sender", senderID, "err", err)
		return
	}
	n.engine.HandleVote(vote)
}

// Public API

// SubmitTransaction admits a transaction into the local mempool. Admitted
// transactions propagate to peers automatically.
func (n *Node) SubmitTransaction(tx *types.Transaction) error {
	return n.mempool.Submit(tx)
}

// Attest hands a coordinator signature to the receipt service.
func (n *Node) Attest(jobID string, coordinatorSig []byte) (*types.JobReceipt, error) {
	return n.receipts.Attest(jobID, coordinatorSig)
}

// GetReceipt returns the receipt for a job.
func (n *Node) GetReceipt(jobID string) (*types.JobReceipt, error) {
	return n.receipts.GetReceipt(jobID)
}

// ListReceipts lists all receipts.
func (n *Node) ListReceipts() []*types.JobReceipt {
	return n.receipts.ListReceipts()
}

// Events exposes the notification bus.
func (n *Node) Events() *events.Bus {
	return n.bus
}

// Height returns the latest finalized height.
func (n *Node) Height() uint64 {
	return n.store.Height()
}

// HTTP observability

type statusResponse struct {
	NodeID      string `json:"node_id"`
	ChainID     string `json:"chain_id"`
	Running     bool   `json:"running"`
	Height      uint64 `json:"height"`
	Round       uint32 `json:"round"`
	Peers       int    `json:"peers"`
	MempoolTxs  int    `json:"mempool_txs"`
	Halted      bool   `json:"halted"`
	FaultHeight uint64 `json:"fault_height,omitempty"`
}

func (n *Node) startHTTPServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if halted, _ := n.engine.Halted(); halted {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("halted"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		n.mu.RLock()
		running := n.running
		n.mu.RUnlock()
		halted, fault := n.engine.Halted()
		resp := statusResponse{
			NodeID:     n.config.NodeID,
			ChainID:    n.config.ChainID,
			Running:    running,
			Height:     n.store.Height(),
			Round:      n.engine.Round(),
			Peers:      n.network.PeerCount(),
			MempoolTxs: n.mempool.Size(),
			Halted:     halted,
		}
		if fault != nil {
			resp.FaultHeight = fault.Height
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	n.httpServer = &http.Server{Addr: n.config.MetricsAddr, Handler: mux}
	go func() {
		if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Error("metrics server stopped", "err", err)
		}
	}()
}

// gossipCaster adapts the gossip network to the engine's Broadcaster.
type gossipCaster struct {
	network *gossip.Network
}

func (c *gossipCaster) BroadcastProposal(p *consensus.Proposal) error {
	payload, err := p.Encode()
	if err != nil {
		return err
	}
	return c.network.Broadcast(gossipv1.MessageKindProposal, payload)
}

func (c *gossipCaster) BroadcastVote(v *types.Vote) error {
	payload, err := consensus.EncodeVote(v)
	if err != nil {
		return err
	}
	return c.network.Broadcast(gossipv1.MessageKindVote, payload)
}
