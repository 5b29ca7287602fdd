// Package gossip implements flood propagation with deduplication over gRPC.
// Every validated message is relayed to all connected peers; an LRU cache of
// recently seen message ids keeps the flood from echoing forever.
package gossip

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"cosmossdk.io/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"

	gossipv1 "github.com/gridmint/gridmint/api/gossip/v1"
	"github.com/gridmint/gridmint/crypto"
	"github.com/gridmint/gridmint/types"
)

const (
	// DefaultDedupCacheSize bounds the seen-message LRU.
	DefaultDedupCacheSize = 16384
	// DefaultQuarantinePeriod is how long a misbehaving sender stays muted.
	DefaultQuarantinePeriod = 5 * time.Minute
	// DefaultMaxMsgBytes caps gRPC send/recv sizes.
	DefaultMaxMsgBytes = 64 * 1024 * 1024

	defaultPublishTimeout = 5 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultBaseBackoff    = time.Second
	defaultMaxBackoff     = 2 * time.Minute
)

// Handler receives the payload of a validated envelope.
type Handler func(senderID string, payload []byte)

// ValidatorDirectory answers whether a sender belongs to the active set and
// returns its public key. Satisfied by registry.Registry.
type ValidatorDirectory interface {
	IsAuthorized(validatorID string) bool
	PubKeyOf(validatorID string) ([]byte, error)
}

// BlockSource serves finalized blocks to peers requesting catch-up ranges.
type BlockSource interface {
	Height() uint64
	BlocksInRange(from, to uint64) ([]*types.Block, error)
}

// MessageMetrics records gossip traffic. Implemented by metrics.Metrics.
type MessageMetrics interface {
	MessageReceived(kind string)
	MessageRelayed(kind string)
	MessageDropped(kind, reason string)
}

// Config holds gossip network settings.
type Config struct {
	NodeID           string
	ListenAddr       string
	DedupCacheSize   int
	QuarantinePeriod time.Duration
	MaxMsgBytes      int
	PublishTimeout   time.Duration
	DialTimeout      time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

func (c *Config) applyDefaults() {
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = DefaultDedupCacheSize
	}
	if c.QuarantinePeriod <= 0 {
		c.QuarantinePeriod = DefaultQuarantinePeriod
	}
	if c.MaxMsgBytes <= 0 {
		c.MaxMsgBytes = DefaultMaxMsgBytes
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
}

// peerConn tracks a remote peer and its dial backoff state.
type peerConn struct {
	id       string
	addr     string
	conn     *grpc.ClientConn
	client   gossipv1.GossipServiceClient
	failures int
	retryAt  time.Time
}

// Network is the gossip engine. It runs a gRPC server for inbound envelopes
// and fans validated messages out to every connected peer.
type Network struct {
	mu sync.RWMutex

	cfg    Config
	signer crypto.Signer
	dir    ValidatorDirectory
	logger log.Logger

	server   *grpc.Server
	listener net.Listener
	peers    map[string]*peerConn

	seen       *lru.Cache[string, struct{}]
	quarantine map[string]time.Time

	handlers map[gossipv1.MessageKind]Handler
	blocks   BlockSource
	metrics  MessageMetrics

	running bool

	gossipv1.UnimplementedGossipServiceServer
}

// NewNetwork builds a gossip network for the given identity.
func NewNetwork(cfg Config, signer crypto.Signer, dir ValidatorDirectory, logger log.Logger) (*Network, error) {
	cfg.applyDefaults()
	seen, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Network{
		cfg:        cfg,
		signer:     signer,
		dir:        dir,
		logger:     logger.With("module", "gossip"),
		peers:      make(map[string]*peerConn),
		seen:       seen,
		quarantine: make(map[string]time.Time),
		handlers:   make(map[gossipv1.MessageKind]Handler),
	}, nil
}

// Subscribe registers the handler for a message kind. Must be called before
// Start.
func (n *Network) Subscribe(kind gossipv1.MessageKind, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[kind] = h
}

// SetBlockSource wires the store that answers catch-up requests.
func (n *Network) SetBlockSource(src BlockSource) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocks = src
}

// SetMetrics attaches traffic counters.
func (n *Network) SetMetrics(m MessageMetrics) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metrics = m
}

// Start opens the listener and begins serving peers.
func (n *Network) Start() error {
	listener, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return types.ErrNetworkFault.Wrapf("listen on %s: %v", n.cfg.ListenAddr, err)
	}

	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(n.cfg.MaxMsgBytes),
		grpc.MaxSendMsgSize(n.cfg.MaxMsgBytes),
	)
	gossipv1.RegisterGossipServiceServer(server, n)

	n.mu.Lock()
	n.listener = listener
	n.server = server
	n.running = true
	n.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil {
			n.mu.RLock()
			running := n.running
			n.mu.RUnlock()
			if running {
				n.logger.Error("gossip server stopped", "err", err)
			}
		}
	}()

	n.logger.Info("gossip network started", "addr", n.cfg.ListenAddr)
	return nil
}

// Stop closes peer connections and drains the server.
func (n *Network) Stop() {
	n.mu.Lock()
	n.running = false
	for _, p := range n.peers {
		if p.conn != nil {
			p.conn.Close()
		}
	}
	n.peers = make(map[string]*peerConn)
	server := n.server
	n.mu.Unlock()

	if server != nil {
		server.GracefulStop()
	}
	n.logger.Info("gossip network stopped")
}

// AddPeer registers a peer address. The connection is dialed lazily so nodes
// can start in any order.
func (n *Network) AddPeer(nodeID, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.peers[nodeID]; exists {
		return
	}
	n.peers[nodeID] = &peerConn{id: nodeID, addr: address}
	n.logger.Info("peer registered", "peer", nodeID, "addr", address)
}

// RemovePeer drops a peer and closes its connection.
func (n *Network) RemovePeer(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, exists := n.peers[nodeID]; exists {
		if p.conn != nil {
			p.conn.Close()
		}
		delete(n.peers, nodeID)
	}
}

// Peers returns the ids of registered peers.
func (n *Network) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

// PeerCount returns the number of registered peers.
func (n *Network) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Quarantine mutes a sender for the configured period. Messages from muted
// senders are dropped without relay.
func (n *Network) Quarantine(nodeID string) {
	n.mu.Lock()
	n.quarantine[nodeID] = time.Now().Add(n.cfg.QuarantinePeriod)
	n.mu.Unlock()
	n.logger.Warn("sender quarantined", "peer", nodeID, "period", n.cfg.QuarantinePeriod)
}

func (n *Network) isQuarantined(nodeID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	until, ok := n.quarantine[nodeID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(n.quarantine, nodeID)
		return false
	}
	return true
}

// Broadcast signs and floods a payload of the given kind to all peers. The
// envelope id is the payload hash, so identical payloads dedup network-wide.
func (n *Network) Broadcast(kind gossipv1.MessageKind, payload []byte) error {
	sig, err := n.signer.Sign(payload)
	if err != nil {
		return types.ErrNetworkFault.Wrapf("sign envelope: %v", err)
	}
	env := &gossipv1.Envelope{
		Kind:      kind,
		Id:        crypto.HashHex(payload),
		SenderId:  n.signer.Address(),
		Payload:   payload,
		Signature: sig,
		Timestamp: timestamppb.Now(),
	}
	n.seen.Add(env.Id, struct{}{})
	n.relay(env, "")
	return nil
}

// relay forwards an envelope to every connected peer except the one it came
// from. Failures back off the peer instead of blocking the flood.
func (n *Network) relay(env *gossipv1.Envelope, except string) {
	n.mu.RLock()
	targets := make([]*peerConn, 0, len(n.peers))
	for id, p := range n.peers {
		if id == except {
			continue
		}
		targets = append(targets, p)
	}
	metrics := n.metrics
	n.mu.RUnlock()

	if metrics != nil {
		metrics.MessageRelayed(env.Kind.String())
	}

	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func(p *peerConn) {
			defer wg.Done()
			n.sendToPeer(p, env)
		}(p)
	}
	wg.Wait()
}

func (n *Network) sendToPeer(p *peerConn, env *gossipv1.Envelope) {
	client, err := n.ensureClient(p)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.PublishTimeout)
	defer cancel()

	_, err = client.Publish(ctx, &gossipv1.PublishRequest{Envelope: env})
	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		p.failures++
		p.retryAt = time.Now().Add(n.backoffFor(p.failures))
		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
			p.client = nil
		}
		n.logger.Debug("publish failed", "peer", p.id, "failures", p.failures, "err", err)
		return
	}
	p.failures = 0
	p.retryAt = time.Time{}
}

// ensureClient returns a live client for the peer, dialing if needed. Peers
// in backoff are skipped until their retry time passes.
func (n *Network) ensureClient(p *peerConn) (gossipv1.GossipServiceClient, error) {
	n.mu.Lock()
	if p.client != nil {
		client := p.client
		n.mu.Unlock()
		return client, nil
	}
	if !p.retryAt.IsZero() && time.Now().Before(p.retryAt) {
		n.mu.Unlock()
		return nil, types.ErrNetworkFault.Wrapf("peer %s backing off", p.id)
	}
	addr := p.addr
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(n.cfg.MaxMsgBytes),
			grpc.MaxCallSendMsgSize(n.cfg.MaxMsgBytes),
		),
	)
	if err != nil {
		n.mu.Lock()
		p.failures++
		p.retryAt = time.Now().Add(n.backoffFor(p.failures))
		n.mu.Unlock()
		return nil, types.ErrNetworkFault.Wrapf("dial peer %s: %v", p.id, err)
	}

	client := gossipv1.NewGossipServiceClient(conn)
	n.mu.Lock()
	p.conn = conn
	p.client = client
	n.mu.Unlock()
	return client, nil
}

func (n *Network) backoffFor(failures int) time.Duration {
	d := n.cfg.BaseBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= n.cfg.MaxBackoff {
			return n.cfg.MaxBackoff
		}
	}
	return d
}

// gRPC service implementation

// Publish validates an inbound envelope, dispatches it locally and re-floods
// it to other peers. Duplicates and quarantined senders are dropped.
func (n *Network) Publish(ctx context.Context, req *gossipv1.PublishRequest) (*gossipv1.PublishResponse, error) {
	env := req.Envelope
	if env == nil || env.Id == "" || env.SenderId == "" {
		return &gossipv1.PublishResponse{Accepted: false}, nil
	}

	n.mu.RLock()
	metrics := n.metrics
	n.mu.RUnlock()
	if metrics != nil {
		metrics.MessageReceived(env.Kind.String())
	}

	if n.isQuarantined(env.SenderId) {
		n.drop(metrics, env.Kind, "quarantined")
		return &gossipv1.PublishResponse{Accepted: false}, nil
	}
	if _, dup := n.seen.Get(env.Id); dup {
		n.drop(metrics, env.Kind, "duplicate")
		return &gossipv1.PublishResponse{Accepted: false}, nil
	}
	if env.Id != crypto.HashHex(env.Payload) {
		n.drop(metrics, env.Kind, "bad_id")
		n.Quarantine(env.SenderId)
		return &gossipv1.PublishResponse{Accepted: false}, nil
	}
	if !n.dir.IsAuthorized(env.SenderId) {
		n.drop(metrics, env.Kind, "unknown_sender")
		n.Quarantine(env.SenderId)
		return &gossipv1.PublishResponse{Accepted: false}, nil
	}
	pubKey, err := n.dir.PubKeyOf(env.SenderId)
	if err != nil || !crypto.Verify(pubKey, env.Payload, env.Signature) {
		n.drop(metrics, env.Kind, "bad_signature")
		n.Quarantine(env.SenderId)
		return &gossipv1.PublishResponse{Accepted: false}, nil
	}

	n.seen.Add(env.Id, struct{}{})

	n.mu.RLock()
	handler := n.handlers[env.Kind]
	n.mu.RUnlock()
	if handler != nil {
		handler(env.SenderId, env.Payload)
	}

	go n.relay(env, env.SenderId)

	return &gossipv1.PublishResponse{Accepted: true}, nil
}

func (n *Network) drop(metrics MessageMetrics, kind gossipv1.MessageKind, reason string) {
	if metrics != nil {
		metrics.MessageDropped(kind.String(), reason)
	}
}

// GetBlocks serves a finalized block range to a catching-up peer.
func (n *Network) GetBlocks(ctx context.Context, req *gossipv1.GetBlocksRequest) (*gossipv1.GetBlocksResponse, error) {
	n.mu.RLock()
	src := n.blocks
	n.mu.RUnlock()
	if src == nil {
		return &gossipv1.GetBlocksResponse{}, nil
	}

	blocks, err := src.BlocksInRange(req.FromHeight, req.ToHeight)
	if err != nil {
		return &gossipv1.GetBlocksResponse{}, nil
	}
	encoded := make([][]byte, 0, len(blocks))
	for _, b := range blocks {
		data, err := json.Marshal(b)
		if err != nil {
			continue
		}
		encoded = append(encoded, data)
	}
	return &gossipv1.GetBlocksResponse{Blocks: encoded}, nil
}

// GetStatus reports this node's identity and finalized height.
func (n *Network) GetStatus(ctx context.Context, req *gossipv1.GetStatusRequest) (*gossipv1.GetStatusResponse, error) {
	var height uint64
	n.mu.RLock()
	src := n.blocks
	n.mu.RUnlock()
	if src != nil {
		height = src.Height()
	}
	return &gossipv1.GetStatusResponse{
		NodeId:    n.cfg.NodeID,
		Height:    height,
		PeerCount: int32(n.PeerCount()),
	}, nil
}

// RequestBlocks asks a specific peer for a finalized block range.
func (n *Network) RequestBlocks(ctx context.Context, peerID string, from, to uint64) ([]*types.Block, error) {
	n.mu.RLock()
	p, exists := n.peers[peerID]
	n.mu.RUnlock()
	if !exists {
		return nil, types.ErrNetworkFault.Wrapf("peer %s not found", peerID)
	}
	client, err := n.ensureClient(p)
	if err != nil {
		return nil, err
	}

	resp, err := client.GetBlocks(ctx, &gossipv1.GetBlocksRequest{FromHeight: from, ToHeight: to})
	if err != nil {
		return nil, types.ErrNetworkFault.Wrapf("get blocks from %s: %v", peerID, err)
	}
	blocks := make([]*types.Block, 0, len(resp.Blocks))
	for _, data := range resp.Blocks {
		var b types.Block
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, types.ErrNetworkFault.Wrapf("decode block from %s: %v", peerID, err)
		}
		blocks = append(blocks, &b)
	}
	return blocks, nil
}

// PeerHeight returns a peer's finalized height.
func (n *Network) PeerHeight(ctx context.Context, peerID string) (uint64, error) {
	status, err := n.PeerStatus(ctx, peerID)
	if err != nil {
		return 0, err
	}
	return status.Height, nil
}

// PeerStatus queries a peer's chain status.
func (n *Network) PeerStatus(ctx context.Context, peerID string) (*gossipv1.GetStatusResponse, error) {
	n.mu.RLock()
	p, exists := n.peers[peerID]
	n.mu.RUnlock()
	if !exists {
		return nil, types.ErrNetworkFault.Wrapf("peer %s not found", peerID)
	}
	client, err := n.ensureClient(p)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetStatus(ctx, &gossipv1.GetStatusRequest{})
	if err != nil {
		return nil, types.ErrNetworkFault.Wrapf("get status from %s: %v", peerID, err)
	}
	return resp, nil
}
