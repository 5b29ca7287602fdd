// Package node wires the registry, mempool, gossip network, consensus
// engine, block store, and receipt service into one running validator.
package node

import (
	"time"

	"github.com/gridmint/gridmint/consensus"
	"github.com/gridmint/gridmint/mempool"
)

// Config holds node configuration.
type Config struct {
	// Identity
	NodeID  string
	ChainID string
	KeySeed string

	// Networking
	ListenAddr string
	// Peers are "nodeID@host:port" entries.
	Peers []string

	// Consensus
	RoundTimeout     time.Duration
	MaxBlockTxs      int
	AllowEmptyBlocks bool

	// Mempool
	MempoolMaxTxs int
	MempoolTTL    time.Duration

	// Paths
	DataDir     string
	GenesisFile string

	// Observability
	MetricsEnabled bool
	MetricsAddr    string
	LogLevel       string
}

// DefaultConfig returns a config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		ChainID:        "gridmint-1",
		ListenAddr:     "0.0.0.0:26656",
		RoundTimeout:   consensus.DefaultRoundTimeout,
		MaxBlockTxs:    consensus.DefaultMaxBlockTxs,
		MempoolMaxTxs:  mempool.DefaultConfig().MaxTxs,
		MempoolTTL:     mempool.DefaultConfig().TTL,
		DataDir:        "./data",
		GenesisFile:    "./genesis.json",
		MetricsEnabled: true,
		MetricsAddr:    "0.0.0.0:26660",
		LogLevel:       "info",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.KeySeed == "" {
		return ErrEmptyKeySeed
	}
	if c.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	if c.DataDir == "" {
		return ErrEmptyDataDir
	}
	if c.GenesisFile == "" {
		return ErrEmptyGenesisFile
	}
	return nil
}

type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyKeySeed     = configError("key seed is required")
	ErrEmptyListenAddr  = configError("listen address is required")
	ErrEmptyDataDir     = configError("data directory is required")
	ErrEmptyGenesisFile = configError("genesis file is required")
)
