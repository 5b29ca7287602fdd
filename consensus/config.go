package consensus

import "time"

const (
	// DefaultRoundTimeout is how long a round waits for finalization before
	// it is abandoned and the proposer rotates.
	DefaultRoundTimeout = 3 * time.Second
	// DefaultMaxBlockTxs caps transactions reaped per proposal.
	DefaultMaxBlockTxs = 500
	// DefaultProposeInterval paces proposers when the mempool is empty.
	DefaultProposeInterval = 500 * time.Millisecond
)

// Config holds consensus engine settings.
type Config struct {
	// NodeID is this validator's identity, derived from its public key.
	NodeID string

	// ChainID names the chain; it is fixed at genesis.
	ChainID string

	// RoundTimeout bounds each round. On expiry the round is abandoned and
	// the next proposer takes over at the same height.
	RoundTimeout time.Duration

	// MaxBlockTxs caps the number of transactions in a proposal.
	MaxBlockTxs int

	// ProposeInterval is the polling interval a proposer waits between
	// checking the mempool for work.
	ProposeInterval time.Duration

	// AllowEmptyBlocks lets the proposer emit blocks with no transactions.
	AllowEmptyBlocks bool
}

// DefaultConfig returns a config with production defaults.
func DefaultConfig(nodeID, chainID string) *Config {
	return &Config{
		NodeID:          nodeID,
		ChainID:         chainID,
		RoundTimeout:    DefaultRoundTimeout,
		MaxBlockTxs:     DefaultMaxBlockTxs,
		ProposeInterval: DefaultProposeInterval,
	}
}

func (c *Config) applyDefaults() {
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = DefaultRoundTimeout
	}
	if c.MaxBlockTxs <= 0 {
		c.MaxBlockTxs = DefaultMaxBlockTxs
	}
	if c.ProposeInterval <= 0 {
		c.ProposeInterval = DefaultProposeInterval
	}
}
