// Package metrics exposes Prometheus metrics for the node.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. It satisfies the metric
// interfaces of the consensus, gossip, and receipt packages.
type Metrics struct {
	mu sync.Mutex

	registry *prometheus.Registry

	// Consensus
	roundsStartedTotal   prometheus.Counter
	roundsAbandonedTotal prometheus.Counter
	roundDuration        prometheus.Histogram
	blocksFinalizedTotal prometheus.Counter
	blockHeight          prometheus.Gauge
	currentRound         prometheus.Gauge
	faultsTotal          prometheus.Counter

	// Gossip
	messagesReceivedTotal *prometheus.CounterVec
	messagesRelayedTotal  *prometheus.CounterVec
	messagesDroppedTotal  *prometheus.CounterVec

	// Mempool
	mempoolSize  prometheus.Gauge
	mempoolBytes prometheus.Gauge

	// Receipts
	receiptsCreatedTotal  prometheus.Counter
	receiptsAttestedTotal prometheus.Counter
	receiptMismatchTotal  prometheus.Counter

	// Transactions
	transactionsTotal prometheus.Counter

	roundStart time.Time
}

// NewMetrics creates a Metrics instance backed by its own registry, so
// multiple nodes can run in one process.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.roundsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_rounds_started_total",
		Help:      "Total consensus rounds entered",
	})
	m.roundsAbandonedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_rounds_abandoned_total",
		Help:      "Total rounds abandoned on timeout or fatal rejection",
	})
	m.roundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consensus_round_duration_seconds",
		Help:      "Time from round start to block finality",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	m.blocksFinalizedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_finalized_total",
		Help:      "Total blocks finalized",
	})
	m.blockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_height",
		Help:      "Latest finalized block height",
	})
	m.currentRound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consensus_round",
		Help:      "Current round within the deciding height",
	})
	m.faultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_faults_total",
		Help:      "Conflicting finalizations observed",
	})

	m.messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gossip_messages_received_total",
		Help:      "Gossip envelopes received by kind",
	}, []string{"kind"})
	m.messagesRelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gossip_messages_relayed_total",
		Help:      "Gossip envelopes relayed by kind",
	}, []string{"kind"})
	m.messagesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gossip_messages_dropped_total",
		Help:      "Gossip envelopes dropped by kind and reason",
	}, []string{"kind", "reason"})

	m.mempoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mempool_size",
		Help:      "Pending transactions in the mempool",
	})
	m.mempoolBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mempool_bytes",
		Help:      "Pending transaction bytes in the mempool",
	})

	m.receiptsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receipts_created_total",
		Help:      "Receipts minted from finalized settlements",
	})
	m.receiptsAttestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receipts_attested_total",
		Help:      "Receipts counter-signed by coordinators",
	})
	m.receiptMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receipt_mismatch_total",
		Help:      "Coordinator signatures rejected for payload mismatch",
	})

	m.transactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Transactions committed in finalized blocks",
	})

	m.registry.MustRegister(
		m.roundsStartedTotal,
		m.roundsAbandonedTotal,
		m.roundDuration,
		m.blocksFinalizedTotal,
		m.blockHeight,
		m.currentRound,
		m.faultsTotal,
		m.messagesReceivedTotal,
		m.messagesRelayedTotal,
		m.messagesDroppedTotal,
		m.mempoolSize,
		m.mempoolBytes,
		m.receiptsCreatedTotal,
		m.receiptsAttestedTotal,
		m.receiptMismatchTotal,
		m.transactionsTotal,
	)
	return m
}

// Handler serves this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Consensus metrics (consensus.RoundMetrics)

func (m *Metrics) RoundStarted(height uint64, round uint32) {
	m.roundsStartedTotal.Inc()
	m.currentRound.Set(float64(round))
	m.mu.Lock()
	if round == 0 {
		m.roundStart = time.Now()
	}
	m.mu.Unlock()
}

func (m *Metrics) RoundAbandoned(height uint64, round uint32) {
	m.roundsAbandonedTotal.Inc()
}

func (m *Metrics) BlockFinalized(height uint64, txs int) {
	m.blocksFinalizedTotal.Inc()
	m.blockHeight.Set(float64(height))
	m.transactionsTotal.Add(float64(txs))
	m.mu.Lock()
	start := m.roundStart
	m.mu.Unlock()
	if !start.IsZero() {
		m.roundDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) FaultDetected() {
	m.faultsTotal.Inc()
}

// Gossip metrics (gossip.MessageMetrics)

func (m *Metrics) MessageReceived(kind string) {
	m.messagesReceivedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageRelayed(kind string) {
	m.messagesRelayedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageDropped(kind, reason string) {
	m.messagesDroppedTotal.WithLabelValues(kind, reason).Inc()
}

// Mempool gauges, sampled by the node.

func (m *Metrics) SetMempoolSize(txs int, bytes int64) {
	m.mempoolSize.Set(float64(txs))
	m.mempoolBytes.Set(float64(bytes))
}

// Receipt metrics (receipt.ReceiptMetrics)

func (m *Metrics) ReceiptCreated()  { m.receiptsCreatedTotal.Inc() }
func (m *Metrics) ReceiptAttested() { m.receiptsAttestedTotal.Inc() }
func (m *Metrics) ReceiptMismatch() { m.receiptMismatchTotal.Inc() }

