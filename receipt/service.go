// Package receipt builds and attests job receipts. A receipt is created when
// a job_settle transaction finalizes, carrying the miner's signature over the
// canonical payload; the coordinator counter-signs later. Receipts are
// append-only: state only ever moves pending_attestation -> attested.
package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/gridmint/gridmint/crypto"
	"github.com/gridmint/gridmint/types"
)

// KeyDirectory resolves coordinator public keys. Satisfied by
// registry.Registry.
type KeyDirectory interface {
	PubKeyOf(id string) ([]byte, error)
}

// ReceiptMetrics counts receipt lifecycle events. Implemented by
// metrics.Metrics.
type ReceiptMetrics interface {
	ReceiptCreated()
	ReceiptAttested()
	ReceiptMismatch()
}

// jobInfo is the index entry built from a finalized job_submit.
type jobInfo struct {
	CoordinatorID string `json:"coordinator_id"`
	MinerID       string `json:"miner_id"`
	SubmitHeight  uint64 `json:"submit_height"`
}

// Service owns the receipt ledger. It consumes finalized blocks, maintains
// the open-job index, and serves receipt reads.
type Service struct {
	mu sync.RWMutex

	baseDir string
	keys    KeyDirectory
	logger  log.Logger
	metrics ReceiptMetrics

	jobs     map[string]*jobInfo
	receipts map[string]*types.JobReceipt

	onAttested func(*types.JobReceipt)
}

// NewService opens the receipt directory and recovers persisted state.
func NewService(baseDir string, keys KeyDirectory, logger log.Logger) (*Service, error) {
	for _, dir := range []string{baseDir, filepath.Join(baseDir, "receipts")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create receipt directory %s: %w", dir, err)
		}
	}
	s := &Service{
		baseDir:  baseDir,
		keys:     keys,
		logger:   logger.With("module", "receipt"),
		jobs:     make(map[string]*jobInfo),
		receipts: make(map[string]*types.JobReceipt),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetMetrics attaches lifecycle counters.
func (s *Service) SetMetrics(m ReceiptMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// OnAttested registers the callback fired when a receipt gains its
// coordinator signature.
func (s *Service) OnAttested(fn func(*types.JobReceipt)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAttested = fn
}

// recover loads persisted receipts and the job index from disk.
func (s *Service) recover() error {
	if data, err := os.ReadFile(s.jobsPath()); err == nil {
		if err := json.Unmarshal(data, &s.jobs); err != nil {
			return fmt.Errorf("corrupt job index: %w", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(s.baseDir, "receipts"))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, "receipts", entry.Name()))
		if err != nil {
			return fmt.Errorf("read receipt %s: %w", entry.Name(), err)
		}
		var r types.JobReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("corrupt receipt %s: %w", entry.Name(), err)
		}
		s.receipts[r.JobID] = &r
	}
	if len(s.receipts) > 0 {
		s.logger.Info("receipts recovered", "count", len(s.receipts))
	}
	return nil
}

func (s *Service) jobsPath() string {
	return filepath.Join(s.baseDir, "jobs.json")
}

func (s *Service) receiptPath(jobID string) string {
	return filepath.Join(s.baseDir, "receipts", crypto.HashHex([]byte(jobID))+".json")
}

func (s *Service) persistReceiptLocked(r *types.JobReceipt) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	path := s.receiptPath(r.JobID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.appendAuditLocked(r)
	return nil
}

// appendAuditLocked writes one line per state transition to the audit log.
// The log is append-only and never read by the node itself.
func (s *Service) appendAuditLocked(r *types.JobReceipt) {
	f, err := os.OpenFile(filepath.Join(s.baseDir, "audit.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error("open audit log failed", "err", err)
		return
	}
	defer f.Close()
	entry := struct {
		Time   time.Time          `json:"time"`
		JobID  string             `json:"job_id"`
		State  types.ReceiptState `json:"state"`
		Height uint64             `json:"height"`
	}{time.Now().UTC(), r.JobID, r.State, r.BlockHeight}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
}

func (s *Service) persistJobsLocked() {
	data, err := json.Marshal(s.jobs)
	if err != nil {
		return
	}
	if err := os.WriteFile(s.jobsPath(), data, 0o644); err != nil {
		s.logger.Error("persist job index failed", "err", err)
	}
}

// OnFinalized consumes a finalized block: job_submit transactions populate
// the job index, job_settle transactions mint pending receipts.
func (s *Service) OnFinalized(block *types.Block) {
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		switch tx.Kind {
		case types.KindJobSubmit:
			s.indexSubmit(tx, block.Header.Height)
		case types.KindJobSettle:
			s.settle(tx, block.Header.Height)
		}
	}
}

func (s *Service) indexSubmit(tx *types.Transaction, height uint64) {
	payload, err := tx.DecodePayload()
	if err != nil {
		return
	}
	submit, ok := payload.(*types.JobSubmitPayload)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[submit.JobID]; exists {
		return
	}
	s.jobs[submit.JobID] = &jobInfo{
		CoordinatorID: submit.CoordinatorID,
		MinerID:       submit.MinerID,
		SubmitHeight:  height,
	}
	s.persistJobsLocked()
}

// settle verifies the miner's signature over the canonical payload and
// persists a pending receipt. An invalid miner signature leaves no receipt;
// the settlement stays visible on chain but proves nothing.
func (s *Service) settle(tx *types.Transaction, height uint64) {
	payload, err := tx.DecodePayload()
	if err != nil {
		return
	}
	settle, ok := payload.(*types.JobSettlePayload)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[settle.JobID]
	if !exists {
		s.logger.Warn("settlement for unindexed job", "job", settle.JobID, "height", height)
		return
	}
	if _, exists := s.receipts[settle.JobID]; exists {
		return
	}

	canonical := CanonicalPayload(settle.JobID, settle.MinerID, job.CoordinatorID, settle.ResultHash)
	if crypto.NodeID(settle.MinerPubKey) != settle.MinerID ||
		!crypto.Verify(settle.MinerPubKey, canonical, settle.MinerSignature) {
		s.logger.Warn("settlement carries invalid miner signature", "job", settle.JobID, "height", height)
		return
	}

	r := &types.JobReceipt{
		JobID:            settle.JobID,
		MinerID:          settle.MinerID,
		CoordinatorID:    job.CoordinatorID,
		ResultHash:       settle.ResultHash,
		CanonicalPayload: canonical,
		MinerSignature:   settle.MinerSignature,
		BlockHeight:      height,
		State:            types.ReceiptPendingAttestation,
	}
	if err := s.persistReceiptLocked(r); err != nil {
		s.logger.Error("persist receipt failed", "job", settle.JobID, "err", err)
		return
	}
	s.receipts[settle.JobID] = r
	if s.metrics != nil {
		s.metrics.ReceiptCreated()
	}
	s.logger.Info("receipt created", "job", settle.JobID, "miner", settle.MinerID, "height", height)
}

// Attest verifies the coordinator's signature over the exact canonical
// bytes and promotes the receipt to attested. A signature over anything
// else is a ReceiptMismatch and the receipt stays pending.
func (s *Service) Attest(jobID string, coordinatorSig []byte) (*types.JobReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.receipts[jobID]
	if !exists {
		return nil, types.ErrUnknownJob.Wrapf("no receipt for job %s", jobID)
	}
	if r.Attested() {
		return r, nil
	}

	pubKey, err := s.keys.PubKeyOf(r.CoordinatorID)
	if err != nil {
		return nil, types.ErrUnknownValidator.Wrapf("coordinator %s", r.CoordinatorID)
	}
	if !crypto.Verify(pubKey, r.CanonicalPayload, coordinatorSig) {
		if s.metrics != nil {
			s.metrics.ReceiptMismatch()
		}
		return nil, types.ErrReceiptMismatch.Wrapf("coordinator signature does not cover receipt for job %s", jobID)
	}

	r.CoordinatorSignature = coordinatorSig
	r.State = types.ReceiptAttested
	if err := s.persistReceiptLocked(r); err != nil {
		// revert in memory so a retry can succeed
		r.CoordinatorSignature = nil
		r.State = types.ReceiptPendingAttestation
		return nil, fmt.Errorf("persist attested receipt: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ReceiptAttested()
	}
	s.logger.Info("receipt attested", "job", jobID, "coordinator", r.CoordinatorID)

	out := *r
	if s.onAttested != nil {
		s.onAttested(&out)
	}
	return &out, nil
}

// GetReceipt returns the receipt for a job. There is no receipt until a
// finalized settlement carried a valid miner signature; the returned copy
// always carries an explicit attested state.
func (s *Service) GetReceipt(jobID string) (*types.JobReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, exists := s.receipts[jobID]
	if !exists {
		return nil, types.ErrUnknownJob.Wrapf("no receipt for job %s", jobID)
	}
	out := *r
	return &out, nil
}

// ListReceipts returns all receipts ordered by settlement height, then job
// id. Intended for operator tooling.
func (s *Service) ListReceipts() []*types.JobReceipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.JobReceipt, 0, len(s.receipts))
	for _, r := range s.receipts {
		clone := *r
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockHeight != out[j].BlockHeight {
			return out[i].BlockHeight < out[j].BlockHeight
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}
