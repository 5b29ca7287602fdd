package types

// ReceiptState is the two-phase signing state of a job receipt.
type ReceiptState string

const (
	// ReceiptPendingAttestation holds the miner signature only.
	ReceiptPendingAttestation ReceiptState = "pending_attestation"
	// ReceiptAttested holds both signatures and is immutable.
	ReceiptAttested ReceiptState = "attested"
)

// JobReceipt is the tamper-evident proof of job completion handed to wallet
// and marketplace clients. The miner signature is produced at settlement;
// the coordinator signature is appended asynchronously. Both signatures are
// over CanonicalPayload. Receipts are append-only and never destroyed.
type JobReceipt struct {
	JobID                string       `json:"job_id"`
	MinerID              string       `json:"miner_id"`
	CoordinatorID        string       `json:"coordinator_id"`
	ResultHash           []byte       `json:"result_hash"`
	CanonicalPayload     []byte       `json:"canonical_payload"`
	MinerSignature       []byte       `json:"miner_signature"`
	CoordinatorSignature []byte       `json:"coordinator_signature,omitempty"`
	BlockHeight          uint64       `json:"block_height"`
	State                ReceiptState `json:"state"`
}

// Attested reports whether both signatures are present.
func (r *JobReceipt) Attested() bool {
	return r.State == ReceiptAttested && len(r.CoordinatorSignature) > 0
}
