package types

import errorsmod "cosmossdk.io/errors"

// Codespace for all gridmint core errors.
const Codespace = "gridmint"

// Error taxonomy. Validation failures are absorbed locally and never
// propagated to peers; consensus faults halt block production for the
// affected height and require operator resolution.
var (
	// ErrValidation covers malformed or invalid transactions and blocks.
	ErrValidation = errorsmod.Register(Codespace, 2, "validation failed")

	// ErrUnknownValidator is returned when a vote or proposal references
	// an id that is not in the active validator set.
	ErrUnknownValidator = errorsmod.Register(Codespace, 3, "unknown validator")

	// ErrNonContiguous is returned when an appended block does not chain
	// from the current head.
	ErrNonContiguous = errorsmod.Register(Codespace, 4, "block does not chain from head")

	// ErrConsensusFault marks conflicting finalization evidence.
	ErrConsensusFault = errorsmod.Register(Codespace, 5, "consensus fault")

	// ErrNetworkFault covers unreachable peers and malformed wire messages.
	ErrNetworkFault = errorsmod.Register(Codespace, 6, "network fault")

	// ErrReceiptMismatch is returned when an attestation signature does not
	// verify over the canonical receipt payload.
	ErrReceiptMismatch = errorsmod.Register(Codespace, 7, "attestation over wrong payload")

	// ErrUnknownJob is returned for attestations and queries that reference
	// a job with no receipt.
	ErrUnknownJob = errorsmod.Register(Codespace, 8, "unknown job")

	ErrMempoolFull  = errorsmod.Register(Codespace, 9, "mempool is full")
	ErrDuplicateTx  = errorsmod.Register(Codespace, 10, "transaction already known")
	ErrStaleNonce   = errorsmod.Register(Codespace, 11, "nonce too low")
	ErrUnknownBlock = errorsmod.Register(Codespace, 12, "block not found")
)
