package receipt

import (
	"encoding/binary"
)

// canonicalDomain prefixes every receipt payload so the bytes can never be
// confused with another signed structure.
const canonicalDomain = "gridmint/receipt/v1"

// CanonicalPayload builds the deterministic byte encoding both the miner and
// the coordinator sign. Fields are length-prefixed, so no two distinct
// receipts encode to the same bytes. Miners compute this off-chain before
// submitting a settlement; the service recomputes it and both must match
// byte for byte.
func CanonicalPayload(jobID, minerID, coordinatorID string, resultHash []byte) []byte {
	fields := [][]byte{
		[]byte(canonicalDomain),
		[]byte(jobID),
		[]byte(minerID),
		[]byte(coordinatorID),
		resultHash,
	}
	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		out = append(out, lenBuf[:]...)
		out = append(out, f...)
	}
	return out
}
