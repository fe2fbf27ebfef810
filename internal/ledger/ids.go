package ledger

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// IDs generates settlement identifiers for journal records
type IDs interface {
	Next(ref string, at time.Time) string
}

// HashIDs derives identifiers as keccak256(ref | unix nanos | nonce), rendered
// like an on-chain transaction hash. The nonce keeps ids unique when the same
// ref is settled twice within one clock tick.
type HashIDs struct {
	nonce atomic.Uint64
}

// NewHashIDs creates a HashIDs generator
func NewHashIDs() *HashIDs {
	return &HashIDs{}
}

// Next returns a 0x-prefixed 64 hex digit identifier
func (h *HashIDs) Next(ref string, at time.Time) string {
	n := h.nonce.Add(1)
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s|%d|%d", ref, at.UnixNano(), n))).Hex()
}
