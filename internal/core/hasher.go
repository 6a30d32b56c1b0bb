package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisHashSeed = "TroveWatch:store:v1:"

// StateHasher chains snapshot digests so two observers that applied the
// same sequence of snapshots agree on the tip.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher seeds the chain with the store key.
func NewStateHasher(storeKey string) *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(genesisHashSeed + storeKey))}
}

// ComputeHash returns SHA-256(prev || sequence LE || digest) and advances
// the chain.
func (h *StateHasher) ComputeHash(sequence uint64, digest [32]byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])
	hasher.Write(digest[:])

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// Tip returns the latest hash.
func (h *StateHasher) Tip() [32]byte {
	return h.prevHash
}

// Reset continues the chain from a persisted tip.
func (h *StateHasher) Reset(tip [32]byte) {
	h.prevHash = tip
}
