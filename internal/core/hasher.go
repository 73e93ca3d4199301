package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const GenesisHashSeed = "MarketLedger:genesis:v1"

// StateHasher extends the block hash chain.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// RestoreStateHasher continues the chain from a stored head. An empty head means genesis.
func RestoreStateHasher(head []byte) (*StateHasher, error) {
	h := NewStateHasher()
	if len(head) == 0 {
		return h, nil
	}
	if len(head) != len(h.prevHash) {
		return nil, fmt.Errorf("stored state hash has %d bytes, want %d", len(head), len(h.prevHash))
	}
	copy(h.prevHash[:], head)
	return h, nil
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || height || block_digest)
func (h *StateHasher) ComputeHash(height uint64, blockDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var heightBuf [8]byte
	binary.LittleEndian.PutUint64(heightBuf[:], height)
	hasher.Write(heightBuf[:])

	hasher.Write(blockDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// blockDigest hashes what the block changed: transaction results, market
// transactions and the resulting market statuses.
func blockDigest(out *BlockOutput) ([]byte, error) {
	payload, err := json.Marshal(struct {
		Height    uint64
		Timestamp int64
		Txs       []TxResult
		Cancelled interface{}
		Pairs     []PairResult
		Statuses  interface{}
	}{out.Block.Height, out.Block.Timestamp, out.Txs, out.Cancelled, out.Pairs, out.Statuses})
	if err != nil {
		return nil, fmt.Errorf("encode block digest: %w", err)
	}
	sum := sha256.Sum256(payload)
	return sum[:], nil
}
