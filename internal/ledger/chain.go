package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the well-known hash of block 0. Every chain starts from it.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Block is one committed write in an emulated ledger.
type Block struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	DataHash  string    `json:"data_hash"` // SHA-256 of Payload
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Chain is an append-only, hash-chained key/value log. Each key may be
// written exactly once. MemoryChain and PostgresChain implement it.
type Chain interface {
	// Append commits payload under key. Writing an existing key fails with
	// ErrContractRejected.
	Append(ctx context.Context, key string, payload []byte) (*Block, error)

	// Lookup returns the block holding key, or ErrNotFound.
	Lookup(ctx context.Context, key string) (*Block, error)

	// Get returns the block at a zero-based index.
	Get(ctx context.Context, index int) (*Block, error)

	// Len returns the number of blocks, genesis included.
	Len(ctx context.Context) (int, error)

	// Verify walks the chain and checks every link and payload digest.
	Verify(ctx context.Context) error

	// Root returns the hash of the chain tip.
	Root(ctx context.Context) (string, error)
}

// hashBlock computes the link hash of b. Never call it on the genesis block.
func hashBlock(b *Block) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s",
		b.Index, b.Timestamp.Format(time.RFC3339Nano),
		b.Key, b.DataHash, b.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func genesisBlock() *Block {
	return &Block{
		Index:     0,
		Timestamp: time.Now().UTC(),
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// checkLink validates curr against its predecessor.
func checkLink(prev, curr *Block) error {
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.DataHash != sha256Sum(curr.Payload) {
		return fmt.Errorf("block %d payload does not match its digest", curr.Index)
	}
	if curr.Hash != hashBlock(curr) {
		return fmt.Errorf("block %d has invalid hash", curr.Index)
	}
	return nil
}
