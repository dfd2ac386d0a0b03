package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryChain is an in-memory, thread-safe Chain.
type MemoryChain struct {
	mu     sync.RWMutex
	blocks []*Block
	byKey  map[string]int
}

// NewMemoryChain creates a MemoryChain holding only the genesis block.
func NewMemoryChain() *MemoryChain {
	return &MemoryChain{
		blocks: []*Block{genesisBlock()},
		byKey:  make(map[string]int),
	}
}

// Append implements Chain.
func (c *MemoryChain) Append(_ context.Context, key string, payload []byte) (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byKey[key]; exists {
		return nil, fmt.Errorf("key %s already written: %w", key, ErrContractRejected)
	}

	prev := c.blocks[len(c.blocks)-1]
	b := &Block{
		Index:     len(c.blocks),
		Timestamp: time.Now().UTC(),
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		DataHash:  sha256Sum(payload),
		PrevHash:  prev.Hash,
	}
	b.Hash = hashBlock(b)
	c.blocks = append(c.blocks, b)
	c.byKey[key] = b.Index
	return b, nil
}

// Lookup implements Chain.
func (c *MemoryChain) Lookup(_ context.Context, key string) (*Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byKey[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return c.blocks[idx], nil
}

// Get implements Chain.
func (c *MemoryChain) Get(_ context.Context, index int) (*Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.blocks) {
		return nil, fmt.Errorf("index %d out of range: %w", index, ErrNotFound)
	}
	return c.blocks[index], nil
}

// Len implements Chain.
func (c *MemoryChain) Len(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks), nil
}

// Verify implements Chain.
func (c *MemoryChain) Verify(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i, curr := range c.blocks {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis block has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		if err := checkLink(c.blocks[i-1], curr); err != nil {
			return err
		}
	}
	return nil
}

// Root implements Chain.
func (c *MemoryChain) Root(_ context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Hash, nil
}
