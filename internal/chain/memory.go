package chain

import (
	"context"
	"sync"
)

// MemoryChain is an in-memory, thread-safe Chain implementation. The CLI
// uses it as the working copy of a file- or gist-persisted chain; it is
// also the implementation of choice for tests.
type MemoryChain struct {
	mu      sync.RWMutex
	records []*Record
}

// New creates an empty MemoryChain.
func New() *MemoryChain {
	return &MemoryChain{}
}

// FromRecords creates a MemoryChain seeded with an existing sequence, e.g.
// one loaded from the persisted chain file. The records are copied; the
// input is not validated here; call Validate to check it.
func FromRecords(records []*Record) *MemoryChain {
	return &MemoryChain{records: copyRecords(records)}
}

// Append implements Chain. The tail read, hash computation, and commit all
// happen under the write lock, so two concurrent appends can never commit
// against the same predecessor.
func (c *MemoryChain) Append(_ context.Context, value string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := NewRecord(value, c.lastHashLocked())
	if err != nil {
		return nil, err
	}
	c.records = append(c.records, r)
	return r, nil
}

// Validate implements Chain.
func (c *MemoryChain) Validate(_ context.Context) (*Report, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return validateRecords(c.records), nil
}

// Prune implements Chain.
func (c *MemoryChain) Prune(_ context.Context, value string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.records[:0]
	removed := 0
	for _, r := range c.records {
		if r.Value == value {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	c.records = kept
	return removed, nil
}

// Reset implements Chain.
func (c *MemoryChain) Reset(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	return nil
}

// Replace implements Chain.
func (c *MemoryChain) Replace(_ context.Context, records []*Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = copyRecords(records)
	return nil
}

// LastHash implements Chain.
func (c *MemoryChain) LastHash(_ context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHashLocked(), nil
}

// Tally implements Chain.
func (c *MemoryChain) Tally(_ context.Context) (map[string]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int)
	for _, r := range c.records {
		counts[r.Value]++
	}
	return counts, nil
}

// Records implements Chain. The snapshot is a value copy: mutating the
// returned records cannot reach back into the chain.
func (c *MemoryChain) Records(_ context.Context) ([]*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyRecords(c.records), nil
}

// Len implements Chain.
func (c *MemoryChain) Len(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records), nil
}

// copyRecords clones a record sequence, records included.
func copyRecords(records []*Record) []*Record {
	out := make([]*Record, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out
}

func (c *MemoryChain) lastHashLocked() string {
	if len(c.records) == 0 {
		return GenesisHash
	}
	return c.records[len(c.records)-1].Hash
}
