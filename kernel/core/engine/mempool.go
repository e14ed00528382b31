package engine

import (
	"encoding/json"

	"github.com/bits-and-blooms/bloom/v3"
)

// MempoolEntry is one admitted call.
type MempoolEntry struct {
	ID     string
	Method Method
	Args   json.RawMessage
}

// Mempool holds the calls admitted during the current epoch. A bloom filter
// answers most "not seen" lookups; the exact map settles positives.
type Mempool struct {
	seen    *bloom.BloomFilter
	entries map[string]MempoolEntry
}

// NewMempool sizes the filter for capacity ids at the given false positive
// rate.
func NewMempool(capacity uint, falsePositive float64) *Mempool {
	return &Mempool{
		seen:    bloom.NewWithEstimates(capacity, falsePositive),
		entries: make(map[string]MempoolEntry),
	}
}

// Contains reports whether id was admitted this epoch.
func (m *Mempool) Contains(id string) bool {
	if !m.seen.TestString(id) {
		return false
	}
	_, ok := m.entries[id]
	return ok
}

// Admit records the entry, returning false if its id is already present.
func (m *Mempool) Admit(entry MempoolEntry) bool {
	if m.Contains(entry.ID) {
		return false
	}
	m.seen.AddString(entry.ID)
	m.entries[entry.ID] = entry
	return true
}

// Len returns the number of admitted entries.
func (m *Mempool) Len() int {
	return len(m.entries)
}

// Clear empties the pool at an epoch boundary.
func (m *Mempool) Clear() {
	m.seen.ClearAll()
	m.entries = make(map[string]MempoolEntry)
}
