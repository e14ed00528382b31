package engine

import (
	"sort"
	"sync"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// PeerRecord is what the engine knows about one remote peer.
// A nil Reputation marks the peer for removal at the next epoch.
type PeerRecord[S any] struct {
	Address      common.Address
	LastSent     *S
	LastReceived *S
	Reputation   *int

	seq         uint64
	sentKey     []byte
	receivedKey []byte
}

// peerTable is written only from the engine loop. The lock lets oracle code
// on other goroutines list addresses.
type peerTable[S any] struct {
	mu      sync.RWMutex
	records map[common.Address]*PeerRecord[S]
	nextSeq uint64
}

func newPeerTable[S any]() *peerTable[S] {
	return &peerTable[S]{records: make(map[common.Address]*PeerRecord[S])}
}

func (t *peerTable[S]) get(addr common.Address) (*PeerRecord[S], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[addr]
	return rec, ok
}

func (t *peerTable[S]) getOrCreate(addr common.Address) *PeerRecord[S] {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[addr]
	if !ok {
		zero := 0
		t.nextSeq++
		rec = &PeerRecord[S]{Address: addr, Reputation: &zero, seq: t.nextSeq}
		t.records[addr] = rec
	}
	return rec
}

func (t *peerTable[S]) remove(addr common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, addr)
}

func (t *peerTable[S]) addresses() []common.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]common.Address, 0, len(t.records))
	for addr := range t.records {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// inOrder returns the records in the order their peers were first seen.
func (t *peerTable[S]) inOrder() []*PeerRecord[S] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PeerRecord[S], 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (t *peerTable[S]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
