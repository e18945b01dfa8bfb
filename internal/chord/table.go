package chord

import (
	"sync"

	"github.com/zde37/chordring/pkg/hash"
)

const (
	// successorSlot is the finger that doubles as the successor
	successorSlot = 0

	// predecessorSlot is the finger that doubles as the predecessor
	predecessorSlot = hash.KeySize - 1
)

// RingTable is a peer's finger table.
// finger[i] points at the peer believed responsible for local + 2^i.
// Slot 0 is also the successor and slot 63 also the predecessor; there is no
// separate storage for either. A slot is never empty: "unknown" is the local peer.
type RingTable struct {
	local   PeerAddress
	fingers [hash.KeySize]PeerAddress
	mu      sync.RWMutex
}

// NewRingTable creates a table with every slot pointing at local.
func NewRingTable(local PeerAddress) *RingTable {
	t := &RingTable{local: local}
	for i := range t.fingers {
		t.fingers[i] = local
	}
	return t
}

// Local returns the peer owning the table.
func (t *RingTable) Local() PeerAddress {
	return t.local
}

// Successor returns slot 0.
func (t *RingTable) Successor() PeerAddress {
	return t.Finger(successorSlot)
}

// SetSuccessor writes slot 0 and reports whether it changed.
func (t *RingTable) SetSuccessor(p PeerAddress) bool {
	return t.SetFinger(successorSlot, p)
}

// Predecessor returns slot 63.
func (t *RingTable) Predecessor() PeerAddress {
	return t.Finger(predecessorSlot)
}

// SetPredecessor writes slot 63 and reports whether it changed.
func (t *RingTable) SetPredecessor(p PeerAddress) bool {
	return t.SetFinger(predecessorSlot, p)
}

// Finger returns slot i, or the local peer for an out of range index.
func (t *RingTable) Finger(i int) PeerAddress {
	if i < 0 || i >= hash.KeySize {
		return t.local
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fingers[i]
}

// SetFinger writes slot i and reports whether it changed.
// A zero address is stored as the local peer.
func (t *RingTable) SetFinger(i int, p PeerAddress) bool {
	if i < 0 || i >= hash.KeySize {
		return false
	}
	if p.IsZero() {
		p = t.local
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	changed := t.fingers[i] != p
	t.fingers[i] = p
	return changed
}

// Fingers returns a copy of all slots.
func (t *RingTable) Fingers() [hash.KeySize]PeerAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fingers
}

// ClosestPrecedingFinger returns the farthest known peer that does not overshoot target.
// Slots are scanned from 63 down to 0, skipping the local peer; the first one in
// (local, target) wins. With no such slot the local peer is returned.
func (t *RingTable) ClosestPrecedingFinger(target uint64) PeerAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := hash.KeySize - 1; i >= 0; i-- {
		finger := t.fingers[i]
		if finger.Equals(t.local) {
			continue
		}
		if hash.InOpenRange(finger.Key, t.local.Key, target) {
			return finger
		}
	}
	return t.local
}

// OfferPredecessor adopts p as predecessor if none is known or p lies in (predecessor, local).
// It reports whether the predecessor changed.
func (t *RingTable) OfferPredecessor(p PeerAddress) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pred := t.fingers[predecessorSlot]
	if !pred.Equals(t.local) && !hash.InOpenRange(p.Key, pred.Key, t.local.Key) {
		return false
	}
	if pred == p {
		return false
	}
	t.fingers[predecessorSlot] = p
	return true
}

// OfferSuccessor adopts p as successor if it lies in (local, successor].
// It reports whether the successor changed.
func (t *RingTable) OfferSuccessor(p PeerAddress) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	succ := t.fingers[successorSlot]
	if !hash.InHalfOpenRange(p.Key, t.local.Key, succ.Key) {
		return false
	}
	if succ == p {
		return false
	}
	t.fingers[successorSlot] = p
	return true
}
