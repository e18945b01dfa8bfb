package chord

// Ring update event types
const (
	EventSuccessorChanged   = "successor_changed"
	EventPredecessorChanged = "predecessor_changed"
	EventJoined             = "joined"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the ChordPeer to notify external systems (like WebSocket clients)
// when its view of the ring changes without creating circular dependencies.
type RingUpdateBroadcaster interface {
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a change of a peer's successor or predecessor.
type RingUpdateEvent struct {
	Type      string      `json:"type"`
	Peer      PeerAddress `json:"peer"`
	Previous  PeerAddress `json:"previous"`
	Current   PeerAddress `json:"current"`
	Cause     string      `json:"cause"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds
}
