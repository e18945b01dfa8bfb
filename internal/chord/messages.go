package chord

import "fmt"

// MessageKind discriminates the messages exchanged between peers.
// The numeric values travel on the wire.
type MessageKind uint8

const (
	KindUnknown MessageKind = iota
	KindFindSuccessor
	KindFindSuccessorReply
	KindGetPredecessor
	KindGetPredecessorReply
	KindNotify
	KindPing
	KindPingReply
)

var kindNames = map[MessageKind]string{
	KindFindSuccessor:       "find_successor",
	KindFindSuccessorReply:  "find_successor_reply",
	KindGetPredecessor:      "get_predecessor",
	KindGetPredecessorReply: "get_predecessor_reply",
	KindNotify:              "notify",
	KindPing:                "ping",
	KindPingReply:           "ping_reply",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the seven protocol kinds.
func (k MessageKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ReplyKind returns the kind that answers a request of kind k.
// The second result is false when no reply is sent (Notify) or k is not a request.
func ReplyKind(k MessageKind) (MessageKind, bool) {
	switch k {
	case KindFindSuccessor:
		return KindFindSuccessorReply, true
	case KindGetPredecessor:
		return KindGetPredecessorReply, true
	case KindPing:
		return KindPingReply, true
	default:
		return KindUnknown, false
	}
}

// Message is one of the protocol messages below.
type Message interface {
	Kind() MessageKind
}

// FindSuccessor asks a peer to resolve the peer responsible for Key.
type FindSuccessor struct {
	Key uint64
}

// FindSuccessorReply carries the resolved successor.
type FindSuccessorReply struct {
	Successor PeerAddress
}

// GetPredecessor asks a peer for its predecessor. RequesterKey is informational.
type GetPredecessor struct {
	RequesterKey uint64
}

// GetPredecessorReply carries the current predecessor (the peer itself if unknown).
type GetPredecessorReply struct {
	Predecessor PeerAddress
}

// Notify tells a peer that Peer may be its predecessor. It has no reply.
type Notify struct {
	Peer PeerAddress
}

// Ping is a liveness probe.
type Ping struct{}

// PingReply answers a Ping.
type PingReply struct{}

func (FindSuccessor) Kind() MessageKind       { return KindFindSuccessor }
func (FindSuccessorReply) Kind() MessageKind  { return KindFindSuccessorReply }
func (GetPredecessor) Kind() MessageKind      { return KindGetPredecessor }
func (GetPredecessorReply) Kind() MessageKind { return KindGetPredecessorReply }
func (Notify) Kind() MessageKind              { return KindNotify }
func (Ping) Kind() MessageKind                { return KindPing }
func (PingReply) Kind() MessageKind           { return KindPingReply }
