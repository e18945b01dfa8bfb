package chord

import (
	"context"
	"fmt"

	"github.com/zde37/chordring/pkg"
)

// HandleMessage applies one inbound message to the peer and returns the reply, if any.
// It serves requests arriving over the network as well as FindSuccessorReply
// values delivered locally by Join and fix-fingers.
func (n *ChordPeer) HandleMessage(ctx context.Context, msg Message) (Message, error) {
	switch m := msg.(type) {
	case FindSuccessor:
		succ, err := n.FindSuccessor(ctx, m.Key)
		if err != nil {
			return nil, err
		}
		return FindSuccessorReply{Successor: succ}, nil

	case FindSuccessorReply:
		n.setSuccessor(m.Successor, "find_successor_reply")
		return nil, nil

	case GetPredecessor:
		return GetPredecessorReply{Predecessor: n.table.Predecessor()}, nil

	case Notify:
		n.notify(m.Peer)
		return nil, nil

	case Ping:
		return PingReply{}, nil

	case GetPredecessorReply, PingReply:
		return nil, fmt.Errorf("%w: %s", pkg.ErrUnexpectedMessage, m.Kind())

	case nil:
		return nil, fmt.Errorf("%w: nil message", pkg.ErrUnexpectedMessage)

	default:
		return nil, fmt.Errorf("%w: %T", pkg.ErrUnknownMessageKind, msg)
	}
}
