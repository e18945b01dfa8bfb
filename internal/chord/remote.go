package chord

import "context"

// Conn is one framed connection to a remote peer.
// A request/reply exchange is: dial (optionally sending the request), Receive once, Close.
type Conn interface {
	// Send frames and writes msg.
	Send(ctx context.Context, msg Message) error

	// Receive reads exactly one framed message.
	Receive(ctx context.Context) (Message, error)

	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens connections to remote peers.
// This interface lets ChordPeer make RPC calls without depending on the
// transport package, avoiding circular dependencies.
type Dialer interface {
	// Dial connects to address and, if initial is non-nil, sends it right away.
	Dial(ctx context.Context, address string, initial Message) (Conn, error)
}

// MessageHandler handles one inbound message and returns the reply, if any.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg Message) (Message, error)
}
