package pkg

import "errors"

var (
	// ErrPeerClosed is returned when the remote side closed the connection before a full frame arrived
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrMessageTooLarge is returned when an encoded body does not fit the 2-byte length prefix
	ErrMessageTooLarge = errors.New("message too large for frame")

	// ErrUnexpectedReply is returned when a reply of the wrong kind answers a request
	ErrUnexpectedReply = errors.New("unexpected reply kind")

	// ErrUnexpectedMessage is returned when a peer receives a message it cannot handle as a request
	ErrUnexpectedMessage = errors.New("unexpected message kind")

	// ErrUnknownMessageKind is returned when a payload carries an unknown discriminator
	ErrUnknownMessageKind = errors.New("unknown message kind")

	// ErrShutdown is returned when the peer or server has been shut down
	ErrShutdown = errors.New("shut down")
)
