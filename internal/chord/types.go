package chord

import (
	"fmt"
	"net"
	"strconv"

	"github.com/zde37/chordring/pkg/hash"
)

// PeerAddress identifies a peer on the ring by its network address and derived key.
// It is a value type; the key is always recomputed from host and port.
type PeerAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  uint64 `json:"key"`
}

// NewPeerAddress creates a PeerAddress, deriving the key from "host:port".
// An empty host defaults to 127.0.0.1.
func NewPeerAddress(host string, port int) PeerAddress {
	if host == "" {
		host = "127.0.0.1"
	}
	return PeerAddress{
		Host: host,
		Port: port,
		Key:  hash.HashAddress(host, port),
	}
}

// ParsePeerAddress parses "host:port" into a PeerAddress.
func ParsePeerAddress(address string) (PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("invalid peer address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return PeerAddress{}, fmt.Errorf("invalid port in peer address %q", address)
	}
	return NewPeerAddress(host, port), nil
}

// Address returns the network address in "host:port" format.
func (p PeerAddress) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String returns a human-readable representation of the peer.
// Format: "host:port#<key hex>"
func (p PeerAddress) String() string {
	return fmt.Sprintf("%s#%016x", p.Address(), p.Key)
}

// ShortKey returns the first 8 hex digits of the key, for logs.
func (p PeerAddress) ShortKey() string {
	return fmt.Sprintf("%016x", p.Key)[:8]
}

// Equals reports whether both addresses name the same ring position.
// Only the key is compared; colliding addresses are the same peer.
func (p PeerAddress) Equals(other PeerAddress) bool {
	return p.Key == other.Key
}

// Less orders peers by key.
func (p PeerAddress) Less(other PeerAddress) bool {
	return p.Key < other.Key
}

// IsZero reports whether p was never set.
func (p PeerAddress) IsZero() bool {
	return p.Host == "" && p.Port == 0 && p.Key == 0
}
