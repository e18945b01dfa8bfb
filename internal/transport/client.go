package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/pkg"
)

// Client dials remote peers over TCP. It implements chord.Dialer.
// Every dial opens a fresh connection; connections are not reused.
type Client struct {
	dialer net.Dialer
	pool   *BufferPool
	logger *pkg.Logger
}

// NewClient creates a client using cfg's RPC timeout and small message size.
func NewClient(cfg *config.Config, pool *BufferPool, logger *pkg.Logger) *Client {
	if pool == nil {
		pool = NewBufferPool(cfg.SmallMessageSize)
	}
	return &Client{
		dialer: net.Dialer{Timeout: cfg.RPCTimeout},
		pool:   pool,
		logger: logger.WithFields(pkg.Fields{"component": "transport_client"}),
	}
}

// Dial connects to address and sends initial, if non-nil.
func (c *Client) Dial(ctx context.Context, address string, initial chord.Message) (chord.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	fc := NewFramedConn(conn, c.pool, c.logger)
	if initial != nil {
		if err := fc.Send(ctx, initial); err != nil {
			fc.Close()
			return nil, err
		}
	}

	c.logger.Trace().
		Str("conn", fc.ID().String()).
		Str("address", address).
		Msg("Connected")
	return fc, nil
}
