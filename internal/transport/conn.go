package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

const headerSize = 2

// FramedConn carries length-prefixed messages over a stream connection:
// [uint16 big-endian body length][body].
type FramedConn struct {
	id     xid.ID
	conn   net.Conn
	pool   *BufferPool
	logger *pkg.Logger

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewFramedConn wraps conn. Frames that fit pool buffers are written from
// a single pooled buffer; larger frames are written scatter-gather.
func NewFramedConn(conn net.Conn, pool *BufferPool, logger *pkg.Logger) *FramedConn {
	id := xid.New()
	return &FramedConn{
		id:   id,
		conn: conn,
		pool: pool,
		logger: logger.WithFields(pkg.Fields{
			"conn":   id.String(),
			"remote": conn.RemoteAddr().String(),
		}),
	}
}

// ID returns the connection id used in logs.
func (c *FramedConn) ID() xid.ID {
	return c.id
}

// RemoteAddr returns the remote network address.
func (c *FramedConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// watch applies ctx's deadline to the connection and interrupts blocked I/O
// when ctx is cancelled. The returned func must be called when the I/O is done.
func (c *FramedConn) watch(ctx context.Context, setDeadline func(time.Time) error) func() bool {
	deadline, _ := ctx.Deadline()
	setDeadline(deadline)
	return context.AfterFunc(ctx, func() {
		setDeadline(time.Now())
	})
}

// Send frames and writes msg.
func (c *FramedConn) Send(ctx context.Context, msg chord.Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stop := c.watch(ctx, c.conn.SetWriteDeadline)
	defer stop()

	var header [headerSize]byte
	binary.BigEndian.PutUint16(header[:], uint16(len(body)))

	if headerSize+len(body) <= c.pool.Size() {
		buf := c.pool.Get()
		defer c.pool.Put(buf)

		*buf = append(*buf, header[:]...)
		*buf = append(*buf, body...)
		_, err = c.conn.Write(*buf)
	} else {
		buffers := net.Buffers{header[:], body}
		_, err = buffers.WriteTo(c.conn)
	}
	if err != nil {
		return c.ioError(ctx, fmt.Sprintf("send %s", msg.Kind()), err)
	}

	c.logger.Trace().
		Stringer("kind", msg.Kind()).
		Int("bytes", headerSize+len(body)).
		Msg("Frame sent")
	return nil
}

// Receive reads exactly one frame and decodes it.
// A connection closed by the peer yields pkg.ErrPeerClosed.
func (c *FramedConn) Receive(ctx context.Context) (chord.Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	stop := c.watch(ctx, c.conn.SetReadDeadline)
	defer stop()

	var header [headerSize]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, c.ioError(ctx, "read frame header", err)
	}
	size := int(binary.BigEndian.Uint16(header[:]))

	var body []byte
	if headerSize+size <= c.pool.Size() {
		buf := c.pool.Get()
		defer c.pool.Put(buf)
		body = (*buf)[:size]
	} else {
		body = make([]byte, size)
	}
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, c.ioError(ctx, "read frame body", err)
	}

	msg, err := Decode(body)
	if err != nil {
		return nil, err
	}

	c.logger.Trace().
		Stringer("kind", msg.Kind()).
		Int("bytes", headerSize+size).
		Msg("Frame received")
	return msg, nil
}

// ioError maps a failed read or write to the error the caller should see.
func (c *FramedConn) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w", op, pkg.ErrPeerClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close closes the connection. It is safe to call more than once.
func (c *FramedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
