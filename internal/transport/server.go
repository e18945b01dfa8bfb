package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/pkg"
)

// Server accepts peer connections and dispatches every received message to a handler.
type Server struct {
	handler chord.MessageHandler
	address string
	loops   int
	pool    *BufferPool
	logger  *pkg.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	conns   map[*FramedConn]struct{}
	started bool
	stopped bool
}

// NewServer creates a server for handler listening on cfg.Address().
func NewServer(cfg *config.Config, handler chord.MessageHandler, pool *BufferPool, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if pool == nil {
		pool = NewBufferPool(cfg.SmallMessageSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: handler,
		address: cfg.Address(),
		loops:   cfg.AcceptMultiplier * cpuCount(),
		pool:    pool,
		logger: logger.WithFields(pkg.Fields{
			"component": "transport_server",
			"address":   cfg.Address(),
		}),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*FramedConn]struct{}),
	}, nil
}

// cpuCount returns the number of logical CPUs.
func cpuCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// Start listens and launches the accept loops.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return pkg.ErrShutdown
	}
	if s.started {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.started = true

	for i := 0; i < s.loops; i++ {
		s.wg.Add(1)
		go s.acceptLoop()
	}

	s.logger.Info().
		Str("listen", listener.Addr().String()).
		Int("accept_loops", s.loops).
		Msg("Starting peer server")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AcceptLoops returns the number of concurrent accept loops.
func (s *Server) AcceptLoops() int {
	return s.loops
}

// ActiveConnections returns the number of open inbound connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		fc := NewFramedConn(conn, s.pool, s.logger)
		if !s.track(fc) {
			fc.Close()
			return
		}

		s.wg.Add(1)
		go s.serveConn(fc)
	}
}

// track registers fc unless the server is stopping.
func (s *Server) track(fc *FramedConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[fc] = struct{}{}
	return true
}

func (s *Server) untrack(fc *FramedConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, fc)
}

// serveConn receives, dispatches and replies until the peer disconnects or a read fails.
func (s *Server) serveConn(fc *FramedConn) {
	defer s.wg.Done()
	defer s.untrack(fc)
	defer fc.Close()

	for {
		msg, err := fc.Receive(s.ctx)
		if err != nil {
			if !errors.Is(err, pkg.ErrPeerClosed) && s.ctx.Err() == nil {
				s.logger.Debug().
					Err(err).
					Str("conn", fc.ID().String()).
					Msg("Receive failed, closing connection")
			}
			return
		}

		reply, err := s.handler.HandleMessage(s.ctx, msg)
		if err != nil {
			s.logger.Debug().
				Err(err).
				Str("conn", fc.ID().String()).
				Stringer("kind", msg.Kind()).
				Msg("Handler failed, closing connection")
			return
		}
		if reply == nil {
			continue
		}

		if err := fc.Send(s.ctx, reply); err != nil {
			s.logger.Debug().
				Err(err).
				Str("conn", fc.ID().String()).
				Stringer("kind", reply.Kind()).
				Msg("Reply failed, closing connection")
			return
		}
	}
}

// Stop closes the listener and every live connection, then waits for all goroutines.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	conns := make([]*FramedConn, 0, len(s.conns))
	for fc := range s.conns {
		conns = append(conns, fc)
	}
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping peer server")

	s.cancel()
	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, fc := range conns {
		fc.Close()
	}
	s.wg.Wait()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}
