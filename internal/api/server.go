package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

// lookupTimeout bounds a lookup issued through the API.
const lookupTimeout = 5 * time.Second

// RingPeer is the view of a local peer the status surfaces need.
type RingPeer interface {
	Address() chord.PeerAddress
	Snapshot() chord.RingSnapshot
	FindSuccessor(ctx context.Context, key uint64) (chord.PeerAddress, error)
	IsShutdown() bool
}

// Server is the HTTP status API for the peers running in this process.
type Server struct {
	httpServer *http.Server
	wsHub      *WebSocketHub
	logger     *pkg.Logger
	peers      map[int]RingPeer
	ports      []int
	runID      uuid.UUID
	startedAt  time.Time
	handler    http.Handler
}

// NewServer creates the status API for peers. Peers are addressed by port.
func NewServer(peers []RingPeer, hub *WebSocketHub, logger *pkg.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("at least one peer is required")
	}
	if hub == nil {
		hub = NewWebSocketHub(logger)
	}

	s := &Server{
		wsHub:     hub,
		logger:    logger.WithFields(pkg.Fields{"component": "http_api"}),
		peers:     make(map[int]RingPeer, len(peers)),
		runID:     uuid.New(),
		startedAt: time.Now(),
	}
	for _, p := range peers {
		port := p.Address().Port
		if _, dup := s.peers[port]; dup {
			return nil, fmt.Errorf("duplicate peer port %d", port)
		}
		s.peers[port] = p
		s.ports = append(s.ports, port)
	}
	sort.Ints(s.ports)

	handler, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.handler = handler
	return s, nil
}

// RunID identifies this process in API responses.
func (s *Server) RunID() uuid.UUID {
	return s.runID
}

// Hub returns the WebSocket hub serving /api/ws.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		pattern string
		handler runtime.HandlerFunc
	}{
		{"/api/v1/peers", s.listPeersHandler},
		{"/api/v1/peers/{port}", s.peerHandler},
		{"/api/v1/peers/{port}/lookup/{key}", s.lookupHandler},
	}
	for _, route := range routes {
		if err := mux.HandlePath(http.MethodGet, route.pattern, route.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", route.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", corsMiddleware(mux))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)
	return httpMux, nil
}

// Start serves the API on port in the background.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.wsHub.Start()

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("listen", listener.Addr().String()).
		Str("run_id", s.runID.String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Stop gracefully stops the HTTP server and the WebSocket hub.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.wsHub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

// PeerRef is a peer as shown by the API.
type PeerRef struct {
	Address  string `json:"address"`
	Key      string `json:"key"`
	Distance string `json:"distance,omitempty"`
}

// FingerView is one finger table slot.
type FingerView struct {
	Index int    `json:"index"`
	Start string `json:"start"`
	Peer  string `json:"peer"`
	Key   string `json:"key"`
}

// PeerStatus is the body of GET /api/v1/peers/{port}.
type PeerStatus struct {
	Self             PeerRef      `json:"self"`
	Successor        PeerRef      `json:"successor"`
	Predecessor      PeerRef      `json:"predecessor"`
	Running          bool         `json:"running"`
	FingerToVerify   int          `json:"finger_to_verify"`
	MaintenanceRuns  uint64       `json:"maintenance_runs"`
	MaintenanceSkips uint64       `json:"maintenance_skips"`
	Fingers          []FingerView `json:"fingers,omitempty"`
}

// LookupResult is the body of GET /api/v1/peers/{port}/lookup/{key}.
type LookupResult struct {
	Key       string  `json:"key"`
	Owner     PeerRef `json:"owner"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

func formatKey(key uint64) string {
	return fmt.Sprintf("%016x", key)
}

// peerRef describes p with its clockwise distance from key from.
func peerRef(p chord.PeerAddress, from uint64) PeerRef {
	return PeerRef{
		Address:  p.Address(),
		Key:      formatKey(p.Key),
		Distance: formatKey(hash.Distance(from, p.Key)),
	}
}

func peerStatus(p RingPeer, withFingers bool) PeerStatus {
	snap := p.Snapshot()
	self := snap.Self.Key

	// distance runs from the predecessor to self
	pred := PeerRef{
		Address:  snap.Predecessor.Address(),
		Key:      formatKey(snap.Predecessor.Key),
		Distance: formatKey(hash.Distance(snap.Predecessor.Key, self)),
	}

	status := PeerStatus{
		Self:             PeerRef{Address: snap.Self.Address(), Key: formatKey(self)},
		Successor:        peerRef(snap.Successor, self),
		Predecessor:      pred,
		Running:          !p.IsShutdown(),
		FingerToVerify:   snap.FingerToVerify,
		MaintenanceRuns:  snap.MaintenanceRuns,
		MaintenanceSkips: snap.MaintenanceSkips,
	}

	if withFingers {
		status.Fingers = make([]FingerView, 0, len(snap.Fingers))
		for i, f := range snap.Fingers {
			status.Fingers = append(status.Fingers, FingerView{
				Index: i,
				Start: formatKey(hash.AddPowerOfTwo(self, i)),
				Peer:  f.Address(),
				Key:   formatKey(f.Key),
			})
		}
	}
	return status
}

func (s *Server) peer(w http.ResponseWriter, pathParams map[string]string) (RingPeer, bool) {
	port, err := strconv.Atoi(pathParams["port"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid port %q", pathParams["port"]))
		return nil, false
	}
	p, ok := s.peers[port]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no local peer on port %d", port))
		return nil, false
	}
	return p, true
}

// listPeersHandler handles GET /api/v1/peers.
func (s *Server) listPeersHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	peers := make([]PeerStatus, 0, len(s.ports))
	for _, port := range s.ports {
		peers = append(peers, peerStatus(s.peers[port], false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": s.runID.String(),
		"peers":  peers,
	})
}

// peerHandler handles GET /api/v1/peers/{port}.
func (s *Server) peerHandler(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	p, ok := s.peer(w, pathParams)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, peerStatus(p, true))
}

// lookupHandler handles GET /api/v1/peers/{port}/lookup/{key}. The key is hexadecimal.
func (s *Server) lookupHandler(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	p, ok := s.peer(w, pathParams)
	if !ok {
		return
	}

	raw := strings.TrimPrefix(strings.ToLower(pathParams["key"]), "0x")
	key, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid key %q", pathParams["key"]))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()

	start := time.Now()
	owner, err := p.FindSuccessor(ctx, key)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", formatKey(key)).Msg("Lookup failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, LookupResult{
		Key:       formatKey(key),
		Owner:     peerRef(owner, key),
		ElapsedMs: time.Since(start).Milliseconds(),
	})
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, p := range s.peers {
		if !p.IsShutdown() {
			running++
		}
	}

	status := http.StatusOK
	state := "ok"
	if running == 0 {
		status = http.StatusServiceUnavailable
		state = "down"
	}
	writeJSON(w, status, map[string]any{
		"status":         state,
		"run_id":         s.runID.String(),
		"peers":          len(s.peers),
		"running":        running,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
