package chord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/pkg"
)

// memNetwork routes connections straight into the peers' HandleMessage.
type memNetwork struct {
	mu    sync.RWMutex
	peers map[string]*ChordPeer
	dials map[string]int
	down  map[string]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		peers: make(map[string]*ChordPeer),
		dials: make(map[string]int),
		down:  make(map[string]bool),
	}
}

func (m *memNetwork) add(p *ChordPeer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.Address().Address()] = p
}

func (m *memNetwork) setDown(address string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[address] = down
}

func (m *memNetwork) dialCount(address string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dials[address]
}

func (m *memNetwork) Dial(ctx context.Context, address string, initial Message) (Conn, error) {
	m.mu.Lock()
	peer, ok := m.peers[address]
	m.dials[address]++
	down := m.down[address]
	m.mu.Unlock()

	if !ok || down {
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}

	conn := &memConn{peer: peer}
	if initial != nil {
		if err := conn.Send(ctx, initial); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// memConn mimics the server side: every message sent is dispatched and any
// reply queued; a handler error closes the connection.
type memConn struct {
	mu      sync.Mutex
	peer    *ChordPeer
	replies []Message
	broken  bool
	closed  bool
}

func (c *memConn) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pkg.ErrPeerClosed
	}
	c.mu.Unlock()

	reply, err := c.peer.HandleMessage(ctx, msg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.broken = true
		return nil
	}
	if reply != nil {
		c.replies = append(c.replies, reply)
	}
	return nil
}

func (c *memConn) Receive(ctx context.Context) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken || len(c.replies) == 0 {
		return nil, pkg.ErrPeerClosed
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// failingDialer refuses every connection.
type failingDialer struct{}

func (failingDialer) Dial(ctx context.Context, address string, initial Message) (Conn, error) {
	return nil, fmt.Errorf("dial %s: connection refused", address)
}

// blockingDialer holds every dial until release is closed.
type blockingDialer struct {
	release chan struct{}
	once    sync.Once
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{release: make(chan struct{})}
}

func (b *blockingDialer) Dial(ctx context.Context, address string, initial Message) (Conn, error) {
	select {
	case <-b.release:
		return nil, fmt.Errorf("dial %s: released", address)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingDialer) unblock() {
	b.once.Do(func() { close(b.release) })
}

// recordingBroadcaster keeps every event it is given.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []RingUpdateEvent
}

func (r *recordingBroadcaster) BroadcastRingUpdate(update any) error {
	event, ok := update.(RingUpdateEvent)
	if !ok {
		return fmt.Errorf("unexpected update %T", update)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingBroadcaster) snapshot() []RingUpdateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RingUpdateEvent(nil), r.events...)
}

func testLogger(t testing.TB) *pkg.Logger {
	logCfg := pkg.DefaultConfig()
	logCfg.Level = "error"
	logger, err := pkg.New(logCfg)
	require.NoError(t, err)
	return logger
}

func testConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Port = port
	cfg.MaintenanceInterval = 20 * time.Millisecond
	cfg.RPCTimeout = 2 * time.Second
	return cfg
}

func createTestPeer(t testing.TB, cfg *config.Config, dialer Dialer) *ChordPeer {
	peer, err := NewChordPeer(cfg, dialer, testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, peer)
	t.Cleanup(func() { peer.Shutdown() })
	return peer
}

// createRing creates count peers on consecutive ports, all attached to net.
func createRing(t testing.TB, network *memNetwork, basePort, count int, mutate func(*config.Config)) []*ChordPeer {
	peers := make([]*ChordPeer, 0, count)
	for i := 0; i < count; i++ {
		cfg := testConfig(basePort + i)
		if mutate != nil {
			mutate(cfg)
		}
		peer := createTestPeer(t, cfg, network)
		network.add(peer)
		peers = append(peers, peer)
	}
	return peers
}

// seedIndex returns the peer index that peer i joins through:
// 0 via 1, 1 via 0, 2 via 0, 3 via 1, 4 via 2 and so on.
func seedIndex(i int) int {
	switch i {
	case 0:
		return 1
	case 1:
		return 0
	default:
		return i - 2
	}
}

// joinSeedTopology joins every peer the way the multi-peer deployment does.
func joinSeedTopology(t testing.TB, peers []*ChordPeer) {
	ctx := context.Background()
	for i, peer := range peers {
		seed := peers[seedIndex(i)]
		require.NoError(t, peer.Join(ctx, seed.Address().Address()))
	}
}

// sortedByKey returns the peers ordered clockwise from key 0.
func sortedByKey(peers []*ChordPeer) []*ChordPeer {
	sorted := append([]*ChordPeer(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Address().Less(sorted[j].Address())
	})
	return sorted
}

// ringConverged reports whether every successor and predecessor matches key order.
func ringConverged(peers []*ChordPeer) bool {
	sorted := sortedByKey(peers)
	for i, peer := range sorted {
		next := sorted[(i+1)%len(sorted)]
		prev := sorted[(i-1+len(sorted))%len(sorted)]
		if !peer.Successor().Equals(next.Address()) {
			return false
		}
		if !peer.Predecessor().Equals(prev.Address()) {
			return false
		}
	}
	return true
}

// stabilizeRounds runs stabilize on every peer in turn until the ring converges.
func stabilizeRounds(t testing.TB, peers []*ChordPeer, maxRounds int) int {
	for round := 1; round <= maxRounds; round++ {
		for _, peer := range peers {
			peer.stabilize()
		}
		if ringConverged(peers) {
			return round
		}
	}
	t.Fatalf("ring did not converge after %d rounds", maxRounds)
	return maxRounds
}

// expectedOwner returns the first peer at or after key, clockwise.
func expectedOwner(peers []*ChordPeer, key uint64) PeerAddress {
	sorted := sortedByKey(peers)
	for _, peer := range sorted {
		if peer.Address().Key >= key {
			return peer.Address()
		}
	}
	return sorted[0].Address()
}
