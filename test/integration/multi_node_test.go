package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/chordring/internal/api"
	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/internal/transport"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

// testCluster represents a set of peers talking over loopback TCP.
type testCluster struct {
	peers   []*chord.ChordPeer
	servers []*transport.Server
	pool    *transport.BufferPool
	logger  *pkg.Logger
}

// newTestCluster creates a new test cluster.
func newTestCluster(t *testing.T) *testCluster {
	t.Helper()

	logCfg := pkg.DefaultConfig()
	logCfg.Level = "error" // Reduce noise in tests
	logger, err := pkg.New(logCfg)
	require.NoError(t, err)

	tc := &testCluster{
		pool:   transport.NewBufferPool(config.DefaultConfig().SmallMessageSize),
		logger: logger,
	}
	t.Cleanup(func() { tc.shutdown(t) })
	return tc
}

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// addPeer starts a new peer and its server. It does not join.
func (tc *testCluster) addPeer(t *testing.T) *chord.ChordPeer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Port = freePort(t)
	cfg.MaintenanceInterval = 30 * time.Millisecond // Fast for testing
	cfg.RPCTimeout = time.Second

	peer, err := chord.NewChordPeer(cfg, transport.NewClient(cfg, tc.pool, tc.logger), tc.logger)
	require.NoError(t, err)

	server, err := transport.NewServer(cfg, peer, tc.pool, tc.logger)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	tc.peers = append(tc.peers, peer)
	tc.servers = append(tc.servers, server)
	return peer
}

// stopPeer shuts down peer i and its server, as a crash would.
func (tc *testCluster) stopPeer(t *testing.T, i int) {
	t.Helper()

	require.NoError(t, tc.peers[i].Shutdown())
	require.NoError(t, tc.servers[i].Stop())
}

// shutdown cleans up the cluster.
func (tc *testCluster) shutdown(t *testing.T) {
	for _, peer := range tc.peers {
		if err := peer.Shutdown(); err != nil {
			t.Logf("Error shutting down peer: %v", err)
		}
	}
	for _, server := range tc.servers {
		if err := server.Stop(); err != nil {
			t.Logf("Error stopping server: %v", err)
		}
	}
}

func (tc *testCluster) start() {
	for _, peer := range tc.peers {
		peer.Start()
	}
}

// live returns the peers that are still running.
func (tc *testCluster) live() []*chord.ChordPeer {
	var live []*chord.ChordPeer
	for _, peer := range tc.peers {
		if !peer.IsShutdown() {
			live = append(live, peer)
		}
	}
	return live
}

// converged reports whether successors and predecessors of peers match key order.
func converged(peers []*chord.ChordPeer) bool {
	sorted := append([]*chord.ChordPeer(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Address().Less(sorted[j].Address())
	})
	for i, p := range sorted {
		next := sorted[(i+1)%len(sorted)].Address()
		prev := sorted[(i-1+len(sorted))%len(sorted)].Address()
		if !p.Successor().Equals(next) || !p.Predecessor().Equals(prev) {
			return false
		}
	}
	return true
}

func (tc *testCluster) waitForConvergence(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return converged(tc.live())
	}, 15*time.Second, 50*time.Millisecond, "ring did not converge")
}

// owner returns the live peer responsible for key.
func owner(peers []*chord.ChordPeer, key uint64) chord.PeerAddress {
	sorted := append([]*chord.ChordPeer(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Address().Less(sorted[j].Address())
	})
	for _, p := range sorted {
		if p.Address().Key >= key {
			return p.Address()
		}
	}
	return sorted[0].Address()
}

func TestTwoPeerRing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tc := newTestCluster(t)
	a := tc.addPeer(t)
	b := tc.addPeer(t)

	ctx := context.Background()
	require.NoError(t, b.Join(ctx, a.Address().Address()))
	assert.Equal(t, a.Address(), b.Successor())

	tc.start()
	tc.waitForConvergence(t)

	assert.Equal(t, b.Address(), a.Successor())
	assert.Equal(t, b.Address(), a.Predecessor())
	assert.Equal(t, a.Address(), b.Successor())
	assert.Equal(t, a.Address(), b.Predecessor())
}

func TestSeedTopologyRing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tc := newTestCluster(t)
	for i := 0; i < 5; i++ {
		tc.addPeer(t)
	}

	// 0 via 1, 1 via 0, 2 via 0, 3 via 1, 4 via 2
	ctx := context.Background()
	for i, peer := range tc.peers {
		seed := 0
		switch {
		case i == 0:
			seed = 1
		case i >= 2:
			seed = i - 2
		}
		require.NoError(t, peer.Join(ctx, tc.peers[seed].Address().Address()))
	}

	tc.start()
	tc.waitForConvergence(t)

	t.Run("every peer resolves every key the same way", func(t *testing.T) {
		keys := []uint64{0, 1, 1 << 32, 1 << 63, ^uint64(0)}
		for _, peer := range tc.peers {
			keys = append(keys, peer.Address().Key, peer.Address().Key+1)
		}

		for _, peer := range tc.peers {
			for _, key := range keys {
				succ, err := peer.FindSuccessor(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, owner(tc.peers, key), succ, "key %016x from %s", key, peer.Address())
			}
		}
	})

	t.Run("fingers settle on the owners of their starts", func(t *testing.T) {
		require.Eventually(t, func() bool {
			for _, peer := range tc.peers {
				fingers := peer.Fingers()
				for i := 0; i < hash.KeySize-1; i++ {
					start := hash.AddPowerOfTwo(peer.Address().Key, i)
					if !fingers[i].Equals(owner(tc.peers, start)) {
						return false
					}
				}
			}
			return true
		}, 15*time.Second, 50*time.Millisecond)
	})

	t.Run("no frame buffer is leaked", func(t *testing.T) {
		for _, peer := range tc.peers {
			require.NoError(t, peer.Shutdown())
		}
		require.Eventually(t, func() bool {
			return tc.pool.Outstanding() == 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestLateJoiner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tc := newTestCluster(t)
	first := tc.addPeer(t)
	for i := 0; i < 2; i++ {
		peer := tc.addPeer(t)
		require.NoError(t, peer.Join(context.Background(), first.Address().Address()))
	}
	tc.start()
	tc.waitForConvergence(t)

	late := tc.addPeer(t)
	require.NoError(t, late.Join(context.Background(), tc.peers[1].Address().Address()))
	late.Start()

	tc.waitForConvergence(t)
	assert.Len(t, tc.peers, 4)
}

func TestDeadPredecessorIsKept(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tc := newTestCluster(t)
	a := tc.addPeer(t)
	b := tc.addPeer(t)
	require.NoError(t, b.Join(context.Background(), a.Address().Address()))
	tc.start()
	tc.waitForConvergence(t)

	tc.stopPeer(t, 1)

	// several maintenance cycles with failing pings and stabilizes
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, b.Address(), a.Predecessor(), "a failed ping does not clear the predecessor")
	assert.Equal(t, b.Address(), a.Successor(), "there is no successor list to fall back on")

	_, err := a.FindSuccessor(context.Background(), b.Address().Key+1)
	if !hash.InHalfOpenRange(b.Address().Key+1, a.Address().Key, b.Address().Key) {
		assert.Error(t, err, "forwarding through the dead peer fails")
	}
}

func TestStatusAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tc := newTestCluster(t)
	a := tc.addPeer(t)
	b := tc.addPeer(t)
	c := tc.addPeer(t)

	s, err := api.NewServer([]api.RingPeer{a, b, c}, nil, tc.logger)
	require.NoError(t, err)
	s.Hub().Start()
	t.Cleanup(s.Hub().Stop)
	for _, peer := range tc.peers {
		peer.SetBroadcaster(s.Hub())
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	require.NoError(t, b.Join(context.Background(), a.Address().Address()))
	require.NoError(t, c.Join(context.Background(), a.Address().Address()))
	tc.start()
	tc.waitForConvergence(t)

	for _, peer := range tc.peers {
		for _, target := range tc.peers {
			url := fmt.Sprintf("%s/api/v1/peers/%d/lookup/%016x", ts.URL, peer.Address().Port, target.Address().Key)
			resp, err := http.Get(url)
			require.NoError(t, err)

			var result api.LookupResult
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
			resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, target.Address().Address(), result.Owner.Address)
		}
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/peers/%d", ts.URL, a.Address().Port))
	require.NoError(t, err)
	defer resp.Body.Close()

	var status api.PeerStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, a.Successor().Address(), status.Successor.Address)
	assert.Equal(t, a.Predecessor().Address(), status.Predecessor.Address)
	assert.Greater(t, status.MaintenanceRuns, uint64(0))
}
