package chord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

// ChordPeer is one peer of the Chord ring: its finger table, the lookup
// algorithm, the inbound message handler and the periodic maintenance cycle.
type ChordPeer struct {
	address PeerAddress
	config  *config.Config
	logger  *pkg.Logger
	dialer  Dialer

	table *RingTable

	broadcaster   RingUpdateBroadcaster
	broadcasterMu sync.RWMutex

	// single-flight guard for the maintenance cycle
	maintenanceMu         sync.Mutex
	maintenanceInProgress bool

	// next finger for fix-fingers to refresh, in [0, 64)
	fingerToVerify int
	nextFingerMu   sync.Mutex

	maintenanceRuns  atomic.Uint64
	maintenanceSkips atomic.Uint64

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	// guarded by maintenanceMu so no cycle starts after Shutdown
	shutdown bool
}

// NewChordPeer creates a peer for cfg.Host:cfg.Port. Every finger starts at the peer itself.
func NewChordPeer(cfg *config.Config, dialer Dialer, logger *pkg.Logger) (*ChordPeer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if dialer == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	address := NewPeerAddress(cfg.Host, cfg.Port)
	ctx, cancel := context.WithCancel(context.Background())

	peer := &ChordPeer{
		address: address,
		config:  cfg,
		logger: logger.WithFields(pkg.Fields{
			"component": "chord",
			"peer":      address.Address(),
			"key":       address.ShortKey(),
		}),
		dialer: dialer,
		table:  NewRingTable(address),
		ctx:    ctx,
		cancel: cancel,
	}

	peer.logger.Info().
		Str("key", fmt.Sprintf("%016x", address.Key)).
		Msg("ChordPeer created")

	return peer, nil
}

// Address returns the peer's own address.
func (n *ChordPeer) Address() PeerAddress {
	return n.address
}

// Successor returns the current successor (the peer itself if unknown).
func (n *ChordPeer) Successor() PeerAddress {
	return n.table.Successor()
}

// Predecessor returns the current predecessor (the peer itself if unknown).
func (n *ChordPeer) Predecessor() PeerAddress {
	return n.table.Predecessor()
}

// Fingers returns a copy of the finger table.
func (n *ChordPeer) Fingers() [hash.KeySize]PeerAddress {
	return n.table.Fingers()
}

// SetBroadcaster installs the sink for ring update events.
func (n *ChordPeer) SetBroadcaster(b RingUpdateBroadcaster) {
	n.broadcasterMu.Lock()
	defer n.broadcasterMu.Unlock()
	n.broadcaster = b
}

func (n *ChordPeer) publish(eventType, cause string, previous, current PeerAddress) {
	n.broadcasterMu.RLock()
	b := n.broadcaster
	n.broadcasterMu.RUnlock()

	n.logger.Debug().
		Str("event", eventType).
		Str("cause", cause).
		Str("previous", previous.Address()).
		Str("current", current.Address()).
		Msg("Ring view changed")

	if b == nil {
		return
	}
	err := b.BroadcastRingUpdate(RingUpdateEvent{
		Type:      eventType,
		Peer:      n.address,
		Previous:  previous,
		Current:   current,
		Cause:     cause,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		n.logger.Warn().Err(err).Msg("Failed to broadcast ring update")
	}
}

// setSuccessor overwrites slot 0 and publishes the change.
func (n *ChordPeer) setSuccessor(p PeerAddress, cause string) {
	previous := n.table.Successor()
	if n.table.SetSuccessor(p) {
		n.publish(EventSuccessorChanged, cause, previous, p)
	}
}

// notify adopts p as predecessor when it is closer than the current one.
func (n *ChordPeer) notify(p PeerAddress) {
	previous := n.table.Predecessor()
	if n.table.OfferPredecessor(p) {
		n.publish(EventPredecessorChanged, "notify", previous, p)
	}
}

// FindSuccessor resolves the peer responsible for target.
// If target falls in (self, successor] the successor answers; otherwise the
// query is forwarded to the closest preceding finger, one hop at a time across
// the network. With no better finger known the peer answers with itself.
// A forwarding failure is returned to the caller; there is no retry.
func (n *ChordPeer) FindSuccessor(ctx context.Context, target uint64) (PeerAddress, error) {
	succ := n.table.Successor()
	if hash.InHalfOpenRange(target, n.address.Key, succ.Key) {
		return succ, nil
	}

	closest := n.table.ClosestPrecedingFinger(target)
	if closest.Equals(n.address) {
		return n.address, nil
	}

	reply, err := n.call(ctx, closest, FindSuccessor{Key: target})
	if err != nil {
		return PeerAddress{}, fmt.Errorf("forward find_successor(%016x) to %s: %w", target, closest.Address(), err)
	}
	return reply.(FindSuccessorReply).Successor, nil
}

// call performs one request/reply exchange on a fresh connection:
// dial with req as the initial message, receive one reply, close.
func (n *ChordPeer) call(ctx context.Context, to PeerAddress, req Message) (Message, error) {
	want, ok := ReplyKind(req.Kind())
	if !ok {
		return nil, fmt.Errorf("%s expects no reply", req.Kind())
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.RPCTimeout)
	defer cancel()

	conn, err := n.dialer.Dial(ctx, to.Address(), req)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", to.Address(), err)
	}
	defer conn.Close()

	reply, err := conn.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive %s reply: %w", want, err)
	}
	if reply.Kind() != want {
		return nil, fmt.Errorf("%w: sent %s, got %s", pkg.ErrUnexpectedReply, req.Kind(), reply.Kind())
	}
	return reply, nil
}

// Join locates this peer's successor through seed ("host:port").
// Predecessor discovery and fingers are left to the maintenance cycle.
func (n *ChordPeer) Join(ctx context.Context, seed string) error {
	seedAddr, err := ParsePeerAddress(seed)
	if err != nil {
		return err
	}

	n.logger.Info().
		Str("seed", seedAddr.Address()).
		Msg("Joining Chord ring")

	reply, err := n.call(ctx, seedAddr, FindSuccessor{Key: n.address.Key})
	if err != nil {
		return fmt.Errorf("failed to find successor via seed %s: %w", seedAddr.Address(), err)
	}

	if _, err := n.HandleMessage(ctx, reply); err != nil {
		return fmt.Errorf("failed to adopt successor: %w", err)
	}

	succ := n.table.Successor()
	n.publish(EventJoined, "join", seedAddr, succ)

	n.logger.Info().
		Str("successor", succ.Address()).
		Msg("Joined Chord ring")
	return nil
}

// RingSnapshot is a point-in-time view of a peer's routing state.
type RingSnapshot struct {
	Self             PeerAddress               `json:"self"`
	Successor        PeerAddress               `json:"successor"`
	Predecessor      PeerAddress               `json:"predecessor"`
	Fingers          [hash.KeySize]PeerAddress `json:"fingers"`
	FingerToVerify   int                       `json:"finger_to_verify"`
	MaintenanceRuns  uint64                    `json:"maintenance_runs"`
	MaintenanceSkips uint64                    `json:"maintenance_skips"`
}

// Snapshot returns the peer's current routing state.
func (n *ChordPeer) Snapshot() RingSnapshot {
	fingers := n.table.Fingers()

	n.nextFingerMu.Lock()
	next := n.fingerToVerify
	n.nextFingerMu.Unlock()

	return RingSnapshot{
		Self:             n.address,
		Successor:        fingers[successorSlot],
		Predecessor:      fingers[predecessorSlot],
		Fingers:          fingers,
		FingerToVerify:   next,
		MaintenanceRuns:  n.maintenanceRuns.Load(),
		MaintenanceSkips: n.maintenanceSkips.Load(),
	}
}

// Start launches the periodic maintenance cycle. Calling it again is a no-op.
func (n *ChordPeer) Start() {
	n.maintenanceMu.Lock()
	defer n.maintenanceMu.Unlock()

	if n.started || n.shutdown {
		return
	}
	n.started = true

	n.wg.Add(1)
	go n.maintenanceLoop()

	n.logger.Debug().
		Dur("interval", n.config.MaintenanceInterval).
		Msg("Maintenance started")
}

// Shutdown stops the maintenance timer and waits for in-flight tasks.
func (n *ChordPeer) Shutdown() error {
	n.maintenanceMu.Lock()
	if n.shutdown {
		n.maintenanceMu.Unlock()
		return nil // Already shutdown
	}
	n.shutdown = true
	n.maintenanceMu.Unlock()

	n.logger.Info().Msg("Shutting down ChordPeer")

	n.cancel()
	n.wg.Wait()

	n.logger.Info().Msg("ChordPeer shutdown complete")
	return nil
}

// IsShutdown returns whether the peer has been shut down.
func (n *ChordPeer) IsShutdown() bool {
	n.maintenanceMu.Lock()
	defer n.maintenanceMu.Unlock()
	return n.shutdown
}
