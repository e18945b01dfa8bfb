package chord

import (
	"context"
	"sync"
	"time"

	"github.com/zde37/chordring/internal/config"
	"github.com/zde37/chordring/pkg/hash"
)

// maintenanceLoop runs the maintenance cycle on every tick until shutdown.
func (n *ChordPeer) maintenanceLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Debug().Msg("Maintenance loop stopped")
			return
		case <-ticker.C:
			n.RunMaintenance()
		}
	}
}

// RunMaintenance starts one maintenance cycle and reports whether it did.
// While the stabilize and fix-fingers tasks of the previous cycle are still
// running the tick is skipped, not queued. Check-predecessor is launched next
// to them but is not waited for before the next cycle may start.
func (n *ChordPeer) RunMaintenance() bool {
	n.maintenanceMu.Lock()
	if n.shutdown {
		n.maintenanceMu.Unlock()
		return false
	}
	if n.maintenanceInProgress {
		n.maintenanceMu.Unlock()
		n.maintenanceSkips.Add(1)
		n.logger.Debug().Msg("Previous maintenance cycle still running, skipping tick")
		return false
	}
	n.maintenanceInProgress = true
	n.wg.Add(4)
	n.maintenanceMu.Unlock()

	n.maintenanceRuns.Add(1)

	var core sync.WaitGroup
	core.Add(2)
	go func() {
		defer n.wg.Done()
		defer core.Done()
		n.stabilize()
	}()
	go func() {
		defer n.wg.Done()
		defer core.Done()
		n.fixFingers()
	}()
	go func() {
		defer n.wg.Done()
		core.Wait()

		n.maintenanceMu.Lock()
		n.maintenanceInProgress = false
		n.maintenanceMu.Unlock()
	}()
	go func() {
		defer n.wg.Done()
		n.checkPredecessor()
	}()

	return true
}

// stabilize asks the successor for its predecessor, adopts it when it sits
// between this peer and the successor, then notifies the dialed successor
// over the same connection.
func (n *ChordPeer) stabilize() {
	succ := n.table.Successor()

	ctx, cancel := context.WithTimeout(n.ctx, n.config.RPCTimeout)
	defer cancel()

	conn, err := n.dialer.Dial(ctx, succ.Address(), GetPredecessor{RequesterKey: n.address.Key})
	if err != nil {
		n.logger.Debug().
			Err(err).
			Str("successor", succ.Address()).
			Msg("Stabilize: failed to dial successor")
		return
	}
	defer conn.Close()

	reply, err := conn.Receive(ctx)
	if err != nil {
		n.logger.Debug().
			Err(err).
			Str("successor", succ.Address()).
			Msg("Stabilize: failed to get predecessor from successor")
		return
	}
	predReply, ok := reply.(GetPredecessorReply)
	if !ok {
		n.logger.Debug().
			Str("successor", succ.Address()).
			Stringer("reply", reply.Kind()).
			Msg("Stabilize: unexpected reply")
		return
	}

	x := predReply.Predecessor
	if n.table.OfferSuccessor(x) {
		n.publish(EventSuccessorChanged, "stabilize", succ, x)
	}

	if err := conn.Send(ctx, Notify{Peer: n.address}); err != nil {
		n.logger.Debug().
			Err(err).
			Str("successor", succ.Address()).
			Msg("Stabilize: failed to notify successor")
		return
	}

	n.logger.Trace().
		Str("successor", n.table.Successor().ShortKey()).
		Msg("Stabilize completed")
}

// fixFingers refreshes the finger at the cursor and advances the cursor,
// whether or not the lookup succeeded.
func (n *ChordPeer) fixFingers() {
	n.nextFingerMu.Lock()
	next := n.fingerToVerify
	n.nextFingerMu.Unlock()

	defer func() {
		n.nextFingerMu.Lock()
		n.fingerToVerify = (next + 1) % hash.KeySize
		n.nextFingerMu.Unlock()
	}()

	target := hash.AddPowerOfTwo(n.address.Key, next)

	finger, err := n.FindSuccessor(n.ctx, target)
	if err != nil {
		n.logger.Debug().
			Err(err).
			Int("finger_index", next).
			Msg("Failed to fix finger")
		return
	}

	switch n.config.FingerReplyMode {
	case config.FingerReplySuccessor:
		if _, err := n.HandleMessage(n.ctx, FindSuccessorReply{Successor: finger}); err != nil {
			n.logger.Debug().Err(err).Int("finger_index", next).Msg("Failed to apply finger reply")
		}
	case config.FingerReplyDiscard:
		n.logger.Trace().
			Int("finger_index", next).
			Str("finger", finger.Address()).
			Msg("Finger resolved")
	default:
		switch next {
		case predecessorSlot:
			// owned by notify
		case successorSlot:
			n.setSuccessor(finger, "fix_fingers")
		default:
			n.table.SetFinger(next, finger)
		}
	}
}

// checkPredecessor pings the predecessor. A failure is only logged; the
// predecessor is kept until a closer peer notifies.
func (n *ChordPeer) checkPredecessor() {
	pred := n.table.Predecessor()
	if pred.Equals(n.address) {
		return
	}

	if _, err := n.call(n.ctx, pred, Ping{}); err != nil {
		n.logger.Debug().
			Err(err).
			Str("predecessor", pred.Address()).
			Msg("Predecessor did not answer ping")
	}
}
