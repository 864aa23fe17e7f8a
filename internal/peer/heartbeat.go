package peer

import (
	"strconv"
	"time"

	"github.com/temaune502/wiresync/internal/eventbus"
	"github.com/temaune502/wiresync/internal/lineproto"
)

// heartbeatLoop implements the heartbeat supervisor of spec.md §4.6: fires
// roughly once a second, reads ConnectionState, and is the sole writer of
// the last-heartbeat-sent timestamp and the connection-lost transition.
func (c *Controller) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(heartbeatTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.heartbeatTick()
		}
	}
}

func (c *Controller) heartbeatTick() {
	if c.state.FBTActive() || !c.link.IsOpen() {
		return
	}
	now := nowMillis()

	if c.state.ConnectionAlive() && c.state.LastHeartbeatReceived() > 0 && !c.state.Syncing() {
		if now-c.state.LastHeartbeatReceived() > HeartbeatTimeout.Milliseconds() {
			c.state.setConnectionAlive(false)
			if c.metrics != nil {
				c.metrics.HeartbeatMisses.Inc()
			}
			c.bus.Publish(eventbus.Event{Kind: eventbus.KindConnection, Connected: false})
		}
	}

	if !c.state.Syncing() && now-c.state.LastHeartbeatSent() >= HeartbeatInterval.Milliseconds() {
		if err := lineproto.Send(c.link, lineproto.CmdHeartbeat); err != nil {
			c.state.setConnectionAlive(false)
			c.bus.Errorf(err, "peer: heartbeat send failed")
			return
		}
		c.state.setLastHeartbeatSent(now)
	}
}

// NegotiateRole sends the initial ROLE_NEGOTIATE on the first
// connection_alive transition (spec.md §4.6). Each call made before
// negotiation completes sends ROLE_NEGOTIATE; calls made after it has
// completed do nothing.
func (c *Controller) NegotiateRole() error {
	if c.state.RoleNegotiated() {
		return nil
	}
	return lineproto.Send(c.link, lineproto.CmdRoleNegotiate, strconv.FormatInt(c.state.LocalPriority(), 10))
}

// MarkConnectedForTesting forces connection_alive to true and triggers
// initial role negotiation without waiting for a real HEARTBEAT/
// HEARTBEAT_ACK round-trip. connection_alive is meant to mean "a heartbeat
// has actually been answered within HeartbeatTimeout" (spec.md §3); in
// production that transition only ever happens through
// recoverFromLossIfNeeded, driven by a genuine reply. This exists so tests
// that don't want to wait out a real heartbeat tick can still exercise
// role negotiation and sync; production code (cmd/wiresync) must not call
// it.
func (c *Controller) MarkConnectedForTesting() error {
	first := !c.state.ConnectionAlive()
	c.state.setConnectionAlive(true)
	c.state.setLastHeartbeatReceived(nowMillis())
	if first {
		c.bus.Publish(eventbus.Event{Kind: eventbus.KindConnection, Connected: true})
		return c.NegotiateRole()
	}
	return nil
}
