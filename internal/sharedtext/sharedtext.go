// Package sharedtext implements the Shared-Text Channel: a single pending
// slot of outbound text, flushed when it is queued and again whenever the
// owner calls FlushIfIdle (the peer does so when a sync round ends), each
// time only if the connection is idle enough to carry it (spec.md §4.7).
package sharedtext

import (
	"encoding/base64"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/temaune502/wiresync/internal/eventbus"
)

// Sender delivers an already-encoded SHARED_TEXT payload to the peer.
type Sender func(base64Text string) error

// StateQuery reports one piece of the gating state a flush depends on.
// Channel never mutates Peer Controller state directly — it only reads it
// through these suppliers (spec.md §4 "Ownership").
type StateQuery func() bool

// Channel holds the single pending outbound text value described by
// spec.md §4.7 and coordinates flushing it once the link is idle.
type Channel struct {
	pending atomic.Pointer[string]

	send Sender
	bus  *eventbus.Bus

	running         StateQuery
	connectionAlive StateQuery
	syncing         StateQuery
	fbtActive       StateQuery
}

// New builds a Channel. Every StateQuery must be non-nil.
func New(send Sender, bus *eventbus.Bus, running, connectionAlive, syncing, fbtActive StateQuery) *Channel {
	return &Channel{
		send:            send,
		bus:             bus,
		running:         running,
		connectionAlive: connectionAlive,
		syncing:         syncing,
		fbtActive:       fbtActive,
	}
}

// QueueSharedText stores text as the pending value, overwriting whatever
// was queued before, then attempts an immediate flush.
func (c *Channel) QueueSharedText(text string) {
	c.pending.Store(&text)
	c.FlushIfIdle()
}

// FlushIfIdle sends the pending text if the link is idle enough to carry it
// — running, connected, not syncing, and not mid-FBT-transfer — and clears
// the slot only if it still holds the value that was just sent (a newer
// QueueSharedText call racing in must not be lost).
func (c *Channel) FlushIfIdle() {
	if !c.running() || !c.connectionAlive() || c.syncing() || c.fbtActive() {
		return
	}
	p := c.pending.Load()
	if p == nil {
		return
	}
	text := *p
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	if err := c.send(encoded); err != nil {
		if c.bus != nil {
			c.bus.Errorf(err, "sharedtext: send failed")
		}
		return
	}
	c.pending.CompareAndSwap(p, nil)
}

// OnReceived decodes an inbound SHARED_TEXT payload and publishes a
// shared-text event. base64Text that fails to decode is reported as an
// error event rather than propagated, matching the Line Protocol's
// "malformed input never panics" contract.
func (c *Channel) OnReceived(base64Text string) {
	raw, err := base64.StdEncoding.DecodeString(base64Text)
	if err != nil {
		if c.bus != nil {
			c.bus.Errorf(errors.Wrap(err, "sharedtext: decode"), "malformed SHARED_TEXT payload")
		}
		return
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Kind: eventbus.KindSharedText, Text: string(raw)})
	}
}
