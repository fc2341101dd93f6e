package spslink

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/srg/spslink/internal/atcmd"
	"github.com/srg/spslink/internal/edm"
)

// ConnectionEventType classifies a merged connection status event.
type ConnectionEventType int

const (
	// Connected reports a newly established SPS link.
	Connected ConnectionEventType = iota
	// Disconnected reports a closed SPS link.
	Disconnected
)

func (t ConnectionEventType) String() string {
	switch t {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionEvent is the merged connection status event: the union of the
// command/response side's half (connection handle) and the stream side's half
// (event type, channel, peer address, MTU).
type ConnectionEvent struct {
	ConnHandle  int
	PeerAddress string
	Type        ConnectionEventType
	Channel     int
	MTU         int
}

// ConnectionStatusCallback receives merged connection events. On Connected
// the channel already exists and its receive buffer is empty; on Disconnected
// the channel is removed only after the callback returns, so remaining data
// may still be drained. The callback may re-enter the facade.
type ConnectionStatusCallback func(ev ConnectionEvent)

// DataAvailableCallback signals that a channel's receive buffer went from
// empty to non-empty. It runs on the manager's worker goroutine and is
// expected to trigger a Receive.
type DataAvailableCallback func(channel int)

// DataCallback receives raw payload frames synchronously on the stream's
// delivery context, bypassing the receive buffer. Mutually exclusive with
// DataAvailableCallback.
type DataCallback func(channel int, data []byte)

// Mode is the operating mode of an instance's underlying link.
type Mode int

const (
	// ModeEDM multiplexes commands and data over the extended data mode
	// framing. The usual mode for SPS.
	ModeEDM Mode = iota
	// ModeCommand is the plain command mode.
	ModeCommand
	// ModeData is the transparent data mode; no commands can be issued.
	ModeData
)

// Instance binds one transport instance's collaborators: its command/response
// client and its stream multiplexer. All mutable state is guarded by the
// owning Manager's lock.
type Instance struct {
	handle int
	mode   Mode
	at     atcmd.Client
	stream edm.Stream

	connCb      ConnectionStatusCallback
	dataCb      DataCallback
	dataAvailCb DataAvailableCallback

	// pending is the single correlation slot: at most one connection
	// attempt is in flight per instance.
	pending *pendingConnection
}

// pendingConnection accumulates the two halves of one connection event.
// Created by whichever producer reports first, consumed atomically (under the
// manager lock) by whichever reports second.
type pendingConnection struct {
	haveCommand bool // command/response half arrived: connHandle
	haveStream  bool // stream half arrived: type, channel, address, MTU

	connHandle  int
	eventType   ConnectionEventType
	channel     int
	peerAddress string
	mtu         int

	cb ConnectionStatusCallback
}

// onCommandConnectionEvent is producer A: the command/response collaborator
// reported an ACL connect or disconnect, contributing the connection handle.
// Runs on the AT client's callback goroutine.
func (m *Manager) onCommandConnectionEvent(inst *Instance, connHandle int) {
	m.mu.Lock()

	if m.closed || inst.connCb == nil {
		m.mu.Unlock()
		return
	}

	p := inst.pending
	if p == nil {
		inst.pending = &pendingConnection{
			haveCommand: true,
			connHandle:  connHandle,
			cb:          inst.connCb,
		}
		m.mu.Unlock()
		return
	}

	if p.haveCommand {
		// A second command-side half while one is already pending means
		// the producers violated the one-attempt-per-instance contract.
		// Keep the oldest record and drop the newcomer.
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"instance":   inst.handle,
			"connHandle": connHandle,
		}).Warn("duplicate command-side connection half, keeping pending record")
		return
	}

	p.haveCommand = true
	p.connHandle = connHandle
	inst.pending = nil
	m.mu.Unlock()

	m.dispatchCompletion(inst, p)
}

// onStreamConnectionEvent is producer B: the stream collaborator reported a
// channel open or close, contributing type, channel, peer address and MTU.
// Runs on the stream's delivery goroutine.
func (m *Manager) onStreamConnectionEvent(inst *Instance, ev edm.ConnectionEvent) {
	m.mu.Lock()

	if m.closed || inst.connCb == nil {
		m.mu.Unlock()
		return
	}

	p := inst.pending
	fresh := p == nil
	if fresh {
		p = &pendingConnection{}
	} else if p.haveStream {
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"instance": inst.handle,
			"channel":  ev.Channel,
			"type":     ev.Type.String(),
		}).Warn("duplicate stream-side connection half, keeping pending record")
		return
	}

	p.haveStream = true
	p.eventType = eventTypeFromEdm(ev.Type)
	p.channel = ev.Channel
	p.peerAddress = ev.PeerAddress
	p.mtu = ev.MTU
	p.cb = inst.connCb

	if fresh {
		inst.pending = p
		m.mu.Unlock()
		return
	}

	inst.pending = nil
	m.mu.Unlock()

	m.dispatchCompletion(inst, p)
}

// dispatchCompletion hands the completed record to the AT client's callback
// queue, so the user callback never runs on a producer's delivery context and
// never under the registry lock.
func (m *Manager) dispatchCompletion(inst *Instance, p *pendingConnection) {
	ev := ConnectionEvent{
		ConnHandle:  p.connHandle,
		PeerAddress: p.peerAddress,
		Type:        p.eventType,
		Channel:     p.channel,
		MTU:         p.mtu,
	}
	cb := p.cb

	if err := inst.at.Dispatch(func() { m.completeConnection(inst, cb, ev) }); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"instance": inst.handle,
			"channel":  ev.Channel,
			"type":     ev.Type.String(),
		}).Error("dropping merged connection event, dispatch failed")
	}
}

// completeConnection delivers the merged event and moves the channel
// lifecycle in lockstep: the channel is created before the CONNECTED callback
// so the callback may assume the receive buffer exists, and deleted after the
// DISCONNECTED callback returns so it may still drain remaining data.
func (m *Manager) completeConnection(inst *Instance, cb ConnectionStatusCallback, ev ConnectionEvent) {
	if ev.Type == Connected {
		m.mu.Lock()
		if !m.closed {
			m.registry.create(inst.handle, ev.Channel)
		}
		m.mu.Unlock()
	}

	cb(ev)

	if ev.Type == Disconnected {
		m.mu.Lock()
		if !m.closed {
			m.registry.delete(inst.handle, ev.Channel)
		}
		m.mu.Unlock()
	}
}

func eventTypeFromEdm(t edm.EventType) ConnectionEventType {
	if t == edm.EventConnected {
		return Connected
	}
	return Disconnected
}

// parseConnHandleURC extracts the ACL connection handle from a +UUBTACLC: or
// +UUBTACLD: argument list; the handle is always the first field.
func parseConnHandleURC(args []string) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}
	connHandle, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, false
	}
	return connHandle, true
}
