// Package edm is the stream-multiplexer collaborator boundary of the SPS
// core: the side of the extended data mode (EDM) framing that delivers
// out-of-band connection events and per-channel payload frames, and accepts
// blocking channel writes.
//
// The byte-level EDM framing itself is not part of this module; Stream is the
// contract the core programs against, and Loopback is an in-process
// implementation used by tests and the demo CLI.
package edm

import (
	"errors"
	"time"
)

// EventType classifies a connection event.
type EventType int

const (
	// EventConnected reports a new SPS channel. On the wire, type 0.
	EventConnected EventType = iota
	// EventDisconnected reports a closed SPS channel.
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionEvent is the stream side's half of an SPS connection change. It
// carries everything except the ACL connection handle, which only the
// command/response side knows.
type ConnectionEvent struct {
	Type        EventType
	Channel     int
	PeerAddress string
	MTU         int
}

// ConnectionCallback receives connection events on the stream's delivery
// goroutine. It must not block that goroutine.
type ConnectionCallback func(ev ConnectionEvent)

// DataCallback receives one payload frame for a channel on the stream's
// delivery goroutine. The slice is owned by the callee.
type DataCallback func(channel int, data []byte)

// Stream is the stream-multiplexer as seen by the SPS core.
type Stream interface {
	// SetConnectionCallback registers or clears (nil) the connection event
	// callback.
	SetConnectionCallback(cb ConnectionCallback) error

	// SetDataCallback registers or clears (nil) the payload callback.
	SetDataCallback(cb DataCallback) error

	// Write sends p on the given channel, blocking the caller up to
	// timeout. It returns the number of bytes accepted.
	Write(channel int, p []byte, timeout time.Duration) (int, error)
}

// Stream errors.
var (
	ErrClosed       = errors.New("stream closed")
	ErrWriteTimeout = errors.New("write timeout")
)
