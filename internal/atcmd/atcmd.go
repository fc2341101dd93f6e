// Package atcmd is the command/response collaborator boundary of the SPS
// core.
//
// The core consumes the Client interface: it registers handlers for the
// unsolicited result codes announcing Bluetooth ACL connection changes,
// issues the SPS connect/disconnect commands, and borrows the client's
// callback queue to deliver merged connection events off the producer
// contexts.
//
// LineClient is the concrete implementation speaking the AT-style line
// protocol over any io.ReadWriter (UART, PTY, in-process pipe).
package atcmd

import (
	"errors"
	"fmt"
)

// URC prefixes announcing ACL connection changes on u-blox short range
// modules.
const (
	URCACLConnected    = "+UUBTACLC:"
	URCACLDisconnected = "+UUBTACLD:"
)

// URCHandler handles one unsolicited result code line. args holds the
// comma-separated values following the prefix, unquoted and trimmed.
// Handlers run on the client's callback queue and must not block it.
type URCHandler func(args []string)

// Client is the command/response collaborator as seen by the SPS core.
type Client interface {
	// AddURCHandler registers a handler for lines starting with prefix
	// (including the trailing colon, e.g. "+UUBTACLC:"). Registering a
	// prefix twice is an error.
	AddURCHandler(prefix string, h URCHandler) error

	// RemoveURCHandler unregisters a prefix. Unknown prefixes are ignored.
	RemoveURCHandler(prefix string)

	// Dispatch queues fn for execution on the client's callback queue, the
	// same execution context URC handlers run on. It never blocks; a full
	// queue is reported as an error.
	Dispatch(fn func()) error

	// ConnectSps issues the SPS connect command for the given peer address
	// and returns the connection handle parsed from the response.
	ConnectSps(addr string) (int, error)

	// Disconnect issues the disconnect command for a connection handle.
	Disconnect(connHandle int) error
}

// Command and queue errors.
var (
	ErrClosed        = errors.New("at client closed")
	ErrTimeout       = errors.New("command timeout")
	ErrCommandFailed = errors.New("command failed")
	ErrQueueFull     = errors.New("callback queue full")
)

// DuplicateHandlerError reports an attempt to register a URC prefix twice.
type DuplicateHandlerError struct {
	Prefix string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("urc handler already registered for %q", e.Prefix)
}
