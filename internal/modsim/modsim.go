// Package modsim simulates the module side of the SPS stack: an AT command
// endpoint answering the SPS connect/disconnect commands with the URC and
// stream events a real short range module would emit, wired to an in-process
// EDM loopback pair.
//
// It exists for the demo CLI and the end-to-end tests; nothing in the core
// depends on it.
package modsim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/spslink/internal/edm"
	"github.com/srg/spslink/internal/groutine"
)

// DefaultMTU is the MTU the simulated module negotiates for every channel.
const DefaultMTU = 128

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type connection struct {
	channel int
	addr    string
}

// Module is one simulated short range module.
type Module struct {
	logger *logrus.Logger

	hostRW io.ReadWriteCloser // handed to the AT client
	simIn  *io.PipeReader     // commands arriving from the host
	simOut *io.PipeWriter     // responses and URCs towards the host

	near *edm.Loopback // host/core side of the stream pair
	far  *edm.Loopback // remote peer side

	mu          sync.Mutex
	nextHandle  int
	nextChannel int
	conns       map[int]connection
	closed      bool

	wg sync.WaitGroup
}

// duplex glues two pipe halves into one io.ReadWriteCloser.
type duplex struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (d *duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplex) Close() error {
	_ = d.w.Close()
	return d.r.Close()
}

// New starts a simulated module. A nil logger is silent.
func New(logger *logrus.Logger) *Module {
	if logger == nil {
		logger = noopLogger
	}

	hostReader, simOut := io.Pipe()
	simIn, hostWriter := io.Pipe()
	near, far := edm.Pair(logger)

	m := &Module{
		logger:      logger,
		hostRW:      &duplex{r: hostReader, w: hostWriter},
		simIn:       simIn,
		simOut:      simOut,
		near:        near,
		far:         far,
		nextHandle:  1,
		nextChannel: 1,
		conns:       make(map[int]connection),
	}

	m.wg.Add(1)
	groutine.Go(nil, "modsim-command-loop", func(context.Context) {
		m.commandLoop()
	})
	return m
}

// HostTransport returns the AT command endpoint for the core side. Closing it
// (e.g. via the AT client's Close) shuts the simulator's command loop down.
func (m *Module) HostTransport() io.ReadWriteCloser {
	return m.hostRW
}

// HostStream returns the core-side end of the EDM loopback.
func (m *Module) HostStream() *edm.Loopback {
	return m.near
}

// PeerStream returns the remote-peer end of the EDM loopback: what the
// far-side device would see.
func (m *Module) PeerStream() *edm.Loopback {
	return m.far
}

// Close stops the simulator and both loopback ends.
func (m *Module) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	_ = m.simIn.Close()
	_ = m.simOut.Close()
	_ = m.hostRW.Close()
	m.wg.Wait()
	_ = m.near.Close()
	return m.far.Close()
}

func (m *Module) commandLoop() {
	defer m.wg.Done()

	scanner := bufio.NewScanner(m.simIn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m.handleCommand(line)
	}
}

func (m *Module) handleCommand(line string) {
	m.logger.WithField("cmd", line).Debug("modsim command")

	switch {
	case strings.HasPrefix(line, `AT+UDCP="sps://`):
		addr := strings.TrimSuffix(strings.TrimPrefix(line, `AT+UDCP="sps://`), `"`)
		m.connect(addr)
	case strings.HasPrefix(line, "AT+UDCPC="):
		handleStr := strings.TrimPrefix(line, "AT+UDCPC=")
		connHandle, err := strconv.Atoi(handleStr)
		if err != nil {
			m.send("ERROR")
			return
		}
		m.disconnect(connHandle)
	default:
		m.send("ERROR")
	}
}

// connect emits the full event sequence of a successful SPS connection: the
// ACL URC (command/response half), the command response, and the stream
// connection events on both loopback ends.
func (m *Module) connect(addr string) {
	m.mu.Lock()
	connHandle := m.nextHandle
	m.nextHandle++
	channel := m.nextChannel
	m.nextChannel++
	m.conns[connHandle] = connection{channel: channel, addr: addr}
	m.mu.Unlock()

	m.send(fmt.Sprintf("+UUBTACLC:%d,0,%s", connHandle, addr))
	m.send(fmt.Sprintf("+UDCP:%d", connHandle))
	m.send("OK")

	ev := edm.ConnectionEvent{
		Type:        edm.EventConnected,
		Channel:     channel,
		PeerAddress: addr,
		MTU:         DefaultMTU,
	}
	m.near.EmitConnectionEvent(ev)
	m.far.EmitConnectionEvent(ev)
}

func (m *Module) disconnect(connHandle int) {
	m.mu.Lock()
	conn, ok := m.conns[connHandle]
	if ok {
		delete(m.conns, connHandle)
	}
	m.mu.Unlock()

	if !ok {
		m.send("ERROR")
		return
	}

	m.send("OK")
	m.send(fmt.Sprintf("+UUBTACLD:%d", connHandle))

	ev := edm.ConnectionEvent{
		Type:        edm.EventDisconnected,
		Channel:     conn.channel,
		PeerAddress: conn.addr,
		MTU:         DefaultMTU,
	}
	m.near.EmitConnectionEvent(ev)
	m.far.EmitConnectionEvent(ev)
}

func (m *Module) send(line string) {
	if _, err := m.simOut.Write([]byte(line + "\r\n")); err != nil {
		m.logger.WithError(err).Debug("modsim write failed")
	}
}
