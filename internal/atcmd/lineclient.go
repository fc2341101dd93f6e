package atcmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/spslink/internal/eventq"
	"github.com/srg/spslink/internal/groutine"
)

// Options configures a LineClient. Zero values take the struct defaults.
type Options struct {
	// CommandTimeout bounds the wait for a command's final result line.
	CommandTimeout time.Duration `default:"5s"`
	// QueueCapacity sizes the callback queue shared by URC handlers and
	// Dispatch.
	QueueCapacity int `default:"64"`
	// Logger receives protocol traces; nil means silent.
	Logger *logrus.Logger
}

// noopLogger discards all output; shared so a nil Options.Logger costs one
// allocation ever.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// LineClient implements Client over a line-oriented AT transport.
//
// A single reader goroutine owns the transport's read side: final result
// lines (OK/ERROR) and the expected response prefix are routed to the command
// in flight, everything else starting with '+' is matched against the
// registered URC handlers. Handlers and Dispatch callbacks execute on one
// dedicated callback goroutine, in arrival order.
type LineClient struct {
	rw     io.ReadWriter
	logger *logrus.Logger
	opts   Options

	cmdMu sync.Mutex // serializes command/response exchanges

	mu         sync.Mutex // guards handlers, in-flight routing state, closed
	handlers   map[string]URCHandler
	inFlight   bool
	respPrefix string
	closed     bool

	respCh chan string
	queue  *eventq.Queue[func()]
	wg     sync.WaitGroup
}

// NewLineClient starts a client over rw. If opts is nil, defaults apply.
// Closing the client closes rw when it implements io.Closer.
func NewLineClient(rw io.ReadWriter, opts *Options) *LineClient {
	if opts == nil {
		opts = &Options{}
	}
	defaults.SetDefaults(opts)

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}

	c := &LineClient{
		rw:       rw,
		logger:   logger,
		opts:     *opts,
		handlers: make(map[string]URCHandler),
		respCh:   make(chan string, 8),
		queue:    eventq.New[func()](opts.QueueCapacity),
	}

	c.wg.Add(2)
	groutine.Go(nil, "atcmd-read-loop", func(context.Context) {
		c.readLoop()
	})
	groutine.Go(nil, "atcmd-callback-loop", func(context.Context) {
		c.callbackLoop()
	})
	return c
}

// AddURCHandler implements Client.
func (c *LineClient) AddURCHandler(prefix string, h URCHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.handlers[prefix]; ok {
		return &DuplicateHandlerError{Prefix: prefix}
	}
	c.handlers[prefix] = h
	return nil
}

// RemoveURCHandler implements Client.
func (c *LineClient) RemoveURCHandler(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, prefix)
}

// Dispatch implements Client.
func (c *LineClient) Dispatch(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.queue.TrySend(fn) {
		return ErrQueueFull
	}
	return nil
}

// ConnectSps implements Client. It sends AT+UDCP="sps://<addr>" and parses
// the connection handle out of the +UDCP: response.
func (c *LineClient) ConnectSps(addr string) (int, error) {
	args, err := c.exec(fmt.Sprintf("AT+UDCP=%q", "sps://"+addr), "+UDCP:")
	if err != nil {
		return 0, err
	}
	if len(args) == 0 {
		return 0, fmt.Errorf("%w: missing connection handle in +UDCP response", ErrCommandFailed)
	}
	connHandle, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%w: bad connection handle %q", ErrCommandFailed, args[0])
	}
	return connHandle, nil
}

// Disconnect implements Client.
func (c *LineClient) Disconnect(connHandle int) error {
	_, err := c.exec("AT+UDCPC="+strconv.Itoa(connHandle), "")
	return err
}

// Close stops the reader and callback goroutines. It closes the transport
// when it implements io.Closer, which is what unblocks the reader.
func (c *LineClient) Close() error {
	c.shutdown()
	if closer, ok := c.rw.(io.Closer); ok {
		_ = closer.Close()
	}
	c.wg.Wait()
	return nil
}

// shutdown marks the client closed and releases the callback loop. Safe to
// call more than once.
func (c *LineClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue.Close()
}

// exec runs one command/response exchange. respPrefix names the information
// response to collect before the final OK; empty means only OK/ERROR is
// expected.
func (c *LineClient) exec(cmd, respPrefix string) ([]string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.inFlight = true
	c.respPrefix = respPrefix
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.respPrefix = ""
		c.mu.Unlock()
	}()

	c.logger.WithField("cmd", cmd).Debug("AT command")
	if _, err := io.WriteString(c.rw, cmd+"\r\n"); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	var args []string
	timer := time.NewTimer(c.opts.CommandTimeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-c.respCh:
			if !ok {
				return nil, ErrClosed
			}
			switch {
			case line == "OK":
				return args, nil
			case line == "ERROR":
				return nil, fmt.Errorf("%w: %s", ErrCommandFailed, cmd)
			case respPrefix != "" && strings.HasPrefix(line, respPrefix):
				args = splitArgs(line[len(respPrefix):])
			default:
				c.logger.WithField("line", line).Debug("ignoring unexpected response line")
			}
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrTimeout, cmd)
		}
	}
}

func (c *LineClient) readLoop() {
	defer c.wg.Done()

	scanner := bufio.NewScanner(c.rw)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.route(line)
	}
	if err := scanner.Err(); err != nil {
		c.logger.WithError(err).Debug("AT read loop terminated")
	}

	// The transport is gone; release the callback loop. A command in
	// flight fails via its own timeout.
	c.shutdown()
}

// route classifies one inbound line as a command response or a URC.
func (c *LineClient) route(line string) {
	c.mu.Lock()

	// The queue is closed once shutdown ran; lines the reader had already
	// scanned are dropped here instead of reaching TrySend.
	if c.closed {
		c.mu.Unlock()
		c.logger.WithField("line", line).Debug("line after shutdown, dropped")
		return
	}

	isResponse := c.inFlight &&
		(line == "OK" || line == "ERROR" ||
			(c.respPrefix != "" && strings.HasPrefix(line, c.respPrefix)))
	if isResponse {
		c.mu.Unlock()
		select {
		case c.respCh <- line:
		default:
			c.logger.WithField("line", line).Warn("response line dropped, command reader stalled")
		}
		return
	}

	if strings.HasPrefix(line, "+") {
		for prefix, h := range c.handlers {
			if strings.HasPrefix(line, prefix) {
				args := splitArgs(line[len(prefix):])
				handler := h
				queued := c.queue.TrySend(func() { handler(args) })
				c.mu.Unlock()
				if !queued {
					c.logger.WithField("urc", prefix).Warn("callback queue full, URC dropped")
				}
				return
			}
		}
	}

	c.mu.Unlock()
	c.logger.WithField("line", line).Debug("unhandled line")
}

func (c *LineClient) callbackLoop() {
	defer c.wg.Done()

	for {
		fn, ok := c.queue.Receive()
		if !ok {
			return
		}
		c.invoke(fn)
	}
}

// invoke shields the callback loop from panicking handlers.
func (c *LineClient) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("AT callback panicked (recovered): %v", r)
		}
	}()
	fn()
}

// splitArgs splits the value part of a response or URC line into trimmed,
// unquoted fields.
func splitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		parts[i] = strings.Trim(p, `"`)
	}
	return parts
}
