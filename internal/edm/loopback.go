package edm

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/spslink/internal/groutine"
)

// DefaultLoopbackQueueDepth is the per-side in-flight frame budget of a
// loopback pair.
const DefaultLoopbackQueueDepth = 16

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type frame struct {
	channel int
	data    []byte
}

// Loopback is one end of an in-process Stream pair. Frames written on one
// side surface as data callbacks on the other, from a dedicated delivery
// goroutine per side, which models the EDM stream's own execution context.
type Loopback struct {
	name   string
	logger *logrus.Logger
	peer   *Loopback

	mu     sync.Mutex
	connCb ConnectionCallback
	dataCb DataCallback
	closed bool

	inbox  chan frame
	events chan ConnectionEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

// Pair creates two connected loopback streams. Closing either side fails
// subsequent writes on both with ErrClosed. A nil logger is silent.
func Pair(logger *logrus.Logger) (*Loopback, *Loopback) {
	if logger == nil {
		logger = noopLogger
	}
	a := newLoopback("loopback-a", logger)
	b := newLoopback("loopback-b", logger)
	a.peer, b.peer = b, a
	a.start()
	b.start()
	return a, b
}

func newLoopback(name string, logger *logrus.Logger) *Loopback {
	return &Loopback{
		name:   name,
		logger: logger,
		inbox:  make(chan frame, DefaultLoopbackQueueDepth),
		events: make(chan ConnectionEvent, DefaultLoopbackQueueDepth),
		done:   make(chan struct{}),
	}
}

func (s *Loopback) start() {
	s.wg.Add(1)
	groutine.Go(nil, s.name+"-delivery", func(context.Context) {
		s.deliveryLoop()
	})
}

// SetConnectionCallback implements Stream.
func (s *Loopback) SetConnectionCallback(cb ConnectionCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.connCb = cb
	return nil
}

// SetDataCallback implements Stream.
func (s *Loopback) SetDataCallback(cb DataCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dataCb = cb
	return nil
}

// Write implements Stream. The payload is copied before handoff, so the
// caller may reuse p immediately. A non-positive timeout degrades to a
// non-blocking attempt.
func (s *Loopback) Write(channel int, p []byte, timeout time.Duration) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	f := frame{channel: channel, data: data}

	if timeout <= 0 {
		select {
		case s.peer.inbox <- f:
			return len(p), nil
		case <-s.done:
			return 0, ErrClosed
		case <-s.peer.done:
			return 0, ErrClosed
		default:
			return 0, ErrWriteTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.peer.inbox <- f:
		return len(p), nil
	case <-s.done:
		return 0, ErrClosed
	case <-s.peer.done:
		return 0, ErrClosed
	case <-timer.C:
		return 0, ErrWriteTimeout
	}
}

// EmitConnectionEvent injects a connection event as if the remote multiplexer
// had framed one. Used by tests and the module simulator.
func (s *Loopback) EmitConnectionEvent(ev ConnectionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Close stops the delivery goroutine. Pending frames are discarded.
func (s *Loopback) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *Loopback) deliveryLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.mu.Lock()
			cb := s.connCb
			s.mu.Unlock()
			if cb != nil {
				cb(ev)
			} else {
				s.logger.WithFields(logrus.Fields{
					"side":    s.name,
					"type":    ev.Type.String(),
					"channel": ev.Channel,
				}).Debug("connection event with no callback registered")
			}
		case f := <-s.inbox:
			s.mu.Lock()
			cb := s.dataCb
			s.mu.Unlock()
			if cb != nil {
				cb(f.channel, f.data)
			} else {
				s.logger.WithFields(logrus.Fields{
					"side":    s.name,
					"channel": f.channel,
					"len":     len(f.data),
				}).Debug("payload frame with no callback registered, dropped")
			}
		}
	}
}
