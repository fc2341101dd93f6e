package spslink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/spslink/internal/atcmd"
	"github.com/srg/spslink/internal/edm"
	"github.com/srg/spslink/internal/eventq"
	"github.com/srg/spslink/internal/groutine"
)

// dataEvent is the lightweight record queued when a channel's receive buffer
// goes from empty to non-empty.
type dataEvent struct {
	instance int
	channel  int
}

// Manager is the module-wide context of the SPS data core: the process-wide
// lock, the instance table, the channel registry and the data-available
// notification machinery.
//
// One lock discipline holds throughout: the lock covers registry and pending
// slot mutations only, and is never held across a user callback or a blocking
// collaborator call.
type Manager struct {
	logger *logrus.Logger
	opts   Options

	mu         sync.Mutex
	closed     bool
	nextHandle int
	registry   *registry

	instances *hashmap.Map[int, *Instance]

	// notifyQ exists while at least one data-available subscriber is
	// registered. Created lazily under mu, so concurrent first-time
	// subscribers cannot race its construction.
	notifyQ   *eventq.Queue[dataEvent]
	availSubs int
	workerWG  sync.WaitGroup
}

// New creates a Manager. A nil opts uses the defaults.
func New(opts *Options) *Manager {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	o.normalize()

	return &Manager{
		logger:    o.Logger,
		opts:      o,
		registry:  newRegistry(&o),
		instances: hashmap.New[int, *Instance](),
	}
}

// AddInstance registers a transport instance with its two collaborators and
// returns the facade handle identifying it.
func (m *Manager) AddInstance(at atcmd.Client, stream edm.Stream, mode Mode) (int, error) {
	if at == nil || stream == nil {
		return 0, &Error{State: InvalidParameter, Msg: "nil collaborator"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrNotInitialised
	}

	handle := m.nextHandle
	m.nextHandle++

	m.instances.Set(handle, &Instance{
		handle: handle,
		mode:   mode,
		at:     at,
		stream: stream,
	})
	return handle, nil
}

// RemoveInstance tears down one instance: collaborator callbacks are
// unregistered, a pending correlation record is released, and every channel
// the instance owns is deleted.
func (m *Manager) RemoveInstance(handle int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotInitialised
	}
	inst, ok := m.instances.Get(handle)
	if !ok {
		return ErrInvalidParameter
	}

	m.teardownInstanceLocked(inst)
	m.instances.Del(handle)
	return nil
}

// teardownInstanceLocked detaches an instance from its collaborators.
// Caller holds m.mu.
func (m *Manager) teardownInstanceLocked(inst *Instance) {
	if inst.pending != nil {
		m.logger.WithField("instance", inst.handle).Debug("releasing pending correlation record")
		inst.pending = nil
	}
	if inst.connCb != nil {
		m.unregisterConnectionCallbacksLocked(inst)
	}
	if inst.dataCb != nil || inst.dataAvailCb != nil {
		_ = inst.stream.SetDataCallback(nil)
		inst.dataCb = nil
		if inst.dataAvailCb != nil {
			inst.dataAvailCb = nil
			m.releaseAvailSubscriberLocked()
		}
	}
	m.registry.deleteInstance(inst.handle)
}

// SetConnectionStatusCallback subscribes (non-nil cb) or unsubscribes (nil)
// the connection status callback for an instance. Subscribing registers the
// ACL URC handlers with the command/response collaborator and the connection
// event callback with the stream collaborator; only one subscriber may be
// active at a time.
func (m *Manager) SetConnectionStatusCallback(handle int, cb ConnectionStatusCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotInitialised
	}
	inst, ok := m.instances.Get(handle)
	if !ok {
		return ErrInvalidParameter
	}

	switch {
	case cb != nil && inst.connCb == nil:
		inst.connCb = cb
		if err := m.registerConnectionCallbacksLocked(inst); err != nil {
			m.unregisterConnectionCallbacksLocked(inst)
			return fmt.Errorf("register connection callbacks: %w", err)
		}
		return nil

	case cb == nil && inst.connCb != nil:
		m.unregisterConnectionCallbacksLocked(inst)
		return nil

	default:
		return ErrInvalidParameter
	}
}

func (m *Manager) registerConnectionCallbacksLocked(inst *Instance) error {
	err := inst.at.AddURCHandler(atcmd.URCACLConnected, func(args []string) {
		if connHandle, ok := parseConnHandleURC(args); ok {
			m.onCommandConnectionEvent(inst, connHandle)
		} else {
			m.logger.WithField("args", args).Warn("malformed ACL connect URC")
		}
	})
	if err != nil {
		return err
	}

	err = inst.at.AddURCHandler(atcmd.URCACLDisconnected, func(args []string) {
		if connHandle, ok := parseConnHandleURC(args); ok {
			m.onCommandConnectionEvent(inst, connHandle)
		} else {
			m.logger.WithField("args", args).Warn("malformed ACL disconnect URC")
		}
	})
	if err != nil {
		return err
	}

	return inst.stream.SetConnectionCallback(func(ev edm.ConnectionEvent) {
		m.onStreamConnectionEvent(inst, ev)
	})
}

func (m *Manager) unregisterConnectionCallbacksLocked(inst *Instance) {
	inst.at.RemoveURCHandler(atcmd.URCACLConnected)
	inst.at.RemoveURCHandler(atcmd.URCACLDisconnected)
	_ = inst.stream.SetConnectionCallback(nil)
	inst.connCb = nil
	// A half-populated record is useless once the producers are detached.
	inst.pending = nil
}

// ConnectSps issues an SPS connection attempt to the peer address and returns
// the ACL connection handle. The actual channel becomes usable once the
// merged CONNECTED event is delivered.
func (m *Manager) ConnectSps(handle int, peerAddress string) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrNotInitialised
	}
	inst, ok := m.instances.Get(handle)
	if !ok {
		m.mu.Unlock()
		return 0, ErrInvalidParameter
	}
	if inst.mode != ModeCommand && inst.mode != ModeEDM {
		m.mu.Unlock()
		return 0, ErrInvalidMode
	}
	at := inst.at
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"instance": handle,
		"peer":     peerAddress,
	}).Debug("sending SPS connect")

	// The command blocks until the module answers; the lock is not held.
	return at.ConnectSps(peerAddress)
}

// Disconnect closes the ACL connection identified by connHandle. The channel
// teardown follows via the merged DISCONNECTED event.
func (m *Manager) Disconnect(handle, connHandle int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotInitialised
	}
	inst, ok := m.instances.Get(handle)
	if !ok {
		m.mu.Unlock()
		return ErrInvalidParameter
	}
	at := inst.at
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"instance":   handle,
		"connHandle": connHandle,
	}).Debug("sending disconnect")

	return at.Disconnect(connHandle)
}

// Send writes data on a channel, blocking up to the channel's send timeout.
// It returns the number of bytes accepted by the stream collaborator.
func (m *Manager) Send(handle, channel int, data []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrNotInitialised
	}
	inst, ok := m.instances.Get(handle)
	if !ok {
		m.mu.Unlock()
		return 0, ErrInvalidParameter
	}
	ch := m.registry.lookup(handle, channel)
	if ch == nil {
		m.mu.Unlock()
		return 0, &Error{State: InvalidParameter, Msg: fmt.Sprintf("unknown channel %d", channel)}
	}
	timeout := ch.sendTimeout
	stream := inst.stream
	m.mu.Unlock()

	// The blocking wait happens inside the stream collaborator, outside
	// the lock scope.
	return stream.Write(channel, data, timeout)
}

// Receive copies up to len(p) buffered bytes for a channel into p. It never
// blocks; 0 means the buffer is empty.
func (m *Manager) Receive(handle, channel int, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrNotInitialised
	}
	if _, ok := m.instances.Get(handle); !ok {
		return 0, ErrInvalidParameter
	}
	ch := m.registry.lookup(handle, channel)
	if ch == nil {
		return 0, &Error{State: InvalidParameter, Msg: fmt.Sprintf("unknown channel %d", channel)}
	}
	return ch.rx.Read(p), nil
}

// SetSendTimeout overrides the send timeout for one channel.
func (m *Manager) SetSendTimeout(handle, channel int, timeout time.Duration) error {
	if timeout < 0 {
		return &Error{State: InvalidParameter, Msg: "negative timeout"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotInitialised
	}
	if _, ok := m.instances.Get(handle); !ok {
		return ErrInvalidParameter
	}
	ch := m.registry.lookup(handle, channel)
	if ch == nil {
		return &Error{State: InvalidParameter, Msg: fmt.Sprintf("unknown channel %d", channel)}
	}
	ch.sendTimeout = timeout
	return nil
}

// SetDataCallback subscribes (non-nil cb) or unsubscribes (nil) the raw data
// callback: payload frames are delivered synchronously on the stream's
// context with no buffering. Mutually exclusive with the data-available
// subscription.
func (m *Manager) SetDataCallback(handle int, cb DataCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotInitialised
	}
	inst, ok := m.instances.Get(handle)
	if !ok {
		return ErrInvalidParameter
	}

	switch {
	case cb != nil && inst.dataCb == nil && inst.dataAvailCb == nil:
		inst.dataCb = cb
		if err := inst.stream.SetDataCallback(m.streamDataCallback(inst)); err != nil {
			inst.dataCb = nil
			return fmt.Errorf("register data callback: %w", err)
		}
		return nil

	case cb == nil && inst.dataCb != nil:
		inst.dataCb = nil
		_ = inst.stream.SetDataCallback(nil)
		return nil

	default:
		return ErrInvalidParameter
	}
}

// SetDataAvailableCallback subscribes (non-nil cb) or unsubscribes (nil) the
// buffered delivery path: frames land in the channel's receive buffer and cb
// is invoked from a worker goroutine whenever the buffer goes non-empty.
// Mutually exclusive with the raw data subscription. The notification queue
// is created on the first subscription and destroyed on the last
// unsubscription.
func (m *Manager) SetDataAvailableCallback(handle int, cb DataAvailableCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotInitialised
	}
	inst, ok := m.instances.Get(handle)
	if !ok {
		return ErrInvalidParameter
	}

	switch {
	case cb != nil && inst.dataAvailCb == nil && inst.dataCb == nil:
		m.acquireAvailSubscriberLocked()
		inst.dataAvailCb = cb
		if err := inst.stream.SetDataCallback(m.streamDataCallback(inst)); err != nil {
			inst.dataAvailCb = nil
			m.releaseAvailSubscriberLocked()
			return fmt.Errorf("register data callback: %w", err)
		}
		return nil

	case cb == nil && inst.dataAvailCb != nil:
		inst.dataAvailCb = nil
		_ = inst.stream.SetDataCallback(nil)
		m.releaseAvailSubscriberLocked()
		return nil

	default:
		return ErrInvalidParameter
	}
}

// acquireAvailSubscriberLocked lazily creates the notification queue and its
// worker. Caller holds m.mu.
func (m *Manager) acquireAvailSubscriberLocked() {
	m.availSubs++
	if m.notifyQ != nil {
		return
	}
	q := eventq.New[dataEvent](2 * m.opts.MaxConnections)
	m.notifyQ = q
	m.workerWG.Add(1)
	groutine.Go(nil, "sps-data-available-worker", func(context.Context) {
		m.dataAvailableWorker(q)
	})
}

// releaseAvailSubscriberLocked destroys the queue once the last subscriber is
// gone. Caller holds m.mu; the worker is not awaited here, it drains and
// exits on its own.
func (m *Manager) releaseAvailSubscriberLocked() {
	m.availSubs--
	if m.availSubs > 0 || m.notifyQ == nil {
		return
	}
	m.notifyQ.Close()
	m.notifyQ = nil
}

// streamDataCallback adapts the stream collaborator's payload delivery to
// whichever delivery mode the instance has active.
func (m *Manager) streamDataCallback(inst *Instance) edm.DataCallback {
	return func(channel int, data []byte) {
		m.onStreamData(inst, channel, data)
	}
}

// onStreamData runs on the stream's delivery goroutine and must never block:
// raw mode hands the frame straight to the application, buffered mode appends
// to the channel's receive buffer and queues an edge-triggered notification.
func (m *Manager) onStreamData(inst *Instance, channel int, data []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	rawCb := inst.dataCb
	availCb := inst.dataAvailCb

	if rawCb != nil {
		m.mu.Unlock()
		rawCb(channel, data)
		return
	}
	if availCb == nil {
		m.mu.Unlock()
		return
	}

	ch := m.registry.lookup(inst.handle, channel)
	if ch == nil {
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"instance": inst.handle,
			"channel":  channel,
			"len":      len(data),
		}).Debug("payload for unknown channel, dropped")
		return
	}

	wasEmpty := ch.rx.Len() == 0
	if !ch.rx.Write(data) {
		m.logger.WithFields(logrus.Fields{
			"instance": inst.handle,
			"channel":  channel,
			"len":      len(data),
		}).Warn("RX buffer full, dropping payload")
	}

	if wasEmpty && ch.rx.Len() > 0 && m.notifyQ != nil {
		if !m.notifyQ.TrySend(dataEvent{instance: inst.handle, channel: channel}) {
			m.logger.WithFields(logrus.Fields{
				"instance": inst.handle,
				"channel":  channel,
			}).Warn("notification queue full, data-available event dropped")
		}
	}
	m.mu.Unlock()
}

// dataAvailableWorker drains the notification queue in enqueue order and
// invokes the application's data-available callback without holding the lock.
func (m *Manager) dataAvailableWorker(q *eventq.Queue[dataEvent]) {
	defer m.workerWG.Done()

	for {
		ev, ok := q.Receive()
		if !ok {
			return
		}

		m.mu.Lock()
		var cb DataAvailableCallback
		if inst, found := m.instances.Get(ev.instance); found {
			cb = inst.dataAvailCb
		}
		m.mu.Unlock()

		if cb != nil {
			cb(ev.channel)
		}
	}
}

// GetSpsServerHandles returns the GATT server handles of a channel.
//
// Not supported by this module yet.
func (m *Manager) GetSpsServerHandles(handle, channel int) (ServerHandles, error) {
	return ServerHandles{}, ErrNotImplemented
}

// PresetSpsServerHandles preloads known GATT server handles to skip
// discovery on the next connection.
//
// Not supported by this module yet.
func (m *Manager) PresetSpsServerHandles(handle int, handles ServerHandles) error {
	return ErrNotImplemented
}

// DisableFlowControlOnNext disables credit-based flow control for the next
// SPS connection.
//
// Not supported by this module yet.
func (m *Manager) DisableFlowControlOnNext(handle int) error {
	return ErrNotImplemented
}

// ServerHandles are the GATT attribute handles of a remote SPS server.
type ServerHandles struct {
	Service      int
	FifoValue    int
	FifoCCC      int
	CreditsValue int
	CreditsCCC   int
}

// Close tears down the module: all instances are detached from their
// collaborators, every channel is released, and the notification worker is
// stopped. The Manager is unusable afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.instances.Range(func(_ int, inst *Instance) bool {
		m.teardownInstanceLocked(inst)
		return true
	})
	m.registry.deleteAll()

	if m.notifyQ != nil {
		m.notifyQ.Close()
		m.notifyQ = nil
	}
	m.closed = true
	m.mu.Unlock()

	m.workerWG.Wait()
	return nil
}
