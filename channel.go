package spslink

import (
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/spslink/internal/rxbuf"
)

// channelKey identifies a channel record: channel ids are only unique within
// the instance that owns them.
type channelKey struct {
	instance int
	channel  int
}

// Channel is one active SPS data link. It exists exactly between the
// correlated CONNECTED event and the matching DISCONNECTED event; the
// connection status callback may rely on the receive buffer being present on
// CONNECTED and still drainable inside the DISCONNECTED callback.
type Channel struct {
	rx          *rxbuf.Buffer
	sendTimeout time.Duration
}

// registry owns every active Channel, in creation order, bounded by the
// configured connection maximum.
//
// The registry carries no lock of its own: every method requires the
// manager's process-wide lock, which also serializes the pending correlation
// slots. None of the methods is ever called with a user callback on the
// stack.
type registry struct {
	logger             *logrus.Logger
	maxConnections     int
	bufferSize         int
	defaultSendTimeout time.Duration
	channels           *orderedmap.OrderedMap[channelKey, *Channel]
}

func newRegistry(opts *Options) *registry {
	return &registry{
		logger:             opts.Logger,
		maxConnections:     opts.MaxConnections,
		bufferSize:         opts.RxBufferSize,
		defaultSendTimeout: opts.DefaultSendTimeout,
		channels:           orderedmap.New[channelKey, *Channel](),
	}
}

// create appends a new channel record with a fresh receive buffer and the
// default send timeout. It returns nil when the registry is at capacity;
// that is logged but not fatal, the connection event is still delivered and
// only the data path for the channel is degraded.
func (r *registry) create(instance, channel int) *Channel {
	key := channelKey{instance: instance, channel: channel}
	if existing, ok := r.channels.Get(key); ok {
		r.logger.WithFields(logrus.Fields{
			"instance": instance,
			"channel":  channel,
		}).Warn("data channel already exists, reusing")
		return existing
	}

	if r.channels.Len() >= r.maxConnections {
		r.logger.WithFields(logrus.Fields{
			"instance": instance,
			"channel":  channel,
			"max":      r.maxConnections,
		}).Warn("failed to create data channel, at capacity")
		return nil
	}

	ch := &Channel{
		rx:          rxbuf.New(r.bufferSize),
		sendTimeout: r.defaultSendTimeout,
	}
	r.channels.Set(key, ch)
	return ch
}

// lookup returns the channel record or nil.
func (r *registry) lookup(instance, channel int) *Channel {
	ch, _ := r.channels.Get(channelKey{instance: instance, channel: channel})
	return ch
}

// delete removes a channel record and discards its buffered bytes. Unknown
// channels are a no-op.
func (r *registry) delete(instance, channel int) {
	key := channelKey{instance: instance, channel: channel}
	if ch, ok := r.channels.Get(key); ok {
		ch.rx.Reset()
		r.channels.Delete(key)
	}
}

// deleteInstance removes every channel owned by an instance.
func (r *registry) deleteInstance(instance int) {
	var keys []channelKey
	for pair := r.channels.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key.instance == instance {
			keys = append(keys, pair.Key)
		}
	}
	for _, key := range keys {
		r.delete(key.instance, key.channel)
	}
}

// deleteAll releases every channel unconditionally. Used at module teardown.
func (r *registry) deleteAll() {
	for pair := r.channels.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.rx.Reset()
	}
	r.channels = orderedmap.New[channelKey, *Channel]()
}

func (r *registry) len() int {
	return r.channels.Len()
}
