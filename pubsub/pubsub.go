// Package pubsub implements the change notifier: per-channel subscriber
// registries with bounded delivery buffers. Delivery is best-effort — a
// subscriber that cannot keep up loses messages (counted), never blocks a
// publisher, and publish failures never abort the mutation that caused
// them.
package pubsub

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/hyperkv/hyperkv/kverr"
)

// Handler receives published messages. It runs on the subscriber's pump
// goroutine; a slow handler only delays that one subscriber.
type Handler func(channel, payload string)

// Message is one published payload.
type Message struct {
	Channel string
	Payload string
}

// Options sizes the notifier.
type Options struct {
	// MaxChannels caps distinct channels with at least one subscriber.
	// Default 100000.
	MaxChannels int
	// MaxSubscribersPerChannel caps fan-out per channel. Default 1000.
	MaxSubscribersPerChannel int
	// MessageBufferSize is the per-client delivery buffer. Default 1000.
	MessageBufferSize int
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Stats is a copy of the notifier's counters.
type Stats struct {
	Channels    int
	Subscribers int
	Published   uint64
	Delivered   uint64
	Dropped     uint64
}

type client struct {
	id       string
	handler  Handler
	buf      chan Message
	done     chan struct{}
	channels mapset.Set[string]
}

// Manager routes published messages to subscribed clients.
type Manager struct {
	mu       sync.RWMutex
	opts     Options
	log      *zap.Logger
	channels map[string]map[string]*client // channel -> clientID -> client
	clients  map[string]*client
	closed   bool

	published uint64
	delivered uint64
	dropped   uint64
}

// New constructs a Manager from Options.
func New(opts Options) *Manager {
	if opts.MaxChannels <= 0 {
		opts.MaxChannels = 100_000
	}
	if opts.MaxSubscribersPerChannel <= 0 {
		opts.MaxSubscribersPerChannel = 1000
	}
	if opts.MessageBufferSize <= 0 {
		opts.MessageBufferSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		opts:     opts,
		log:      opts.Logger,
		channels: make(map[string]map[string]*client),
		clients:  make(map[string]*client),
	}
}

// Subscribe registers clientID on the given channels. The first channel
// list for a client also installs its handler; later calls extend the
// subscription set.
func (m *Manager) Subscribe(clientID string, channels []string, handler Handler) error {
	if handler == nil {
		return kverr.New(kverr.InvalidArgument, "nil pubsub handler")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kverr.New(kverr.Shutdown, "pubsub closed")
	}

	c, ok := m.clients[clientID]
	if !ok {
		c = &client{
			id:       clientID,
			handler:  handler,
			buf:      make(chan Message, m.opts.MessageBufferSize),
			done:     make(chan struct{}),
			channels: mapset.NewThreadUnsafeSet[string](),
		}
		m.clients[clientID] = c
		go c.pump()
	}

	for _, ch := range channels {
		subs, exists := m.channels[ch]
		if !exists {
			if len(m.channels) >= m.opts.MaxChannels {
				return kverr.Newf(kverr.InvalidArgument, "channel limit %d reached", m.opts.MaxChannels)
			}
			subs = make(map[string]*client)
			m.channels[ch] = subs
		}
		if _, already := subs[clientID]; !already && len(subs) >= m.opts.MaxSubscribersPerChannel {
			return kverr.Newf(kverr.InvalidArgument,
				"subscriber limit %d reached on channel %q", m.opts.MaxSubscribersPerChannel, ch)
		}
		subs[clientID] = c
		c.channels.Add(ch)
	}
	return nil
}

// Unsubscribe removes clientID from the given channels, or from all of
// them when channels is empty. Reports whether the client was known.
func (m *Manager) Unsubscribe(clientID string, channels []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return false
	}
	if len(channels) == 0 {
		channels = c.channels.ToSlice()
	}
	for _, ch := range channels {
		if subs, exists := m.channels[ch]; exists {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(m.channels, ch)
			}
		}
		c.channels.Remove(ch)
	}
	if c.channels.Cardinality() == 0 {
		delete(m.clients, clientID)
		close(c.done)
	}
	return true
}

// Publish delivers payload to every subscriber of channel and returns how
// many delivery buffers accepted it. Overflowing subscribers lose the
// message; that is counted, logged at debug, and not an error.
func (m *Manager) Publish(channel, payload string) int {
	m.mu.Lock()
	m.published++
	subs := m.channels[channel]
	targets := make([]*client, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	msg := Message{Channel: channel, Payload: payload}
	accepted := 0
	var droppedNow uint64
	for _, c := range targets {
		select {
		case c.buf <- msg:
			accepted++
		default:
			droppedNow++
		}
	}

	m.mu.Lock()
	m.delivered += uint64(accepted)
	m.dropped += droppedNow
	m.mu.Unlock()

	if droppedNow > 0 {
		m.log.Debug("pubsub buffer overflow",
			zap.String("channel", channel), zap.Uint64("dropped", droppedNow))
	}
	return accepted
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Channels:    len(m.channels),
		Subscribers: len(m.clients),
		Published:   m.published,
		Delivered:   m.delivered,
		Dropped:     m.dropped,
	}
}

// Close stops every subscriber pump. Further subscribes fail; publishes
// fan out to nobody.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, c := range m.clients {
		close(c.done)
	}
	m.clients = make(map[string]*client)
	m.channels = make(map[string]map[string]*client)
}

func (c *client) pump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.buf:
			c.handler(msg.Channel, msg.Payload)
		}
	}
}
