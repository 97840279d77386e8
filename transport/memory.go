package transport

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/xerr"
)

// Bus is a process-wide (usually test-scoped) rendezvous point that lets
// several MemoryChannel instances address each other by DeviceId, the
// in-process stand-in for physical discovery.
type Bus struct {
	mu       sync.RWMutex
	channels map[meshid.DeviceId]*MemoryChannel
}

// NewBus creates an empty Bus.
func NewBus() *Bus { return &Bus{channels: make(map[meshid.DeviceId]*MemoryChannel)} }

func (b *Bus) register(id meshid.DeviceId, ch *MemoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[id] = ch
}

func (b *Bus) unregister(id meshid.DeviceId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, id)
}

func (b *Bus) lookup(id meshid.DeviceId) (*MemoryChannel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[id]
	return ch, ok
}

// MemoryChannel is the in-process reference transport: sends are direct
// function calls into the recipient's inbound handler, used for testing
// and as the minimal always-available ChannelKind. It is the Go
// equivalent of the original's src/channels/memory.rs.
type MemoryChannel struct {
	kind     capability.ChannelKind
	self     meshid.DeviceId
	bus      *Bus
	log      *logrus.Entry

	mu      sync.Mutex
	handler InboundHandler
	started bool
	closed  bool
}

// NewMemoryChannel creates a channel of the given kind bound to self on bus.
func NewMemoryChannel(kind capability.ChannelKind, self meshid.DeviceId, bus *Bus, log *logrus.Logger) *MemoryChannel {
	if log == nil {
		log = logrus.New()
	}
	return &MemoryChannel{
		kind: kind,
		self: self,
		bus:  bus,
		log:  log.WithField("component", "transport.memory"),
	}
}

func (c *MemoryChannel) Kind() capability.ChannelKind { return c.kind }

func (c *MemoryChannel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	c.bus.register(c.self, c)
	return nil
}

func (c *MemoryChannel) StartWithInbound(handler InboundHandler) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	return c.Start()
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.bus.unregister(c.self)
	return nil
}

func (c *MemoryChannel) Send(ctx context.Context, msg message.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return xerr.New(xerr.ChannelDisconnected, xerr.CategoryTransport, "transport.MemoryChannel.Send", "channel closed")
	}

	recipient, ok := c.bus.lookup(msg.Recipient)
	if !ok {
		return xerr.New(xerr.ChannelSendFailed, xerr.CategoryTransport, "transport.MemoryChannel.Send", "recipient not reachable").
			WithRetry(xerr.Retry{Kind: xerr.Retryable, Attempts: 3, BaseDelayMs: 200})
	}

	recipient.mu.Lock()
	handler := recipient.handler
	recipient.mu.Unlock()
	if handler == nil {
		return xerr.New(xerr.ChannelSendFailed, xerr.CategoryTransport, "transport.MemoryChannel.Send", "recipient has no inbound handler")
	}

	select {
	case <-ctx.Done():
		return xerr.Wrap(xerr.ChannelReceiveTimeout, xerr.CategoryTransport, "transport.MemoryChannel.Send", "context cancelled", ctx.Err())
	default:
	}

	handler(msg)
	return nil
}

func (c *MemoryChannel) Probe(ctx context.Context, peer meshid.DeviceId) (capability.PeerChannelState, error) {
	_, ok := c.bus.lookup(peer)
	if !ok {
		return capability.DefaultPeerChannelState(), nil
	}
	st := capability.DefaultPeerChannelState()
	st.Available = true
	st.RttMs = 1
	st.PacketLossRate = 0
	st.Network = capability.Loopback
	return st, nil
}
