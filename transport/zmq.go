package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/sirupsen/logrus"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/xerr"
)

// dynPortFrom/dynPortTo mirror the teacher's node.go dynamic bind range
// (IANA-assigned private-use port block).
const (
	dynPortFrom = 0xc000
	dynPortTo   = 0xffff
)

// ZMQChannel is the LocalNetwork transport: a ROUTER inbox plus one DEALER
// socket per known peer, directly adapted from the teacher's node.go
// (inbox ROUTER bind/dynamic-port loop) and peer.go (per-peer DEALER
// connect/send/disconnect).
type ZMQChannel struct {
	self meshid.DeviceId
	log  *logrus.Entry

	mu      sync.Mutex
	inbox   *zmq.Socket
	port    int
	peers   map[meshid.DeviceId]*zmqPeer
	handler InboundHandler
	quit    chan struct{}
	wg      sync.WaitGroup
	closed  bool

	// endpointOf resolves a DeviceId to a "tcp://host:port" dial target;
	// populated externally (by whatever discovery mechanism the caller
	// wires in) since physical discovery is an external collaborator
	// per spec section 6.
	endpointOf func(meshid.DeviceId) (string, bool)
}

type zmqPeer struct {
	mailbox      *zmq.Socket
	endpoint     string
	sentSequence uint16
}

// NewZMQChannel binds a ROUTER socket on a dynamic port and returns a
// channel that can dial peers resolved by endpointOf.
func NewZMQChannel(self meshid.DeviceId, endpointOf func(meshid.DeviceId) (string, bool), log *logrus.Logger) (*ZMQChannel, error) {
	if log == nil {
		log = logrus.New()
	}
	inbox, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, xerr.Wrap(xerr.ChannelInitFailed, xerr.CategoryTransport, "transport.NewZMQChannel", "create ROUTER socket", err)
	}

	port := 0
	for p := dynPortFrom; p <= dynPortTo; p++ {
		if err := inbox.Bind(fmt.Sprintf("tcp://*:%d", p)); err == nil {
			port = p
			break
		}
	}
	if port == 0 {
		return nil, xerr.New(xerr.ChannelInitFailed, xerr.CategoryTransport, "transport.NewZMQChannel", "no dynamic port available")
	}

	return &ZMQChannel{
		self:       self,
		log:        log.WithField("component", "transport.zmq"),
		inbox:      inbox,
		port:       port,
		peers:      make(map[meshid.DeviceId]*zmqPeer),
		quit:       make(chan struct{}),
		endpointOf: endpointOf,
	}, nil
}

func (c *ZMQChannel) Kind() capability.ChannelKind { return capability.LocalNetwork }

func (c *ZMQChannel) Start() error { return c.StartWithInbound(nil) }

func (c *ZMQChannel) StartWithInbound(handler InboundHandler) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	c.wg.Add(1)
	go c.inboxLoop()
	return nil
}

func (c *ZMQChannel) inboxLoop() {
	defer c.wg.Done()

	poller := zmq.NewPoller()
	poller.Add(c.inbox, zmq.POLLIN)

	for {
		select {
		case <-c.quit:
			return
		default:
		}

		sockets, err := poller.Poll(250 * time.Millisecond)
		if err != nil {
			c.log.WithError(err).Warn("zmq poll failed")
			continue
		}
		for _, s := range sockets {
			frames, err := s.Socket.RecvMessageBytes(0)
			if err != nil {
				c.log.WithError(err).Warn("zmq recv failed")
				continue
			}
			c.handleFrames(frames)
		}
	}
}

func (c *ZMQChannel) handleFrames(frames [][]byte) {
	if len(frames) < 2 {
		return // address frame + payload frame, at minimum
	}
	// frames[0] is the ROUTER-supplied peer identity; frames[1] is the
	// marshaled message.Payload frame produced by message.Marshal, same
	// split as the teacher's msg.Unmarshal(sType, frames...) for ROUTER
	// sockets.
	payload, err := message.Unmarshal(frames[1])
	if err != nil {
		c.log.WithError(err).Warn("dropping malformed inbound frame")
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}

	handler(message.Message{Payload: payload})
}

func (c *ZMQChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, p := range c.peers {
		p.mailbox.Disconnect(p.endpoint)
		p.mailbox.Close()
	}
	c.peers = make(map[meshid.DeviceId]*zmqPeer)
	c.mu.Unlock()

	close(c.quit)
	c.wg.Wait()
	return c.inbox.Close()
}

func (c *ZMQChannel) dealerFor(peer meshid.DeviceId) (*zmqPeer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[peer]; ok {
		return p, nil
	}

	endpoint, ok := c.endpointOf(peer)
	if !ok {
		return nil, xerr.New(xerr.DeviceNotFound, xerr.CategoryRouting, "transport.ZMQChannel.dealerFor", "no known endpoint for peer")
	}

	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, xerr.Wrap(xerr.ChannelInitFailed, xerr.CategoryTransport, "transport.ZMQChannel.dealerFor", "create DEALER socket", err)
	}
	routingId := append([]byte{1}, c.self.Bytes()...)
	if err := sock.SetIdentity(string(routingId)); err != nil {
		return nil, xerr.Wrap(xerr.ChannelInitFailed, xerr.CategoryTransport, "transport.ZMQChannel.dealerFor", "set identity", err)
	}
	if err := sock.SetSndtimeo(0); err != nil {
		return nil, xerr.Wrap(xerr.ChannelInitFailed, xerr.CategoryTransport, "transport.ZMQChannel.dealerFor", "set send timeout", err)
	}
	if err := sock.Connect(endpoint); err != nil {
		return nil, xerr.Wrap(xerr.ChannelInitFailed, xerr.CategoryTransport, "transport.ZMQChannel.dealerFor", "connect", err)
	}

	p := &zmqPeer{mailbox: sock, endpoint: endpoint}
	c.peers[peer] = p
	return p, nil
}

func (c *ZMQChannel) Send(ctx context.Context, msg message.Message) error {
	p, err := c.dealerFor(msg.Recipient)
	if err != nil {
		return err
	}

	frame, err := msg.Payload.Marshal()
	if err != nil {
		return xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "transport.ZMQChannel.Send", "marshal payload", err)
	}

	select {
	case <-ctx.Done():
		return xerr.Wrap(xerr.ChannelReceiveTimeout, xerr.CategoryTransport, "transport.ZMQChannel.Send", "context cancelled", ctx.Err())
	default:
	}

	p.sentSequence++
	if _, err := p.mailbox.SendBytes(frame, 0); err != nil {
		c.mu.Lock()
		delete(c.peers, msg.Recipient)
		c.mu.Unlock()
		return xerr.Wrap(xerr.ChannelSendFailed, xerr.CategoryTransport, "transport.ZMQChannel.Send", "send failed", err).
			WithRetry(xerr.Retry{Kind: xerr.Retryable, Attempts: 3, BaseDelayMs: 250})
	}
	return nil
}

func (c *ZMQChannel) Probe(ctx context.Context, peer meshid.DeviceId) (capability.PeerChannelState, error) {
	if _, ok := c.endpointOf(peer); !ok {
		return capability.DefaultPeerChannelState(), nil
	}
	st := capability.DefaultPeerChannelState()
	st.Available = true
	st.Network = capability.Ethernet
	return st, nil
}
