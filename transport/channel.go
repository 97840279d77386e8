// Package transport defines the Channel contract (spec section 4.2) that
// every concrete transport driver implements, plus a Registry that keeps
// them keyed by ChannelKind, and two reference implementations: an
// in-process MemoryChannel and a ZeroMQ-backed ZMQChannel modeled
// directly on the teacher's node.go/peer.go ROUTER/DEALER wiring.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
)

// InboundHandler receives a Message that arrived on a Channel.
type InboundHandler func(message.Message)

// Channel is the contract every transport driver implements.
type Channel interface {
	Kind() capability.ChannelKind
	Send(ctx context.Context, msg message.Message) error
	Probe(ctx context.Context, peer meshid.DeviceId) (capability.PeerChannelState, error)
	Start() error
	StartWithInbound(handler InboundHandler) error
	Close() error
}

// Registry is the set of available transports keyed by ChannelKind. A
// Channel's Kind is immutable and unique within the registry, per spec
// section 4.2's invariant.
type Registry struct {
	mu       sync.RWMutex
	channels map[capability.ChannelKind]Channel
	order    []capability.ChannelKind // iteration order for tie-breaking
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[capability.ChannelKind]Channel)}
}

// Register adds a channel, returning an error if its kind is already
// registered.
func (r *Registry) Register(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[ch.Kind()]; exists {
		return fmt.Errorf("transport: channel kind %s already registered", ch.Kind())
	}
	r.channels[ch.Kind()] = ch
	r.order = append(r.order, ch.Kind())
	return nil
}

// Get returns the channel registered for kind, if any.
func (r *Registry) Get(kind capability.ChannelKind) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[kind]
	return ch, ok
}

// Kinds returns every registered kind in registration order.
func (r *Registry) Kinds() []capability.ChannelKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]capability.ChannelKind(nil), r.order...)
}

// Len reports how many channels are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
