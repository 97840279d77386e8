package routing

import (
	"context"
	"testing"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/transport"
	"github.com/kestrelmesh/kestrel/xerr"
)

type stubChannel struct {
	kind capability.ChannelKind
}

func (s stubChannel) Kind() capability.ChannelKind { return s.kind }
func (s stubChannel) Send(context.Context, message.Message) error { return nil }
func (s stubChannel) Probe(context.Context, meshid.DeviceId) (capability.PeerChannelState, error) {
	return capability.PeerChannelState{}, nil
}
func (s stubChannel) Start() error                             { return nil }
func (s stubChannel) StartWithInbound(transport.InboundHandler) error { return nil }
func (s stubChannel) Close() error                              { return nil }

func newTestRouter(t *testing.T) (*Router, *capability.Store, *transport.Registry) {
	t.Helper()
	store := capability.New(capability.LocalProfile{DeviceId: meshid.NewDeviceId(), IsCharging: true}, nil)
	registry := transport.NewRegistry()
	router := NewRouter(store, registry, NewPredictor(), nil)
	return router, store, registry
}

// S2 — Route selection with LocalP2P preferred over NearRadio.
func TestSelectPrefersBetterScoringChannel(t *testing.T) {
	router, store, registry := newTestRouter(t)
	peer := meshid.NewDeviceId()

	if err := registry.Register(stubChannel{kind: capability.NearRadio}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(stubChannel{kind: capability.LocalP2P}); err != nil {
		t.Fatal(err)
	}

	store.SetPeerChannelState(peer, capability.NearRadio, capability.PeerChannelState{
		Available: true, RttMs: 100, PacketLossRate: 0.05, Network: capability.WiFi,
	})
	store.SetPeerChannelState(peer, capability.LocalP2P, capability.PeerChannelState{
		Available: true, RttMs: 10, PacketLossRate: 0.0, Network: capability.WiFi,
	})

	ch, err := router.Select(message.Message{Recipient: peer, Priority: message.Normal, Payload: message.Text{Value: "x"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ch.Kind() != capability.LocalP2P {
		t.Fatalf("expected LocalP2P, got %v", ch.Kind())
	}
}

// S3 — Failover when the preferred channel becomes unavailable.
func TestSelectFailsOverWhenPreferredUnavailable(t *testing.T) {
	router, store, registry := newTestRouter(t)
	peer := meshid.NewDeviceId()

	registry.Register(stubChannel{kind: capability.NearRadio})
	registry.Register(stubChannel{kind: capability.LocalP2P})

	store.SetPeerChannelState(peer, capability.NearRadio, capability.PeerChannelState{
		Available: true, RttMs: 100, PacketLossRate: 0.05, Network: capability.WiFi,
	})
	store.SetPeerChannelState(peer, capability.LocalP2P, capability.PeerChannelState{
		Available: false, RttMs: 10, PacketLossRate: 0.0, Network: capability.WiFi,
	})

	ch, err := router.Select(message.Message{Recipient: peer, Priority: message.Normal, Payload: message.Text{Value: "x"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ch.Kind() != capability.NearRadio {
		t.Fatalf("expected NearRadio, got %v", ch.Kind())
	}
}

func TestSelectNoRouteFoundOnEmptyRegistry(t *testing.T) {
	router, _, _ := newTestRouter(t)
	_, err := router.Select(message.Message{Recipient: meshid.NewDeviceId(), Priority: message.Normal, Payload: message.Text{Value: "x"}})
	code, ok := xerr.CodeOf(err)
	if !ok || code != xerr.NoRouteFound {
		t.Fatalf("expected NoRouteFound, got %v", err)
	}
}

func TestSelectRecordsTrafficAndHistory(t *testing.T) {
	router, store, registry := newTestRouter(t)
	peer := meshid.NewDeviceId()
	registry.Register(stubChannel{kind: capability.LocalP2P})
	store.SetPeerChannelState(peer, capability.LocalP2P, capability.PeerChannelState{
		Available: true, RttMs: 10, PacketLossRate: 0, Network: capability.WiFi,
	})

	_, err := router.Select(message.Message{Recipient: peer, Priority: message.Normal, Payload: message.Text{Value: "hello"}})
	if err != nil {
		t.Fatal(err)
	}

	traffic := router.TrafficByKind()
	if traffic[capability.LocalP2P] != 5 {
		t.Fatalf("expected 5 bytes recorded, got %v", traffic[capability.LocalP2P])
	}
	hist := router.RouteHistory(peer)
	if len(hist) != 1 || hist[0] != capability.LocalP2P {
		t.Fatalf("unexpected history: %v", hist)
	}
}
