package meshsdk

import (
	"testing"
	"time"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/transport"
)

func newTestMesh(t *testing.T, bus *transport.Bus, id meshid.DeviceId) *Mesh {
	t.Helper()
	m, err := New(Config{
		DeviceId:          id,
		Name:              "test",
		SupportedChannels: []capability.ChannelKind{capability.LocalNetwork},
	})
	if err != nil {
		t.Fatal(err)
	}
	ch := transport.NewMemoryChannel(capability.LocalNetwork, id, bus, nil)
	if err := m.RegisterChannel(ch); err != nil {
		t.Fatal(err)
	}
	return m
}

func registerPair(t *testing.T, a, b *Mesh) {
	t.Helper()
	if err := a.RegisterPeerKey(b.self, b.PublicKey()); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterPeerKey(a.self, a.PublicKey()); err != nil {
		t.Fatal(err)
	}
	store := a.store
	store.SetPeerChannelState(b.self, capability.LocalNetwork, capability.PeerChannelState{
		Available: true, RttMs: 5, PacketLossRate: 0, Network: capability.Loopback,
	})
	b.store.SetPeerChannelState(a.self, capability.LocalNetwork, capability.PeerChannelState{
		Available: true, RttMs: 5, PacketLossRate: 0, Network: capability.Loopback,
	})
}

// Scenario S1: pairwise text round trip.
func TestScenarioS1PairwiseTextRoundTrip(t *testing.T) {
	bus := transport.NewBus()
	a := newTestMesh(t, bus, meshid.NewDeviceId())
	b := newTestMesh(t, bus, meshid.NewDeviceId())
	registerPair(t, a, b)

	received := make(chan message.Message, 1)
	b.Handle(func(msg message.Message) { received <- msg })

	if _, err := a.Send(b.self, message.Text{Value: "hello"}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-received:
		text, ok := msg.Payload.(message.Text)
		if !ok || text.Value != "hello" {
			t.Fatalf("unexpected payload: %#v", msg.Payload)
		}
		if msg.Sender != a.self {
			t.Fatalf("expected sender %v, got %v", a.self, msg.Sender)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestExportImportStatePreservesSessions(t *testing.T) {
	bus := transport.NewBus()
	a := newTestMesh(t, bus, meshid.NewDeviceId())
	b := newTestMesh(t, bus, meshid.NewDeviceId())
	registerPair(t, a, b)

	blob, err := a.ExportState()
	if err != nil {
		t.Fatal(err)
	}

	restored, err := New(Config{DeviceId: a.self})
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.ImportState(blob); err != nil {
		t.Fatal(err)
	}

	ch := transport.NewMemoryChannel(capability.LocalNetwork, a.self, bus, nil)
	_ = ch // the restored engine only needs the crypto session, not a live channel, for this check

	if restored.PublicKey() != a.PublicKey() {
		t.Fatal("expected restored engine to carry the same public key")
	}
}

func TestCreateGroupAndBroadcastThroughMesh(t *testing.T) {
	bus := transport.NewBus()
	a := newTestMesh(t, bus, meshid.NewDeviceId())
	b := newTestMesh(t, bus, meshid.NewDeviceId())
	registerPair(t, a, b)

	groupId, err := a.CreateGroup("friends", []meshid.DeviceId{b.self})
	if err != nil {
		t.Fatal(err)
	}

	msgId, err := a.Broadcast(groupId, message.Text{Value: "group hi"})
	if err != nil {
		t.Fatal(err)
	}
	if msgId == meshid.NilMessageId {
		t.Fatal("expected non-nil broadcast message id")
	}
}
