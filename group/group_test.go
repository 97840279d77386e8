package group

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/groupkey"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/routing"
	"github.com/kestrelmesh/kestrel/transport"
)

type harness struct {
	self    meshid.DeviceId
	manager *Manager
	stores  map[meshid.DeviceId]*capability.Store
	bus     *transport.Bus
}

func randKey(t *testing.T) [32]byte {
	t.Helper()
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatal(err)
	}
	return k
}

// newHarness wires a Manager for "self" plus a MemoryChannel/Router per
// device, all sharing one in-process Bus so broadcasts actually reach
// every recipient's inbound handler.
func newHarness(t *testing.T, self meshid.DeviceId, peers []meshid.DeviceId) *harness {
	t.Helper()
	bus := transport.NewBus()
	stores := make(map[meshid.DeviceId]*capability.Store)

	registry := transport.NewRegistry()
	ch := transport.NewMemoryChannel(capability.NearRadio, self, bus, nil)
	if err := ch.StartWithInbound(func(message.Message) {}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(ch); err != nil {
		t.Fatal(err)
	}

	store := capability.New(capability.LocalProfile{DeviceId: self}, nil)
	stores[self] = store

	for _, p := range peers {
		peerCh := transport.NewMemoryChannel(capability.NearRadio, p, bus, nil)
		if err := peerCh.StartWithInbound(func(message.Message) {}); err != nil {
			t.Fatal(err)
		}
		store.SetPeerChannelState(p, capability.NearRadio, capability.PeerChannelState{
			Available: true, RttMs: 5, PacketLossRate: 0, Network: capability.Loopback,
		})
	}

	router := routing.NewRouter(store, registry, routing.NewPredictor(), nil)
	keys := groupkey.NewEngine()
	manager := NewManager(self, keys, router, nil)

	return &harness{self: self, manager: manager, stores: stores, bus: bus}
}

func TestCreateGroupAndBroadcast(t *testing.T) {
	self := meshid.NewDeviceId()
	p1, p2 := meshid.NewDeviceId(), meshid.NewDeviceId()
	h := newHarness(t, self, []meshid.DeviceId{p1, p2})

	memberKeys := map[meshid.DeviceId][32]byte{
		self: randKey(t), p1: randKey(t), p2: randKey(t),
	}
	g, err := h.manager.CreateGroup("friends", []meshid.DeviceId{p1, p2}, memberKeys)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Members()) != 3 {
		t.Fatalf("expected 3 members, got %d", len(g.Members()))
	}

	msgId, err := h.manager.Broadcast(g.Id, message.Text{Value: "hi all"})
	if err != nil {
		t.Fatal(err)
	}
	if msgId == meshid.NilMessageId {
		t.Fatal("expected non-nil message id")
	}
}

// Near-field recipients (NearRadio channel here) don't require an ack,
// so no pending-ACK entry is registered for them (spec section 4.8
// step 6 only covers remote recipients).
func TestBroadcastNearFieldSkipsPendingAck(t *testing.T) {
	self := meshid.NewDeviceId()
	p1 := meshid.NewDeviceId()
	h := newHarness(t, self, []meshid.DeviceId{p1})

	memberKeys := map[meshid.DeviceId][32]byte{self: randKey(t), p1: randKey(t)}
	g, err := h.manager.CreateGroup("pair", []meshid.DeviceId{p1}, memberKeys)
	if err != nil {
		t.Fatal(err)
	}

	msgId, err := h.manager.Broadcast(g.Id, message.Text{Value: "near"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.manager.AwaitResult(msgId); ok {
		t.Fatal("expected no pending ack entry for an all-near-field broadcast")
	}
}

func TestHandleAckCompletesPendingEntry(t *testing.T) {
	self := meshid.NewDeviceId()
	remote := meshid.NewDeviceId()

	bus := transport.NewBus()
	registry := transport.NewRegistry()
	// WideArea is not near-field, so this recipient is classified remote
	// and requires an ack.
	ch := transport.NewMemoryChannel(capability.WideArea, self, bus, nil)
	if err := ch.StartWithInbound(func(message.Message) {}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(ch); err != nil {
		t.Fatal(err)
	}
	remoteCh := transport.NewMemoryChannel(capability.WideArea, remote, bus, nil)
	if err := remoteCh.StartWithInbound(func(message.Message) {}); err != nil {
		t.Fatal(err)
	}

	store := capability.New(capability.LocalProfile{DeviceId: self}, nil)
	store.SetPeerChannelState(remote, capability.WideArea, capability.PeerChannelState{
		Available: true, RttMs: 50, PacketLossRate: 0, Network: capability.Ethernet,
	})

	router := routing.NewRouter(store, registry, routing.NewPredictor(), nil)
	keys := groupkey.NewEngine()
	manager := NewManager(self, keys, router, nil)

	memberKeys := map[meshid.DeviceId][32]byte{self: randKey(t), remote: randKey(t)}
	g, err := manager.CreateGroup("remote-pair", []meshid.DeviceId{remote}, memberKeys)
	if err != nil {
		t.Fatal(err)
	}

	msgId, err := manager.Broadcast(g.Id, message.Text{Value: "remote hello"})
	if err != nil {
		t.Fatal(err)
	}

	done, ok := manager.AwaitResult(msgId)
	if !ok {
		t.Fatal("expected a pending ack entry for the remote recipient")
	}

	manager.HandleAck(msgId, remote)

	select {
	case result := <-done:
		if len(result.SuccessfulDevices) != 1 || result.SuccessfulDevices[0] != remote {
			t.Fatalf("unexpected result: %#v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast result after ack")
	}
}
