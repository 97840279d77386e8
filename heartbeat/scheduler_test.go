package heartbeat

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/transport"
)

// TestMain verifies the tick goroutine started by Scheduler.Start exits
// cleanly once every test that starts one also calls Stop.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func f64(v float64) *float64 { return &v }
func i32(v int32) *int32     { return &v }

func TestIsNearClassification(t *testing.T) {
	cases := []struct {
		name  string
		state capability.PeerChannelState
		want  bool
	}{
		{"close distance", capability.PeerChannelState{EstimatedDistanceM: f64(5), RttMs: 9999}, true},
		{"strong signal", capability.PeerChannelState{SignalStrengthDbm: i32(-50), RttMs: 9999}, true},
		{"fast rtt", capability.PeerChannelState{RttMs: 50}, true},
		{"far and weak", capability.PeerChannelState{EstimatedDistanceM: f64(500), SignalStrengthDbm: i32(-90), RttMs: 400}, false},
	}
	for _, c := range cases {
		if got := isNear(c.state); got != c.want {
			t.Errorf("%s: isNear=%v, want %v", c.name, got, c.want)
		}
	}
}

func TestNearIntervalBounds(t *testing.T) {
	closest := capability.PeerChannelState{EstimatedDistanceM: f64(0), SignalStrengthDbm: i32(-60), RttMs: 0}
	if got := nearInterval(closest); got != time.Second {
		t.Errorf("expected 1s floor, got %v", got)
	}
	farthest := capability.PeerChannelState{EstimatedDistanceM: f64(10), SignalStrengthDbm: i32(-100), RttMs: 200}
	if got := nearInterval(farthest); got != 5*time.Second {
		t.Errorf("expected 5s ceiling, got %v", got)
	}
}

func TestFarIntervalBounds(t *testing.T) {
	best := capability.PeerChannelState{Network: capability.Bluetooth, RttMs: 0}
	got := farInterval(best)
	if got < 30*time.Second || got > 60*time.Second {
		t.Errorf("far interval out of bounds: %v", got)
	}
	worst := capability.PeerChannelState{Network: capability.Ethernet, RttMs: 1000}
	if got := farInterval(worst); got != 60*time.Second {
		t.Errorf("expected 60s ceiling, got %v", got)
	}
}

// Property 8: repeated Pongs converge the EWMA RTT estimate toward the
// observed value.
func TestPongUpdatesEwmaRtt(t *testing.T) {
	self := meshid.NewDeviceId()
	peer := meshid.NewDeviceId()
	bus := transport.NewBus()
	registry := transport.NewRegistry()

	selfCh := transport.NewMemoryChannel(capability.LocalNetwork, self, bus, nil)
	if err := selfCh.StartWithInbound(func(message.Message) {}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(selfCh); err != nil {
		t.Fatal(err)
	}
	peerCh := transport.NewMemoryChannel(capability.LocalNetwork, peer, bus, nil)
	if err := peerCh.StartWithInbound(func(message.Message) {}); err != nil {
		t.Fatal(err)
	}

	store := capability.New(capability.LocalProfile{DeviceId: self}, nil)
	sched := NewScheduler(self, store, registry, nil)

	sentAt := uint64(time.Now().Add(-50 * time.Millisecond).UnixMilli())
	if err := sched.HandleInbound(peer, capability.LocalNetwork, message.Pong{SentAtMs: sentAt}); err != nil {
		t.Fatal(err)
	}

	state, ok := store.GetPeerChannelState(peer, capability.LocalNetwork)
	if !ok {
		t.Fatal("expected peer channel state to exist after first pong")
	}
	if !state.Available || state.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected state after pong: %#v", state)
	}
	firstRtt := state.RttMs
	if firstRtt == 9999 {
		t.Fatal("expected rtt to be seeded from the first pong")
	}

	sentAt2 := uint64(time.Now().Add(-10 * time.Millisecond).UnixMilli())
	if err := sched.HandleInbound(peer, capability.LocalNetwork, message.Pong{SentAtMs: sentAt2}); err != nil {
		t.Fatal(err)
	}
	state2, _ := store.GetPeerChannelState(peer, capability.LocalNetwork)
	if state2.RttMs == firstRtt {
		t.Fatal("expected EWMA to move after a second, different observation")
	}
}

// Property 8 (failure path): sending a ping optimistically counts as a
// failure, and the pair becomes unavailable after 3 consecutive misses.
func TestConsecutiveMissedPingsMarksUnavailable(t *testing.T) {
	self := meshid.NewDeviceId()
	peer := meshid.NewDeviceId()
	bus := transport.NewBus()
	registry := transport.NewRegistry()

	selfCh := transport.NewMemoryChannel(capability.LocalNetwork, self, bus, nil)
	if err := selfCh.StartWithInbound(func(message.Message) {}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(selfCh); err != nil {
		t.Fatal(err)
	}
	// Note: peer channel is deliberately NOT started, so sends fail.

	store := capability.New(capability.LocalProfile{DeviceId: self}, nil)
	store.SetPeerChannelState(peer, capability.LocalNetwork, capability.PeerChannelState{
		Available: true, RttMs: 900, Network: capability.Ethernet,
	})
	sched := NewScheduler(self, store, registry, nil)
	sched.Track(peer, capability.LocalNetwork)

	base := time.Now()
	for i := 0; i < 3; i++ {
		sched.Tick(base.Add(time.Duration(i) * time.Minute))
	}

	state, ok := store.GetPeerChannelState(peer, capability.LocalNetwork)
	if !ok {
		t.Fatal("expected state to exist")
	}
	if state.ConsecutiveFailures < 3 || state.Available {
		t.Fatalf("expected unavailable after 3 missed pings, got %#v", state)
	}
}

// Stop must fully drain the tick goroutine Start launched, or the next
// test's goleak.VerifyTestMain check fails.
func TestStartStopLeavesNoTickGoroutine(t *testing.T) {
	self := meshid.NewDeviceId()
	store := capability.New(capability.LocalProfile{DeviceId: self}, nil)
	registry := transport.NewRegistry()
	sched := NewScheduler(self, store, registry, nil)

	sched.Start()
	time.Sleep(10 * time.Millisecond)
	sched.Stop()
}
