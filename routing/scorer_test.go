package routing

import (
	"testing"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
)

func TestScoreZeroWhenUnavailable(t *testing.T) {
	state := capability.DefaultPeerChannelState()
	state.Available = false
	if got := Score(capability.NearRadio, state, capability.LocalProfile{}, message.Normal); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestScoreChargingMaximizesPower(t *testing.T) {
	pct := uint8(10)
	chargingProfile := capability.LocalProfile{IsCharging: true, BatteryPercent: &pct}
	lowBatteryProfile := capability.LocalProfile{IsCharging: false, BatteryPercent: &pct}

	state := capability.PeerChannelState{Available: true, RttMs: 50, PacketLossRate: 0.0, Network: capability.WiFi}

	charging := Score(capability.WideArea, state, chargingProfile, message.Low)
	lowBattery := Score(capability.WideArea, state, lowBatteryProfile, message.Low)

	if charging <= lowBattery {
		t.Fatalf("charging score %v should exceed low-battery score %v for a cost-5 channel", charging, lowBattery)
	}
}

func TestScoreWithinBounds(t *testing.T) {
	state := capability.PeerChannelState{Available: true, RttMs: 1, PacketLossRate: 0, Network: capability.WiFi}
	profile := capability.LocalProfile{IsCharging: true}
	for _, prio := range []message.Priority{message.Low, message.Normal, message.High, message.Critical} {
		got := Score(capability.LocalP2P, state, profile, prio)
		if got < 0 || got > 1 {
			t.Fatalf("score %v out of bounds for priority %v", got, prio)
		}
	}
}
