// Package routing implements the Scorer, Predictor, and Router described
// in spec sections 4.3, 4.4, and 4.5.
package routing

import (
	"math"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
)

type weights struct{ lat, rel, pow, cost float64 }

var priorityWeights = map[message.Priority]weights{
	message.Critical: {0.50, 0.40, 0.05, 0.05},
	message.High:     {0.40, 0.30, 0.10, 0.20},
	message.Normal:   {0.20, 0.30, 0.20, 0.30},
	message.Low:      {0.10, 0.20, 0.30, 0.40},
}

// Score is a pure, deterministic, total function of its four inputs. It
// has no side effects and never mutates its arguments.
func Score(kind capability.ChannelKind, state capability.PeerChannelState, profile capability.LocalProfile, prio message.Priority) float64 {
	if !state.Available {
		return 0
	}

	w, ok := priorityWeights[prio]
	if !ok {
		w = priorityWeights[message.Normal]
	}

	latency := latencyScore(state.RttMs)
	reliability := 1 - state.PacketLossRate
	power := powerScore(kind, profile)
	cost := costScore(state.Network, profile)

	total := latency*w.lat + reliability*w.rel + power*w.pow + cost*w.cost
	return clamp01(total)
}

func latencyScore(rttMs uint32) float64 {
	x := math.Log(float64(rttMs) / 10)
	if x < 0 {
		x = 0
	}
	return 1 / (1 + x)
}

func powerScore(kind capability.ChannelKind, profile capability.LocalProfile) float64 {
	if profile.IsCharging {
		return 1.0
	}
	batteryFrac := 1.0
	if profile.BatteryPercent != nil {
		batteryFrac = float64(*profile.BatteryPercent) / 100
	}
	switch cost := kind.PowerCost(); {
	case cost <= 1:
		return 1.0
	case cost == 2:
		return 0.8 * (0.5 + 0.5*batteryFrac)
	case cost == 3:
		return 0.6 * batteryFrac
	default:
		return 0.4 * batteryFrac
	}
}

func costScore(network capability.NetworkKind, profile capability.LocalProfile) float64 {
	switch network {
	case capability.WiFi, capability.Ethernet, capability.Loopback, capability.Bluetooth:
		return 1.0
	case capability.Cellular4G, capability.Cellular5G:
		if profile.DataCostSensitive {
			return 0.1
		}
		return 0.6
	default:
		return 0.5
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
