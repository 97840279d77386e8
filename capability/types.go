// Package capability holds the authoritative view of the local device
// profile and of per-peer per-transport reachability state (spec section
// 4.1). It is the sole owner of LocalProfile and PeerChannelState; every
// other component consumes snapshots through CapabilityStore's read
// surface, per the ownership rules in spec section 3.
package capability

import "github.com/kestrelmesh/kestrel/meshid"

// ChannelKind is the closed enumeration of transports the router can pick
// from.
type ChannelKind uint8

const (
	NearRadio ChannelKind = iota
	MeshRadio
	LocalP2P
	LocalNetwork
	WideArea
)

func (k ChannelKind) String() string {
	switch k {
	case NearRadio:
		return "NearRadio"
	case MeshRadio:
		return "MeshRadio"
	case LocalP2P:
		return "LocalP2P"
	case LocalNetwork:
		return "LocalNetwork"
	case WideArea:
		return "WideArea"
	default:
		return "Unknown"
	}
}

// IsNearField reports whether this kind is one of the near-field
// transports, per the glossary definition.
func (k ChannelKind) IsNearField() bool {
	switch k {
	case NearRadio, MeshRadio, LocalP2P:
		return true
	default:
		return false
	}
}

// PowerCost is the fixed 1..5 weight used by the Scorer's power component.
func (k ChannelKind) PowerCost() int {
	switch k {
	case NearRadio:
		return 1
	case MeshRadio:
		return 2
	case LocalP2P:
		return 2
	case LocalNetwork:
		return 3
	case WideArea:
		return 5
	default:
		return 5
	}
}

// AllChannelKinds lists every closed-enumeration member, in declaration
// order, for iteration (e.g. building the Predictor's candidate set).
func AllChannelKinds() []ChannelKind {
	return []ChannelKind{NearRadio, MeshRadio, LocalP2P, LocalNetwork, WideArea}
}

// NetworkKind tags the physical/logical network carrying a channel.
type NetworkKind uint8

const (
	Unknown NetworkKind = iota
	WiFi
	Ethernet
	Cellular4G
	Cellular5G
	Bluetooth
	Loopback
)

// DeviceKind is a free-form tag describing what sort of device this is
// (phone, laptop, sensor, ...); the SDK does not interpret it.
type DeviceKind string

// LocalProfile is the one-per-process mutable local device profile.
type LocalProfile struct {
	DeviceId          meshid.DeviceId
	DeviceKind        DeviceKind
	Name              string
	SupportedChannels []ChannelKind
	BatteryPercent    *uint8 // 0..100, nil if unknown
	IsCharging        bool
	DataCostSensitive bool
}

// Clone returns a value copy safe to hand to another goroutine.
func (p LocalProfile) Clone() LocalProfile {
	cp := p
	cp.SupportedChannels = append([]ChannelKind(nil), p.SupportedChannels...)
	if p.BatteryPercent != nil {
		b := *p.BatteryPercent
		cp.BatteryPercent = &b
	}
	return cp
}

// PeerChannelState is the most recent observation of one peer's
// reachability on one ChannelKind. The zero value below (via
// DefaultPeerChannelState) is deliberately pessimistic: unavailable, no
// signal, full loss.
type PeerChannelState struct {
	Available          bool
	RttMs              uint32 // 9999 = no signal
	JitterMs           uint32
	PacketLossRate     float64 // [0,1]
	BandwidthBps       uint64
	SignalStrengthDbm  *int32
	EstimatedDistanceM *float64
	Network            NetworkKind
	ConsecutiveFailures uint32
	LastHeartbeatMs    int64
}

// DefaultPeerChannelState is the pessimistic default for an unobserved
// (peer, ChannelKind) pair.
func DefaultPeerChannelState() PeerChannelState {
	return PeerChannelState{
		Available:      false,
		RttMs:          9999,
		PacketLossRate: 1.0,
		Network:        Unknown,
	}
}

// PeerProfile is a peer's LocalProfile as last learned through discovery
// or a Hello-equivalent handshake.
type PeerProfile struct {
	DeviceId          meshid.DeviceId
	DeviceKind        DeviceKind
	Name              string
	SupportedChannels []ChannelKind
}
