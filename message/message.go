package message

import "github.com/kestrelmesh/kestrel/meshid"

// Priority tags a Message for routing/scoring purposes (spec section 4.3).
type Priority uint8

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "Low"
	case Normal:
		return "Normal"
	case High:
		return "High"
	case Critical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Message is the wire-visible envelope carried by every transport.
type Message struct {
	Id         meshid.MessageId
	Sender     meshid.DeviceId
	Recipient  meshid.DeviceId // zero value when GroupId is set
	GroupId    *meshid.GroupId
	Priority   Priority
	Payload    Payload
	Timestamp  int64 // unix seconds
	RequireAck bool
}

// NominalSize returns the byte count Router should record for traffic
// accounting, per spec section 4.4.
func (m Message) NominalSize() int {
	if m.Payload == nil {
		return 64
	}
	return m.Payload.NominalSize()
}
