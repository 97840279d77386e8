// Package meshid defines the opaque 128-bit identifiers shared across the
// mesh SDK: DeviceId, GroupId, MessageId, StreamId. All four share the same
// underlying representation so equality and hashing stay bitwise, per the
// data model in spec section 3.
package meshid

import "github.com/google/uuid"

// Raw is the bitwise-comparable 128-bit value backing every identifier
// kind below. It is intentionally a plain array, not the uuid.UUID type
// directly, so the identifier kinds stay distinct Go types.
type Raw [16]byte

// DeviceId identifies a device/process running the SDK.
type DeviceId Raw

// GroupId identifies a broadcast group.
type GroupId Raw

// MessageId identifies a single application-level message.
type MessageId Raw

// StreamId identifies a chunked/framed stream.
type StreamId Raw

// New generates a fresh random Raw value.
func New() Raw {
	return Raw(uuid.New())
}

func NewDeviceId() DeviceId   { return DeviceId(New()) }
func NewGroupId() GroupId     { return GroupId(New()) }
func NewMessageId() MessageId { return MessageId(New()) }
func NewStreamId() StreamId   { return StreamId(New()) }

func (d DeviceId) String() string   { return uuid.UUID(d).String() }
func (g GroupId) String() string    { return uuid.UUID(g).String() }
func (m MessageId) String() string  { return uuid.UUID(m).String() }
func (s StreamId) String() string   { return uuid.UUID(s).String() }

func (d DeviceId) Bytes() []byte  { b := d; return b[:] }
func (g GroupId) Bytes() []byte   { b := g; return b[:] }
func (m MessageId) Bytes() []byte { b := m; return b[:] }
func (s StreamId) Bytes() []byte  { b := s; return b[:] }

var (
	NilDeviceId  DeviceId
	NilGroupId   GroupId
	NilMessageId MessageId
	NilStreamId  StreamId
)
