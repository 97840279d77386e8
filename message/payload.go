package message

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/xerr"
)

// Kind tags which Payload variant a wire frame carries. The wire framing
// (signature + kind byte, then big-endian fields) mirrors the teacher's
// msg package (msg/whisper.go, msg/hello.go): a fixed signature guards
// against reading garbage, the kind byte selects the variant, and fields
// are written in declaration order with binary.Write/binary.Read.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindBytes
	KindAck
	KindGroupAck
	KindPing
	KindPong
	KindGroupInvite
	KindStreamChunk
	KindStreamFrame
	KindStreamControl
	KindGroupKeyUpdate
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "Text"
	case KindBytes:
		return "Bytes"
	case KindAck:
		return "Ack"
	case KindGroupAck:
		return "GroupAck"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindGroupInvite:
		return "GroupInvite"
	case KindStreamChunk:
		return "StreamChunk"
	case KindStreamFrame:
		return "StreamFrame"
	case KindStreamControl:
		return "StreamControl"
	case KindGroupKeyUpdate:
		return "GroupKeyUpdate"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// wireSignature guards against desynchronized frames, same role as
// msg.Signature in the teacher package.
const wireSignature uint16 = 0x5E17

// Payload is the tagged-union contract every variant below implements.
type Payload interface {
	Kind() Kind
	Marshal() ([]byte, error)
	// NominalSize is the byte count Router records for traffic accounting
	// (spec section 4.4): UTF-8/blob length for Text/Bytes, data length
	// for stream variants, blob length for GroupKeyUpdate, 64 otherwise.
	NominalSize() int
}

// Text carries a UTF-8 string.
type Text struct{ Value string }

func (Text) Kind() Kind            { return KindText }
func (t Text) NominalSize() int    { return len(t.Value) }
func (t Text) Marshal() ([]byte, error) {
	return writeFrame(KindText, func(buf *bytes.Buffer) error {
		return writeBlob(buf, []byte(t.Value))
	})
}

// Bytes carries an opaque blob.
type Bytes struct{ Value []byte }

func (Bytes) Kind() Kind         { return KindBytes }
func (b Bytes) NominalSize() int { return len(b.Value) }
func (b Bytes) Marshal() ([]byte, error) {
	return writeFrame(KindBytes, func(buf *bytes.Buffer) error {
		return writeBlob(buf, b.Value)
	})
}

// Ack acknowledges a single prior MessageId.
type Ack struct{ OrigId meshid.MessageId }

func (Ack) Kind() Kind      { return KindAck }
func (Ack) NominalSize() int { return 64 }
func (a Ack) Marshal() ([]byte, error) {
	return writeFrame(KindAck, func(buf *bytes.Buffer) error {
		_, err := buf.Write(a.OrigId.Bytes())
		return err
	})
}

// GroupAck acknowledges a group broadcast on behalf of one responder.
type GroupAck struct {
	OrigId    meshid.MessageId
	Responder meshid.DeviceId
}

func (GroupAck) Kind() Kind       { return KindGroupAck }
func (GroupAck) NominalSize() int { return 64 }
func (g GroupAck) Marshal() ([]byte, error) {
	return writeFrame(KindGroupAck, func(buf *bytes.Buffer) error {
		if _, err := buf.Write(g.OrigId.Bytes()); err != nil {
			return err
		}
		_, err := buf.Write(g.Responder.Bytes())
		return err
	})
}

// Ping carries the sender's send-time in milliseconds.
type Ping struct{ SentAtMs uint64 }

func (Ping) Kind() Kind       { return KindPing }
func (Ping) NominalSize() int { return 64 }
func (p Ping) Marshal() ([]byte, error) {
	return writeFrame(KindPing, func(buf *bytes.Buffer) error {
		return binary.Write(buf, binary.BigEndian, p.SentAtMs)
	})
}

// Pong echoes back the ts_ms of the Ping that triggered it.
type Pong struct{ SentAtMs uint64 }

func (Pong) Kind() Kind       { return KindPong }
func (Pong) NominalSize() int { return 64 }
func (p Pong) Marshal() ([]byte, error) {
	return writeFrame(KindPong, func(buf *bytes.Buffer) error {
		return binary.Write(buf, binary.BigEndian, p.SentAtMs)
	})
}

// GroupInvite announces a group's existence and human name to a prospective
// member.
type GroupInvite struct {
	GroupId meshid.GroupId
	Name    string
}

func (GroupInvite) Kind() Kind       { return KindGroupInvite }
func (GroupInvite) NominalSize() int { return 64 }
func (g GroupInvite) Marshal() ([]byte, error) {
	return writeFrame(KindGroupInvite, func(buf *bytes.Buffer) error {
		if _, err := buf.Write(g.GroupId.Bytes()); err != nil {
			return err
		}
		return writeBlob(buf, []byte(g.Name))
	})
}

// StreamChunk is one fixed-order chunk of a bounded stream.
type StreamChunk struct {
	StreamId    meshid.StreamId
	TotalChunks uint32
	Index       uint32
	Data        []byte
	SentAtMs    uint64
}

func (StreamChunk) Kind() Kind       { return KindStreamChunk }
func (s StreamChunk) NominalSize() int { return len(s.Data) }
func (s StreamChunk) Marshal() ([]byte, error) {
	return writeFrame(KindStreamChunk, func(buf *bytes.Buffer) error {
		if _, err := buf.Write(s.StreamId.Bytes()); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, s.TotalChunks); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, s.Index); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, s.SentAtMs); err != nil {
			return err
		}
		return writeBlob(buf, s.Data)
	})
}

// StreamFrame is one frame of an unbounded (audio/video) stream; total_chunks
// is always 0 on the wire.
type StreamFrame struct {
	StreamId   meshid.StreamId
	FrameIndex uint32
	Data       []byte
	TsMs       uint64
}

func (StreamFrame) Kind() Kind       { return KindStreamFrame }
func (s StreamFrame) NominalSize() int { return len(s.Data) }
func (s StreamFrame) Marshal() ([]byte, error) {
	return writeFrame(KindStreamFrame, func(buf *bytes.Buffer) error {
		if _, err := buf.Write(s.StreamId.Bytes()); err != nil {
			return err
		}
		var zero uint32
		if err := binary.Write(buf, binary.BigEndian, zero); err != nil { // total_chunks=0
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, s.FrameIndex); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, s.TsMs); err != nil {
			return err
		}
		return writeBlob(buf, s.Data)
	})
}

// StreamControl carries flow-control hints back to a producer.
type StreamControl struct {
	StreamId   meshid.StreamId
	WindowHint uint32
	Pause      bool
}

func (StreamControl) Kind() Kind       { return KindStreamControl }
func (StreamControl) NominalSize() int { return 64 }
func (s StreamControl) Marshal() ([]byte, error) {
	return writeFrame(KindStreamControl, func(buf *bytes.Buffer) error {
		if _, err := buf.Write(s.StreamId.Bytes()); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, s.WindowHint); err != nil {
			return err
		}
		var p byte
		if s.Pause {
			p = 1
		}
		return buf.WriteByte(p)
	})
}

// GroupKeyUpdate carries a new epoch and an opaque rekey path blob.
type GroupKeyUpdate struct {
	GroupId       meshid.GroupId
	Epoch         uint64
	UpdatePathBlob []byte
}

func (GroupKeyUpdate) Kind() Kind       { return KindGroupKeyUpdate }
func (g GroupKeyUpdate) NominalSize() int { return len(g.UpdatePathBlob) }
func (g GroupKeyUpdate) Marshal() ([]byte, error) {
	return writeFrame(KindGroupKeyUpdate, func(buf *bytes.Buffer) error {
		if _, err := buf.Write(g.GroupId.Bytes()); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, g.Epoch); err != nil {
			return err
		}
		return writeBlob(buf, g.UpdatePathBlob)
	})
}

func writeFrame(kind Kind, body func(*bytes.Buffer) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, wireSignature); err != nil {
		return nil, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "message.Marshal", "write signature", err)
	}
	if err := binary.Write(buf, binary.BigEndian, uint8(kind)); err != nil {
		return nil, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "message.Marshal", "write kind", err)
	}
	if err := body(buf); err != nil {
		return nil, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "message.Marshal", "write body", err)
	}
	return buf.Bytes(), nil
}

func writeBlob(buf *bytes.Buffer, data []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := buf.Write(data)
	return err
}

func readBlob(buf *bytes.Buffer) ([]byte, error) {
	var n uint32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := buf.Read(data); err != nil && n > 0 {
		return nil, err
	}
	return data, nil
}

func readId16(buf *bytes.Buffer) ([16]byte, error) {
	var id [16]byte
	_, err := buf.Read(id[:])
	return id, err
}

// Unmarshal parses a frame produced by Marshal, dispatching on the kind
// byte after validating the signature.
func Unmarshal(frame []byte) (Payload, error) {
	buf := bytes.NewBuffer(frame)
	var sig uint16
	if err := binary.Read(buf, binary.BigEndian, &sig); err != nil {
		return nil, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "message.Unmarshal", "read signature", err)
	}
	if sig != wireSignature {
		return nil, xerr.New(xerr.SerializationFailed, xerr.CategorySystem, "message.Unmarshal", "bad signature")
	}
	var kindByte uint8
	if err := binary.Read(buf, binary.BigEndian, &kindByte); err != nil {
		return nil, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "message.Unmarshal", "read kind", err)
	}
	kind := Kind(kindByte)

	fail := func(err error) (Payload, error) {
		return nil, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "message.Unmarshal", fmt.Sprintf("decode %s", kind), err)
	}

	switch kind {
	case KindText:
		b, err := readBlob(buf)
		if err != nil {
			return fail(err)
		}
		return Text{Value: string(b)}, nil
	case KindBytes:
		b, err := readBlob(buf)
		if err != nil {
			return fail(err)
		}
		return Bytes{Value: b}, nil
	case KindAck:
		id, err := readId16(buf)
		if err != nil {
			return fail(err)
		}
		return Ack{OrigId: meshid.MessageId(id)}, nil
	case KindGroupAck:
		id, err := readId16(buf)
		if err != nil {
			return fail(err)
		}
		resp, err := readId16(buf)
		if err != nil {
			return fail(err)
		}
		return GroupAck{OrigId: meshid.MessageId(id), Responder: meshid.DeviceId(resp)}, nil
	case KindPing:
		var ts uint64
		if err := binary.Read(buf, binary.BigEndian, &ts); err != nil {
			return fail(err)
		}
		return Ping{SentAtMs: ts}, nil
	case KindPong:
		var ts uint64
		if err := binary.Read(buf, binary.BigEndian, &ts); err != nil {
			return fail(err)
		}
		return Pong{SentAtMs: ts}, nil
	case KindGroupInvite:
		gid, err := readId16(buf)
		if err != nil {
			return fail(err)
		}
		name, err := readBlob(buf)
		if err != nil {
			return fail(err)
		}
		return GroupInvite{GroupId: meshid.GroupId(gid), Name: string(name)}, nil
	case KindStreamChunk:
		sid, err := readId16(buf)
		if err != nil {
			return fail(err)
		}
		var total, index uint32
		var sentAt uint64
		if err := binary.Read(buf, binary.BigEndian, &total); err != nil {
			return fail(err)
		}
		if err := binary.Read(buf, binary.BigEndian, &index); err != nil {
			return fail(err)
		}
		if err := binary.Read(buf, binary.BigEndian, &sentAt); err != nil {
			return fail(err)
		}
		data, err := readBlob(buf)
		if err != nil {
			return fail(err)
		}
		return StreamChunk{StreamId: meshid.StreamId(sid), TotalChunks: total, Index: index, Data: data, SentAtMs: sentAt}, nil
	case KindStreamFrame:
		sid, err := readId16(buf)
		if err != nil {
			return fail(err)
		}
		var zero, frameIdx uint32
		var ts uint64
		if err := binary.Read(buf, binary.BigEndian, &zero); err != nil {
			return fail(err)
		}
		if err := binary.Read(buf, binary.BigEndian, &frameIdx); err != nil {
			return fail(err)
		}
		if err := binary.Read(buf, binary.BigEndian, &ts); err != nil {
			return fail(err)
		}
		data, err := readBlob(buf)
		if err != nil {
			return fail(err)
		}
		return StreamFrame{StreamId: meshid.StreamId(sid), FrameIndex: frameIdx, Data: data, TsMs: ts}, nil
	case KindStreamControl:
		sid, err := readId16(buf)
		if err != nil {
			return fail(err)
		}
		var hint uint32
		if err := binary.Read(buf, binary.BigEndian, &hint); err != nil {
			return fail(err)
		}
		pauseByte, err := buf.ReadByte()
		if err != nil {
			return fail(err)
		}
		return StreamControl{StreamId: meshid.StreamId(sid), WindowHint: hint, Pause: pauseByte == 1}, nil
	case KindGroupKeyUpdate:
		gid, err := readId16(buf)
		if err != nil {
			return fail(err)
		}
		var epoch uint64
		if err := binary.Read(buf, binary.BigEndian, &epoch); err != nil {
			return fail(err)
		}
		blob, err := readBlob(buf)
		if err != nil {
			return fail(err)
		}
		return GroupKeyUpdate{GroupId: meshid.GroupId(gid), Epoch: epoch, UpdatePathBlob: blob}, nil
	default:
		return nil, xerr.New(xerr.SerializationFailed, xerr.CategorySystem, "message.Unmarshal", fmt.Sprintf("unknown kind %d", kindByte))
	}
}
