package message

import (
	"bytes"
	"testing"

	"github.com/kestrelmesh/kestrel/meshid"
)

func roundTrip(t *testing.T, p Payload) Payload {
	t.Helper()
	frame, err := p.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(frame)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return got
}

func TestTextRoundTrip(t *testing.T) {
	got := roundTrip(t, Text{Value: "hello"})
	tx, ok := got.(Text)
	if !ok || tx.Value != "hello" {
		t.Fatalf("got %#v", got)
	}
}

func TestEmptyBytesRoundTrip(t *testing.T) {
	got := roundTrip(t, Bytes{Value: []byte{}})
	b, ok := got.(Bytes)
	if !ok || len(b.Value) != 0 {
		t.Fatalf("got %#v", got)
	}
}

func TestStreamChunkRoundTrip(t *testing.T) {
	sid := meshid.NewStreamId()
	orig := StreamChunk{StreamId: sid, TotalChunks: 3, Index: 1, Data: []byte("abc"), SentAtMs: 42}
	got := roundTrip(t, orig)
	sc, ok := got.(StreamChunk)
	if !ok {
		t.Fatalf("got %#v", got)
	}
	if sc.StreamId != sid || sc.TotalChunks != 3 || sc.Index != 1 || !bytes.Equal(sc.Data, orig.Data) || sc.SentAtMs != 42 {
		t.Fatalf("mismatch: %#v", sc)
	}
}

func TestGroupKeyUpdateRoundTrip(t *testing.T) {
	gid := meshid.NewGroupId()
	orig := GroupKeyUpdate{GroupId: gid, Epoch: 7, UpdatePathBlob: []byte{1, 2, 3}}
	got := roundTrip(t, orig)
	gk, ok := got.(GroupKeyUpdate)
	if !ok || gk.GroupId != gid || gk.Epoch != 7 || !bytes.Equal(gk.UpdatePathBlob, orig.UpdatePathBlob) {
		t.Fatalf("mismatch: %#v", gk)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	if _, err := Unmarshal([]byte{0, 0, 0, 0}); err == nil {
		t.Fatal("expected error for bad signature")
	}
}

func TestNominalSize(t *testing.T) {
	if (Text{Value: "hello"}).NominalSize() != 5 {
		t.Fatal("text nominal size")
	}
	if (Ack{}).NominalSize() != 64 {
		t.Fatal("ack nominal size")
	}
}
