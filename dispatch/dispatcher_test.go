package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/stream"
)

// Preserving MessageId identity and routing by Payload variant (spec
// section 4.11): a Text payload reaches the application handler
// untouched.
func TestDispatchRoutesUnknownPayloadToAppHandler(t *testing.T) {
	var mu sync.Mutex
	var got message.Message
	received := make(chan struct{})

	d := New(NewRateGuard(), nil, nil, nil, func(msg message.Message) {
		mu.Lock()
		got = msg
		mu.Unlock()
		close(received)
	}, nil)

	self := meshid.NewDeviceId()
	sender := meshid.NewDeviceId()
	msgId := meshid.NewMessageId()
	d.Dispatch(capability.LocalNetwork, message.Message{
		Id:        msgId,
		Sender:    sender,
		Recipient: self,
		Payload:   message.Text{Value: "hi"},
	})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("app handler never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Id != msgId {
		t.Fatalf("expected MessageId preserved, got %v want %v", got.Id, msgId)
	}
	if text, ok := got.Payload.(message.Text); !ok || text.Value != "hi" {
		t.Fatalf("unexpected payload: %#v", got.Payload)
	}
}

func TestDispatchRoutesStreamChunksToSegmenter(t *testing.T) {
	var mu sync.Mutex
	var got message.Bytes
	done := make(chan struct{})

	seg := stream.NewSegmenter(meshid.NewDeviceId(), nil, func(peer meshid.DeviceId, streamId meshid.StreamId, payload message.Bytes) {
		mu.Lock()
		got = payload
		mu.Unlock()
		close(done)
	}, nil)

	d := New(NewRateGuard(), nil, seg, nil, nil, nil)

	sender := meshid.NewDeviceId()
	streamId := meshid.NewStreamId()
	d.Dispatch(capability.LocalNetwork, message.Message{
		Id:      meshid.NewMessageId(),
		Sender:  sender,
		Payload: message.StreamChunk{StreamId: streamId, TotalChunks: 1, Index: 0, Data: []byte("chunk")},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("segmenter completion handler never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got.Value) != "chunk" {
		t.Fatalf("unexpected reassembled data: %q", got.Value)
	}
}

func TestDispatchDropsOverRateLimit(t *testing.T) {
	var count int
	var mu sync.Mutex
	d := New(NewRateGuard(), nil, nil, nil, func(message.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	sender := meshid.NewDeviceId()
	for i := 0; i < 101; i++ {
		d.Dispatch(capability.LocalNetwork, message.Message{
			Id:      meshid.NewMessageId(),
			Sender:  sender,
			Payload: message.Text{Value: "x"},
		})
	}
	_ = d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count > 100 {
		t.Fatalf("expected at most 100 forwarded, got %d", count)
	}
}
