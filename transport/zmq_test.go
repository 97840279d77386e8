package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
)

// TestMain verifies the poller goroutine ZMQChannel.StartWithInbound
// launches exits cleanly once Close is called.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Close must fully drain ZMQChannel's inboxLoop goroutine, or the next
// test's goleak.VerifyTestMain check fails.
func TestZMQChannelSendReceiveAndClose(t *testing.T) {
	selfA, selfB := meshid.NewDeviceId(), meshid.NewDeviceId()
	endpoints := make(map[meshid.DeviceId]string)
	endpointOf := func(id meshid.DeviceId) (string, bool) {
		ep, ok := endpoints[id]
		return ep, ok
	}

	chA, err := NewZMQChannel(selfA, endpointOf, nil)
	if err != nil {
		t.Fatal(err)
	}
	chB, err := NewZMQChannel(selfB, endpointOf, nil)
	if err != nil {
		t.Fatal(err)
	}
	endpoints[selfB] = fmt.Sprintf("tcp://127.0.0.1:%d", chB.port)

	received := make(chan message.Message, 1)
	if err := chB.StartWithInbound(func(msg message.Message) { received <- msg }); err != nil {
		t.Fatal(err)
	}
	if err := chA.Start(); err != nil {
		t.Fatal(err)
	}

	if err := chA.Send(context.Background(), message.Message{
		Recipient: selfB,
		Payload:   message.Text{Value: "hi"},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-received:
		text, ok := msg.Payload.(message.Text)
		if !ok || text.Value != "hi" {
			t.Fatalf("unexpected payload: %#v", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}

	if err := chA.Close(); err != nil {
		t.Fatal(err)
	}
	if err := chB.Close(); err != nil {
		t.Fatal(err)
	}
}
