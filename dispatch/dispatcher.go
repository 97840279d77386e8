package dispatch

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/group"
	"github.com/kestrelmesh/kestrel/heartbeat"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/stream"
)

// AppHandler receives every inbound Message that isn't consumed by an
// internal engine (spec section 4.11 step 2, "everything else").
type AppHandler func(message.Message)

// Dispatcher is the single inbound entry point (spec section 4.11). Each
// inbound message's handoff to the engine that owns it runs on its own
// errgroup goroutine, so a slow handler (app code, a stalled group
// decrypt) never blocks the transport's poll loop from draining the
// next frame.
type Dispatcher struct {
	log        *logrus.Entry
	guard      *RateGuard
	heartbeat  *heartbeat.Scheduler
	stream     *stream.Segmenter
	groupMgr   *group.Manager
	appHandler AppHandler

	eg errgroup.Group
}

// New wires a Dispatcher to the engines that own each Payload variant.
func New(guard *RateGuard, hb *heartbeat.Scheduler, seg *stream.Segmenter, groupMgr *group.Manager, appHandler AppHandler, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	return &Dispatcher{
		log:        log.WithField("component", "dispatch.Dispatcher"),
		guard:      guard,
		heartbeat:  hb,
		stream:     seg,
		groupMgr:   groupMgr,
		appHandler: appHandler,
	}
}

// Dispatch is the single inbound entry point: apply RateGuard, then
// route by Payload variant to the engine that owns it (spec section
// 4.11).
func (d *Dispatcher) Dispatch(kind capability.ChannelKind, msg message.Message) {
	if !d.guard.Allow(msg.Sender) {
		d.log.WithField("sender", msg.Sender.String()).Warn("rate guard dropped inbound message")
		return
	}

	switch payload := msg.Payload.(type) {
	case message.Ping:
		d.handoff(func() {
			if d.heartbeat != nil {
				_ = d.heartbeat.HandleInbound(msg.Sender, kind, payload)
			}
		})

	case message.Pong:
		d.handoff(func() {
			if d.heartbeat != nil {
				_ = d.heartbeat.HandleInbound(msg.Sender, kind, payload)
			}
		})

	case message.StreamChunk:
		d.handoff(func() {
			if d.stream != nil {
				_ = d.stream.ReceiveChunk(msg.Sender, payload.StreamId, payload.TotalChunks, payload.Index, payload.Data)
			}
		})

	case message.StreamFrame:
		d.handoff(func() {
			d.forwardApp(message.Message{
				Id:        meshid.NewMessageId(),
				Sender:    msg.Sender,
				Recipient: msg.Recipient,
				Priority:  msg.Priority,
				Payload:   message.Bytes{Value: payload.Data},
				Timestamp: msg.Timestamp,
			})
		})

	case message.StreamControl:
		d.handoff(func() { d.forwardApp(msg) })

	case message.GroupAck:
		d.handoff(func() {
			if d.groupMgr != nil {
				d.groupMgr.HandleAck(payload.OrigId, payload.Responder)
			}
		})

	case message.GroupInvite:
		d.handoff(func() {
			if d.groupMgr != nil {
				d.groupMgr.NotifyInvite(payload)
			}
		})

	case message.GroupKeyUpdate:
		d.handoff(func() {
			if d.groupMgr != nil {
				d.groupMgr.NotifyGroupKeyUpdate(payload)
			}
		})

	case message.Bytes:
		d.handoff(func() {
			if msg.GroupId != nil && d.groupMgr != nil {
				plain, err := d.groupMgr.DecryptInbound(*msg.GroupId, payload)
				if err != nil {
					d.log.WithError(err).WithField("group", msg.GroupId.String()).Warn("group decrypt failed")
					return
				}
				d.forwardApp(message.Message{
					Id:        msg.Id,
					Sender:    msg.Sender,
					GroupId:   msg.GroupId,
					Priority:  msg.Priority,
					Payload:   plain,
					Timestamp: msg.Timestamp,
				})
				return
			}
			d.forwardApp(msg)
		})

	default:
		d.handoff(func() { d.forwardApp(msg) })
	}
}

// handoff runs fn on the Dispatcher's errgroup so the caller (a
// transport's poll loop) never blocks on engine processing time.
func (d *Dispatcher) handoff(fn func()) {
	d.eg.Go(func() error {
		fn()
		return nil
	})
}

// Wait blocks until every handed-off message has finished processing.
// Callers drain this during shutdown so Close doesn't race in-flight
// handoffs.
func (d *Dispatcher) Wait() error {
	return d.eg.Wait()
}

func (d *Dispatcher) forwardApp(msg message.Message) {
	if d.appHandler != nil {
		d.appHandler(msg)
	}
}
