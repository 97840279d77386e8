// Package stream implements StreamSegmenter (spec section 4.10):
// fixed-size chunking and out-of-order reassembly for bounded byte
// streams, fixed-frame audio and I/P-tagged video framing, and a
// per-stream adaptive-bitrate controller. It is grounded on the
// teacher's 1 Hz sweep idiom (node.go's re-armed time.After loop) for
// the idle-stream eviction sweep, generalized from "expire a silent
// peer" to "expire a silent stream reassembly buffer".
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/routing"
	"github.com/kestrelmesh/kestrel/xerr"
)

// DefaultChunkSize is the fixed bounded-stream chunk size (spec section
// 4.10).
const DefaultChunkSize = 32 * 1024

// idleTimeout evicts a stream reassembly buffer with no activity for
// this long (spec section 4.10).
const idleTimeout = 5 * time.Minute

// CompletionHandler is invoked once a stream's chunks are fully
// reassembled, surfacing the synthesized Bytes payload to the
// Dispatcher (spec section 4.11).
type CompletionHandler func(peer meshid.DeviceId, streamId meshid.StreamId, payload message.Bytes)

type reassembly struct {
	total        uint32
	chunks       map[uint32][]byte
	lastActivity time.Time
	peer         meshid.DeviceId
}

// Segmenter implements send_stream/receive_chunk plus eviction.
type Segmenter struct {
	log    *logrus.Entry
	self   meshid.DeviceId
	router *routing.Router
	onDone CompletionHandler

	mu      sync.Mutex
	streams map[meshid.StreamId]*reassembly

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSegmenter wires a Segmenter to the Router used to dispatch chunks
// and the handler invoked on reassembly completion.
func NewSegmenter(self meshid.DeviceId, router *routing.Router, onDone CompletionHandler, log *logrus.Logger) *Segmenter {
	if log == nil {
		log = logrus.New()
	}
	return &Segmenter{
		log:     log.WithField("component", "stream.Segmenter"),
		self:    self,
		router:  router,
		onDone:  onDone,
		streams: make(map[meshid.StreamId]*reassembly),
		stop:    make(chan struct{}),
	}
}

// StartEvictionSweep launches the background idle-stream eviction loop.
func (s *Segmenter) StartEvictionSweep() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.evictIdle(now)
			}
		}
	}()
}

// Stop halts the eviction sweep.
func (s *Segmenter) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Segmenter) evictIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.streams {
		if now.Sub(r.lastActivity) >= idleTimeout {
			delete(s.streams, id)
			s.log.WithField("stream", id.String()).Debug("evicted idle stream reassembly buffer")
		}
	}
}

// SendStream splits data into DefaultChunkSize chunks and dispatches
// each as a StreamChunk through the Router; returns the StreamId
// immediately, with chunk delivery proceeding asynchronously (spec
// section 4.10).
func (s *Segmenter) SendStream(peer meshid.DeviceId, data []byte) (meshid.StreamId, error) {
	streamId := meshid.NewStreamId()
	total := uint32((len(data) + DefaultChunkSize - 1) / DefaultChunkSize)
	if total == 0 {
		total = 1 // a zero-length stream still has exactly one (empty) chunk
	}

	go func() {
		for i := uint32(0); i < total; i++ {
			start := int(i) * DefaultChunkSize
			end := start + DefaultChunkSize
			if end > len(data) {
				end = len(data)
			}
			chunk := message.StreamChunk{
				StreamId:    streamId,
				TotalChunks: total,
				Index:       i,
				Data:        append([]byte(nil), data[start:end]...),
				SentAtMs:    uint64(time.Now().UnixMilli()),
			}
			s.dispatch(peer, chunk, message.Normal)
		}
	}()

	return streamId, nil
}

func (s *Segmenter) dispatch(peer meshid.DeviceId, payload message.Payload, priority message.Priority) {
	msg := message.Message{
		Id:        meshid.NewMessageId(),
		Sender:    s.self,
		Recipient: peer,
		Priority:  priority,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
	ch, err := s.router.Select(msg)
	if err != nil {
		s.log.WithError(err).WithField("peer", peer.String()).Warn("stream dispatch: no route")
		return
	}
	if err := ch.Send(context.Background(), msg); err != nil {
		s.log.WithError(err).WithField("peer", peer.String()).Warn("stream dispatch: send failed")
	}
}

// ReceiveChunk buffers one chunk in the per-stream reassembly table.
// Out-of-order arrival is expected; once every index 0..total-1 has
// arrived, the chunks are concatenated in order and surfaced via
// onDone as a single Bytes payload (spec section 4.10).
func (s *Segmenter) ReceiveChunk(peer meshid.DeviceId, streamId meshid.StreamId, total, index uint32, data []byte) error {
	s.mu.Lock()
	r, ok := s.streams[streamId]
	if !ok {
		r = &reassembly{total: total, chunks: make(map[uint32][]byte), peer: peer}
		s.streams[streamId] = r
	}
	r.chunks[index] = data
	r.lastActivity = time.Now()
	complete := uint32(len(r.chunks)) == r.total
	var assembled []byte
	if complete {
		assembled = make([]byte, 0)
		for i := uint32(0); i < r.total; i++ {
			chunk, ok := r.chunks[i]
			if !ok {
				complete = false
				break
			}
			assembled = append(assembled, chunk...)
		}
		if complete {
			delete(s.streams, streamId)
		}
	}
	s.mu.Unlock()

	if complete && s.onDone != nil {
		s.onDone(peer, streamId, message.Bytes{Value: assembled})
	}
	return nil
}

// SendAudioFrame dispatches one fixed-size audio frame as a StreamFrame
// with High priority and total_chunks implicitly 0 (spec section
// 4.10).
func (s *Segmenter) SendAudioFrame(peer meshid.DeviceId, streamId meshid.StreamId, frameIndex uint32, data []byte) error {
	frame := message.StreamFrame{
		StreamId:   streamId,
		FrameIndex: frameIndex,
		Data:       data,
		TsMs:       uint64(time.Now().UnixMilli()),
	}
	s.dispatch(peer, frame, message.High)
	return nil
}

// SendVideoChunk dispatches one video chunk, bounded by the same 32 KiB
// cap as bounded streams (spec section 4.10); the I/P-frame tag is
// carried out of band via the receiver's VideoPriorityQueue, not on
// this wire frame.
func (s *Segmenter) SendVideoChunk(peer meshid.DeviceId, streamId meshid.StreamId, total, index uint32, data []byte) error {
	if len(data) > DefaultChunkSize {
		return xerr.New(xerr.InvalidInput, xerr.CategoryStream, "stream.Segmenter.SendVideoChunk", "chunk exceeds 32 KiB cap")
	}
	chunk := message.StreamChunk{
		StreamId:    streamId,
		TotalChunks: total,
		Index:       index,
		Data:        data,
		SentAtMs:    uint64(time.Now().UnixMilli()),
	}
	s.dispatch(peer, chunk, message.Normal)
	return nil
}
