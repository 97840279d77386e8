package stream

import "container/heap"

// FrameKind tags a video frame for the receiver's priority ordering
// (spec section 4.10).
type FrameKind uint8

const (
	PFrame FrameKind = iota
	IFrame
)

// VideoFrameEntry is one frame awaiting delivery ordering at the
// receiver.
type VideoFrameEntry struct {
	TsMs  uint64
	Kind  FrameKind
	Index uint32
	Data  []byte
}

// videoHeap orders by timestamp ascending; at equal timestamps, I-frames
// sort before P-frames, per spec section 4.10.
type videoHeap []*VideoFrameEntry

func (h videoHeap) Len() int { return len(h) }
func (h videoHeap) Less(i, j int) bool {
	if h[i].TsMs != h[j].TsMs {
		return h[i].TsMs < h[j].TsMs
	}
	return h[i].Kind == IFrame && h[j].Kind != IFrame
}
func (h videoHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *videoHeap) Push(x any)   { *h = append(*h, x.(*VideoFrameEntry)) }
func (h *videoHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// VideoPriorityQueue is the receiver-side ordering structure used when
// reassembling a video stream's frames for playback (spec section
// 4.10): I-frames sort before P-frames at identical timestamps.
type VideoPriorityQueue struct {
	h videoHeap
}

// NewVideoPriorityQueue constructs an empty queue.
func NewVideoPriorityQueue() *VideoPriorityQueue {
	q := &VideoPriorityQueue{}
	heap.Init(&q.h)
	return q
}

// Push adds a frame to the queue.
func (q *VideoPriorityQueue) Push(entry *VideoFrameEntry) {
	heap.Push(&q.h, entry)
}

// Pop removes and returns the next frame in delivery order, or nil if
// empty.
func (q *VideoPriorityQueue) Pop() *VideoFrameEntry {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*VideoFrameEntry)
}

// Len reports the number of buffered frames.
func (q *VideoPriorityQueue) Len() int { return q.h.Len() }
