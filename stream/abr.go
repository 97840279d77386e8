package stream

import "sync"

const (
	minBitrateBps     = 100_000
	maxBitrateBps     = 2_000_000
	initialBitrateBps = 500_000
)

func clampBitrate(v float64) uint64 {
	if v < minBitrateBps {
		return minBitrateBps
	}
	if v > maxBitrateBps {
		return maxBitrateBps
	}
	return uint64(v)
}

// ABRController adapts a single active stream's target bitrate from
// observed RTT and loss rate (spec section 4.10): every Sample call
// (intended to be invoked on a 1s cadence by the caller) multiplies the
// current bitrate by 0.8 under congestion signals, by 1.2 under clean
// signals, and clamps to [100_000, 2_000_000] bps.
type ABRController struct {
	mu      sync.Mutex
	bitrate uint64
}

// NewABRController starts a controller at the initial bitrate.
func NewABRController() *ABRController {
	return &ABRController{bitrate: initialBitrateBps}
}

// Sample folds one (rtt_ms, loss_rate) observation into the bitrate
// estimate and returns the updated value.
func (c *ABRController) Sample(rttMs uint32, lossRate float64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case rttMs > 300 || lossRate > 0.05:
		c.bitrate = clampBitrate(float64(c.bitrate) * 0.8)
	case rttMs < 150 && lossRate < 0.025:
		c.bitrate = clampBitrate(float64(c.bitrate) * 1.2)
	}
	return c.bitrate
}

// CurrentBitrate returns the bitrate last computed by Sample.
func (c *ABRController) CurrentBitrate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitrate
}
