package routing

import (
	"sync"
	"time"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/meshid"
)

type kindStats struct {
	successes int
	failures  int
	ewmaRtt   float64 // ms, 0 means "no data yet"
	haveRtt   bool
}

func (s kindStats) attempts() int { return s.successes + s.failures }

func (s kindStats) successRate() float64 {
	if s.attempts() == 0 {
		return 0.5
	}
	return float64(s.successes) / float64(s.attempts())
}

type peerHistory struct {
	stats     map[capability.ChannelKind]*kindStats
	hourBest  map[int]capability.ChannelKind
}

func newPeerHistory() *peerHistory {
	return &peerHistory{
		stats:    make(map[capability.ChannelKind]*kindStats),
		hourBest: make(map[int]capability.ChannelKind),
	}
}

// Predictor is the history-based hint Router consults before falling back
// to a full scan (spec section 4.5).
type Predictor struct {
	mu   sync.Mutex
	byPeer map[meshid.DeviceId]*peerHistory

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// NewPredictor constructs an empty Predictor.
func NewPredictor() *Predictor {
	return &Predictor{
		byPeer: make(map[meshid.DeviceId]*peerHistory),
		now:    time.Now,
	}
}

// Record updates both the rolling success/failure counts and EWMA RTT for
// (peer, kind), and refreshes the hour-of-day bucket if this kind now
// clears the >=10-attempts, >0.9-success-rate bar.
func (p *Predictor) Record(peer meshid.DeviceId, kind capability.ChannelKind, success bool, rttMs *uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hist := p.byPeer[peer]
	if hist == nil {
		hist = newPeerHistory()
		p.byPeer[peer] = hist
	}
	st := hist.stats[kind]
	if st == nil {
		st = &kindStats{}
		hist.stats[kind] = st
	}
	if success {
		st.successes++
	} else {
		st.failures++
	}
	if rttMs != nil {
		if !st.haveRtt {
			st.ewmaRtt = float64(*rttMs)
			st.haveRtt = true
		} else {
			st.ewmaRtt = 0.3*float64(*rttMs) + 0.7*st.ewmaRtt
		}
	}

	if st.attempts() >= 10 && st.successRate() > 0.9 {
		hour := p.now().Hour()
		hist.hourBest[hour] = kind
	}
}

// Predict returns the preferred ChannelKind for peer, restricted to
// available_kinds, or nil if no data exists at all for any candidate.
func (p *Predictor) Predict(peer meshid.DeviceId, availableKinds []capability.ChannelKind) *capability.ChannelKind {
	p.mu.Lock()
	defer p.mu.Unlock()

	hist := p.byPeer[peer]
	if hist == nil {
		return nil
	}

	if best, ok := hist.hourBest[p.now().Hour()]; ok && containsKind(availableKinds, best) {
		k := best
		return &k
	}

	var (
		bestKind  capability.ChannelKind
		bestScore = -1.0
		found     bool
	)
	for _, kind := range availableKinds {
		score := 0.5
		if st, ok := hist.stats[kind]; ok {
			rttComponent := 1.0
			if st.haveRtt {
				rttComponent = 1 / (1 + st.ewmaRtt/100)
			}
			score = 0.7*st.successRate() + 0.3*rttComponent
		}
		if score > bestScore {
			bestScore = score
			bestKind = kind
			found = true
		}
	}
	if !found {
		return nil
	}
	return &bestKind
}

func containsKind(kinds []capability.ChannelKind, target capability.ChannelKind) bool {
	for _, k := range kinds {
		if k == target {
			return true
		}
	}
	return false
}
