// Package heartbeat implements HeartbeatScheduler (spec section 4.9):
// an adaptive per-(peer, channel) liveness probe that tightens or
// relaxes its interval from observed distance/signal/RTT/network-kind,
// and an EWMA RTT estimator fed by inbound Pongs. It is grounded on the
// teacher's node.go handler loop, which re-arms a single
// time.After(reapInterval) timer and walks every tracked peer once a
// second to ping the evasive ones and expire the vanished ones
// (node.go: handler/pingPeer) — generalized here from a single fixed
// interval to the spec's distance/signal/RTT-weighted formulas.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/transport"
)

const tickInterval = 1 * time.Second

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// isNear classifies a peer's channel as near-field per spec section 4.9:
// distance_m <= 10, or signal_strength >= -60 dBm, or rtt_ms < 100.
func isNear(state capability.PeerChannelState) bool {
	if state.EstimatedDistanceM != nil && *state.EstimatedDistanceM <= 10 {
		return true
	}
	if state.SignalStrengthDbm != nil && *state.SignalStrengthDbm >= -60 {
		return true
	}
	if state.RttMs < 100 {
		return true
	}
	return false
}

// nearInterval is the linear-map formula for near peers: [1s, 5s] from
// 0.70*f_dist + 0.15*f_signal + 0.15*f_rtt.
func nearInterval(state capability.PeerChannelState) time.Duration {
	dist := 10.0
	if state.EstimatedDistanceM != nil {
		dist = *state.EstimatedDistanceM
	}
	signal := -100.0
	if state.SignalStrengthDbm != nil {
		signal = float64(*state.SignalStrengthDbm)
	}
	fDist := clamp(dist/10, 0, 1)
	fSignal := clamp((signal+100)/40, 0, 1)
	fRtt := clamp(float64(state.RttMs)/200, 0, 1)

	weighted := 0.70*fDist + 0.15*fSignal + 0.15*fRtt
	seconds := 1 + weighted*(5-1)
	return time.Duration(seconds * float64(time.Second))
}

// netFactor maps NetworkKind to the f_net weight in the far-interval
// formula.
func netFactor(kind capability.NetworkKind) float64 {
	switch kind {
	case capability.Bluetooth:
		return 0.3
	case capability.WiFi:
		return 0.5
	case capability.Ethernet:
		return 1.0
	default:
		return 0.8
	}
}

// farInterval is the linear-map formula for far peers: [30s, 60s] from
// 0.5*f_net + 0.5*f_rtt.
func farInterval(state capability.PeerChannelState) time.Duration {
	fNet := netFactor(state.Network)
	fRtt := clamp(float64(state.RttMs)/1000, 0, 1)
	weighted := 0.5*fNet + 0.5*fRtt
	seconds := 30 + weighted*(60-30)
	return time.Duration(seconds * float64(time.Second))
}

// requiredInterval returns the interval a (peer, channel) pair must be
// pinged within, per its near/far classification.
func requiredInterval(state capability.PeerChannelState) time.Duration {
	if isNear(state) {
		return nearInterval(state)
	}
	return farInterval(state)
}

type trackedPair struct {
	peer meshid.DeviceId
	kind capability.ChannelKind
}

// Scheduler runs the 1 Hz heartbeat tick and handles inbound Ping/Pong
// traffic (spec section 4.9).
type Scheduler struct {
	log      *logrus.Entry
	self     meshid.DeviceId
	store    *capability.Store
	registry *transport.Registry

	mu         sync.Mutex
	lastBeat   map[trackedPair]time.Time
	tracked    map[trackedPair]struct{}
	pingSentAt map[trackedPair]map[uint64]time.Time // per-pair outstanding ping send times, keyed by sent_at_ms

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler wires a Scheduler to its CapabilityStore and Registry.
func NewScheduler(self meshid.DeviceId, store *capability.Store, registry *transport.Registry, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		log:        log.WithField("component", "heartbeat.Scheduler"),
		self:       self,
		store:      store,
		registry:   registry,
		lastBeat:   make(map[trackedPair]time.Time),
		tracked:    make(map[trackedPair]struct{}),
		pingSentAt: make(map[trackedPair]map[uint64]time.Time),
		stop:       make(chan struct{}),
	}
}

// Track begins monitoring a (peer, channel) pair; Tick is a no-op for
// pairs never tracked, since the spec ties liveness probing to channels
// with a known PeerChannelState.
func (s *Scheduler) Track(peer meshid.DeviceId, kind capability.ChannelKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[trackedPair{peer, kind}] = struct{}{}
}

// Start launches the 1 Hz tick loop in the background, mirroring the
// teacher's re-armed time.After select loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(tickInterval)
		defer timer.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-timer.C:
				s.Tick(time.Now())
				timer.Reset(tickInterval)
			}
		}
	}()
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Tick evaluates every tracked (peer, channel) pair once, sending a Ping
// to any pair whose required interval has elapsed (spec section 4.9).
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	pairs := make([]trackedPair, 0, len(s.tracked))
	for p := range s.tracked {
		pairs = append(pairs, p)
	}
	s.mu.Unlock()

	for _, p := range pairs {
		state, ok := s.store.GetPeerChannelState(p.peer, p.kind)
		if !ok {
			continue
		}
		required := requiredInterval(state)

		s.mu.Lock()
		last, seen := s.lastBeat[p]
		s.mu.Unlock()
		if seen && now.Sub(last) < required {
			continue
		}

		s.sendPing(p, now, state)
	}
}

func (s *Scheduler) sendPing(p trackedPair, now time.Time, state capability.PeerChannelState) {
	ch, ok := s.registry.Get(p.kind)
	if !ok {
		return
	}

	sentAtMs := uint64(now.UnixMilli())
	ping := message.Message{
		Id:        meshid.NewMessageId(),
		Sender:    s.self,
		Recipient: p.peer,
		Priority:  message.High,
		Payload:   message.Ping{SentAtMs: sentAtMs},
		Timestamp: now.Unix(),
	}

	err := ch.Send(context.Background(), ping)

	s.mu.Lock()
	s.lastBeat[p] = now
	if s.pingSentAt[p] == nil {
		s.pingSentAt[p] = make(map[uint64]time.Time)
	}
	s.pingSentAt[p][sentAtMs] = now
	s.mu.Unlock()

	// Optimistically count this as a failure until a matching Pong
	// arrives and resets the counter (spec section 4.9).
	state.ConsecutiveFailures++
	if state.ConsecutiveFailures >= 3 {
		state.Available = false
	}
	state.LastHeartbeatMs = now.UnixMilli()
	s.store.SetPeerChannelState(p.peer, p.kind, state)

	if err != nil {
		s.log.WithFields(logrus.Fields{"peer": p.peer.String(), "kind": p.kind.String()}).
			Debug("heartbeat ping send failed")
	}
}

// HandleInbound processes a received Ping or Pong on (peer, kind). On a
// Ping, it replies with a Pong carrying the same timestamp. On a Pong,
// it computes RTT, resets the failure counter, marks the channel
// available, and folds the new RTT into the EWMA estimate (alpha=0.3),
// per spec section 4.9.
func (s *Scheduler) HandleInbound(peer meshid.DeviceId, kind capability.ChannelKind, payload message.Payload) error {
	switch p := payload.(type) {
	case message.Ping:
		ch, ok := s.registry.Get(kind)
		if !ok {
			return nil
		}
		pong := message.Message{
			Id:        meshid.NewMessageId(),
			Sender:    s.self,
			Recipient: peer,
			Priority:  message.High,
			Payload:   message.Pong{SentAtMs: p.SentAtMs},
			Timestamp: time.Now().Unix(),
		}
		return ch.Send(context.Background(), pong)

	case message.Pong:
		now := time.Now()
		rttMs := uint32(now.UnixMilli() - int64(p.SentAtMs))

		state, ok := s.store.GetPeerChannelState(peer, kind)
		if !ok {
			state = capability.DefaultPeerChannelState()
		}
		if state.RttMs == 9999 {
			state.RttMs = rttMs // no prior estimate: seed directly
		} else {
			state.RttMs = uint32(0.3*float64(rttMs) + 0.7*float64(state.RttMs))
		}
		state.Available = true
		state.ConsecutiveFailures = 0
		state.LastHeartbeatMs = now.UnixMilli()
		s.store.SetPeerChannelState(peer, kind, state)

		pair := trackedPair{peer, kind}
		s.mu.Lock()
		delete(s.pingSentAt[pair], p.SentAtMs)
		s.mu.Unlock()
		return nil

	default:
		return nil
	}
}
