package routing

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/transport"
	"github.com/kestrelmesh/kestrel/xerr"
)

const historyRingLen = 10

// Router chooses a channel per outgoing message and records traffic and
// route history (spec section 4.4). It performs no network I/O itself.
type Router struct {
	log       *logrus.Entry
	store     *capability.Store
	registry  *transport.Registry
	predictor *Predictor

	trafficMu sync.Mutex
	traffic   map[capability.ChannelKind]uint64
	threshold map[capability.ChannelKind]uint64
	warned    map[capability.ChannelKind]bool

	historyMu sync.Mutex
	history   map[meshid.DeviceId][]capability.ChannelKind
}

// NewRouter wires a Router to its CapabilityStore, ChannelRegistry, and
// Predictor.
func NewRouter(store *capability.Store, registry *transport.Registry, predictor *Predictor, log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.New()
	}
	return &Router{
		log:       log.WithField("component", "routing.router"),
		store:     store,
		registry:  registry,
		predictor: predictor,
		traffic:   make(map[capability.ChannelKind]uint64),
		threshold: make(map[capability.ChannelKind]uint64),
		warned:    make(map[capability.ChannelKind]bool),
		history:   make(map[meshid.DeviceId][]capability.ChannelKind),
	}
}

// WithThresholds sets a per-kind traffic threshold; once the running
// total for a kind reaches its threshold, select emits a one-shot
// warning log but never refuses to send.
func (r *Router) WithThresholds(thresholds map[capability.ChannelKind]uint64) {
	r.trafficMu.Lock()
	defer r.trafficMu.Unlock()
	for k, v := range thresholds {
		r.threshold[k] = v
	}
}

// TrafficByKind returns a snapshot of the running per-kind byte totals.
func (r *Router) TrafficByKind() map[capability.ChannelKind]uint64 {
	r.trafficMu.Lock()
	defer r.trafficMu.Unlock()
	out := make(map[capability.ChannelKind]uint64, len(r.traffic))
	for k, v := range r.traffic {
		out[k] = v
	}
	return out
}

// Select picks a channel for msg, per the three-step algorithm in spec
// section 4.4, and records the successful selection's side effects.
func (r *Router) Select(msg message.Message) (transport.Channel, error) {
	recipient := msg.Recipient
	profile := r.store.LocalProfileSnapshot()
	registered := r.registry.Kinds()

	// Step 1: fast path via Predictor.
	if predicted := r.predictor.Predict(recipient, registered); predicted != nil {
		if ch, ok := r.registry.Get(*predicted); ok {
			if state, ok := r.store.GetPeerChannelState(recipient, *predicted); ok && state.Available {
				if Score(*predicted, state, profile, msg.Priority) > 0.6 {
					r.onSelected(recipient, *predicted, msg)
					return ch, nil
				}
			}
		}
	}

	// Step 2: full scan, max strictly-positive score, ties by registry order.
	var (
		bestKind  capability.ChannelKind
		bestScore = 0.0
		bestCh    transport.Channel
		found     bool
	)
	for _, kind := range registered {
		state, ok := r.store.GetPeerChannelState(recipient, kind)
		if !ok {
			continue
		}
		score := Score(kind, state, profile, msg.Priority)
		if score > 0 && score > bestScore {
			ch, ok := r.registry.Get(kind)
			if !ok {
				continue
			}
			bestKind, bestScore, bestCh, found = kind, score, ch, true
		}
	}

	if !found {
		return nil, xerr.New(xerr.NoRouteFound, xerr.CategoryRouting, "routing.Router.Select", "no channel with positive score")
	}

	r.onSelected(recipient, bestKind, msg)
	return bestCh, nil
}

func (r *Router) onSelected(peer meshid.DeviceId, kind capability.ChannelKind, msg message.Message) {
	size := uint64(msg.NominalSize())

	r.trafficMu.Lock()
	r.traffic[kind] += size
	if threshold, ok := r.threshold[kind]; ok && r.traffic[kind] >= threshold && !r.warned[kind] {
		r.warned[kind] = true
		r.log.WithFields(logrus.Fields{"kind": kind.String(), "traffic": r.traffic[kind], "threshold": threshold}).
			Warn("channel traffic threshold reached")
	}
	r.trafficMu.Unlock()

	r.historyMu.Lock()
	h := append(r.history[peer], kind)
	if len(h) > historyRingLen {
		h = h[len(h)-historyRingLen:]
	}
	r.history[peer] = h
	r.historyMu.Unlock()
}

// RouteHistory returns the bounded recent-kind ring for peer (test/debug
// surface; the Predictor maintains its own independent rolling stats via
// RecordOutcome).
func (r *Router) RouteHistory(peer meshid.DeviceId) []capability.ChannelKind {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	return append([]capability.ChannelKind(nil), r.history[peer]...)
}

// RecordOutcome feeds a completed send's success/failure and observed RTT
// back into the Predictor. Callers invoke this after actually performing
// the transport.Channel.Send returned by Select, since Router itself
// never touches the network (spec section 4.4). A failed send also
// downgrades the peer's PeerChannelState via the CapabilityStore's
// constrained Router write path (spec section 3 ownership rules).
func (r *Router) RecordOutcome(peer meshid.DeviceId, kind capability.ChannelKind, success bool, rttMs *uint32) {
	r.predictor.Record(peer, kind, success, rttMs)
	if success {
		return
	}
	state, ok := r.store.GetPeerChannelState(peer, kind)
	if !ok {
		state = capability.DefaultPeerChannelState()
	}
	state.ConsecutiveFailures++
	if state.ConsecutiveFailures >= 3 {
		state.Available = false
	}
	r.store.SetPeerChannelState(peer, kind, state)
}
