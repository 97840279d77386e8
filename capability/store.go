package capability

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmesh/kestrel/meshid"
)

type peerChannelKey struct {
	peer meshid.DeviceId
	kind ChannelKind
}

// Store is the authoritative, instance-scoped owner of LocalProfile and
// all PeerChannelState entries (spec section 4.1). Readers take a
// shared lock on LocalProfile; per-peer channel state and peer profiles
// live in their own mutex-guarded maps so updates to one peer never
// contend with reads of another, matching the "writers never hold the
// LocalProfile lock across an await point" discipline in spec section 5.
type Store struct {
	log *logrus.Entry

	profileMu sync.RWMutex
	profile   LocalProfile

	channelMu sync.RWMutex
	channels  map[peerChannelKey]PeerChannelState

	peerMu sync.RWMutex
	peers  map[meshid.DeviceId]PeerProfile

	watchMu  sync.Mutex
	watchers map[int]Handler
	nextId   int
}

// New creates a Store seeded with the given initial LocalProfile.
func New(initial LocalProfile, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{
		log:      log.WithField("component", "capability"),
		profile:  initial.Clone(),
		channels: make(map[peerChannelKey]PeerChannelState),
		peers:    make(map[meshid.DeviceId]PeerProfile),
		watchers: make(map[int]Handler),
	}
}

// LocalProfileSnapshot returns a cloned copy of the current LocalProfile.
func (s *Store) LocalProfileSnapshot() LocalProfile {
	s.profileMu.RLock()
	defer s.profileMu.RUnlock()
	return s.profile.Clone()
}

// UpdateLocal replaces the LocalProfile and emits one change event per
// changed facet, in the order: ChannelSupportChanged, BatteryStateChanged,
// NetworkKindChanged, ProfileUpdated — matching spec section 4.1 exactly.
// NetworkKindChanged has no LocalProfile facet to diff against (network
// kind lives on PeerChannelState, observed via SetPeerChannelState), so it
// is never emitted from this path; it is reserved for future local-NIC
// change detection and documented here rather than silently dropped.
func (s *Store) UpdateLocal(next LocalProfile) {
	s.profileMu.Lock()
	prev := s.profile
	s.profile = next.Clone()
	s.profileMu.Unlock()

	var events []ChangeEvent
	if !channelsEqual(prev.SupportedChannels, next.SupportedChannels) {
		events = append(events, ChangeEvent{Kind: ChannelSupportChanged, Profile: next})
	}
	if batteryChanged(prev, next) {
		events = append(events, ChangeEvent{Kind: BatteryStateChanged, Profile: next})
	}
	events = append(events, ChangeEvent{Kind: ProfileUpdated, Profile: next})

	s.dispatch(events)
}

func channelsEqual(a, b []ChannelKind) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[ChannelKind]bool, len(a))
	for _, k := range a {
		seen[k] = true
	}
	for _, k := range b {
		if !seen[k] {
			return false
		}
	}
	return true
}

func batteryChanged(prev, next LocalProfile) bool {
	if prev.IsCharging != next.IsCharging {
		return true
	}
	switch {
	case prev.BatteryPercent == nil && next.BatteryPercent == nil:
		return false
	case prev.BatteryPercent == nil || next.BatteryPercent == nil:
		return true
	default:
		return *prev.BatteryPercent != *next.BatteryPercent
	}
}

func (s *Store) dispatch(events []ChangeEvent) {
	s.watchMu.Lock()
	handlers := make([]Handler, 0, len(s.watchers))
	for _, h := range s.watchers {
		handlers = append(handlers, h)
	}
	s.watchMu.Unlock()

	for _, ev := range events {
		for _, h := range handlers {
			s.invokeSafely(h, ev)
		}
	}
}

func (s *Store) invokeSafely(h Handler, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("event", ev.Kind.String()).Warnf("capability handler panicked: %v", r)
		}
	}()
	h(ev)
}

// Watch registers a handler and returns an id usable with Unwatch.
func (s *Store) Watch(handler Handler) int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextId
	s.nextId++
	s.watchers[id] = handler
	return id
}

// Unwatch removes a previously registered handler. No-op if absent.
func (s *Store) Unwatch(id int) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	delete(s.watchers, id)
}

// SetPeerChannelState records the latest observation of a peer on a
// transport. Called by HeartbeatScheduler and, on send failure, by
// Router (spec section 3 ownership rules).
func (s *Store) SetPeerChannelState(peer meshid.DeviceId, kind ChannelKind, state PeerChannelState) {
	s.channelMu.Lock()
	defer s.channelMu.Unlock()
	s.channels[peerChannelKey{peer, kind}] = state
}

// GetPeerChannelState returns the last known state, if any.
func (s *Store) GetPeerChannelState(peer meshid.DeviceId, kind ChannelKind) (PeerChannelState, bool) {
	s.channelMu.RLock()
	defer s.channelMu.RUnlock()
	st, ok := s.channels[peerChannelKey{peer, kind}]
	return st, ok
}

// PeerChannelStates returns every known (kind, state) pair for a peer.
func (s *Store) PeerChannelStates(peer meshid.DeviceId) map[ChannelKind]PeerChannelState {
	s.channelMu.RLock()
	defer s.channelMu.RUnlock()
	out := make(map[ChannelKind]PeerChannelState)
	for k, v := range s.channels {
		if k.peer == peer {
			out[k.kind] = v
		}
	}
	return out
}

// RegisterPeer records or replaces a peer's last-learned profile.
func (s *Store) RegisterPeer(p PeerProfile) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	s.peers[p.DeviceId] = p
}

// GetPeer returns a peer's last-learned profile, if known.
func (s *Store) GetPeer(id meshid.DeviceId) (PeerProfile, bool) {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// ListPeers returns every known peer id.
func (s *Store) ListPeers() []meshid.DeviceId {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	out := make([]meshid.DeviceId, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}
