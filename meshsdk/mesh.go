// Package meshsdk is the application-facing façade (spec section 6): it
// wires CapabilityStore, ChannelRegistry, Router/Predictor, CryptoEngine,
// GroupKeyEngine/GroupManager, HeartbeatScheduler, StreamSegmenter, and
// Dispatcher/RateGuard into one object exposing send/broadcast/group/
// key-management operations. It is grounded on the teacher's gyre.go,
// which wraps node.go's internals behind one small public struct;
// unlike the teacher's actor-plus-command-channel wrapper, this façade
// calls straight into each engine's own mutex-guarded methods, since
// every engine here is already safe for concurrent direct use.
package meshsdk

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/crypto"
	"github.com/kestrelmesh/kestrel/dispatch"
	"github.com/kestrelmesh/kestrel/group"
	"github.com/kestrelmesh/kestrel/groupkey"
	"github.com/kestrelmesh/kestrel/heartbeat"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/routing"
	"github.com/kestrelmesh/kestrel/stream"
	"github.com/kestrelmesh/kestrel/transport"
	"github.com/kestrelmesh/kestrel/xerr"
)

// Config seeds a Mesh's LocalProfile and logger (spec section 4.1).
type Config struct {
	DeviceId          meshid.DeviceId
	DeviceKind        capability.DeviceKind
	Name              string
	SupportedChannels []capability.ChannelKind
	BatteryPercent    *uint8
	IsCharging        bool
	DataCostSensitive bool
	Log               *logrus.Logger
}

// InboundHandler receives every Message surfaced to the application,
// after pairwise decryption and stream reassembly (spec section 6's
// subscribe-style push option).
type InboundHandler func(message.Message)

// Mesh is the SDK's single entry point.
type Mesh struct {
	self meshid.DeviceId
	log  *logrus.Entry

	store     *capability.Store
	registry  *transport.Registry
	predictor *routing.Predictor
	router    *routing.Router

	cryptoMu sync.RWMutex
	cryptoE  *crypto.Engine

	groupKeys  *groupkey.Engine
	groupMgr   *group.Manager
	heartbeat  *heartbeat.Scheduler
	segmenter  *stream.Segmenter
	rateGuard  *dispatch.RateGuard
	dispatcher *dispatch.Dispatcher

	peerKeysMu sync.RWMutex
	peerKeys   map[meshid.DeviceId][32]byte

	inbox chan message.Message

	handlersMu sync.Mutex
	handlers   []InboundHandler
}

// New constructs a Mesh with an empty ChannelRegistry; call
// RegisterChannel for each transport driver before Start.
func New(cfg Config) (*Mesh, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}

	store := capability.New(capability.LocalProfile{
		DeviceId:          cfg.DeviceId,
		DeviceKind:        cfg.DeviceKind,
		Name:              cfg.Name,
		SupportedChannels: cfg.SupportedChannels,
		BatteryPercent:    cfg.BatteryPercent,
		IsCharging:        cfg.IsCharging,
		DataCostSensitive: cfg.DataCostSensitive,
	}, log)

	registry := transport.NewRegistry()
	predictor := routing.NewPredictor()
	router := routing.NewRouter(store, registry, predictor, log)

	cryptoE, err := crypto.NewEngine()
	if err != nil {
		return nil, err
	}

	groupKeys := groupkey.NewEngine()
	groupMgr := group.NewManager(cfg.DeviceId, groupKeys, router, log)

	m := &Mesh{
		self:      cfg.DeviceId,
		log:       log.WithField("component", "meshsdk.Mesh"),
		store:     store,
		registry:  registry,
		predictor: predictor,
		router:    router,
		cryptoE:   cryptoE,
		groupKeys: groupKeys,
		groupMgr:  groupMgr,
		peerKeys:  make(map[meshid.DeviceId][32]byte),
		inbox:     make(chan message.Message, 1024),
	}

	m.segmenter = stream.NewSegmenter(cfg.DeviceId, router, m.onStreamComplete, log)
	m.heartbeat = heartbeat.NewScheduler(cfg.DeviceId, store, registry, log)
	m.rateGuard = dispatch.NewRateGuard()
	m.dispatcher = dispatch.New(m.rateGuard, m.heartbeat, m.segmenter, groupMgr, m.handleInbound, log)

	groupMgr.OnRelay(func(candidate, target meshid.DeviceId, payload message.Payload) {
		m.log.WithFields(logrus.Fields{"candidate": candidate.String(), "target": target.String()}).
			Debug("relay requested for failed group recipient")
	})

	return m, nil
}

// RegisterChannel registers a transport driver and starts it with the
// Dispatcher as its inbound handler (spec section 6, "transport drivers
// ... invoke the Dispatcher on inbound frames").
func (m *Mesh) RegisterChannel(ch transport.Channel) error {
	if err := m.registry.Register(ch); err != nil {
		return xerr.Wrap(xerr.ChannelInitFailed, xerr.CategoryTransport, "meshsdk.Mesh.RegisterChannel", "register", err)
	}
	kind := ch.Kind()
	if err := ch.StartWithInbound(func(msg message.Message) {
		m.dispatcher.Dispatch(kind, msg)
	}); err != nil {
		return xerr.Wrap(xerr.ChannelInitFailed, xerr.CategoryTransport, "meshsdk.Mesh.RegisterChannel", "start", err)
	}
	return nil
}

// Start launches background engines: the heartbeat tick and the stream
// eviction sweep.
func (m *Mesh) Start() {
	m.heartbeat.Start()
	m.segmenter.StartEvictionSweep()
}

// Close stops background engines and every registered channel, then
// waits for every Dispatcher handoff already in flight to finish so
// shutdown never races in-progress message processing.
func (m *Mesh) Close() error {
	m.heartbeat.Stop()
	m.segmenter.Stop()
	var firstErr error
	for _, kind := range m.registry.Kinds() {
		ch, ok := m.registry.Get(kind)
		if !ok {
			continue
		}
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = m.dispatcher.Wait()
	return firstErr
}

// PublicKey returns the local X25519 public key used for both pairwise
// sessions and group tree leaves (spec section 3).
func (m *Mesh) PublicKey() [32]byte {
	m.cryptoMu.RLock()
	defer m.cryptoMu.RUnlock()
	return m.cryptoE.PublicKey()
}

// RegisterPeerKey records a peer's public key and establishes a
// pairwise crypto session with it (spec section 6).
func (m *Mesh) RegisterPeerKey(peer meshid.DeviceId, pubKey [32]byte) error {
	m.peerKeysMu.Lock()
	m.peerKeys[peer] = pubKey
	m.peerKeysMu.Unlock()

	m.cryptoMu.RLock()
	defer m.cryptoMu.RUnlock()
	return m.cryptoE.EstablishSession(peer, pubKey)
}

// Send encrypts payload for peer via the pairwise CryptoEngine session
// and dispatches it through the Router (spec section 6).
func (m *Mesh) Send(peer meshid.DeviceId, payload message.Payload) (meshid.MessageId, error) {
	plain, err := payload.Marshal()
	if err != nil {
		return meshid.NilMessageId, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "meshsdk.Mesh.Send", "marshal payload", err)
	}

	m.cryptoMu.RLock()
	ciphertext, err := m.cryptoE.Encrypt(peer, plain)
	m.cryptoMu.RUnlock()
	if err != nil {
		return meshid.NilMessageId, err
	}

	msgId := meshid.NewMessageId()
	wireMsg := message.Message{
		Id:        msgId,
		Sender:    m.self,
		Recipient: peer,
		Priority:  message.Normal,
		Payload:   message.Bytes{Value: ciphertext},
		Timestamp: time.Now().Unix(),
	}

	ch, err := m.router.Select(wireMsg)
	if err != nil {
		return msgId, err
	}
	sendErr := ch.Send(context.Background(), wireMsg)
	m.router.RecordOutcome(peer, ch.Kind(), sendErr == nil, nil)
	if sendErr != nil {
		return msgId, sendErr
	}
	return msgId, nil
}

// Broadcast delegates to the GroupManager (spec section 6).
func (m *Mesh) Broadcast(groupId meshid.GroupId, payload message.Payload) (meshid.MessageId, error) {
	return m.groupMgr.Broadcast(groupId, payload)
}

// CreateGroup gathers registered peer keys and delegates to the
// GroupManager (spec section 6).
func (m *Mesh) CreateGroup(name string, members []meshid.DeviceId) (meshid.GroupId, error) {
	m.peerKeysMu.RLock()
	keys := make(map[meshid.DeviceId][32]byte, len(members)+1)
	keys[m.self] = m.PublicKey()
	for _, d := range members {
		k, ok := m.peerKeys[d]
		if !ok {
			m.peerKeysMu.RUnlock()
			return meshid.NilGroupId, xerr.New(xerr.DeviceNotFound, xerr.CategoryGroup, "meshsdk.Mesh.CreateGroup", "member key not registered")
		}
		keys[d] = k
	}
	m.peerKeysMu.RUnlock()

	g, err := m.groupMgr.CreateGroup(name, members, keys)
	if err != nil {
		return meshid.NilGroupId, err
	}
	return g.Id, nil
}

// AddMember delegates to the GroupManager using the registered public
// key for device (spec section 6).
func (m *Mesh) AddMember(groupId meshid.GroupId, device meshid.DeviceId) error {
	m.peerKeysMu.RLock()
	key, ok := m.peerKeys[device]
	m.peerKeysMu.RUnlock()
	if !ok {
		return xerr.New(xerr.DeviceNotFound, xerr.CategoryGroup, "meshsdk.Mesh.AddMember", "member key not registered")
	}
	return m.groupMgr.AddMember(groupId, device, key)
}

// LeaveGroup delegates to the GroupManager (spec section 6).
func (m *Mesh) LeaveGroup(groupId meshid.GroupId) error {
	return m.groupMgr.LeaveGroup(groupId)
}

// RotateGroupKey delegates to the GroupManager (spec section 6).
func (m *Mesh) RotateGroupKey(groupId meshid.GroupId) (meshid.MessageId, error) {
	return m.groupMgr.RotateGroupKey(groupId)
}

// SendStream delegates to the StreamSegmenter (spec section 6).
func (m *Mesh) SendStream(peer meshid.DeviceId, data []byte) (meshid.StreamId, error) {
	return m.segmenter.SendStream(peer, data)
}

// ExportState serializes the pairwise CryptoEngine's keys and sessions
// (spec section 6). GroupKeyEngine state is intentionally excluded:
// group trees are re-synchronized via membership, not migrated.
func (m *Mesh) ExportState() ([]byte, error) {
	m.cryptoMu.RLock()
	defer m.cryptoMu.RUnlock()
	return m.cryptoE.ExportState()
}

// ImportState replaces the CryptoEngine with one restored from blob
// (spec section 6).
func (m *Mesh) ImportState(blob []byte) error {
	restored, err := crypto.ImportState(blob)
	if err != nil {
		return err
	}
	m.cryptoMu.Lock()
	m.cryptoE = restored
	m.cryptoMu.Unlock()
	return nil
}

// Handle registers a push-style subscriber (spec section 6).
func (m *Mesh) Handle(handler InboundHandler) {
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, handler)
	m.handlersMu.Unlock()
}

// Receive pulls the next surfaced Message, blocking until one arrives or
// ctx is cancelled (spec section 6's pull interface).
func (m *Mesh) Receive(ctx context.Context) (message.Message, error) {
	select {
	case msg := <-m.inbox:
		return msg, nil
	case <-ctx.Done():
		return message.Message{}, xerr.Wrap(xerr.Timeout, xerr.CategorySystem, "meshsdk.Mesh.Receive", "context cancelled", ctx.Err())
	}
}

// handleInbound is the Dispatcher's application handler: for
// pairwise (non-group) Bytes payloads it decrypts via the CryptoEngine
// and unmarshals the original Payload before delivery; everything else
// is delivered as-is (spec section 4.11/6).
func (m *Mesh) handleInbound(msg message.Message) {
	if msg.GroupId == nil {
		if raw, ok := msg.Payload.(message.Bytes); ok {
			m.cryptoMu.RLock()
			plain, err := m.cryptoE.Decrypt(msg.Sender, raw.Value)
			m.cryptoMu.RUnlock()
			if err != nil {
				m.log.WithError(err).WithField("sender", msg.Sender.String()).Warn("pairwise decrypt failed")
				return
			}
			payload, err := message.Unmarshal(plain)
			if err != nil {
				m.log.WithError(err).Warn("pairwise payload unmarshal failed")
				return
			}
			msg.Payload = payload
		}
	}
	m.deliver(msg)
}

// onStreamComplete is invoked by the StreamSegmenter once a stream's
// chunks are fully reassembled (spec section 4.11 step 3): MessageId is
// freshly synthesized, since no single inbound chunk message owns the
// reassembled result.
func (m *Mesh) onStreamComplete(peer meshid.DeviceId, streamId meshid.StreamId, payload message.Bytes) {
	m.deliver(message.Message{
		Id:        meshid.NewMessageId(),
		Sender:    peer,
		Recipient: m.self,
		Priority:  message.Normal,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	})
}

func (m *Mesh) deliver(msg message.Message) {
	select {
	case m.inbox <- msg:
	default:
		m.log.Warn("inbox full, dropping oldest surfaced message")
		select {
		case <-m.inbox:
		default:
		}
		select {
		case m.inbox <- msg:
		default:
		}
	}

	m.handlersMu.Lock()
	handlers := append([]InboundHandler(nil), m.handlers...)
	m.handlersMu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}
