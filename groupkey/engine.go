package groupkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/kestrelmesh/kestrel/internal/kdf"
	"github.com/kestrelmesh/kestrel/message"
	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/xerr"
)

// ProposalKind mirrors the original's TreeKEM Proposal enum
// (src/crypto/treekem.rs), kept here so an UpdatePath carries an
// auditable record of what a commit actually changed instead of an
// opaque blob, per SPEC_FULL.md's supplemented-features section.
type ProposalKind uint8

const (
	ProposalAdd ProposalKind = iota
	ProposalRemove
	ProposalUpdate
)

// Proposal is one membership change folded into a rekey's commit.
type Proposal struct {
	Kind      ProposalKind
	Device    meshid.DeviceId
	PublicKey [32]byte
}

// UpdatePath is the artifact produced by Rekey and consumed by
// ApplyUpdatePath (spec section 4.7).
type UpdatePath struct {
	UpdaterId      meshid.DeviceId
	PathSecrets    [][32]byte
	PathPublicKeys [][32]byte
	Epoch          uint64
	Proposals      []Proposal
}

// GroupState is the per-group tree, epoch, and current secret (spec
// section 3). Exactly one leaf exists per member; epoch advances exactly
// by 1 per successful commit.
type GroupState struct {
	GroupId     meshid.GroupId
	Tree        map[uint32]TreeNode
	Epoch       uint64
	GroupSecret [32]byte
	Members     map[meshid.DeviceId]uint32 // DeviceId -> leaf node id
}

type groupInternal struct {
	mu     sync.Mutex
	state  GroupState
	leaves []leafSpec // insertion order, survives add/remove for rebalancing
	nextId uint32
}

// Engine maintains every group's tree state plus a DeviceId->public key
// cache (spec section 4.7).
type Engine struct {
	mu     sync.RWMutex
	groups map[meshid.GroupId]*groupInternal
	pubKeys map[meshid.DeviceId][32]byte
}

// NewEngine constructs an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		groups:  make(map[meshid.GroupId]*groupInternal),
		pubKeys: make(map[meshid.DeviceId][32]byte),
	}
}

// CreateGroup builds a balanced tree over the given members (spec section
// 4.7), sets epoch 0, and derives the initial group secret from the tree
// root: SHA-256 of the root's public key if the root is itself a leaf (a
// single-member group), otherwise a fresh random 32 bytes.
func (e *Engine) CreateGroup(groupId meshid.GroupId, members []struct {
	Device meshid.DeviceId
	PubKey [32]byte
}) (*GroupState, error) {
	e.mu.Lock()
	if _, exists := e.groups[groupId]; exists {
		e.mu.Unlock()
		return nil, xerr.New(xerr.GroupAlreadyExists, xerr.CategoryGroup, "groupkey.Engine.CreateGroup", "group already exists")
	}
	e.mu.Unlock()

	leaves := make([]leafSpec, 0, len(members))
	for _, m := range members {
		leaves = append(leaves, leafSpec{device: m.Device, pubKey: m.PubKey})
		e.mu.Lock()
		e.pubKeys[m.Device] = m.PubKey
		e.mu.Unlock()
	}

	var nextId uint32 = 1
	tree, root, memberMap := buildTree(leaves, &nextId)

	secret, err := rootSecret(tree, root)
	if err != nil {
		return nil, xerr.Wrap(xerr.GroupCreationFailed, xerr.CategoryGroup, "groupkey.Engine.CreateGroup", "derive initial secret", err)
	}

	gi := &groupInternal{
		state: GroupState{
			GroupId:     groupId,
			Tree:        tree,
			Epoch:       0,
			GroupSecret: secret,
			Members:     memberMap,
		},
		leaves: leaves,
		nextId: nextId,
	}

	e.mu.Lock()
	e.groups[groupId] = gi
	e.mu.Unlock()

	snap := gi.state
	return &snap, nil
}

func rootSecret(tree map[uint32]TreeNode, root uint32) ([32]byte, error) {
	var secret [32]byte
	node, ok := tree[root]
	if ok && node.PublicKey != nil {
		hash := sha256.Sum256(node.PublicKey[:])
		return hash, nil
	}
	if _, err := rand.Read(secret[:]); err != nil {
		return secret, err
	}
	return secret, nil
}

func (e *Engine) group(groupId meshid.GroupId) (*groupInternal, error) {
	e.mu.RLock()
	gi, ok := e.groups[groupId]
	e.mu.RUnlock()
	if !ok {
		return nil, xerr.New(xerr.GroupNotFound, xerr.CategoryGroup, "groupkey.Engine", "unknown group")
	}
	return gi, nil
}

// AddMember inserts a new leaf and rebalances. Epoch is not advanced
// here; callers use Rekey to make the addition cryptographically
// binding, per spec section 4.7.
func (e *Engine) AddMember(groupId meshid.GroupId, device meshid.DeviceId, pubKey [32]byte) error {
	gi, err := e.group(groupId)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.pubKeys[device] = pubKey
	e.mu.Unlock()

	gi.mu.Lock()
	defer gi.mu.Unlock()

	for _, l := range gi.leaves {
		if l.device == device {
			return nil // already a member; adding is a no-op, not an error
		}
	}
	gi.leaves = append(gi.leaves, leafSpec{device: device, pubKey: pubKey})
	tree, _, members := buildTree(gi.leaves, &gi.nextId)
	gi.state.Tree = tree
	gi.state.Members = members
	return nil
}

// RemoveMember removes a leaf and rebalances. Idempotent: removing an
// already-absent device succeeds both times and leaves the tree
// unchanged the second time (spec property 7).
func (e *Engine) RemoveMember(groupId meshid.GroupId, device meshid.DeviceId) error {
	gi, err := e.group(groupId)
	if err != nil {
		return err
	}

	gi.mu.Lock()
	defer gi.mu.Unlock()

	idx := -1
	for i, l := range gi.leaves {
		if l.device == device {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	gi.leaves = append(gi.leaves[:idx], gi.leaves[idx+1:]...)
	tree, _, members := buildTree(gi.leaves, &gi.nextId)
	gi.state.Tree = tree
	gi.state.Members = members
	return nil
}

// Rekey generates an update path from updater's leaf to the root: one
// freshly sampled path secret plus an ephemeral X25519 public key per
// ancestor. Epoch advances by 1; the new group secret is derived via
// HKDF-Expand(last_path_secret, "group_secret", 32).
func (e *Engine) Rekey(groupId meshid.GroupId, updater meshid.DeviceId, proposals []Proposal) (*UpdatePath, error) {
	gi, err := e.group(groupId)
	if err != nil {
		return nil, err
	}

	gi.mu.Lock()
	defer gi.mu.Unlock()

	leafId, ok := gi.state.Members[updater]
	if !ok {
		return nil, xerr.New(xerr.NotGroupMember, xerr.CategoryGroup, "groupkey.Engine.Rekey", "updater is not a member")
	}

	ancestors := pathToRoot(gi.state.Tree, leafId)
	if len(ancestors) == 0 {
		ancestors = []uint32{leafId} // single-member group: leaf is its own root
	}

	path := &UpdatePath{UpdaterId: updater, Epoch: gi.state.Epoch + 1, Proposals: proposals}
	for range ancestors {
		var secret [32]byte
		if _, err := rand.Read(secret[:]); err != nil {
			return nil, xerr.Wrap(xerr.KeyDerivationFailed, xerr.CategoryCrypto, "groupkey.Engine.Rekey", "sample path secret", err)
		}
		var ephemeralPub [32]byte
		curve25519.ScalarBaseMult(&ephemeralPub, &secret)

		path.PathSecrets = append(path.PathSecrets, secret)
		path.PathPublicKeys = append(path.PathPublicKeys, ephemeralPub)
	}

	newSecret := deriveGroupSecret(path.PathSecrets[len(path.PathSecrets)-1])
	gi.state.Epoch = path.Epoch
	gi.state.GroupSecret = newSecret

	return path, nil
}

func deriveGroupSecret(lastPathSecret [32]byte) [32]byte {
	prk := kdf.Extract(nil, lastPathSecret[:])
	okm := kdf.Expand(prk, []byte("group_secret"), 32)
	var out [32]byte
	copy(out[:], okm)
	return out
}

// ApplyUpdatePath validates that path.Epoch == current_epoch + 1, then
// advances the epoch and derives the new group secret exactly as Rekey
// does. EpochMismatch otherwise — this is what makes ciphertexts from a
// superseded epoch unreadable (spec property 6).
func (e *Engine) ApplyUpdatePath(groupId meshid.GroupId, path *UpdatePath) error {
	gi, err := e.group(groupId)
	if err != nil {
		return err
	}

	gi.mu.Lock()
	defer gi.mu.Unlock()

	if path.Epoch != gi.state.Epoch+1 {
		return xerr.New(xerr.EpochMismatch, xerr.CategoryGroup, "groupkey.Engine.ApplyUpdatePath", "update path epoch is not current+1")
	}
	if len(path.PathSecrets) == 0 {
		return xerr.New(xerr.KeyDerivationFailed, xerr.CategoryCrypto, "groupkey.Engine.ApplyUpdatePath", "empty update path")
	}

	gi.state.Epoch = path.Epoch
	gi.state.GroupSecret = deriveGroupSecret(path.PathSecrets[len(path.PathSecrets)-1])
	return nil
}

// EncryptGroup serializes payload canonically, AEAD-seals it with the
// group secret and a fresh nonce, and returns epoch(8 BE) || nonce(12) ||
// ciphertext as a message.Bytes payload (spec section 4.7 wire layout).
func (e *Engine) EncryptGroup(groupId meshid.GroupId, payload message.Payload) (message.Bytes, error) {
	gi, err := e.group(groupId)
	if err != nil {
		return message.Bytes{}, err
	}

	gi.mu.Lock()
	secret := gi.state.GroupSecret
	epoch := gi.state.Epoch
	gi.mu.Unlock()

	plain, err := payload.Marshal()
	if err != nil {
		return message.Bytes{}, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "groupkey.Engine.EncryptGroup", "marshal payload", err)
	}

	aead, err := chacha20poly1305.New(secret[:])
	if err != nil {
		return message.Bytes{}, xerr.Wrap(xerr.EncryptionFailed, xerr.CategoryCrypto, "groupkey.Engine.EncryptGroup", "construct AEAD", err)
	}

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return message.Bytes{}, xerr.Wrap(xerr.EncryptionFailed, xerr.CategoryCrypto, "groupkey.Engine.EncryptGroup", "generate nonce", err)
	}

	ciphertext := aead.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, 8+12+len(ciphertext))
	epochBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBuf, epoch)
	out = append(out, epochBuf...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	return message.Bytes{Value: out}, nil
}

// DecryptGroup requires len(wire) >= 20, parses the epoch prefix,
// requires it to equal the current epoch exactly (past epochs are not
// kept in this minimal-conformance implementation — spec section 4.7),
// opens the AEAD, and deserializes the payload.
func (e *Engine) DecryptGroup(groupId meshid.GroupId, wire message.Bytes) (message.Payload, error) {
	gi, err := e.group(groupId)
	if err != nil {
		return nil, err
	}

	if len(wire.Value) < 20 {
		return nil, xerr.New(xerr.InvalidCiphertext, xerr.CategoryCrypto, "groupkey.Engine.DecryptGroup", "wire shorter than epoch+nonce prefix")
	}

	epoch := binary.BigEndian.Uint64(wire.Value[:8])
	nonce := wire.Value[8:20]
	ciphertext := wire.Value[20:]

	gi.mu.Lock()
	currentEpoch := gi.state.Epoch
	secret := gi.state.GroupSecret
	gi.mu.Unlock()

	if epoch != currentEpoch {
		return nil, xerr.New(xerr.EpochMismatch, xerr.CategoryGroup, "groupkey.Engine.DecryptGroup", "ciphertext epoch does not match current epoch")
	}

	aead, err := chacha20poly1305.New(secret[:])
	if err != nil {
		return nil, xerr.Wrap(xerr.EncryptionFailed, xerr.CategoryCrypto, "groupkey.Engine.DecryptGroup", "construct AEAD", err)
	}

	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, xerr.Wrap(xerr.InvalidCiphertext, xerr.CategoryCrypto, "groupkey.Engine.DecryptGroup", "AEAD open failed", err)
	}

	payload, err := message.Unmarshal(plain)
	if err != nil {
		return nil, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "groupkey.Engine.DecryptGroup", "unmarshal payload", err)
	}
	return payload, nil
}

// GroupSnapshot returns a value copy of a group's current state.
func (e *Engine) GroupSnapshot(groupId meshid.GroupId) (*GroupState, error) {
	gi, err := e.group(groupId)
	if err != nil {
		return nil, err
	}
	gi.mu.Lock()
	defer gi.mu.Unlock()
	snap := gi.state
	return &snap, nil
}
