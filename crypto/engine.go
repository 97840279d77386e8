// Package crypto implements the per-peer Double-Ratchet-style session
// engine described in spec section 4.6: X25519 key agreement,
// HMAC-BLAKE2s-based key derivation (see kdf.go), ChaCha20-Poly1305 AEAD,
// and Ed25519 signatures. It is grounded on the teacher's neighbor
// repository awenaw-wireguard-go (device/noise-protocol.go,
// device/send.go, device/receive.go), which pairs the same primitives
// for its Noise_IKpsk2 handshake and transport encryption.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/gob"
	"bytes"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/xerr"
)

const nonceSize = 12

// Engine owns a local static X25519 keypair, a local Ed25519 signing
// keypair, and one Session per peer device.
type Engine struct {
	staticPriv [32]byte
	staticPub  [32]byte

	signPriv ed25519.PrivateKey
	signPub  ed25519.PublicKey

	sessionsMu sync.RWMutex
	sessions   map[meshid.DeviceId]*Session
}

// NewEngine generates a fresh static X25519 keypair and Ed25519 signing
// keypair.
func NewEngine() (*Engine, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, xerr.Wrap(xerr.CryptoInitFailed, xerr.CategoryCrypto, "crypto.NewEngine", "generate static secret", err)
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, xerr.Wrap(xerr.CryptoInitFailed, xerr.CategoryCrypto, "crypto.NewEngine", "generate signing key", err)
	}

	return &Engine{
		staticPriv: priv,
		staticPub:  pub,
		signPriv:   signPriv,
		signPub:    signPub,
		sessions:   make(map[meshid.DeviceId]*Session),
	}, nil
}

// PublicKey returns the local X25519 public key.
func (e *Engine) PublicKey() [32]byte { return e.staticPub }

// VerifyKey returns the local Ed25519 verify key.
func (e *Engine) VerifyKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), e.signPub...)
}

func (e *Engine) deriveShared(peerPublic [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(e.staticPriv[:], peerPublic[:])
	if err != nil {
		return nil, xerr.Wrap(xerr.KeyDerivationFailed, xerr.CategoryCrypto, "crypto.Engine.deriveShared", "X25519", err)
	}
	return shared, nil
}

// EstablishSession computes the DH shared secret with peerPublic and
// initializes a fresh Session (spec section 4.6).
func (e *Engine) EstablishSession(peer meshid.DeviceId, peerPublic [32]byte) error {
	shared, err := e.deriveShared(peerPublic)
	if err != nil {
		return err
	}
	root, chain := deriveInit(shared)

	sess := &Session{RootKey: root, SendChainKey: chain, RecvChainKey: chain, SendCounter: 0}

	e.sessionsMu.Lock()
	e.sessions[peer] = sess
	e.sessionsMu.Unlock()
	return nil
}

// EstablishAuthenticatedSession is EstablishSession plus recording the
// peer's long-term verify key for later Verify calls.
func (e *Engine) EstablishAuthenticatedSession(peer meshid.DeviceId, peerPublic [32]byte, peerVerify ed25519.PublicKey) error {
	if err := e.EstablishSession(peer, peerPublic); err != nil {
		return err
	}
	e.sessionsMu.RLock()
	sess := e.sessions[peer]
	e.sessionsMu.RUnlock()

	sess.mu.Lock()
	sess.PeerVerify = append(ed25519.PublicKey(nil), peerVerify...)
	sess.mu.Unlock()
	return nil
}

func (e *Engine) session(peer meshid.DeviceId) (*Session, error) {
	e.sessionsMu.RLock()
	sess, ok := e.sessions[peer]
	e.sessionsMu.RUnlock()
	if !ok {
		return nil, xerr.New(xerr.DeviceNotFound, xerr.CategoryCrypto, "crypto.Engine.session", "no session established for peer")
	}
	return sess, nil
}

// Encrypt derives the next message key from the peer's send chain,
// advances sendChain only after a successful AEAD seal (so a failed or
// cancelled encrypt never desynchronizes the ratchet), and returns
// nonce || ciphertext.
func (e *Engine) Encrypt(peer meshid.DeviceId, plaintext []byte) ([]byte, error) {
	sess, err := e.session(peer)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	nextChain, msgKey := deriveMessageKey(sess.SendChainKey)

	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, xerr.Wrap(xerr.EncryptionFailed, xerr.CategoryCrypto, "crypto.Engine.Encrypt", "construct AEAD", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerr.Wrap(xerr.EncryptionFailed, xerr.CategoryCrypto, "crypto.Engine.Encrypt", "generate nonce", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	// Only now, after the AEAD operation has succeeded, mutate state.
	sess.SendChainKey = nextChain
	sess.SendCounter++

	out := make([]byte, 0, len(nonce)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt requires len(input) >= 12, derives the next receive-chain key
// and message key in parallel with the current recvChain, and advances
// recvChain only if the AEAD open succeeds. Because the chain always
// advances forward, decrypting the exact same ciphertext a second time
// fails with InvalidCiphertext (anti-replay).
func (e *Engine) Decrypt(peer meshid.DeviceId, input []byte) ([]byte, error) {
	if len(input) < nonceSize {
		return nil, xerr.New(xerr.InvalidCiphertext, xerr.CategoryCrypto, "crypto.Engine.Decrypt", "input shorter than nonce")
	}

	sess, err := e.session(peer)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	nextChain, msgKey := deriveMessageKey(sess.RecvChainKey)

	aead, err := chacha20poly1305.New(msgKey[:])
	if err != nil {
		return nil, xerr.Wrap(xerr.EncryptionFailed, xerr.CategoryCrypto, "crypto.Engine.Decrypt", "construct AEAD", err)
	}

	nonce := input[:nonceSize]
	ciphertext := input[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// recvChain is deliberately NOT advanced: a corrupt frame must not
		// desynchronize the ratchet from the sender's view.
		return nil, xerr.Wrap(xerr.InvalidCiphertext, xerr.CategoryCrypto, "crypto.Engine.Decrypt", "AEAD open failed", err)
	}

	sess.RecvChainKey = nextChain
	return plaintext, nil
}

// Sign signs data with the local Ed25519 signing key.
func (e *Engine) Sign(data []byte) []byte {
	return ed25519.Sign(e.signPriv, data)
}

// Verify checks sig over data against the verify key recorded for peer at
// session establishment.
func (e *Engine) Verify(peer meshid.DeviceId, data, sig []byte) error {
	sess, err := e.session(peer)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	verifyKey := append(ed25519.PublicKey(nil), sess.PeerVerify...)
	sess.mu.Unlock()

	if len(verifyKey) == 0 {
		return xerr.New(xerr.SignatureVerificationFailed, xerr.CategoryCrypto, "crypto.Engine.Verify", "no verify key recorded for peer")
	}
	if !ed25519.Verify(verifyKey, data, sig) {
		return xerr.New(xerr.SignatureVerificationFailed, xerr.CategoryCrypto, "crypto.Engine.Verify", "signature mismatch")
	}
	return nil
}

// exportedState is the gob-serializable shape of Engine.ExportState. gob
// is the standard-library choice here because no third-party
// serialization library appears anywhere in the retrieval pack for
// engine-private-key bundles; see DESIGN.md.
type exportedState struct {
	StaticPriv [32]byte
	StaticPub  [32]byte
	SignPriv   []byte
	SignPub    []byte
	Sessions   map[meshid.DeviceId]Session
}

// ExportState serializes the static secret, signing key, and every
// session (root, both chains, counter, optional peer verify key) for
// device migration. There is no cross-version stability guarantee for
// this blob (spec section 9, open question).
func (e *Engine) ExportState() ([]byte, error) {
	e.sessionsMu.RLock()
	sessions := make(map[meshid.DeviceId]Session, len(e.sessions))
	for id, s := range e.sessions {
		sessions[id] = s.clone()
	}
	e.sessionsMu.RUnlock()

	state := exportedState{
		StaticPriv: e.staticPriv,
		StaticPub:  e.staticPub,
		SignPriv:   append([]byte(nil), e.signPriv...),
		SignPub:    append([]byte(nil), e.signPub...),
		Sessions:   sessions,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "crypto.Engine.ExportState", "gob encode", err)
	}
	return buf.Bytes(), nil
}

// ImportState reconstructs an Engine from a blob produced by ExportState.
func ImportState(blob []byte) (*Engine, error) {
	var state exportedState
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&state); err != nil {
		return nil, xerr.Wrap(xerr.SerializationFailed, xerr.CategorySystem, "crypto.ImportState", "gob decode", err)
	}

	e := &Engine{
		staticPriv: state.StaticPriv,
		staticPub:  state.StaticPub,
		signPriv:   state.SignPriv,
		signPub:    state.SignPub,
		sessions:   make(map[meshid.DeviceId]*Session),
	}
	for id, s := range state.Sessions {
		sCopy := s
		e.sessions[id] = &sCopy
	}
	return e, nil
}
