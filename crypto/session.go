package crypto

import (
	"crypto/ed25519"
	"sync"
)

// Session holds one peer's ratcheting state (spec section 3). Chain keys
// are 256-bit; every encrypt advances sendChain, every successful decrypt
// advances recvChain monotonically, which is what makes an exact replay
// fail the second time.
type Session struct {
	mu sync.Mutex

	RootKey      [32]byte
	SendChainKey [32]byte
	RecvChainKey [32]byte
	SendCounter  uint32
	PeerVerify   ed25519.PublicKey // nil unless established via an authenticated session
}

// clone returns a value copy of the session state, used by export_state.
func (s *Session) clone() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		RootKey:      s.RootKey,
		SendChainKey: s.SendChainKey,
		RecvChainKey: s.RecvChainKey,
		SendCounter:  s.SendCounter,
		PeerVerify:   append(ed25519.PublicKey(nil), s.PeerVerify...),
	}
}
