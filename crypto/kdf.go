package crypto

import "github.com/kestrelmesh/kestrel/internal/kdf"

// deriveInit derives the initial root key and shared chain key from a
// freshly computed DH shared secret, per spec section 4.6:
// root = HKDF(shared, "init")[0:32], both chain keys = HKDF(shared,
// "init")[32:64].
func deriveInit(shared []byte) (root, chain [32]byte) {
	prk := kdf.Extract(nil, shared)
	okm := kdf.Expand(prk, []byte("init"), 64)
	copy(root[:], okm[:32])
	copy(chain[:], okm[32:64])
	return
}

// deriveMessageKey advances a chain key one step, producing the next
// chain key and a per-message encryption key, per spec section 4.6:
// (next_chain, msg_key) = HKDF(chain_key, "message_key").
func deriveMessageKey(chainKey [32]byte) (nextChain, msgKey [32]byte) {
	prk := kdf.Extract(nil, chainKey[:])
	okm := kdf.Expand(prk, []byte("message_key"), 64)
	copy(nextChain[:], okm[:32])
	copy(msgKey[:], okm[32:64])
	return
}
