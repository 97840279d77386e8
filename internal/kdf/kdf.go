// Package kdf implements HKDF-Extract/HKDF-Expand over HMAC-BLAKE2s, the
// same two-step extract/expand construction WireGuard's Noise handshake
// uses (awenaw-wireguard-go/device/noise-protocol.go: mixKey/mixHash
// build on blake2s.New256 HMACs), shared by crypto.Engine and
// groupkey.Engine rather than duplicated in each.
package kdf

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
)

func hmacBlake2s(key, data []byte) []byte {
	h := hmac.New(func() hash.Hash {
		mac, _ := blake2s.New256(nil)
		return mac
	}, key)
	h.Write(data)
	return h.Sum(nil)
}

// Extract implements HKDF-Extract: PRK = HMAC-BLAKE2s(salt, ikm).
func Extract(salt, ikm []byte) []byte {
	return hmacBlake2s(salt, ikm)
}

// Expand implements HKDF-Expand, producing length bytes of output keying
// material from prk and info.
func Expand(prk, info []byte, length int) []byte {
	out := make([]byte, 0, length+blake2s.Size)
	var t []byte
	counter := byte(1)
	for len(out) < length {
		block := make([]byte, 0, len(t)+len(info)+1)
		block = append(block, t...)
		block = append(block, info...)
		block = append(block, counter)
		t = hmacBlake2s(prk, block)
		out = append(out, t...)
		counter++
	}
	return out[:length]
}
