package crypto

import (
	"bytes"
	"testing"

	"github.com/kestrelmesh/kestrel/meshid"
	"github.com/kestrelmesh/kestrel/xerr"
)

func pairedEngines(t *testing.T) (*Engine, *Engine, meshid.DeviceId, meshid.DeviceId) {
	t.Helper()
	a, err := NewEngine()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewEngine()
	if err != nil {
		t.Fatal(err)
	}
	aId, bId := meshid.NewDeviceId(), meshid.NewDeviceId()
	if err := a.EstablishSession(bId, b.PublicKey()); err != nil {
		t.Fatal(err)
	}
	if err := b.EstablishSession(aId, a.PublicKey()); err != nil {
		t.Fatal(err)
	}
	return a, b, aId, bId
}

// Property 3 + property 4: encrypt/decrypt round-trips, and replaying the
// same ciphertext a second time is rejected.
func TestRoundTripAndReplayRejected(t *testing.T) {
	a, b, aId, bId := pairedEngines(t)

	ct, err := a.Encrypt(bId, []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	pt, err := b.Decrypt(aId, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("hello")) {
		t.Fatalf("got %q", pt)
	}

	_, err = b.Decrypt(aId, ct)
	code, ok := xerr.CodeOf(err)
	if !ok || code != xerr.InvalidCiphertext {
		t.Fatalf("expected InvalidCiphertext on replay, got %v", err)
	}
}

func TestEmptyPlaintextRoundTrip(t *testing.T) {
	a, b, aId, bId := pairedEngines(t)
	ct, err := a.Encrypt(bId, []byte{})
	if err != nil {
		t.Fatal(err)
	}
	pt, err := b.Decrypt(aId, ct)
	if err != nil {
		t.Fatal(err)
	}
	if len(pt) != 0 {
		t.Fatalf("expected empty plaintext, got %v", pt)
	}
}

func TestDecryptTooShortIsInvalidCiphertext(t *testing.T) {
	_, b, aId, _ := pairedEngines(t)
	_, err := b.Decrypt(aId, []byte{1, 2, 3})
	code, ok := xerr.CodeOf(err)
	if !ok || code != xerr.InvalidCiphertext {
		t.Fatalf("expected InvalidCiphertext, got %v", err)
	}
}

func TestEncryptWithoutSessionFailsDeviceNotFound(t *testing.T) {
	a, err := NewEngine()
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.Encrypt(meshid.NewDeviceId(), []byte("hi"))
	code, ok := xerr.CodeOf(err)
	if !ok || code != xerr.DeviceNotFound {
		t.Fatalf("expected DeviceNotFound, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	a, err := NewEngine()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewEngine()
	if err != nil {
		t.Fatal(err)
	}
	aId, bId := meshid.NewDeviceId(), meshid.NewDeviceId()
	if err := a.EstablishAuthenticatedSession(bId, b.PublicKey(), b.VerifyKey()); err != nil {
		t.Fatal(err)
	}
	if err := b.EstablishAuthenticatedSession(aId, a.PublicKey(), a.VerifyKey()); err != nil {
		t.Fatal(err)
	}

	sig := b.Sign([]byte("payload"))
	if err := a.Verify(bId, []byte("payload"), sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if err := a.Verify(bId, []byte("tampered"), sig); err == nil {
		t.Fatal("expected verification failure for tampered data")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	a, b, aId, bId := pairedEngines(t)

	blob, err := a.ExportState()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := ImportState(blob)
	if err != nil {
		t.Fatal(err)
	}

	ct, err := restored.Encrypt(bId, []byte("after migration"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := b.Decrypt(aId, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("after migration")) {
		t.Fatalf("got %q", pt)
	}
}
