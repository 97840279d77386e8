// Package xerr implements the error taxonomy shared by every engine in the
// mesh SDK: a stable code, a category, a short user-facing message, a
// location tag, a timestamp, a retry suggestion, and an optional cause
// chain reachable through the standard errors.Unwrap protocol.
package xerr

import (
	"errors"
	"fmt"
	"time"
)

// Category groups related Codes.
type Category string

const (
	CategoryTransport Category = "transport"
	CategoryCrypto    Category = "crypto"
	CategoryGroup     Category = "group"
	CategoryRouting   Category = "routing"
	CategoryStream    Category = "stream"
	CategorySystem    Category = "system"
)

// Code is a stable, machine-comparable error code.
type Code string

const (
	ChannelInitFailed     Code = "channel_init_failed"
	ChannelDisconnected   Code = "channel_disconnected"
	ChannelSendFailed     Code = "channel_send_failed"
	ChannelReceiveTimeout Code = "channel_receive_timeout"

	CryptoInitFailed            Code = "crypto_init_failed"
	KeyDerivationFailed         Code = "key_derivation_failed"
	EncryptionFailed            Code = "encryption_failed"
	InvalidCiphertext           Code = "invalid_ciphertext"
	SignatureVerificationFailed Code = "signature_verification_failed"

	GroupNotFound       Code = "group_not_found"
	GroupAlreadyExists  Code = "group_already_exists"
	NotGroupMember      Code = "not_group_member"
	GroupFull           Code = "group_full"
	GroupCreationFailed Code = "group_creation_failed"
	GroupInviteFailed   Code = "group_invite_failed"
	EpochMismatch       Code = "epoch_mismatch"

	NoRouteFound       Code = "no_route_found"
	CapabilityMismatch Code = "capability_mismatch"
	DeviceNotFound     Code = "device_not_found"
	DeviceOffline      Code = "device_offline"

	StreamInitFailed       Code = "stream_init_failed"
	StreamDisconnected     Code = "stream_disconnected"
	InvalidPayloadType     Code = "invalid_payload_type"
	InsufficientBandwidth  Code = "insufficient_bandwidth"

	Timeout             Code = "timeout"
	InvalidInput        Code = "invalid_input"
	SerializationFailed Code = "serialization_failed"
	ResourceExhausted   Code = "resource_exhausted"
)

// RetryKind tags how a caller should react to an error.
type RetryKind int

const (
	NoRetry RetryKind = iota
	Retryable
	ManualIntervention
	Fatal
)

// Retry is the retry suggestion attached to an Error.
type Retry struct {
	Kind         RetryKind
	Attempts     int
	BaseDelayMs  int
}

// Error is the sum type every public operation in this module returns.
type Error struct {
	Code      Code
	Category  Category
	Message   string
	Location  string
	Timestamp time.Time
	Retry     Retry
	source    error
}

func (e *Error) Error() string {
	if e.source != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Code, e.Message, e.Location, e.source)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Location)
}

// Unwrap exposes the cause chain to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.source }

// New builds an Error with the current time and no cause.
func New(code Code, category Category, location, message string) *Error {
	return &Error{
		Code:      code,
		Category:  category,
		Message:   message,
		Location:  location,
		Timestamp: time.Now(),
		Retry:     Retry{Kind: NoRetry},
	}
}

// Wrap builds an Error that chains a lower-level cause.
func Wrap(code Code, category Category, location, message string, source error) *Error {
	e := New(code, category, location, message)
	e.source = source
	return e
}

// WithRetry attaches a retry policy and returns the same Error for chaining.
func (e *Error) WithRetry(r Retry) *Error {
	e.Retry = r
	return e
}

// Is allows errors.Is(err, xerr.New(SomeCode, ...)) style comparisons by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
