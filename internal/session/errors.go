package session

import "errors"

// Errors surfaced to callers. Framing-level errors (see package nlip)
// are local to the receive loop and reach the caller only as poisoned
// queue entries or callback error arguments; the errors below are the
// session-fatal and usage-error classes.
var (
	// ErrNotConnected is returned by every operation once the session
	// has disconnected, and by ReadMessage when a disconnect happens
	// while it is blocked.
	ErrNotConnected = errors.New("session: not connected")

	// ErrInvalidMode is returned by ReadMessage when the session was
	// constructed with callback delivery.
	ErrInvalidMode = errors.New("session: blocking read not allowed with callback delivery")

	// ErrTimeout is returned by ReadMessage when no message arrives
	// within the requested window.
	ErrTimeout = errors.New("session: timed out waiting for message")

	// ErrDeviceNotFound is returned by Connect when the channel driver
	// cannot locate the device at all.
	ErrDeviceNotFound = errors.New("session: device not found")

	// ErrConnectionFailed is returned by Connect when the device was
	// found but the channel could not be established.
	ErrConnectionFailed = errors.New("session: connection failed")
)
