package session

import "context"

// Driver is the contract a channel driver must honor. The session
// treats the channel as an opaque byte pipe: device discovery, port
// parameters and pairing all live behind Open.
//
// A driver must additionally implement exactly one of LineDriver or
// NotifyDriver, which tells the session how bytes arrive and which
// framing to apply.
type Driver interface {
	// Open acquires the underlying channel. Errors should wrap
	// ErrDeviceNotFound or ErrConnectionFailed so callers can tell the
	// two classes apart.
	Open(ctx context.Context) error

	// Close releases the channel. It must be safe to call after a
	// failed Open and must unblock any in-progress read.
	Close() error

	// Write sends raw, already-framed bytes to the device.
	Write(ctx context.Context, data []byte) error
}

// LineDriver is implemented by byte-stream channels (serial consoles)
// that deliver newline-terminated lines. The session runs the NLIP
// framer over them.
type LineDriver interface {
	Driver

	// ReadLine blocks until one line (including its terminator) is
	// available, the channel closes, or ctx is cancelled.
	ReadLine(ctx context.Context) ([]byte, error)
}

// NotifyDriver is implemented by channels that deliver discrete,
// MTU-bounded chunks with no framing of their own (BLE notifications,
// bridge frames). The session feeds chunks straight into the SMP
// reassembler.
//
// Unlike a line channel, a notification channel has no read call whose
// failure reveals a dead transport, so the driver must report loss of
// the channel itself via onClose.
type NotifyDriver interface {
	Driver

	// Subscribe registers the delivery hooks and returns. The driver
	// invokes onChunk for every inbound chunk until the channel closes
	// or ctx is cancelled; the chunk buffer may be reused after the
	// callback returns. When the underlying transport dies the driver
	// must invoke onClose exactly once, with the terminal error (nil
	// for a clean shutdown).
	Subscribe(ctx context.Context, onChunk func([]byte), onClose func(error)) error
}
