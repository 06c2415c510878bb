// Package serialchan implements the session channel driver for serial
// (UART console) links. SMP messages travel over it NLIP-framed, so
// the driver only needs to hand complete lines to the session.
package serialchan

import (
	"bufio"
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/hwtools/smpgo/internal/session"
)

// DefaultBaudRate matches the mcumgr console default.
const DefaultBaudRate = 115200

// Config selects and parameterizes the port. Anything beyond this
// (flow control, parity) is left at the library defaults; SMP consoles
// run 8N1.
type Config struct {
	Device   string // e.g. /dev/ttyUSB0 or COM3
	BaudRate int    // 0 selects DefaultBaudRate
}

// Channel is a session.LineDriver over a local serial port.
type Channel struct {
	cfg    Config
	port   serial.Port
	reader *bufio.Reader
	closed atomic.Bool
}

var _ session.LineDriver = (*Channel)(nil)

// New creates an unopened serial channel.
func New(cfg Config) *Channel {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	return &Channel{cfg: cfg}
}

// Open opens the configured port.
func (c *Channel) Open(ctx context.Context) error {
	if c.cfg.Device == "" {
		return errors.Wrap(session.ErrDeviceNotFound, "no device path configured")
	}

	port, err := serial.Open(c.cfg.Device, &serial.Mode{BaudRate: c.cfg.BaudRate})
	if err != nil {
		var pe *serial.PortError
		if errors.As(err, &pe) && pe.Code() == serial.PortNotFound {
			return errors.Wrap(session.ErrDeviceNotFound, c.cfg.Device)
		}
		return errors.Wrapf(session.ErrConnectionFailed, "open %s: %v", c.cfg.Device, err)
	}

	c.port = port
	c.reader = bufio.NewReader(port)
	return nil
}

// Close releases the port. Closing unblocks a pending ReadLine.
func (c *Channel) Close() error {
	if c.port == nil || c.closed.Swap(true) {
		return nil
	}
	return c.port.Close()
}

// Write sends raw bytes to the port.
func (c *Channel) Write(ctx context.Context, data []byte) error {
	if c.port == nil || c.closed.Load() {
		return session.ErrNotConnected
	}
	for len(data) > 0 {
		n, err := c.port.Write(data)
		if err != nil {
			return errors.Wrapf(session.ErrConnectionFailed, "write %s: %v", c.cfg.Device, err)
		}
		data = data[n:]
	}
	return nil
}

// ReadLine blocks until one LF-terminated line arrives or the port is
// closed. The serial library has no per-read cancellation, so ctx is
// only consulted between reads; Close is the way to unblock.
func (c *Channel) ReadLine(ctx context.Context) ([]byte, error) {
	if c.reader == nil {
		return nil, session.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		if c.closed.Load() {
			return nil, session.ErrNotConnected
		}
		return nil, errors.Wrapf(session.ErrConnectionFailed, "read %s: %v", c.cfg.Device, err)
	}
	return line, nil
}
