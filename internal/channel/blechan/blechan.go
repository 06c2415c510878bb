// Package blechan implements the session channel driver for BLE
// links. The SMP GATT service exposes a single characteristic that
// accepts write-without-response commands and notifies responses in
// MTU-bounded chunks, so the driver is a session.NotifyDriver and no
// line framing is involved.
package blechan

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/hwtools/smpgo/internal/session"
	"github.com/hwtools/smpgo/internal/util"
)

// SMP GATT service and characteristic UUIDs advertised by mcumgr /
// newtmgr targets.
var (
	serviceUUID = mustUUID("8d53dc1d-1db7-4cd3-868b-8a527460aa84")
	charUUID    = mustUUID("da2e7828-fbce-4e01-ae9e-261174997c48")
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

const (
	// DefaultScanTimeout bounds device discovery.
	DefaultScanTimeout = 10 * time.Second

	// DefaultChunkSize is the write chunk size: the default ATT MTU of
	// 23 minus the 3-byte ATT header. Raise it when the platform
	// negotiates a larger MTU.
	DefaultChunkSize = 20
)

// Config identifies the target device. At least one of Address or
// Name must be set; with neither, the first advertiser of the SMP
// service wins.
type Config struct {
	Address     string        // platform device address (MAC on Linux)
	Name        string        // advertised local name
	ScanTimeout time.Duration // 0 selects DefaultScanTimeout
	ChunkSize   int           // 0 selects DefaultChunkSize
}

// Channel is a session.NotifyDriver over a BLE central connection.
type Channel struct {
	cfg     Config
	adapter *bluetooth.Adapter

	device    bluetooth.Device
	char      bluetooth.DeviceCharacteristic
	connected atomic.Bool
	closeOnce sync.Once
}

var _ session.NotifyDriver = (*Channel)(nil)

// New creates an unopened BLE channel using the platform default
// adapter.
func New(cfg Config) *Channel {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Channel{cfg: cfg, adapter: bluetooth.DefaultAdapter}
}

// Open scans for the device, connects and resolves the SMP
// characteristic.
func (c *Channel) Open(ctx context.Context) error {
	if err := c.adapter.Enable(); err != nil {
		return errors.Wrapf(session.ErrConnectionFailed, "enable adapter: %v", err)
	}

	result, err := c.find(ctx)
	if err != nil {
		return err
	}
	util.LogInfo("connecting to %s (%s)", result.Address.String(), result.LocalName())

	dev, err := c.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return errors.Wrapf(session.ErrConnectionFailed, "connect %s: %v", result.Address.String(), err)
	}

	services, err := dev.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(services) == 0 {
		_ = dev.Disconnect()
		return errors.Wrapf(session.ErrConnectionFailed, "SMP service not found: %v", err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil || len(chars) == 0 {
		_ = dev.Disconnect()
		return errors.Wrapf(session.ErrConnectionFailed, "SMP characteristic not found: %v", err)
	}

	c.device = dev
	c.char = chars[0]
	c.connected.Store(true)
	return nil
}

// find scans until a matching advertisement is seen or the scan
// window closes.
func (c *Channel) find(ctx context.Context) (bluetooth.ScanResult, error) {
	resultCh := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)

	go func() {
		scanErr <- c.adapter.Scan(func(a *bluetooth.Adapter, res bluetooth.ScanResult) {
			if !c.matches(res) {
				return
			}
			select {
			case resultCh <- res:
			default:
			}
			_ = a.StopScan()
		})
	}()

	return c.awaitScan(ctx, resultCh, scanErr, func() { _ = c.adapter.StopScan() })
}

// awaitScan picks the scan outcome. The match callback stops the scan
// right after posting its result, so a finished scan and a pending
// result can arrive together: the result wins.
func (c *Channel) awaitScan(ctx context.Context, resultCh <-chan bluetooth.ScanResult, scanErr <-chan error, stop func()) (bluetooth.ScanResult, error) {
	select {
	case res := <-resultCh:
		return res, nil
	case err := <-scanErr:
		if err != nil {
			return bluetooth.ScanResult{}, errors.Wrapf(session.ErrConnectionFailed, "scan: %v", err)
		}
		select {
		case res := <-resultCh:
			return res, nil
		default:
		}
		return bluetooth.ScanResult{}, errors.Wrap(session.ErrDeviceNotFound, c.target())
	case <-time.After(c.cfg.ScanTimeout):
		stop()
		return bluetooth.ScanResult{}, errors.Wrap(session.ErrDeviceNotFound, c.target())
	case <-ctx.Done():
		stop()
		return bluetooth.ScanResult{}, ctx.Err()
	}
}

func (c *Channel) matches(res bluetooth.ScanResult) bool {
	switch {
	case c.cfg.Address != "":
		return strings.EqualFold(res.Address.String(), c.cfg.Address)
	case c.cfg.Name != "":
		return res.LocalName() == c.cfg.Name
	default:
		return res.HasServiceUUID(serviceUUID)
	}
}

func (c *Channel) target() string {
	if c.cfg.Address != "" {
		return c.cfg.Address
	}
	if c.cfg.Name != "" {
		return c.cfg.Name
	}
	return "any SMP advertiser"
}

// Close drops the BLE connection. Safe after a failed Open and safe
// to call concurrently with Write.
func (c *Channel) Close() error {
	if !c.connected.Swap(false) {
		return nil
	}
	return c.device.Disconnect()
}

// Write sends data as a series of write-without-response commands,
// split at the configured chunk size.
func (c *Channel) Write(ctx context.Context, data []byte) error {
	if !c.connected.Load() {
		return session.ErrNotConnected
	}
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := len(data)
		if n > c.cfg.ChunkSize {
			n = c.cfg.ChunkSize
		}
		if _, err := c.char.WriteWithoutResponse(data[:n]); err != nil {
			return errors.Wrapf(session.ErrConnectionFailed, "write: %v", err)
		}
		data = data[n:]
	}
	return nil
}

// Subscribe enables notifications on the SMP characteristic. Each
// notification is one chunk. Loss of the link is reported through the
// adapter's connect handler.
func (c *Channel) Subscribe(ctx context.Context, onChunk func([]byte), onClose func(error)) error {
	if !c.connected.Load() {
		return session.ErrNotConnected
	}

	addr := c.device.Address.String()
	c.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		if connected || !strings.EqualFold(dev.Address.String(), addr) {
			return
		}
		c.connected.Store(false)
		c.closeOnce.Do(func() {
			onClose(errors.Wrap(session.ErrConnectionFailed, "peripheral disconnected"))
		})
	})

	return c.char.EnableNotifications(func(buf []byte) {
		onChunk(buf)
	})
}
