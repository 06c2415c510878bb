// Package wsbridge implements the session channel driver for
// WebSocket console bridges (ser2net-style gateways that relay a
// device's SMP endpoint over the network). Each binary frame carries
// one chunk of SMP data, so the driver is a session.NotifyDriver.
package wsbridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hwtools/smpgo/internal/session"
	"github.com/hwtools/smpgo/internal/util"
)

// DefaultHandshakeTimeout bounds the WebSocket upgrade.
const DefaultHandshakeTimeout = 10 * time.Second

// Config locates the bridge endpoint.
type Config struct {
	URL              string // ws:// or wss:// URL of the bridge
	HandshakeTimeout time.Duration
}

// Channel is a session.NotifyDriver over a WebSocket connection.
type Channel struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

var _ session.NotifyDriver = (*Channel)(nil)

// New creates an unopened bridge channel.
func New(cfg Config) *Channel {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Channel{cfg: cfg}
}

// Open dials the bridge. A 404 from the bridge means the device it
// fronts is unknown.
func (c *Channel) Open(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return errors.Wrap(session.ErrDeviceNotFound, c.cfg.URL)
		}
		return errors.Wrapf(session.ErrConnectionFailed, "dial %s: %v", c.cfg.URL, err)
	}
	c.conn = conn
	return nil
}

// Close tears down the connection, unblocking the read pump. Safe to
// call more than once and after a failed Open.
func (c *Channel) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil || c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// Write sends data as a single binary frame.
func (c *Channel) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil || c.closed {
		return session.ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrapf(session.ErrConnectionFailed, "write: %v", err)
	}
	return nil
}

// Subscribe starts the read pump. Binary frames become chunks;
// everything else from the bridge is skipped. The pump stops when the
// connection drops or ctx is cancelled, and reports the drop through
// onClose.
func (c *Channel) Subscribe(ctx context.Context, onChunk func([]byte), onClose func(error)) error {
	if c.conn == nil {
		return session.ErrNotConnected
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			typ, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return err
			}
			if typ != websocket.BinaryMessage {
				util.LogDebug("wsbridge: skipping non-binary frame (%d)", typ)
				continue
			}
			onChunk(data)
		}
	})

	g.Go(func() error {
		// Close on cancellation so the read pump unblocks.
		<-gctx.Done()
		_ = c.Close()
		return gctx.Err()
	})

	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			util.LogDebug("wsbridge: pump stopped: %v", err)
		}
		onClose(err)
	}()
	return nil
}
