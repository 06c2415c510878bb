// Package session provides the transport-independent SMP exchange
// layer: it owns a channel driver, runs the background receive loop
// with the framing appropriate for the channel, and exposes message
// write/read primitives to callers.
package session

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/hwtools/smpgo/internal/nlip"
	"github.com/hwtools/smpgo/internal/smp"
	"github.com/hwtools/smpgo/internal/util"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// item is one delivery queue entry: a completed message, or a captured
// framing error re-raised on the consumer's side of the queue.
type item struct {
	msg *smp.Message
	err error
}

// Session is a single connection to an SMP device. It is not
// reusable: once disconnected it stays disconnected, and reconnection
// means constructing a new session.
//
// The receive loop owns all framing state; writes only share the
// channel driver and the atomic stats with it, so WriteMessage may be
// called concurrently with reception.
type Session struct {
	driver Driver
	line   LineDriver   // non-nil for byte-stream channels
	notify NotifyDriver // non-nil for notification channels

	queue chan item                 // queue delivery, nil in callback mode
	cb    func(*smp.Message, error) // callback delivery, nil in queue mode

	framerOpts []nlip.Option
	seq        smp.SeqGen
	stats      TrafficStats

	state atomic.Int32

	ctx     context.Context
	cancel  context.CancelFunc
	chunkCh chan []byte // notification channels only

	done     chan struct{}
	downOnce sync.Once

	writeMu sync.Mutex
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithChecksumVerify enables CRC verification on reassembled NLIP
// packets. Only meaningful for byte-stream channels.
func WithChecksumVerify() Option {
	return func(s *Session) {
		s.framerOpts = append(s.framerOpts, nlip.WithChecksumVerify())
	}
}

// New creates a session over the given channel driver. The driver must
// implement exactly one of LineDriver or NotifyDriver; the delivery
// mode is fixed for the session's lifetime.
func New(driver Driver, mode DeliveryMode, opts ...Option) (*Session, error) {
	s := &Session{
		driver: driver,
		done:   make(chan struct{}),
	}

	line, isLine := driver.(LineDriver)
	notify, isNotify := driver.(NotifyDriver)
	switch {
	case isLine && isNotify:
		return nil, errors.New("session: driver implements both LineDriver and NotifyDriver")
	case isLine:
		s.line = line
	case isNotify:
		s.notify = notify
	default:
		return nil, errors.New("session: driver implements neither LineDriver nor NotifyDriver")
	}

	switch m := mode.(type) {
	case queueMode:
		s.queue = make(chan item, m.capacity)
	case callbackMode:
		if m.fn == nil {
			return nil, errors.New("session: nil delivery callback")
		}
		s.cb = m.fn
	default:
		return nil, errors.New("session: missing delivery mode")
	}

	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Connect opens the channel and starts the receive loop. ctx governs
// the session's lifetime: cancelling it disconnects the session. On
// failure the session remains disconnected and the driver's error is
// returned as-is (drivers wrap ErrDeviceNotFound / ErrConnectionFailed).
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return errors.Wrap(ErrConnectionFailed, "session already terminated; construct a new one")
	default:
	}
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return errors.Wrap(ErrConnectionFailed, "session already connected")
	}

	if err := s.driver.Open(ctx); err != nil {
		s.state.Store(int32(StateDisconnected))
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.notify != nil {
		s.chunkCh = make(chan []byte, 1)
		onChunk := func(chunk []byte) {
			// The driver may reuse the buffer after we return.
			c := make([]byte, len(chunk))
			copy(c, chunk)
			select {
			case s.chunkCh <- c:
			case <-s.ctx.Done():
			}
		}
		// A notification channel has no read call whose failure would
		// end the loop, so the driver reports transport death here.
		onClose := func(err error) {
			select {
			case <-s.done:
			default:
				if err != nil {
					util.LogError("session: channel lost: %v", err)
				}
			}
			s.teardown()
		}
		if err := s.notify.Subscribe(s.ctx, onChunk, onClose); err != nil {
			s.cancel()
			_ = s.driver.Close()
			s.state.Store(int32(StateDisconnected))
			return errors.Wrapf(ErrConnectionFailed, "subscribe: %v", err)
		}
	}

	// The driver may have reported channel loss already; never revive a
	// torn-down session.
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return errors.Wrap(ErrConnectionFailed, "channel closed during connect")
	}
	go s.receiveLoop()
	return nil
}

// Disconnect stops the receive loop and releases the channel. It is
// idempotent and never fails; calling it on an already-disconnected
// session is a no-op.
func (s *Session) Disconnect() {
	s.teardown()
}

// teardown is the single shutdown path, shared by Disconnect, context
// cancellation and receive loop exit.
func (s *Session) teardown() {
	s.downOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if err := s.driver.Close(); err != nil {
			util.LogDebug("session: channel close: %v", err)
		}
		s.state.Store(int32(StateDisconnected))
		close(s.done)
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done returns a channel closed when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the session's traffic counters.
func (s *Session) Stats() Snapshot {
	return s.stats.Snapshot()
}

// NextSeq returns the next value for the header sequence field.
func (s *Session) NextSeq() uint8 {
	return s.seq.Next()
}

// WriteMessage encodes msg, applies line framing if the channel needs
// it, and hands the bytes to the channel driver. It never waits for a
// reply; correlate responses via the sequence field.
func (s *Session) WriteMessage(ctx context.Context, msg *smp.Message) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}

	data := smp.Encode(msg)
	if s.line != nil {
		data = bytes.Join(nlip.Pack(data), nil)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if err := s.driver.Write(ctx, data); err != nil {
		return errors.Wrap(err, "session: write")
	}
	s.stats.addSent(len(data))
	return nil
}

// ReadMessage returns the oldest undelivered message, blocking up to
// timeout. A timeout <= 0 waits until a message arrives or the session
// disconnects. Framing errors captured by the receive loop are
// re-raised here, on the consumer's thread of control. Only valid in
// queue delivery mode.
func (s *Session) ReadMessage(timeout time.Duration) (*smp.Message, error) {
	if s.queue == nil {
		return nil, ErrInvalidMode
	}

	// Drain buffered entries first so messages received before a
	// disconnect are not lost.
	select {
	case it := <-s.queue:
		return it.msg, it.err
	default:
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case it := <-s.queue:
		return it.msg, it.err
	case <-timeoutCh:
		return nil, ErrTimeout
	case <-s.done:
		// The loop may have delivered right before shutting down.
		select {
		case it := <-s.queue:
			return it.msg, it.err
		default:
		}
		return nil, ErrNotConnected
	}
}

// receiveLoop runs for the session's entire connected lifetime. There
// is exactly one per session and it owns all reassembly state.
func (s *Session) receiveLoop() {
	defer s.teardown()
	if s.line != nil {
		s.lineLoop()
	} else {
		s.notifyLoop()
	}
}

// lineLoop pulls NLIP lines from a byte-stream channel, de-frames them
// and feeds the resulting packets through the SMP reassembler.
func (s *Session) lineLoop() {
	framer := nlip.NewFramer(s.framerOpts...)
	var reasm smp.Reassembler

	for {
		line, err := s.line.ReadLine(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			util.LogError("session: receive loop terminated: %v", err)
			return
		}
		s.stats.addRecvBytes(len(line))
		util.LogDebug("session: RX %x", line)

		pkt, ferr := framer.Feed(line)
		if ferr != nil {
			// Framing errors are local: report, resynchronize on the
			// next packet start, keep the loop alive.
			s.stats.addFrameError()
			util.LogWarning("session: dropped frame: %v", ferr)
			s.deliverError(ferr)
			continue
		}
		if pkt == nil {
			continue
		}
		for _, msg := range reasm.Feed(nlip.Payload(pkt)) {
			s.deliver(msg)
		}
	}
}

// notifyLoop drains chunks forwarded by the driver's subscription
// callback and feeds them straight into the SMP reassembler.
func (s *Session) notifyLoop() {
	var reasm smp.Reassembler

	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.chunkCh:
			s.stats.addRecvBytes(len(chunk))
			util.LogDebug("session: RX %x", chunk)
			for _, msg := range reasm.Feed(chunk) {
				s.deliver(msg)
			}
		}
	}
}

func (s *Session) deliver(msg *smp.Message) {
	s.stats.addRecvMsg()
	if s.cb != nil {
		s.cb(msg, nil)
		return
	}
	s.push(item{msg: msg})
}

func (s *Session) deliverError(err error) {
	if s.cb != nil {
		s.cb(nil, err)
		return
	}
	s.push(item{err: err})
}

// push enqueues without blocking the receive loop. A full queue drops
// its oldest entry so the newest response is never lost.
func (s *Session) push(it item) {
	for {
		select {
		case s.queue <- it:
			return
		default:
		}
		select {
		case <-s.queue:
			util.LogWarning("session: delivery queue full, dropping oldest entry")
		default:
		}
	}
}
