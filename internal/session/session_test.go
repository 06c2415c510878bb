package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hwtools/smpgo/internal/nlip"
	"github.com/hwtools/smpgo/internal/smp"
)

// fakeLineDriver is an in-memory byte-stream channel: the test feeds
// NLIP lines in, and captures whatever the session writes.
type fakeLineDriver struct {
	lines chan []byte

	mu    sync.Mutex
	wrote [][]byte

	openErr   error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeLineDriver() *fakeLineDriver {
	return &fakeLineDriver{
		lines:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeLineDriver) Open(ctx context.Context) error { return f.openErr }

func (f *fakeLineDriver) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeLineDriver) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrote = append(f.wrote, append([]byte(nil), data...))
	return nil
}

func (f *fakeLineDriver) ReadLine(ctx context.Context) ([]byte, error) {
	select {
	case line := <-f.lines:
		return line, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeLineDriver) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.wrote...)
}

// feedMessage pushes a fully NLIP-framed message into the read side.
func (f *fakeLineDriver) feedMessage(msg *smp.Message) {
	for _, line := range nlip.Pack(smp.Encode(msg)) {
		f.lines <- line
	}
}

// fakeNotifyDriver is an in-memory notification channel.
type fakeNotifyDriver struct {
	mu      sync.Mutex
	wrote   [][]byte
	onChunk func([]byte)
	onClose func(error)
}

func (f *fakeNotifyDriver) Open(ctx context.Context) error { return nil }
func (f *fakeNotifyDriver) Close() error                   { return nil }

func (f *fakeNotifyDriver) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrote = append(f.wrote, append([]byte(nil), data...))
	return nil
}

func (f *fakeNotifyDriver) Subscribe(ctx context.Context, onChunk func([]byte), onClose func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChunk = onChunk
	f.onClose = onClose
	return nil
}

func (f *fakeNotifyDriver) notify(chunk []byte) {
	f.mu.Lock()
	cb := f.onChunk
	f.mu.Unlock()
	cb(chunk)
}

// fail simulates the underlying transport dying, the way a bridge read
// pump or a BLE connect handler would report it.
func (f *fakeNotifyDriver) fail(err error) {
	f.mu.Lock()
	cb := f.onClose
	f.mu.Unlock()
	cb(err)
}

func responseMessage(seq uint8, payload []byte) *smp.Message {
	msg := smp.NewMessage(smp.OpWriteRsp, smp.GroupOS, smp.CmdEcho)
	msg.Header.Seq = seq
	msg.SetPayload(payload)
	return msg
}

func connectedLineSession(t *testing.T, mode DeliveryMode) (*Session, *fakeLineDriver) {
	t.Helper()
	driver := newFakeLineDriver()
	sess, err := New(driver, mode)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(sess.Disconnect)
	return sess, driver
}

// TestQueueDeliveryRoundTrip covers the full serial-shaped path: a
// write goes out NLIP-framed, a framed response comes back through
// ReadMessage.
func TestQueueDeliveryRoundTrip(t *testing.T) {
	sess, driver := connectedLineSession(t, QueueDelivery(0))

	req := smp.NewMessage(smp.OpWrite, smp.GroupOS, smp.CmdEcho)
	req.Header.Seq = sess.NextSeq()
	req.SetPayload([]byte("ping"))
	if err := sess.WriteMessage(context.Background(), req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	wrote := driver.writes()
	if len(wrote) != 1 {
		t.Fatalf("driver writes: got %d, want 1", len(wrote))
	}
	if wrote[0][0] != 0x06 || wrote[0][1] != 0x09 {
		t.Errorf("written data not NLIP framed: starts %02x %02x", wrote[0][0], wrote[0][1])
	}

	// Round-trip what the session wrote through a fresh framer.
	framer := nlip.NewFramer()
	var pkt []byte
	for _, line := range bytes.SplitAfter(wrote[0], []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		p, err := framer.Feed(line)
		if err != nil {
			t.Fatalf("re-framing written data: %v", err)
		}
		if p != nil {
			pkt = p
		}
	}
	decoded, _, err := smp.Decode(nlip.Payload(pkt))
	if err != nil {
		t.Fatalf("decoding written data: %v", err)
	}
	if !bytes.Equal(decoded.Payload, []byte("ping")) {
		t.Errorf("written payload: got %q, want %q", decoded.Payload, "ping")
	}

	driver.feedMessage(responseMessage(req.Header.Seq, []byte("pong")))

	rsp, err := sess.ReadMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if rsp.Header.Seq != req.Header.Seq {
		t.Errorf("seq: got %d, want %d", rsp.Header.Seq, req.Header.Seq)
	}
	if !bytes.Equal(rsp.Payload, []byte("pong")) {
		t.Errorf("payload: got %q, want %q", rsp.Payload, "pong")
	}
}

// TestCallbackDelivery verifies callback mode delivers messages and
// framing errors inline, and that blocking reads are rejected.
func TestCallbackDelivery(t *testing.T) {
	type result struct {
		msg *smp.Message
		err error
	}
	results := make(chan result, 8)

	driver := newFakeLineDriver()
	sess, err := New(driver, CallbackDelivery(func(m *smp.Message, err error) {
		results <- result{msg: m, err: err}
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()

	if _, err := sess.ReadMessage(time.Second); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("ReadMessage in callback mode: got %v, want ErrInvalidMode", err)
	}

	driver.feedMessage(responseMessage(5, []byte("cb")))
	select {
	case r := <-results:
		if r.err != nil || r.msg == nil || r.msg.Header.Seq != 5 {
			t.Fatalf("callback result: msg=%+v err=%v", r.msg, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}

	// An orphaned continuation reaches the callback as an error.
	orphan := append([]byte{0x04, 0x14}, base64.StdEncoding.EncodeToString([]byte("xyz"))...)
	driver.lines <- append(orphan, '\n')
	select {
	case r := <-results:
		if r.msg != nil || !errors.Is(r.err, nlip.ErrUnexpectedContinuation) {
			t.Fatalf("callback error result: msg=%v err=%v", r.msg, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never saw the framing error")
	}
}

// TestReadMessageTimeout verifies the timeout path.
func TestReadMessageTimeout(t *testing.T) {
	sess, _ := connectedLineSession(t, QueueDelivery(0))

	start := time.Now()
	_, err := sess.ReadMessage(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, want >= 50ms", elapsed)
	}
}

// TestPoisonedEntry verifies a framing error is re-raised on the
// consumer side and the receive loop keeps running.
func TestPoisonedEntry(t *testing.T) {
	sess, driver := connectedLineSession(t, QueueDelivery(0))

	orphan := append([]byte{0x04, 0x14}, base64.StdEncoding.EncodeToString([]byte("xyz"))...)
	driver.lines <- append(orphan, '\n')

	if _, err := sess.ReadMessage(2 * time.Second); !errors.Is(err, nlip.ErrUnexpectedContinuation) {
		t.Fatalf("got %v, want ErrUnexpectedContinuation", err)
	}

	// Loop survived: a valid message still arrives.
	driver.feedMessage(responseMessage(9, []byte("alive")))
	rsp, err := sess.ReadMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("ReadMessage after poison: %v", err)
	}
	if !bytes.Equal(rsp.Payload, []byte("alive")) {
		t.Errorf("payload: %q", rsp.Payload)
	}

	if got := sess.Stats().FrameErrors; got != 1 {
		t.Errorf("frame errors: got %d, want 1", got)
	}
}

// TestDisconnectUnblocksRead verifies a blocked ReadMessage fails with
// ErrNotConnected instead of hanging.
func TestDisconnectUnblocksRead(t *testing.T) {
	sess, _ := connectedLineSession(t, QueueDelivery(0))

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.ReadMessage(0) // no timeout: blocks until disconnect
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sess.Disconnect()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("got %v, want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMessage still blocked after disconnect")
	}

	if sess.State() != StateDisconnected {
		t.Errorf("state: got %v, want disconnected", sess.State())
	}
}

// TestWriteWhenNotConnected covers both never-connected and
// disconnected sessions.
func TestWriteWhenNotConnected(t *testing.T) {
	driver := newFakeLineDriver()
	sess, err := New(driver, QueueDelivery(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msg := smp.NewMessage(smp.OpWrite, smp.GroupOS, smp.CmdEcho)
	if err := sess.WriteMessage(context.Background(), msg); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("before connect: got %v, want ErrNotConnected", err)
	}

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess.Disconnect()

	if err := sess.WriteMessage(context.Background(), msg); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("after disconnect: got %v, want ErrNotConnected", err)
	}
}

// TestConnectOpenError verifies driver errors propagate and leave the
// session disconnected.
func TestConnectOpenError(t *testing.T) {
	driver := newFakeLineDriver()
	driver.openErr = ErrDeviceNotFound

	sess, err := New(driver, QueueDelivery(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Connect(context.Background()); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("got %v, want ErrDeviceNotFound", err)
	}
	if sess.State() != StateDisconnected {
		t.Errorf("state after failed connect: %v", sess.State())
	}
}

// TestSessionNotReusable verifies disconnect is terminal.
func TestSessionNotReusable(t *testing.T) {
	sess, _ := connectedLineSession(t, QueueDelivery(0))
	sess.Disconnect()
	sess.Disconnect() // idempotent

	if err := sess.Connect(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("reconnect: got %v, want ErrConnectionFailed", err)
	}
}

// TestNotifyChannelReassembly covers the notification-shaped path:
// chunks with no line framing, split and pipelined arbitrarily.
func TestNotifyChannelReassembly(t *testing.T) {
	driver := &fakeNotifyDriver{}
	sess, err := New(driver, QueueDelivery(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()

	// One message split into three notifications.
	encoded := smp.Encode(responseMessage(1, []byte("chunked response")))
	driver.notify(encoded[:3])
	driver.notify(encoded[3:10])
	driver.notify(encoded[10:])

	rsp, err := sess.ReadMessage(2 * time.Second)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(rsp.Payload, []byte("chunked response")) {
		t.Errorf("payload: %q", rsp.Payload)
	}

	// Two pipelined messages in a single notification.
	both := append(smp.Encode(responseMessage(2, []byte("a"))), smp.Encode(responseMessage(3, []byte("b")))...)
	driver.notify(both)

	for want := uint8(2); want <= 3; want++ {
		rsp, err := sess.ReadMessage(2 * time.Second)
		if err != nil {
			t.Fatalf("ReadMessage seq %d: %v", want, err)
		}
		if rsp.Header.Seq != want {
			t.Errorf("seq: got %d, want %d", rsp.Header.Seq, want)
		}
	}

	// Writes on a notification channel are not line framed.
	req := smp.NewMessage(smp.OpRead, smp.GroupOS, smp.CmdEcho)
	if err := sess.WriteMessage(context.Background(), req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	driver.mu.Lock()
	raw := driver.wrote[0]
	driver.mu.Unlock()
	if _, _, err := smp.Decode(raw); err != nil {
		t.Errorf("notification write is not a bare SMP message: %v", err)
	}
}

// TestNotifyChannelDeathDisconnects verifies that when a notification
// channel's transport dies underneath the session, the session tears
// itself down: a blocked ReadMessage fails with ErrNotConnected, the
// state drops, and later writes are rejected.
func TestNotifyChannelDeathDisconnects(t *testing.T) {
	driver := &fakeNotifyDriver{}
	sess, err := New(driver, QueueDelivery(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect()

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.ReadMessage(0) // no timeout: blocks until disconnect
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	driver.fail(io.ErrUnexpectedEOF)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("blocked read: got %v, want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMessage still blocked after transport death")
	}

	if sess.State() != StateDisconnected {
		t.Errorf("state: got %v, want disconnected", sess.State())
	}
	select {
	case <-sess.Done():
	default:
		t.Error("Done not closed after transport death")
	}

	msg := smp.NewMessage(smp.OpWrite, smp.GroupOS, smp.CmdEcho)
	if err := sess.WriteMessage(context.Background(), msg); !errors.Is(err, ErrNotConnected) {
		t.Errorf("write after transport death: got %v, want ErrNotConnected", err)
	}
}

// fakeAmbiguousDriver claims both channel shapes at once.
type fakeAmbiguousDriver struct {
	*fakeLineDriver
}

func (f *fakeAmbiguousDriver) Subscribe(ctx context.Context, onChunk func([]byte), onClose func(error)) error {
	return nil
}

// TestRejectAmbiguousDriver verifies a driver implementing both
// LineDriver and NotifyDriver is refused instead of silently treated
// as one of them.
func TestRejectAmbiguousDriver(t *testing.T) {
	if _, err := New(&fakeAmbiguousDriver{newFakeLineDriver()}, QueueDelivery(0)); err == nil {
		t.Fatal("New accepted a driver implementing both LineDriver and NotifyDriver")
	}
}

// TestQueueDropsOldestWhenFull verifies the bounded queue keeps the
// newest responses.
func TestQueueDropsOldestWhenFull(t *testing.T) {
	sess, driver := connectedLineSession(t, QueueDelivery(1))

	for seq := uint8(1); seq <= 3; seq++ {
		driver.feedMessage(responseMessage(seq, []byte{seq}))
	}

	// Wait for the loop to process all three.
	deadline := time.Now().Add(2 * time.Second)
	for sess.Stats().MsgsRecv < 3 {
		if time.Now().After(deadline) {
			t.Fatal("receive loop never processed all messages")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rsp, err := sess.ReadMessage(time.Second)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if rsp.Header.Seq != 3 {
		t.Errorf("surviving entry: seq %d, want 3 (newest)", rsp.Header.Seq)
	}
}

// TestConcurrentWritesAndReceives hammers the write path while the
// receive loop is delivering, and checks neither stream is corrupted.
func TestConcurrentWritesAndReceives(t *testing.T) {
	const n = 50
	sess, driver := connectedLineSession(t, QueueDelivery(n))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			req := smp.NewMessage(smp.OpWrite, smp.GroupOS, smp.CmdEcho)
			req.Header.Seq = sess.NextSeq()
			req.SetPayload(bytes.Repeat([]byte{byte(i)}, 100))
			if err := sess.WriteMessage(context.Background(), req); err != nil {
				t.Errorf("WriteMessage %d: %v", i, err)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			driver.feedMessage(responseMessage(uint8(i), bytes.Repeat([]byte{0xEE}, 200)))
		}
	}()

	for i := 0; i < n; i++ {
		if _, err := sess.ReadMessage(5 * time.Second); err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
	}
	wg.Wait()

	// Every write must independently reassemble into one valid message.
	for i, data := range driver.writes() {
		framer := nlip.NewFramer(nlip.WithChecksumVerify())
		var pkt []byte
		for _, line := range bytes.SplitAfter(data, []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			p, err := framer.Feed(line)
			if err != nil {
				t.Fatalf("write %d: corrupt frame: %v", i, err)
			}
			if p != nil {
				pkt = p
			}
		}
		if pkt == nil {
			t.Fatalf("write %d: no complete packet", i)
		}
		if _, _, err := smp.Decode(nlip.Payload(pkt)); err != nil {
			t.Fatalf("write %d: corrupt message: %v", i, err)
		}
	}
}
