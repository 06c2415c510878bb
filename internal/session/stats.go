package session

import "sync/atomic"

// TrafficStats counts per-session traffic. All fields are atomic; the
// receive loop and foreground writers update them concurrently.
type TrafficStats struct {
	bytesSent   atomic.Int64
	bytesRecv   atomic.Int64
	msgsSent    atomic.Int64
	msgsRecv    atomic.Int64
	frameErrors atomic.Int64
}

func (s *TrafficStats) addSent(n int) {
	s.bytesSent.Add(int64(n))
	s.msgsSent.Add(1)
}

func (s *TrafficStats) addRecvBytes(n int) { s.bytesRecv.Add(int64(n)) }
func (s *TrafficStats) addRecvMsg()        { s.msgsRecv.Add(1) }
func (s *TrafficStats) addFrameError()     { s.frameErrors.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	BytesSent   int64
	BytesRecv   int64
	MsgsSent    int64
	MsgsRecv    int64
	FrameErrors int64
}

// Snapshot returns the current counter values.
func (s *TrafficStats) Snapshot() Snapshot {
	return Snapshot{
		BytesSent:   s.bytesSent.Load(),
		BytesRecv:   s.bytesRecv.Load(),
		MsgsSent:    s.msgsSent.Load(),
		MsgsRecv:    s.msgsRecv.Load(),
		FrameErrors: s.frameErrors.Load(),
	}
}
