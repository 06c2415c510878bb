// Package nlip implements the newline-delimited framing that carries
// SMP packets over byte-stream (console/serial) channels.
//
// Each line is a 2-byte start sequence, a base64 body and a line feed,
// and is at most 120 bytes long. The base64 body of a whole packet
// decodes to:
//
//	u16be(len) | payload | u16be(crc)
//
// where len covers the payload plus the trailing CRC-16/XMODEM but not
// itself. A packet that does not fit one line is continued on
// follow-up lines with a different start sequence. NLIP lines share
// the console with ordinary text output, so unknown start sequences
// are expected and silently skipped.
package nlip

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"

	"github.com/sigurn/crc16"

	"github.com/hwtools/smpgo/internal/util"
)

// MaxLineLen is the maximum total line length, including the start
// sequence, the base64 body and the terminating line feed.
const MaxLineLen = 120

// Start sequences. A pktStart line opens (or reopens) a packet and
// embeds the declared length; dataStart lines continue it.
var (
	pktStart  = []byte{0x06, 0x09}
	dataStart = []byte{0x04, 0x14}
)

// Framing errors. Both reset the reassembly state; the framer
// resynchronizes on the next pktStart line.
var (
	ErrUnexpectedContinuation = errors.New("nlip: continuation line without packet start")
	ErrBadBase64              = errors.New("nlip: malformed base64 body")
	ErrChecksumMismatch       = errors.New("nlip: checksum mismatch")
)

var xmodem = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checksum returns the CRC-16/XMODEM of data (poly 0x1021, init 0,
// no final xor), as appended to outgoing packets.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, xmodem)
}

// lineChunk is the number of base64 characters per line. Derived the
// same way the mynewt shell does: leave room for the start sequence,
// the embedded u16 fields, the line feed and base64 padding, rounded
// down to a 4-character base64 quantum so every line decodes on its
// own.
const lineChunk = (MaxLineLen - 8) / 4 * 4 // 112

// Pack wraps payload into an ordered sequence of lines ready to be
// written to the byte-stream channel.
func Pack(payload []byte) [][]byte {
	wire := make([]byte, 0, len(payload)+4)
	wire = binary.BigEndian.AppendUint16(wire, uint16(len(payload)+2))
	wire = append(wire, payload...)
	wire = binary.BigEndian.AppendUint16(wire, Checksum(payload))

	b64 := make([]byte, base64.StdEncoding.EncodedLen(len(wire)))
	base64.StdEncoding.Encode(b64, wire)

	var lines [][]byte
	for off := 0; off < len(b64); off += lineChunk {
		end := off + lineChunk
		if end > len(b64) {
			end = len(b64)
		}
		start := dataStart
		if off == 0 {
			start = pktStart
		}
		line := make([]byte, 0, len(start)+end-off+1)
		line = append(line, start...)
		line = append(line, b64[off:end]...)
		line = append(line, '\n')
		lines = append(lines, line)
	}
	return lines
}

// Payload strips the trailing CRC from a completed wire packet as
// returned by Framer.Feed.
func Payload(pkt []byte) []byte {
	if len(pkt) < 2 {
		return nil
	}
	return pkt[:len(pkt)-2]
}

// Option configures a Framer.
type Option func(*Framer)

// WithChecksumVerify makes Feed verify the trailing CRC of each
// completed packet and fail with ErrChecksumMismatch when it does not
// match. The firmware side always appends the CRC but historic client
// implementations never checked it, so verification is opt-in.
func WithChecksumVerify() Option {
	return func(f *Framer) { f.verify = true }
}

// Framer reassembles packets from an incoming stream of NLIP lines.
// It holds the per-connection reassembly state and is owned by a
// single receive loop.
type Framer struct {
	verify   bool
	buf      []byte
	declared int // total wire packet length; -1 until a pktStart line arrives
}

// NewFramer creates a framer awaiting the first packet start line.
func NewFramer(opts ...Option) *Framer {
	f := &Framer{declared: -1}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Reset discards any in-progress reassembly.
func (f *Framer) Reset() {
	f.buf = nil
	f.declared = -1
}

// Feed consumes one line and returns the completed wire packet
// (payload plus trailing CRC, exactly the declared length) once all of
// it has arrived, or nil while more lines are needed.
//
// Empty lines and lines with an unknown start sequence are not errors;
// the console interleaves NLIP packets with ordinary output. An
// unknown start sequence does reset reassembly, since a packet
// interrupted by foreign data cannot be completed.
func (f *Framer) Feed(line []byte) ([]byte, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, nil
	}
	if len(line) < 2 {
		util.LogDebug("nlip: line shorter than start sequence, skipping")
		return nil, nil
	}

	switch {
	case bytes.HasPrefix(line, pktStart):
		// A new packet start always restarts reassembly, even in the
		// middle of a packet. This is the recovery path for
		// desynchronized streams.
		f.Reset()

		data, err := decodeBody(line[2:])
		if err != nil {
			return nil, err
		}
		if len(data) < 2 {
			util.LogWarning("nlip: packet start missing length field")
			return nil, nil
		}
		f.declared = int(binary.BigEndian.Uint16(data[:2]))
		f.buf = append(f.buf, data[2:]...)
		return f.tryComplete()

	case bytes.HasPrefix(line, dataStart):
		if f.declared < 0 {
			return nil, ErrUnexpectedContinuation
		}
		data, err := decodeBody(line[2:])
		if err != nil {
			f.Reset()
			return nil, err
		}
		f.buf = append(f.buf, data...)
		return f.tryComplete()

	default:
		util.LogDebug("nlip: ignoring unknown start sequence %02x %02x", line[0], line[1])
		f.Reset()
		return nil, nil
	}
}

// tryComplete checks whether the accumulated bytes satisfy the
// declared length and, if so, hands the packet out and clears state.
// Bytes beyond the declared length indicate a framing inconsistency
// and are dropped, not buffered forward.
func (f *Framer) tryComplete() ([]byte, error) {
	if f.declared < 0 || len(f.buf) < f.declared {
		return nil, nil
	}

	pkt := f.buf[:f.declared:f.declared]
	if excess := len(f.buf) - f.declared; excess > 0 {
		util.LogWarning("nlip: discarding %d bytes beyond declared packet length", excess)
	}
	verify := f.verify
	f.Reset()

	if verify {
		if len(pkt) < 2 {
			return nil, ErrChecksumMismatch
		}
		want := binary.BigEndian.Uint16(pkt[len(pkt)-2:])
		if got := Checksum(pkt[:len(pkt)-2]); got != want {
			return nil, ErrChecksumMismatch
		}
	}
	return pkt, nil
}

// decodeBody base64-decodes the remainder of a line.
func decodeBody(body []byte) ([]byte, error) {
	data := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(data, body)
	if err != nil {
		return nil, ErrBadBase64
	}
	return data[:n], nil
}
