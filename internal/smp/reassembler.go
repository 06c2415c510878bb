package smp

// Reassembler accumulates raw bytes from a transport that has no
// framing of its own (BLE notifications arrive as arbitrarily-sized
// chunks) and emits complete messages as soon as the buffered bytes
// cover a full header plus its declared payload.
//
// It is owned by a single receive loop and needs no locking.
type Reassembler struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and drains every message
// that is now complete. A pipelining sender can complete several
// messages in one chunk; ordinary fragmentation is never an error,
// truncation simply means more bytes are needed.
func (r *Reassembler) Feed(chunk []byte) []*Message {
	r.buf = append(r.buf, chunk...)

	var msgs []*Message
	for {
		msg, n, err := Decode(r.buf)
		if err != nil {
			// ErrTruncatedHeader / ErrTruncatedPayload: keep the
			// partial buffer and wait for the next chunk.
			return msgs
		}
		r.buf = r.buf[n:]
		msgs = append(msgs, msg)
	}
}

// Pending returns the number of buffered bytes not yet part of a
// completed message.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Reset discards any partially accumulated message.
func (r *Reassembler) Reset() {
	r.buf = nil
}
