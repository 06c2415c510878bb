package smp

import "sync/atomic"

// SeqGen is an atomic sequence number generator for the 8-bit SMP
// sequence field. It may be shared between the caller issuing requests
// and any goroutine resending on its behalf, so all operations are
// atomic.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number. The first call returns 1 and
// the value wraps naturally at the 8-bit boundary.
func (s *SeqGen) Next() uint8 {
	return uint8(s.val.Add(1))
}
