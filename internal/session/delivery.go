package session

import "github.com/hwtools/smpgo/internal/smp"

// DeliveryMode selects how completed messages reach the caller. It is
// chosen at session construction time and is immutable for the
// session's lifetime: either the caller pulls from a bounded queue, or
// a callback is invoked inline from the receive loop. Never both.
type DeliveryMode interface {
	deliveryMode()
}

type queueMode struct {
	capacity int
}

type callbackMode struct {
	fn func(*smp.Message, error)
}

func (queueMode) deliveryMode()    {}
func (callbackMode) deliveryMode() {}

// DefaultQueueCapacity bounds the delivery queue when the caller does
// not pick a capacity.
const DefaultQueueCapacity = 64

// QueueDelivery buffers completed messages in a bounded FIFO drained
// by ReadMessage. A capacity <= 0 selects DefaultQueueCapacity. When
// the queue is full the oldest entry is dropped (and logged) so the
// newest response is never lost.
func QueueDelivery(capacity int) DeliveryMode {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return queueMode{capacity: capacity}
}

// CallbackDelivery invokes fn synchronously from the receive loop for
// every completed message, and with a nil message for every framing
// error. The callback must not block; a blocking callback stalls
// reception.
func CallbackDelivery(fn func(*smp.Message, error)) DeliveryMode {
	return callbackMode{fn: fn}
}
