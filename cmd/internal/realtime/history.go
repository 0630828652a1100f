package realtime

import v1 "rtchat/contracts/chat/v1"

// HistoryBuffer is a bounded FIFO of recent public messages.
//
// It is NOT internally locked: the Bus owns it exclusively and guards every
// access with its own mutex, so all mutation stays behind one serialization
// point. Private messages never enter the buffer.
//
// New joiners are deliberately not replayed the buffer by the broadcast path;
// it is reachable only through the read-only snapshot surface.
type HistoryBuffer struct {
	capacity int
	msgs     []v1.Message
}

// NewHistoryBuffer constructs a buffer holding at most capacity messages.
func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity <= 0 {
		capacity = historyCapacity
	}
	return &HistoryBuffer{
		capacity: capacity,
		msgs:     make([]v1.Message, 0, capacity),
	}
}

// Append adds msg at the tail, evicting from the head until len == capacity.
func (b *HistoryBuffer) Append(msg v1.Message) {
	b.msgs = append(b.msgs, msg)
	if over := len(b.msgs) - b.capacity; over > 0 {
		// Copy down instead of reslicing so the backing array never grows
		// past capacity over the process lifetime.
		copy(b.msgs, b.msgs[over:])
		b.msgs = b.msgs[:b.capacity]
	}
}

// Len returns the current number of buffered messages.
func (b *HistoryBuffer) Len() int { return len(b.msgs) }

// Snapshot returns a copy of the buffered messages in send order.
func (b *HistoryBuffer) Snapshot() []v1.Message {
	out := make([]v1.Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}
