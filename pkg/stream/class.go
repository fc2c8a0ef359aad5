// Package stream implements per-stream reliability semantics: sequence
// numbering, acknowledgment, retransmission scheduling and delivery
// ordering. It holds no sockets and starts no goroutines; the session's
// read and timer paths drive it.
package stream

// Class fixes a logical stream's reliability semantics at creation.
type Class uint8

const (
	// ReliableOrdered guarantees exactly-once, in-order delivery
	// (control commands, file transfer).
	ReliableOrdered Class = iota
	// ReliableUnordered guarantees delivery but hands frames to the
	// consumer as they arrive (optional, for independent file chunks).
	ReliableUnordered
	// BestEffortLatest drops anything not strictly newer than the last
	// delivered frame (live video: newer supersedes older).
	BestEffortLatest
	// BestEffort is pure fire-and-forget in arrival order (input
	// events, clipboard deltas).
	BestEffort
)

// Reliable reports whether the class generates ack traffic.
func (c Class) Reliable() bool {
	return c == ReliableOrdered || c == ReliableUnordered
}

func (c Class) String() string {
	switch c {
	case ReliableOrdered:
		return "reliable-ordered"
	case ReliableUnordered:
		return "reliable-unordered"
	case BestEffortLatest:
		return "best-effort-latest"
	case BestEffort:
		return "best-effort"
	}
	return "invalid"
}
