package stream

// maxReorderBuffer bounds how many out-of-order frames a reliable stream
// will hold while waiting for a gap to fill. Frames beyond the bound are
// dropped unacknowledged so the sender retransmits them later.
const maxReorderBuffer = 1024

// RecvState tracks the inbound side of one stream. Not safe for
// concurrent use; only the session read path touches it.
type RecvState struct {
	class Class

	// ReliableOrdered: next sequence owed to the consumer.
	nextSeq uint32
	reorder map[uint32][]byte

	// ReliableUnordered: delivered-set above the contiguous floor.
	floor     uint32
	delivered map[uint32]struct{}

	// BestEffortLatest: highest sequence handed to the consumer.
	latest uint32
}

func NewRecvState(class Class) *RecvState {
	r := &RecvState{class: class, nextSeq: 1}
	switch class {
	case ReliableOrdered:
		r.reorder = make(map[uint32][]byte)
	case ReliableUnordered:
		r.delivered = make(map[uint32]struct{})
	}
	return r
}

// Accept processes one received data frame. It returns the payloads now
// owed to the consumer, in delivery order, and whether an ack must be
// sent. Duplicates are re-acked but never redelivered.
func (r *RecvState) Accept(seq uint32, payload []byte) (deliver [][]byte, ack bool) {
	switch r.class {
	case ReliableOrdered:
		return r.acceptOrdered(seq, payload)
	case ReliableUnordered:
		return r.acceptUnordered(seq, payload)
	case BestEffortLatest:
		if seq > r.latest {
			r.latest = seq
			return [][]byte{payload}, false
		}
		return nil, false
	default: // BestEffort
		return [][]byte{payload}, false
	}
}

func (r *RecvState) acceptOrdered(seq uint32, payload []byte) ([][]byte, bool) {
	if seq < r.nextSeq {
		return nil, true
	}

	if seq > r.nextSeq {
		if _, dup := r.reorder[seq]; dup {
			return nil, true
		}
		if len(r.reorder) >= maxReorderBuffer {
			// No ack: the sender must offer this frame again once the
			// gap has drained.
			return nil, false
		}
		r.reorder[seq] = payload
		return nil, true
	}

	// In-order frame; drain any buffered run behind it.
	deliver := [][]byte{payload}
	r.nextSeq++
	for {
		buffered, ok := r.reorder[r.nextSeq]
		if !ok {
			break
		}
		delete(r.reorder, r.nextSeq)
		deliver = append(deliver, buffered)
		r.nextSeq++
	}
	return deliver, true
}

func (r *RecvState) acceptUnordered(seq uint32, payload []byte) ([][]byte, bool) {
	if seq < r.floor+1 {
		return nil, true
	}
	if _, dup := r.delivered[seq]; dup {
		return nil, true
	}

	r.delivered[seq] = struct{}{}
	for {
		if _, ok := r.delivered[r.floor+1]; !ok {
			break
		}
		delete(r.delivered, r.floor+1)
		r.floor++
	}
	return [][]byte{payload}, true
}

// Buffered returns how many out-of-order frames are parked waiting for a
// gap to fill.
func (r *RecvState) Buffered() int {
	return len(r.reorder)
}
