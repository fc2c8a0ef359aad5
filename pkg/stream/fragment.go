package stream

import (
	"encoding/binary"
	"fmt"

	lioerr "github.com/linkio-p2p/linkio/pkg/error"
	"github.com/linkio-p2p/linkio/pkg/wire"
)

// Messages larger than one frame are fragmented. Every data payload
// starts with the fragment sub-header, big-endian:
//
//	0..1  fragment index  u16
//	2..3  fragment count  u16
//
// A message that fits one frame is a single fragment (index 0, count 1).
// The fragments of one message are framed under consecutive sequence
// numbers, so the first fragment's sequence identifies the message on the
// receive side. Each fragment rides the stream's own reliability class:
// on reliable streams a lost fragment is retransmitted like any frame,
// on best-effort streams a lost fragment abandons the message.
const (
	FragHeaderSize = 4

	// MaxFragPayload is the message bytes one fragment can carry.
	MaxFragPayload = wire.MaxPayload - FragHeaderSize

	// MaxFragments bounds reassembly memory per message.
	MaxFragments = 1024

	// MaxMessage is the largest message a stream accepts for sending.
	MaxMessage = MaxFragments * MaxFragPayload
)

// maxPartials bounds how many incomplete messages an assembler keeps
// before the oldest is abandoned.
const maxPartials = 32

// Split breaks one message into fragment payloads ready for framing.
func Split(msg []byte) ([][]byte, error) {
	if len(msg) > MaxMessage {
		return nil, fmt.Errorf("message of %d bytes exceeds %d-byte limit", len(msg), MaxMessage)
	}

	total := (len(msg) + MaxFragPayload - 1) / MaxFragPayload
	if total == 0 {
		total = 1
	}

	frags := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		chunk := msg[i*MaxFragPayload:]
		if len(chunk) > MaxFragPayload {
			chunk = chunk[:MaxFragPayload]
		}
		buf := make([]byte, FragHeaderSize+len(chunk))
		binary.BigEndian.PutUint16(buf[0:2], uint16(i))
		binary.BigEndian.PutUint16(buf[2:4], uint16(total))
		copy(buf[FragHeaderSize:], chunk)
		frags = append(frags, buf)
	}
	return frags, nil
}

type fragment struct {
	idx   int
	total int
	data  []byte
}

func parseFragment(payload []byte) (fragment, error) {
	if len(payload) < FragHeaderSize {
		return fragment{}, lioerr.Wrap(lioerr.ErrMalformed,
			fmt.Errorf("payload of %d bytes below fragment sub-header", len(payload)))
	}
	f := fragment{
		idx:   int(binary.BigEndian.Uint16(payload[0:2])),
		total: int(binary.BigEndian.Uint16(payload[2:4])),
		data:  payload[FragHeaderSize:],
	}
	if f.total == 0 || f.total > MaxFragments || f.idx >= f.total {
		return fragment{}, lioerr.Wrap(lioerr.ErrMalformed,
			fmt.Errorf("fragment %d of %d out of range", f.idx, f.total))
	}
	return f, nil
}

type partial struct {
	total int
	count int
	parts [][]byte
}

// Assembler rebuilds messages from delivered fragments. Like RecvState it
// is driven by the session read path only and needs no locking.
type Assembler struct {
	class    Class
	partials map[uint32]*partial
}

func NewAssembler(class Class) *Assembler {
	return &Assembler{class: class, partials: make(map[uint32]*partial)}
}

// Add consumes one delivered fragment payload; seq is the frame sequence
// it arrived under. It returns the completed message, or nil while
// fragments of it are still outstanding.
func (a *Assembler) Add(seq uint32, payload []byte) ([]byte, error) {
	frag, err := parseFragment(payload)
	if err != nil {
		return nil, err
	}

	if frag.total == 1 {
		return frag.data, nil
	}

	id := seq - uint32(frag.idx)
	p, ok := a.partials[id]
	if !ok {
		if len(a.partials) >= maxPartials {
			a.evictOldest()
		}
		p = &partial{total: frag.total, parts: make([][]byte, frag.total)}
		a.partials[id] = p
	}

	if frag.total != p.total || p.parts[frag.idx] != nil {
		// Inconsistent with the message's first fragment, or a
		// duplicate: drop without disturbing the reassembly.
		return nil, nil
	}

	p.parts[frag.idx] = frag.data
	p.count++
	if p.count < p.total {
		return nil, nil
	}
	delete(a.partials, id)

	if a.class == BestEffortLatest {
		// A completed message supersedes older partials still waiting
		// for fragments that will never come.
		for old := range a.partials {
			if old < id {
				delete(a.partials, old)
			}
		}
	}

	size := 0
	for _, part := range p.parts {
		size += len(part)
	}
	msg := make([]byte, 0, size)
	for _, part := range p.parts {
		msg = append(msg, part...)
	}
	return msg, nil
}

func (a *Assembler) evictOldest() {
	first := true
	var oldest uint32
	for id := range a.partials {
		if first || id < oldest {
			oldest = id
			first = false
		}
	}
	if !first {
		delete(a.partials, oldest)
	}
}

// Pending returns how many incomplete messages are buffered.
func (a *Assembler) Pending() int {
	return len(a.partials)
}
