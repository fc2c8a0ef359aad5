package stream

import (
	"fmt"
	"time"

	lioerr "github.com/linkio-p2p/linkio/pkg/error"
	"github.com/linkio-p2p/linkio/pkg/wire"
)

type pending struct {
	frame    wire.Frame
	attempts int
	sentAt   time.Time
	nextSend time.Time
	interval time.Duration
}

// SendState tracks the outbound side of one stream: sequence assignment
// and, for reliable classes, the unacknowledged window with retransmit
// scheduling. Not safe for concurrent use; the owning stream serializes
// access.
type SendState struct {
	streamID uint16
	class    Class

	seq    uint32
	window map[uint32]*pending

	maxRetries int
	rto        time.Duration
	minRTO     time.Duration
	maxRTO     time.Duration
	srtt       time.Duration

	failed error
}

func NewSendState(streamID uint16, class Class, maxRetries int, initialRTO, maxRTO time.Duration) *SendState {
	s := &SendState{
		streamID:   streamID,
		class:      class,
		maxRetries: maxRetries,
		rto:        initialRTO,
		minRTO:     initialRTO,
		maxRTO:     maxRTO,
	}
	if class.Reliable() {
		s.window = make(map[uint32]*pending)
	}
	return s
}

// Next assigns the next sequence number and, for reliable classes, keeps
// the frame until acknowledged or retried out.
func (s *SendState) Next(payload []byte, now time.Time) (wire.Frame, error) {
	if s.failed != nil {
		return wire.Frame{}, s.failed
	}

	s.seq++
	f := wire.Frame{StreamID: s.streamID, Seq: s.seq, Payload: payload}

	if s.window != nil {
		s.window[s.seq] = &pending{
			frame:    f,
			sentAt:   now,
			nextSend: now.Add(s.rto),
			interval: s.rto,
		}
	}
	return f, nil
}

// Ack removes seq from the window and feeds the RTT sample into the
// retransmission timer. Acks for unknown sequence numbers (already acked,
// or spoofed) are ignored.
func (s *SendState) Ack(seq uint32, now time.Time) bool {
	p, ok := s.window[seq]
	if !ok {
		return false
	}
	delete(s.window, seq)

	// Karn's rule: only sample RTT from frames never retransmitted.
	if p.attempts == 0 {
		sample := now.Sub(p.sentAt)
		if s.srtt == 0 {
			s.srtt = sample
		} else {
			s.srtt = (7*s.srtt + sample) / 8
		}
		s.rto = clampDuration(2*s.srtt, s.minRTO, s.maxRTO)
	}
	return true
}

// Due returns the frames whose retransmission timer expired, doubling
// each one's interval up to the cap. When any frame has exhausted the
// retry budget the stream is marked failed and ErrStreamFailure is
// returned; the fault is scoped to this stream only.
func (s *SendState) Due(now time.Time) ([]wire.Frame, error) {
	if s.failed != nil {
		return nil, s.failed
	}
	if len(s.window) == 0 {
		return nil, nil
	}

	var due []wire.Frame
	for seq, p := range s.window {
		if p.nextSend.After(now) {
			continue
		}
		if p.attempts >= s.maxRetries {
			s.failed = lioerr.Wrap(lioerr.ErrStreamFailure,
				fmt.Errorf("stream %d seq %d unacked after %d retries", s.streamID, seq, p.attempts))
			return nil, s.failed
		}
		p.attempts++
		p.interval = clampDuration(2*p.interval, s.minRTO, s.maxRTO)
		p.nextSend = now.Add(p.interval)
		due = append(due, p.frame)
	}
	return due, nil
}

// NextDeadline returns the earliest pending retransmission time, or zero
// when the window is empty.
func (s *SendState) NextDeadline() time.Time {
	var min time.Time
	for _, p := range s.window {
		if min.IsZero() || p.nextSend.Before(min) {
			min = p.nextSend
		}
	}
	return min
}

func (s *SendState) Outstanding() int   { return len(s.window) }
func (s *SendState) RTT() time.Duration { return s.srtt }
func (s *SendState) Failed() error      { return s.failed }
func (s *SendState) LastSeq() uint32    { return s.seq }

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
