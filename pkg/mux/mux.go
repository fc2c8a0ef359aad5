// Package mux multiplexes logical streams over one punched socket. It
// routes decoded inbound frames to each stream's reliability state and
// serializes outbound frames through a single write function supplied by
// the session.
package mux

import (
	"context"
	"fmt"
	"sync"
	"time"

	lioerr "github.com/linkio-p2p/linkio/pkg/error"
	"github.com/linkio-p2p/linkio/pkg/stream"
	"github.com/linkio-p2p/linkio/pkg/wire"
)

// inboxLimit bounds each stream's undelivered payload queue. Reliable
// frames over the limit are dropped unacknowledged (the sender offers
// them again); best-effort frames displace the oldest queued payload.
const inboxLimit = 256

// WriteFunc seals and transmits one frame. The session provides it and
// guarantees its own write serialization.
type WriteFunc func(wire.Frame) error

type Mux struct {
	cfg *config
	out WriteFunc

	mu      sync.RWMutex
	streams map[uint16]*Stream
	closed  bool
}

func New(out WriteFunc, opts ...Option) *Mux {
	cfg := newDefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Mux{
		cfg:     cfg,
		out:     out,
		streams: make(map[uint16]*Stream),
	}
}

// Attach creates the handle for one logical stream. Stream ids and their
// classes come from the fixed table agreed at session establishment.
func (m *Mux) Attach(id uint16, class stream.Class) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, lioerr.ErrSessionClosed
	}
	if _, exists := m.streams[id]; exists {
		return nil, fmt.Errorf("stream %d already attached", id)
	}

	s := &Stream{
		id:     id,
		class:  class,
		m:      m,
		send:   stream.NewSendState(id, class, m.cfg.maxRetries, m.cfg.initialRTO, m.cfg.maxRTO),
		recv:   stream.NewRecvState(class),
		asm:    stream.NewAssembler(class),
		notify: make(chan struct{}, 1),
	}
	m.streams[id] = s
	return s, nil
}

// Lookup returns an attached stream handle.
func (m *Mux) Lookup(id uint16) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	return s, ok
}

// Dispatch routes one decoded, decrypted inbound frame. Only the session
// read path calls it, so per-stream receive state needs no locking.
func (m *Mux) Dispatch(f wire.Frame) {
	m.mu.RLock()
	s, ok := m.streams[f.StreamID]
	m.mu.RUnlock()

	if !ok {
		// Protocol anomaly, not a fault: drop and count.
		m.cfg.logger.V(1).Info("frame for unknown stream dropped", "stream", f.StreamID, "seq", f.Seq)
		m.cfg.metrics.UnknownStream.Inc()
		return
	}

	if f.IsAck() {
		s.handleAck(f.Seq, m.cfg.clock.Now())
		return
	}

	s.handleData(f)
}

// Retransmit runs one pass of the retransmission timers. The session's
// timer path calls it; frames due are re-sent and streams that exhausted
// their budget are failed individually, leaving the others untouched.
func (m *Mux) Retransmit(now time.Time) {
	m.mu.RLock()
	snapshot := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	for _, s := range snapshot {
		s.sendMu.Lock()
		due, err := s.send.Due(now)
		s.sendMu.Unlock()

		if err != nil {
			s.fail(err)
			continue
		}
		for _, f := range due {
			m.cfg.metrics.Retransmissions.Inc()
			if err := m.out(f); err != nil {
				m.cfg.logger.V(1).Info("retransmission write failed", "stream", s.id, "seq", f.Seq, "err", err)
			}
		}
	}
}

// Close fails every stream with ErrSessionClosed, unblocking all pending
// receivers with a terminal end-of-stream signal.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	snapshot := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	for _, s := range snapshot {
		s.fail(lioerr.ErrSessionClosed)
	}
}

// Stream is the handle external producers and consumers hold. Send may be
// called concurrently with other streams' sends and with Receive.
type Stream struct {
	id    uint16
	class stream.Class
	m     *Mux

	sendMu sync.Mutex
	send   *stream.SendState

	// Session read path only.
	recv *stream.RecvState
	asm  *stream.Assembler

	inboxMu sync.Mutex
	inbox   [][]byte
	err     error
	notify  chan struct{}
}

func (s *Stream) ID() uint16          { return s.id }
func (s *Stream) Class() stream.Class { return s.class }

// RTT returns the stream's smoothed round-trip estimate (zero until the
// first ack on a reliable stream).
func (s *Stream) RTT() time.Duration {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.send.RTT()
}

// Send puts one message onto the stream. Messages over the frame budget
// are fragmented across consecutive sequence numbers and reassembled on
// the receive side. For reliable classes every fragment is kept for
// retransmission until acknowledged.
func (s *Stream) Send(payload []byte) error {
	frags, err := stream.Split(payload)
	if err != nil {
		return err
	}

	s.inboxMu.Lock()
	err = s.err
	s.inboxMu.Unlock()
	if err != nil {
		return err
	}

	// One sequence run per message: the first fragment's sequence
	// identifies the message during reassembly.
	s.sendMu.Lock()
	frames := make([]wire.Frame, 0, len(frags))
	for _, fp := range frags {
		f, errNext := s.send.Next(fp, s.m.cfg.clock.Now())
		if errNext != nil {
			s.sendMu.Unlock()
			return errNext
		}
		frames = append(frames, f)
	}
	s.sendMu.Unlock()

	for _, f := range frames {
		if errOut := s.m.out(f); errOut != nil {
			return errOut
		}
	}
	return nil
}

// Receive blocks until a payload is available, the stream fails, or ctx
// expires. Queued payloads drain before a terminal error is reported.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	for {
		s.inboxMu.Lock()
		if len(s.inbox) > 0 {
			payload := s.inbox[0]
			s.inbox = s.inbox[1:]
			s.inboxMu.Unlock()
			return payload, nil
		}
		err := s.err
		s.inboxMu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Err returns the stream's terminal error, if any.
func (s *Stream) Err() error {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	return s.err
}

func (s *Stream) handleAck(seq uint32, now time.Time) {
	s.sendMu.Lock()
	s.send.Ack(seq, now)
	s.sendMu.Unlock()
}

func (s *Stream) handleData(f wire.Frame) {
	if s.class.Reliable() {
		// Backpressure for reliable streams: over the inbox limit the
		// frame is dropped before it reaches the reorder state, so no
		// ack goes out and the sender retransmits later.
		s.inboxMu.Lock()
		full := len(s.inbox) >= inboxLimit
		s.inboxMu.Unlock()
		if full {
			return
		}
	}

	deliver, ack := s.recv.Accept(f.Seq, f.Payload)

	if ack {
		ackFrame := wire.Frame{StreamID: s.id, Seq: f.Seq, Flags: wire.FlagAck}
		if err := s.m.out(ackFrame); err != nil {
			s.m.cfg.logger.V(1).Info("ack write failed", "stream", s.id, "seq", f.Seq, "err", err)
		}
	}

	if len(deliver) == 0 {
		if s.class == stream.BestEffortLatest {
			s.m.cfg.metrics.StaleDropped.Inc()
		}
		return
	}

	// An ordered drain hands back consecutive sequences starting at the
	// accepted frame's; every other class delivers at most one payload.
	// That keeps each fragment paired with the sequence it was sent under.
	var msgs [][]byte
	for i, fp := range deliver {
		msg, err := s.asm.Add(f.Seq+uint32(i), fp)
		if err != nil {
			s.m.cfg.logger.V(1).Info("malformed fragment dropped", "stream", s.id, "seq", f.Seq+uint32(i), "err", err)
			s.m.cfg.metrics.MalformedDropped.Inc()
			continue
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return
	}

	s.inboxMu.Lock()
	for _, payload := range msgs {
		if len(s.inbox) >= inboxLimit {
			// Best-effort classes shed the oldest payload; newer data
			// is worth more than stale data.
			s.inbox = s.inbox[1:]
		}
		s.inbox = append(s.inbox, payload)
	}
	s.inboxMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) fail(err error) {
	s.inboxMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.inboxMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
