// Package session owns the punched UDP socket and everything that lives
// on it: the encryption envelope, the stream multiplexer, keepalives and
// loss detection with bounded re-punch.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkio-p2p/linkio/pkg/candidate"
	lioerr "github.com/linkio-p2p/linkio/pkg/error"
	"github.com/linkio-p2p/linkio/pkg/mux"
	"github.com/linkio-p2p/linkio/pkg/punch"
	"github.com/linkio-p2p/linkio/pkg/seal"
	"github.com/linkio-p2p/linkio/pkg/stream"
	"github.com/linkio-p2p/linkio/pkg/wire"
)

// The fixed stream table agreed by both peers at establishment. Stream 0
// is reserved for session-internal traffic (keepalives).
const (
	StreamControl   uint16 = 1
	StreamVideo     uint16 = 2
	StreamInput     uint16 = 3
	StreamClipboard uint16 = 4
	StreamFile      uint16 = 5
)

// DefaultStreamTable maps each stream id to its reliability class.
func DefaultStreamTable() map[uint16]stream.Class {
	return map[uint16]stream.Class{
		StreamControl:   stream.ReliableOrdered,
		StreamVideo:     stream.BestEffortLatest,
		StreamInput:     stream.BestEffort,
		StreamClipboard: stream.BestEffort,
		StreamFile:      stream.ReliableOrdered,
	}
}

// State machine: Establishing -> Active -> Lost -> Closed. Lost may
// recover to Active through a successful re-punch.
type State int32

const (
	StateEstablishing State = iota
	StateActive
	StateLost
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateActive:
		return "active"
	case StateLost:
		return "lost"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

type Session struct {
	cfg *config

	conn   *net.UDPConn
	sealer *seal.Sealer
	mux    *mux.Mux

	token punch.Token
	role  punch.Role

	remoteMu sync.RWMutex
	remote   *net.UDPAddr

	state    atomic.Int32
	lastRecv atomic.Int64 // unix nanos of last valid inbound traffic
	lostAt   atomic.Int64 // unix nanos of the Active->Lost transition

	writeMu sync.Mutex
	kaSeq   uint32 // keepalive sequence, timer path only

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps a punched socket in a session. The key is the symmetric
// session key from the signaling exchange; token and role are reused for
// re-punching after a keepalive loss and must match the original punch.
func New(conn *net.UDPConn, remote *net.UDPAddr, key []byte, token punch.Token, role punch.Role, opts ...Option) (*Session, error) {
	cfg := newDefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	sealer, err := seal.New(key)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		conn:   conn,
		sealer: sealer,
		token:  token,
		role:   role,
		remote: remote,
		done:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.mux = mux.New(s.writeFrame,
		mux.WithMaxRetries(cfg.maxRetries),
		mux.WithInitialRTO(cfg.initialRTO),
		mux.WithMaxRTO(cfg.maxRTO),
		mux.WithClock(cfg.clock),
		mux.WithMetrics(cfg.metrics),
		mux.WithLogger(cfg.logger),
	)

	// All streams exist for the whole session lifetime; Open hands out
	// handles to the pre-attached table.
	for id, class := range cfg.streamTable {
		if id == 0 {
			continue
		}
		if _, err := s.mux.Attach(id, class); err != nil {
			return nil, err
		}
	}

	// Born Establishing; the first valid frame from the peer proves it
	// holds the session key and promotes the session to Active.
	s.lastRecv.Store(cfg.clock.Now().UnixNano())

	s.wg.Add(2)
	go s.readLoop()
	go s.timerLoop()

	s.cfg.logger.Info("session starting", "remote", remote.String(), "streams", len(cfg.streamTable))
	return s, nil
}

// Open returns the handle for a stream id from the agreed table.
func (s *Session) Open(id uint16) (*mux.Stream, error) {
	if st, ok := s.mux.Lookup(id); ok {
		return st, nil
	}
	return nil, lioerr.ErrUnknownStream
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Remote returns the address currently in use for the peer. It can
// change when a re-punch discovers a rebound NAT mapping.
func (s *Session) Remote() *net.UDPAddr {
	s.remoteMu.RLock()
	defer s.remoteMu.RUnlock()
	return s.remote
}

// RTT reports the control stream's smoothed round-trip estimate.
func (s *Session) RTT() time.Duration {
	if st, ok := s.mux.Lookup(StreamControl); ok {
		return st.RTT()
	}
	return 0
}

// Done closes when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down: all timers stop, the socket is released
// and every blocked receiver gets ErrSessionClosed. Idempotent.
func (s *Session) Close() error {
	s.terminate()
	s.wg.Wait()
	return nil
}

func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		s.conn.Close()
		s.mux.Close()
		close(s.done)
		s.cfg.logger.Info("session closed")
	})
}

// writeFrame seals and transmits one frame. It is the single write path
// shared by application sends, acks, retransmissions and keepalives.
func (s *Session) writeFrame(f wire.Frame) error {
	if s.State() == StateClosed {
		return lioerr.ErrSessionClosed
	}

	plain, err := wire.Encode(f)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return err
	}

	remote := s.Remote()

	s.writeMu.Lock()
	_, err = s.conn.WriteToUDP(sealed, remote)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.cfg.metrics.FramesSent.Inc()
	return nil
}

// readLoop is the only reader of the socket once the session exists. It
// dispatches decoded, decrypted frames to per-stream queues; nothing a
// peer sends can make it panic or abort.
func (s *Session) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		datagram := buf[:n]

		if punch.IsPunchPacket(datagram) {
			s.handlePunchPacket(datagram, from)
			continue
		}

		if !s.fromRemote(from) {
			// Not our peer: off-path traffic is dropped before any
			// crypto work.
			continue
		}

		plain, err := s.sealer.Open(datagram)
		if err != nil {
			s.cfg.metrics.MalformedDropped.Inc()
			continue
		}

		f, err := wire.Decode(plain)
		if err != nil {
			s.cfg.metrics.MalformedDropped.Inc()
			continue
		}

		s.cfg.metrics.FramesReceived.Inc()
		s.touch()

		if f.StreamID == 0 {
			// Session-internal: keepalives carry no payload and the
			// deadline refresh above is their whole effect.
			continue
		}

		s.mux.Dispatch(f)
	}
}

// touch refreshes the peer-liveness deadline and promotes the session to
// Active: a valid frame proves the peer holds the key (Establishing) or
// that the path works again (Lost).
func (s *Session) touch() {
	s.lastRecv.Store(s.cfg.clock.Now().UnixNano())
	switch {
	case s.state.CompareAndSwap(int32(StateEstablishing), int32(StateActive)):
		s.cfg.logger.Info("session active", "remote", s.Remote().String())
	case s.state.CompareAndSwap(int32(StateLost), int32(StateActive)):
		s.cfg.logger.Info("session recovered", "remote", s.Remote().String())
	}
}

// handlePunchPacket deals with punch traffic arriving on an established
// session. Token-valid probes are always answered so a peer whose NAT
// mapping rebound can complete its re-punch even while this side still
// considers the session healthy. Only during Lost do punch packets carry
// more weight: they are this side's re-punch handshake, so they migrate
// the remote address and revive the session. While Active they never
// move the address or refresh liveness (probes carry no freshness, only
// authenticated frames prove the peer is alive).
func (s *Session) handlePunchPacket(datagram []byte, from *net.UDPAddr) {
	if s.State() == StateClosed {
		return
	}

	kind, ok := punch.ParsePacket(datagram, s.token, s.role)
	if !ok {
		return
	}

	if kind == punch.PacketProbe {
		ack := punch.BuildAck(s.token, s.role)
		s.writeMu.Lock()
		s.conn.WriteToUDP(ack, from)
		s.writeMu.Unlock()
	}

	if s.State() != StateLost {
		return
	}

	s.remoteMu.Lock()
	s.remote = from
	s.remoteMu.Unlock()

	s.touch()
	s.cfg.logger.Info("re-punch succeeded", "remote", from.String(), "via", kind)
}

func (s *Session) fromRemote(from *net.UDPAddr) bool {
	remote := s.Remote()
	return from.Port == remote.Port && from.IP.Equal(remote.IP)
}

// timerLoop drives keepalives, loss detection, re-punching and the
// retransmission timers. It shares the write-serialization discipline
// with application sends via writeFrame.
func (s *Session) timerLoop() {
	defer s.wg.Done()

	keepalive := s.cfg.clock.Ticker(s.cfg.keepaliveInterval)
	defer keepalive.Stop()
	tick := s.cfg.clock.Ticker(s.cfg.timerTick)
	defer tick.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-keepalive.C:
			if st := s.State(); st != StateEstablishing && st != StateActive {
				continue
			}
			s.kaSeq++
			f := wire.Frame{Seq: s.kaSeq, Flags: wire.FlagKeepalive}
			if err := s.writeFrame(f); err == nil {
				s.cfg.metrics.KeepalivesSent.Inc()
			}

		case <-tick.C:
			now := s.cfg.clock.Now()
			s.mux.Retransmit(now)
			s.checkLiveness(now)
		}
	}
}

// checkLiveness enforces the keepalive deadline. Peer silence beyond
// interval*lossMultiplier enters Lost and starts a bounded re-punch;
// silence beyond the re-punch window closes the session for good.
func (s *Session) checkLiveness(now time.Time) {
	switch st := s.State(); st {
	case StateEstablishing, StateActive:
		deadline := s.cfg.keepaliveInterval * time.Duration(s.cfg.lossMultiplier)
		if now.Sub(time.Unix(0, s.lastRecv.Load())) <= deadline {
			return
		}
		if !s.state.CompareAndSwap(int32(st), int32(StateLost)) {
			return
		}
		s.lostAt.Store(now.UnixNano())
		s.cfg.logger.Info("session lost, re-punching", "remote", s.Remote().String(),
			"silent", now.Sub(time.Unix(0, s.lastRecv.Load())).String())

	case StateLost:
		if now.Sub(time.Unix(0, s.lostAt.Load())) > s.cfg.repunchTimeout {
			s.cfg.logger.Info("re-punch window exhausted, closing",
				"err", lioerr.ErrSessionLost.Error())
			s.terminate()
			return
		}
		// Re-punch probes go to the last known mapping; the read loop
		// completes the handshake if anything answers.
		probe := punch.BuildProbe(s.token, s.role)
		remote := s.Remote()
		s.writeMu.Lock()
		s.conn.WriteToUDP(probe, remote)
		s.writeMu.Unlock()
	}
}

// Candidates reports the remote address as a single-candidate set, which
// callers can feed to a fresh punch after the session closed.
func (s *Session) Candidates() []candidate.Candidate {
	return []candidate.Candidate{candidate.FromUDPAddr(s.Remote(), candidate.SourceReflexive)}
}
