package mux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lioerr "github.com/linkio-p2p/linkio/pkg/error"
	"github.com/linkio-p2p/linkio/pkg/stream"
	"github.com/linkio-p2p/linkio/pkg/wire"
)

// frameSink captures outbound frames for inspection.
type frameSink struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (fs *frameSink) write(f wire.Frame) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.frames = append(fs.frames, f)
	return nil
}

func (fs *frameSink) all() []wire.Frame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]wire.Frame(nil), fs.frames...)
}

func (fs *frameSink) acksFor(id uint16) []uint32 {
	var seqs []uint32
	for _, f := range fs.all() {
		if f.StreamID == id && f.IsAck() {
			seqs = append(seqs, f.Seq)
		}
	}
	return seqs
}

// frag1 wraps a message that fits one frame in its fragment sub-header,
// the way a peer's Send would put it on the wire.
func frag1(t *testing.T, msg []byte) []byte {
	t.Helper()
	frags, err := stream.Split(msg)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	return frags[0]
}

func TestAttachRejectsDuplicateID(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	_, err := m.Attach(1, stream.ReliableOrdered)
	require.NoError(t, err)
	_, err = m.Attach(1, stream.BestEffort)
	assert.Error(t, err)
}

func TestSendAssignsSequentialFrames(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	s, err := m.Attach(3, stream.BestEffort)
	require.NoError(t, err)

	require.NoError(t, s.Send([]byte("a")))
	require.NoError(t, s.Send([]byte("b")))

	frames := sink.all()
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(1), frames[0].Seq)
	assert.Equal(t, uint32(2), frames[1].Seq)
	assert.Equal(t, uint16(3), frames[0].StreamID)
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	s, err := m.Attach(1, stream.ReliableOrdered)
	require.NoError(t, err)
	assert.Error(t, s.Send(make([]byte, stream.MaxMessage+1)))
}

func TestSendFragmentsLargeMessage(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	s, err := m.Attach(1, stream.ReliableOrdered)
	require.NoError(t, err)
	require.NoError(t, s.Send(make([]byte, 2*stream.MaxFragPayload+1)))

	frames := sink.all()
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, uint32(1+i), f.Seq, "fragments ride consecutive sequences")
		assert.LessOrEqual(t, len(f.Payload), wire.MaxPayload)
	}
}

func TestDispatchDeliversAndAcks(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	s, err := m.Attach(1, stream.ReliableOrdered)
	require.NoError(t, err)

	m.Dispatch(wire.Frame{StreamID: 1, Seq: 1, Payload: frag1(t, []byte("hello"))})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
	assert.Equal(t, []uint32{1}, sink.acksFor(1))
}

func TestDispatchDuplicateReacksWithoutRedelivery(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	s, err := m.Attach(1, stream.ReliableOrdered)
	require.NoError(t, err)

	m.Dispatch(wire.Frame{StreamID: 1, Seq: 1, Payload: frag1(t, []byte("x"))})
	m.Dispatch(wire.Frame{StreamID: 1, Seq: 1, Payload: frag1(t, []byte("x"))})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = s.Receive(ctx)
	require.NoError(t, err)

	// Second receive must block: one delivery only.
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = s.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, []uint32{1, 1}, sink.acksFor(1), "duplicate re-acked")
}

func TestDispatchUnknownStreamDropped(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	_, err := m.Attach(1, stream.ReliableOrdered)
	require.NoError(t, err)

	m.Dispatch(wire.Frame{StreamID: 99, Seq: 1, Payload: []byte("stray")})
	assert.Empty(t, sink.acksFor(99), "unknown stream must not be acked")
}

func TestBestEffortLatestNoAcks(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	s, err := m.Attach(2, stream.BestEffortLatest)
	require.NoError(t, err)

	for _, seq := range []uint32{5, 3, 7, 6} {
		m.Dispatch(wire.Frame{StreamID: 2, Seq: seq, Payload: frag1(t, []byte{byte(seq)})})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p1, err := s.Receive(ctx)
	require.NoError(t, err)
	p2, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{5}, p1)
	assert.Equal(t, []byte{7}, p2)

	assert.Empty(t, sink.acksFor(2))
}

func TestAckClearsWindowNoRetransmit(t *testing.T) {
	sink := &frameSink{}
	mock := clock.NewMock()
	m := New(sink.write, WithClock(mock))

	s, err := m.Attach(1, stream.ReliableOrdered)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("a")))

	// Peer acks seq 1.
	m.Dispatch(wire.Frame{StreamID: 1, Seq: 1, Flags: wire.FlagAck})

	mock.Add(time.Hour)
	m.Retransmit(mock.Now())

	assert.Len(t, sink.all(), 1, "acked frame must not retransmit")
}

func TestRetransmitUntilFailureIsolatedPerStream(t *testing.T) {
	sink := &frameSink{}
	mock := clock.NewMock()
	m := New(sink.write, WithClock(mock), WithMaxRetries(2))

	failing, err := m.Attach(1, stream.ReliableOrdered)
	require.NoError(t, err)
	healthy, err := m.Attach(2, stream.ReliableOrdered)
	require.NoError(t, err)

	require.NoError(t, failing.Send([]byte("never acked")))

	// Drive timers past the retry budget.
	for i := 0; i < 5; i++ {
		mock.Add(10 * time.Second)
		m.Retransmit(mock.Now())
	}

	_, err = failing.Receive(context.Background())
	assert.ErrorIs(t, err, lioerr.ErrStreamFailure)
	assert.ErrorIs(t, failing.Send([]byte("more")), lioerr.ErrStreamFailure)

	// The other stream keeps working.
	m.Dispatch(wire.Frame{StreamID: 2, Seq: 1, Payload: frag1(t, []byte("fine"))})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := healthy.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("fine"), payload)
}

func TestCloseUnblocksReceivers(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	s, err := m.Attach(1, stream.ReliableOrdered)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Receive(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, lioerr.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver not unblocked by Close")
	}
}

func TestCloseDrainsQueuedPayloadsFirst(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	s, err := m.Attach(1, stream.ReliableOrdered)
	require.NoError(t, err)

	m.Dispatch(wire.Frame{StreamID: 1, Seq: 1, Payload: frag1(t, []byte("last words"))})
	m.Close()

	payload, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("last words"), payload)

	_, err = s.Receive(context.Background())
	assert.ErrorIs(t, err, lioerr.ErrSessionClosed)
}

func TestConcurrentSendersDistinctStreams(t *testing.T) {
	sink := &frameSink{}
	m := New(sink.write)

	video, err := m.Attach(2, stream.BestEffortLatest)
	require.NoError(t, err)
	input, err := m.Attach(3, stream.BestEffort)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = video.Send([]byte("frame"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = input.Send([]byte("key"))
			}
		}()
	}
	wg.Wait()

	perStream := map[uint16]map[uint32]bool{2: {}, 3: {}}
	for _, f := range sink.all() {
		seqs := perStream[f.StreamID]
		assert.False(t, seqs[f.Seq], "sequence reused on stream %d", f.StreamID)
		seqs[f.Seq] = true
	}
	assert.Len(t, perStream[2], 200)
	assert.Len(t, perStream[3], 200)
}

func TestLoopbackReassemblesLargeMessage(t *testing.T) {
	var left, right *Mux
	left = New(func(f wire.Frame) error { right.Dispatch(f); return nil })
	right = New(func(f wire.Frame) error { left.Dispatch(f); return nil })

	sender, err := left.Attach(2, stream.ReliableOrdered)
	require.NoError(t, err)
	receiver, err := right.Attach(2, stream.ReliableOrdered)
	require.NoError(t, err)

	msg := make([]byte, 30*1024)
	for i := range msg {
		msg[i] = byte(i % 251)
	}
	require.NoError(t, sender.Send(msg))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := receiver.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}
