package stream

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadFor(seq uint32) []byte {
	return []byte(fmt.Sprintf("payload-%d", seq))
}

func TestOrderedInOrderDelivery(t *testing.T) {
	r := NewRecvState(ReliableOrdered)

	for seq := uint32(1); seq <= 5; seq++ {
		deliver, ack := r.Accept(seq, payloadFor(seq))
		assert.True(t, ack)
		require.Len(t, deliver, 1)
		assert.Equal(t, payloadFor(seq), deliver[0])
	}
}

func TestOrderedReorderedDelivery(t *testing.T) {
	r := NewRecvState(ReliableOrdered)

	// 2 and 3 arrive before 1: buffered, acked, not delivered.
	deliver, ack := r.Accept(2, payloadFor(2))
	assert.True(t, ack)
	assert.Empty(t, deliver)

	deliver, ack = r.Accept(3, payloadFor(3))
	assert.True(t, ack)
	assert.Empty(t, deliver)

	// 1 arrives: the whole run drains in order.
	deliver, ack = r.Accept(1, payloadFor(1))
	assert.True(t, ack)
	require.Len(t, deliver, 3)
	for i, p := range deliver {
		assert.Equal(t, payloadFor(uint32(i+1)), p)
	}
}

func TestOrderedDuplicatesReackedNotRedelivered(t *testing.T) {
	r := NewRecvState(ReliableOrdered)

	deliver, ack := r.Accept(1, payloadFor(1))
	assert.True(t, ack)
	assert.Len(t, deliver, 1)

	// Same frame again: ack repeats, delivery does not.
	deliver, ack = r.Accept(1, payloadFor(1))
	assert.True(t, ack)
	assert.Empty(t, deliver)

	// Duplicate of a buffered out-of-order frame.
	_, _ = r.Accept(5, payloadFor(5))
	deliver, ack = r.Accept(5, payloadFor(5))
	assert.True(t, ack)
	assert.Empty(t, deliver)
}

// Shuffled and duplicated input must still come out strictly ordered with
// no duplicates and no gaps.
func TestOrderedShuffledWithDuplicates(t *testing.T) {
	const n = 200
	r := NewRecvState(ReliableOrdered)

	seqs := make([]uint32, 0, 2*n)
	for seq := uint32(1); seq <= n; seq++ {
		seqs = append(seqs, seq, seq) // every frame arrives twice
	}
	rand.New(rand.NewSource(42)).Shuffle(len(seqs), func(i, j int) {
		seqs[i], seqs[j] = seqs[j], seqs[i]
	})

	var got []uint32
	next := uint32(1)
	for _, seq := range seqs {
		deliver, _ := r.Accept(seq, payloadFor(seq))
		for _, p := range deliver {
			assert.Equal(t, payloadFor(next), p)
			got = append(got, next)
			next++
		}
	}
	assert.Len(t, got, n)
}

func TestLatestSupersedes(t *testing.T) {
	r := NewRecvState(BestEffortLatest)

	var got []uint32
	for _, seq := range []uint32{5, 3, 7, 6} {
		deliver, ack := r.Accept(seq, payloadFor(seq))
		assert.False(t, ack, "best-effort-latest must never ack")
		for range deliver {
			got = append(got, seq)
		}
	}
	assert.Equal(t, []uint32{5, 7}, got)
}

func TestBestEffortArrivalOrder(t *testing.T) {
	r := NewRecvState(BestEffort)

	for _, seq := range []uint32{4, 2, 9, 2} {
		deliver, ack := r.Accept(seq, payloadFor(seq))
		assert.False(t, ack)
		require.Len(t, deliver, 1, "best-effort delivers everything, duplicates included")
	}
}

func TestUnorderedDeliversOnArrivalOnce(t *testing.T) {
	r := NewRecvState(ReliableUnordered)

	deliver, ack := r.Accept(3, payloadFor(3))
	assert.True(t, ack)
	assert.Len(t, deliver, 1)

	deliver, ack = r.Accept(1, payloadFor(1))
	assert.True(t, ack)
	assert.Len(t, deliver, 1)

	// Duplicates of both a floored and an above-floor sequence.
	deliver, ack = r.Accept(1, payloadFor(1))
	assert.True(t, ack)
	assert.Empty(t, deliver)

	deliver, ack = r.Accept(3, payloadFor(3))
	assert.True(t, ack)
	assert.Empty(t, deliver)
}

func TestOrderedReorderBufferBound(t *testing.T) {
	r := NewRecvState(ReliableOrdered)

	// Fill the reorder buffer with a gap at seq 1.
	for seq := uint32(2); seq < 2+maxReorderBuffer; seq++ {
		_, ack := r.Accept(seq, payloadFor(seq))
		assert.True(t, ack)
	}
	assert.Equal(t, maxReorderBuffer, r.Buffered())

	// One more over the bound: dropped without ack, forcing a resend.
	deliver, ack := r.Accept(5000, payloadFor(5000))
	assert.False(t, ack)
	assert.Empty(t, deliver)
}
