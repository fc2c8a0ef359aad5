package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lioerr "github.com/linkio-p2p/linkio/pkg/error"
)

func patterned(n int) []byte {
	msg := make([]byte, n)
	for i := range msg {
		msg[i] = byte(i % 251)
	}
	return msg
}

func TestSplitSmallMessage(t *testing.T) {
	frags, err := Split([]byte("hello"))
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, []byte{0, 0, 0, 1, 'h', 'e', 'l', 'l', 'o'}, frags[0])
}

func TestSplitEmptyMessage(t *testing.T) {
	frags, err := Split(nil)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, []byte{0, 0, 0, 1}, frags[0])
}

func TestSplitLargeMessage(t *testing.T) {
	msg := patterned(3*MaxFragPayload + 10)

	frags, err := Split(msg)
	require.NoError(t, err)
	require.Len(t, frags, 4)

	var joined []byte
	for i, f := range frags {
		frag, err := parseFragment(f)
		require.NoError(t, err)
		assert.Equal(t, i, frag.idx)
		assert.Equal(t, 4, frag.total)
		joined = append(joined, frag.data...)
	}
	assert.True(t, bytes.Equal(msg, joined))
}

func TestSplitExactMultiple(t *testing.T) {
	frags, err := Split(patterned(2 * MaxFragPayload))
	require.NoError(t, err)
	assert.Len(t, frags, 2)
}

func TestSplitRejectsOversizedMessage(t *testing.T) {
	_, err := Split(make([]byte, MaxMessage+1))
	assert.Error(t, err)
}

func TestAssembleSingleFragment(t *testing.T) {
	a := NewAssembler(ReliableOrdered)

	frags, err := Split([]byte("ping"))
	require.NoError(t, err)

	msg, err := a.Add(7, frags[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), msg)
	assert.Zero(t, a.Pending())
}

func TestAssembleInOrder(t *testing.T) {
	a := NewAssembler(ReliableOrdered)
	original := patterned(2*MaxFragPayload + 100)

	frags, err := Split(original)
	require.NoError(t, err)

	for i, f := range frags[:len(frags)-1] {
		msg, err := a.Add(10+uint32(i), f)
		require.NoError(t, err)
		assert.Nil(t, msg)
	}
	assert.Equal(t, 1, a.Pending())

	msg, err := a.Add(10+uint32(len(frags)-1), frags[len(frags)-1])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(original, msg))
	assert.Zero(t, a.Pending())
}

func TestAssembleOutOfOrder(t *testing.T) {
	a := NewAssembler(ReliableUnordered)
	original := patterned(3 * MaxFragPayload)

	frags, err := Split(original)
	require.NoError(t, err)
	require.Len(t, frags, 3)

	for _, i := range []int{2, 0} {
		msg, err := a.Add(10+uint32(i), frags[i])
		require.NoError(t, err)
		assert.Nil(t, msg)
	}
	msg, err := a.Add(11, frags[1])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(original, msg))
}

func TestAssembleInterleavedMessages(t *testing.T) {
	a := NewAssembler(ReliableUnordered)

	first := patterned(MaxFragPayload + 1)
	second := patterned(MaxFragPayload + 2)
	fragsA, err := Split(first)
	require.NoError(t, err)
	fragsB, err := Split(second)
	require.NoError(t, err)

	// Message A at seqs 1-2, message B at seqs 3-4, arriving interleaved.
	msg, err := a.Add(1, fragsA[0])
	require.NoError(t, err)
	assert.Nil(t, msg)
	msg, err = a.Add(3, fragsB[0])
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = a.Add(4, fragsB[1])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(second, msg))

	msg, err = a.Add(2, fragsA[1])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, msg))
}

func TestAssembleLatestSupersedesOlderPartial(t *testing.T) {
	a := NewAssembler(BestEffortLatest)

	stale := patterned(MaxFragPayload + 5)
	fresh := patterned(MaxFragPayload + 8)
	fragsStale, err := Split(stale)
	require.NoError(t, err)
	fragsFresh, err := Split(fresh)
	require.NoError(t, err)

	// First fragment of the stale message arrives, its second is lost.
	msg, err := a.Add(1, fragsStale[0])
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = a.Add(3, fragsFresh[0])
	require.NoError(t, err)
	assert.Nil(t, msg)
	msg, err = a.Add(4, fragsFresh[1])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(fresh, msg))

	assert.Zero(t, a.Pending(), "completed message must flush older partials")
}

func TestAssembleRejectsMalformedFragments(t *testing.T) {
	a := NewAssembler(BestEffort)

	_, err := a.Add(1, []byte{0, 0})
	assert.ErrorIs(t, err, lioerr.ErrMalformed)

	// Zero count.
	_, err = a.Add(1, []byte{0, 0, 0, 0, 'x'})
	assert.ErrorIs(t, err, lioerr.ErrMalformed)

	// Index past the count.
	_, err = a.Add(1, []byte{0, 5, 0, 2, 'x'})
	assert.ErrorIs(t, err, lioerr.ErrMalformed)

	// Count past the reassembly bound.
	_, err = a.Add(1, []byte{0, 0, 0xFF, 0xFF, 'x'})
	assert.ErrorIs(t, err, lioerr.ErrMalformed)
}

func TestAssembleBoundsPartialBuffers(t *testing.T) {
	a := NewAssembler(BestEffort)

	frags, err := Split(patterned(2 * MaxFragPayload))
	require.NoError(t, err)

	// Open far more partial messages than the assembler may hold.
	for i := 0; i < maxPartials+8; i++ {
		_, err := a.Add(uint32(1+2*i), frags[0])
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, a.Pending(), maxPartials)
}
