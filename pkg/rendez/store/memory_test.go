package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkio-p2p/linkio/pkg/candidate"
	"github.com/linkio-p2p/linkio/pkg/rendez/types"
)

func offerFor(peerID string) types.Offer {
	return types.Offer{
		PeerID: peerID,
		Role:   types.RoleController,
		Candidates: []candidate.Candidate{
			{IP: "203.0.113.5", Port: 40000, Source: candidate.SourceReflexive},
		},
		PunchToken: "00112233445566778899aabbccddeeff",
	}
}

func TestMemoryRegisterLookup(t *testing.T) {
	s := NewMemory()

	_, ok := s.Lookup("ghost")
	assert.False(t, ok)

	require.NoError(t, s.Register(offerFor("peer1")))
	offer, ok := s.Lookup("peer1")
	require.True(t, ok)
	assert.Equal(t, "peer1", offer.PeerID)
}

func TestMemoryReregisterReplaces(t *testing.T) {
	s := NewMemory()

	first := offerFor("peer1")
	require.NoError(t, s.Register(first))

	second := offerFor("peer1")
	second.Candidates[0].Port = 50000
	require.NoError(t, s.Register(second))

	offer, ok := s.Lookup("peer1")
	require.True(t, ok)
	assert.Equal(t, 50000, offer.Candidates[0].Port)
}

func TestMemoryWatchBeforeRegister(t *testing.T) {
	s := NewMemory()

	ch := s.Watch("peer1")
	select {
	case <-ch:
		t.Fatal("watch fired before registration")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, s.Register(offerFor("peer1")))

	select {
	case offer := <-ch:
		assert.Equal(t, "peer1", offer.PeerID)
	case <-time.After(time.Second):
		t.Fatal("watch never fired")
	}
}

func TestMemoryWatchAfterRegister(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Register(offerFor("peer1")))

	select {
	case offer := <-s.Watch("peer1"):
		assert.Equal(t, "peer1", offer.PeerID)
	case <-time.After(time.Second):
		t.Fatal("watch on a stored offer must fire immediately")
	}
}
