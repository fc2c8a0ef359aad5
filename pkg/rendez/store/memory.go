package store

import (
	"sync"

	"github.com/linkio-p2p/linkio/pkg/rendez/types"
)

// Memory holds offers for the lifetime of the process. Re-registering a
// peer replaces its offer, so stale candidates from a previous run never
// outlive a reconnect.
type Memory struct {
	mu       sync.RWMutex
	offers   map[string]types.Offer
	watchers map[string][]chan types.Offer
}

func NewMemory() *Memory {
	return &Memory{
		offers:   make(map[string]types.Offer),
		watchers: make(map[string][]chan types.Offer),
	}
}

func (s *Memory) Register(offer types.Offer) error {
	s.mu.Lock()
	s.offers[offer.PeerID] = offer
	watchers := s.watchers[offer.PeerID]
	delete(s.watchers, offer.PeerID)
	s.mu.Unlock()

	// Watcher channels are buffered for exactly one offer.
	for _, ch := range watchers {
		ch <- offer
		close(ch)
	}
	return nil
}

func (s *Memory) Lookup(peerID string) (types.Offer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offer, ok := s.offers[peerID]
	return offer, ok
}

func (s *Memory) Watch(peerID string) <-chan types.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan types.Offer, 1)
	if offer, ok := s.offers[peerID]; ok {
		ch <- offer
		close(ch)
		return ch
	}
	s.watchers[peerID] = append(s.watchers[peerID], ch)
	return ch
}
