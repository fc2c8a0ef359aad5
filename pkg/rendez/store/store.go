package store

import "github.com/linkio-p2p/linkio/pkg/rendez/types"

type Store interface {
	Register(offer types.Offer) error
	Lookup(peerID string) (types.Offer, bool)
	// Watch returns a channel that yields the peer's offer as soon as it
	// is registered. An already-registered offer is yielded immediately.
	Watch(peerID string) <-chan types.Offer
}
