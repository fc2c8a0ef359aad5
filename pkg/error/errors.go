package errors

import (
	"errors"
	"fmt"
)

// Transport error taxonomy. Callers match with errors.Is.
var (
	// ErrUnreachable means every configured STUN server stayed silent
	// after backoff exhaustion.
	ErrUnreachable = errors.New("stun servers unreachable")

	// ErrNoPath means the punch budget ran out without any candidate
	// pair opening. Falling back to a relay is the caller's decision.
	ErrNoPath = errors.New("no candidate pair opened")

	// ErrMalformed marks a datagram that failed framing validation or
	// decryption. Such datagrams are dropped, never fatal.
	ErrMalformed = errors.New("malformed datagram")

	// ErrStreamFailure means a reliable stream exhausted its retry
	// budget. Only that stream's consumer observes it.
	ErrStreamFailure = errors.New("reliable stream exceeded retry budget")

	// ErrSessionLost means the keepalive deadline passed with no valid
	// traffic from the peer.
	ErrSessionLost = errors.New("session keepalive timed out")

	// ErrSessionClosed is the terminal end-of-stream signal delivered to
	// every blocked receiver when a session closes.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnknownStream marks a frame addressed to a stream id outside
	// the agreed table.
	ErrUnknownStream = errors.New("unknown stream id")
)

// Connect step errors
var (
	ErrBindingUDP      = errors.New("failed to bind UDP")
	ErrPubAddrRetrieve = errors.New("failed to get public address")
	ErrRegisterPeer    = errors.New("failed to register with rendezvous server")
	ErrWaitForPeer     = errors.New("failed to wait for remote peer")
	ErrPunchingNAT     = errors.New("failed to perform UDP hole punching")
	ErrSessionStart    = errors.New("failed to start session")
)

func Wrap(step error, err error) error {
	return fmt.Errorf("%w: %w", step, err)
}
