// Package seal provides the per-session datagram encryption envelope.
//
// Each datagram on the wire is `nonce || ciphertext` where ciphertext is
// the ChaCha20-Poly1305 sealing of the plaintext header+payload, with the
// 16-byte authentication tag appended. The key is negotiated out-of-band
// by the signaling exchange, scoped to one session and never persisted.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	lioerr "github.com/linkio-p2p/linkio/pkg/error"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize

	// Overhead is the per-datagram expansion: nonce prefix plus tag.
	Overhead = NonceSize + chacha20poly1305.Overhead
)

type Sealer struct {
	aead cipher.AEAD
}

func New(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("session key rejected: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewKey generates a fresh session key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// Seal encrypts one plaintext datagram. The nonce is random per datagram
// so no counter state survives a re-punch.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	buf := make([]byte, NonceSize, NonceSize+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(buf, buf[:NonceSize], plain, nil), nil
}

// Open decrypts one received datagram. Any failure (truncation, tag
// mismatch, replayed garbage) is reported as ErrMalformed so the caller
// drops the datagram without tearing the session down.
func (s *Sealer) Open(datagram []byte) ([]byte, error) {
	if len(datagram) < Overhead {
		return nil, lioerr.Wrap(lioerr.ErrMalformed, fmt.Errorf("datagram of %d bytes below envelope overhead", len(datagram)))
	}
	plain, err := s.aead.Open(nil, datagram[:NonceSize], datagram[NonceSize:], nil)
	if err != nil {
		return nil, lioerr.Wrap(lioerr.ErrMalformed, err)
	}
	return plain, nil
}
