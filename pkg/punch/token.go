package punch

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewToken generates the random punch token exchanged via signaling.
func NewToken() (Token, error) {
	var token Token
	if _, err := rand.Read(token[:]); err != nil {
		return token, fmt.Errorf("generate punch token: %w", err)
	}
	return token, nil
}

// ParseToken decodes the hex form carried in signaling messages.
func ParseToken(s string) (Token, error) {
	var token Token
	raw, err := hex.DecodeString(s)
	if err != nil {
		return token, fmt.Errorf("decode punch token: %w", err)
	}
	if len(raw) != TokenSize {
		return token, fmt.Errorf("punch token is %d bytes, want %d", len(raw), TokenSize)
	}
	copy(token[:], raw)
	return token, nil
}

// FormatToken is the inverse of ParseToken.
func FormatToken(token Token) string {
	return hex.EncodeToString(token[:])
}
