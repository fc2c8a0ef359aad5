// Package types defines the signaling messages exchanged through the
// rendezvous server. Offers are opaque to the server; it only matches
// them by peer id.
package types

import (
	"encoding/base64"
	"fmt"

	"github.com/linkio-p2p/linkio/pkg/candidate"
	"github.com/linkio-p2p/linkio/pkg/punch"
)

const (
	RoleController = "controller"
	RoleAgent      = "agent"
)

// Offer is one peer's half of the signaling exchange: who it is, where
// it can be reached, and the punch secret binding the two coordinators.
// The controller's offer additionally carries the session key.
type Offer struct {
	OfferID    string                `json:"offer_id" example:"8a6bca32-95a4-4c25-a8b4-3d2f0a41f796"`
	PeerID     string                `json:"peer_id" example:"agent-living-room"`
	Role       string                `json:"role" example:"controller"`
	Candidates []candidate.Candidate `json:"candidates"`
	PunchToken string                `json:"punch_token" example:"9f86d081884c7d65..."`
	SessionKey string                `json:"session_key,omitempty"`
}

// PunchRole maps the wire role string onto the punch coordinator role.
func (o Offer) PunchRole() (punch.Role, error) {
	switch o.Role {
	case RoleController:
		return punch.RoleController, nil
	case RoleAgent:
		return punch.RoleAgent, nil
	}
	return 0, fmt.Errorf("unknown role %q", o.Role)
}

// Token decodes the hex punch token carried in the offer.
func (o Offer) Token() (punch.Token, error) {
	return punch.ParseToken(o.PunchToken)
}

// Key decodes the base64 session key. Only controller offers carry one.
func (o Offer) Key() ([]byte, error) {
	if o.SessionKey == "" {
		return nil, fmt.Errorf("offer from %q carries no session key", o.PeerID)
	}
	key, err := base64.StdEncoding.DecodeString(o.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	return key, nil
}

// EncodeKey is the inverse of Key.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// Validate rejects offers the server must not store.
func (o Offer) Validate() error {
	if o.PeerID == "" {
		return fmt.Errorf("offer without peer_id")
	}
	if _, err := o.PunchRole(); err != nil {
		return err
	}
	if _, err := o.Token(); err != nil {
		return err
	}
	if len(candidate.Filter(o.Candidates)) == 0 {
		return fmt.Errorf("offer from %q has no usable candidates", o.PeerID)
	}
	return nil
}
