// Package client talks to the rendezvous server. Offers go up over plain
// HTTP; the counterpart offer comes back over a websocket push, with HTTP
// polling as the fallback when the socket cannot be established.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkio-p2p/linkio/pkg/rendez/types"
)

const RendezvousClientTimeout = 5 * time.Second

type Rendezvous interface {
	Register(ctx context.Context, offer types.Offer) error
	Discover(ctx context.Context, peerID string) (*types.Offer, error)
	WaitForPeer(ctx context.Context, peerID string, interval time.Duration) (*types.Offer, error)
}

type Client struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
}

func NewRendezvous(baseURL string) Rendezvous {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: RendezvousClientTimeout},
		dialer:  websocket.DefaultDialer,
	}
}

// Register publishes this peer's offer on the rendezvous server.
func (c *Client) Register(ctx context.Context, offer types.Offer) error {
	body, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send register request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register failed with status: %s", resp.Status)
	}

	return nil
}

// Discover fetches the peer's current offer, if it has one.
func (c *Client) Discover(ctx context.Context, peerID string) (*types.Offer, error) {
	url := fmt.Sprintf("%s/peer/%s", c.baseURL, peerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create discover request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send discover request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discover failed with status: %s", resp.Status)
	}

	var offer types.Offer
	if errJSON := json.NewDecoder(resp.Body).Decode(&offer); errJSON != nil {
		return nil, fmt.Errorf("decode offer: %w", errJSON)
	}

	return &offer, nil
}

// WaitForPeer blocks until the peer's offer appears or ctx expires. The
// websocket push is preferred; polling covers servers and middleboxes
// that cannot upgrade.
func (c *Client) WaitForPeer(ctx context.Context, peerID string, interval time.Duration) (*types.Offer, error) {
	if offer, err := c.subscribe(ctx, peerID); err == nil {
		return offer, nil
	}
	return c.poll(ctx, peerID, interval)
}

func (c *Client) subscribe(ctx context.Context, peerID string) (*types.Offer, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/subscribe/" + peerID

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial subscribe socket: %w", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	var offer types.Offer
	if err := conn.ReadJSON(&offer); err != nil {
		return nil, fmt.Errorf("read pushed offer: %w", err)
	}
	return &offer, nil
}

func (c *Client) poll(ctx context.Context, peerID string, interval time.Duration) (*types.Offer, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if offer, err := c.Discover(ctx, peerID); err == nil {
			return offer, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
