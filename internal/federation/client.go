package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Status is the remote-mode client's connection state to its HQ.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusRegistered
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusRegistered:
		return "registered"
	default:
		return "disconnected"
	}
}

const (
	reregisterInterval = 30 * time.Second
	initialBackoff      = time.Second
	maxBackoff          = 30 * time.Second
)

// Client runs this server in remote mode: it registers with a HQ URL
// under a name and keeps re-registering on a heartbeat, reconnecting with
// backoff if the HQ becomes unreachable (§4.12). Mirrors the teacher's
// tunnel.Manager reconnect loop, generalized from an ActionCable
// subscription to a plain HTTP registration call.
type Client struct {
	hqURL   string
	name    string
	selfURL string

	httpClient *http.Client
	status     atomic.Int32
}

// NewClient returns a Client that will register name/selfURL with hqURL.
func NewClient(hqURL, name, selfURL string) *Client {
	return &Client{
		hqURL:   hqURL,
		name:    name,
		selfURL: selfURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Status reports the client's current connection state.
func (c *Client) Status() Status {
	return Status(c.status.Load())
}

// Run registers with the HQ and re-registers every reregisterInterval
// until ctx is canceled, reconnecting with exponential backoff (capped at
// maxBackoff) whenever a registration attempt fails.
func (c *Client) Run(ctx context.Context) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		c.status.Store(int32(StatusConnecting))
		if err := c.register(ctx); err != nil {
			c.status.Store(int32(StatusDisconnected))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		c.status.Store(int32(StatusRegistered))

		select {
		case <-ctx.Done():
			return
		case <-time.After(reregisterInterval):
		}
	}
}

func (c *Client) register(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"name": c.name,
		"url":  c.selfURL,
	})
	if err != nil {
		return fmt.Errorf("federation: marshal registration: %w", err)
	}

	url := strings.TrimRight(c.hqURL, "/") + "/api/hq/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("federation: build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("federation: register with HQ: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("federation: HQ rejected registration: status %d", resp.StatusCode)
	}
	return nil
}
