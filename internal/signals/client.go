// Package signals is the boundary to the external trade-idea source. The
// scoring that produces the ideas lives elsewhere; this client only fetches.
package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoSource indicates the signal source URL is not configured.
var ErrNoSource = errors.New("signals: source URL not configured")

// Idea is one externally produced trade idea.
type Idea struct {
	Ticker     string  `json:"ticker"`
	Signal     string  `json:"signal"` // BUY or SELL
	Conviction float64 `json:"conviction"`
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	Target     float64 `json:"target"`
	Reason     string  `json:"reason"`
}

// Client fetches ideas over HTTP/JSON.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a signal-source client for baseURL (empty disables it).
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.With().Str("component", "signals").Logger(),
	}
}

// FetchIdeas pulls the current idea batch.
func (c *Client) FetchIdeas(ctx context.Context) ([]Idea, error) {
	if c.baseURL == "" {
		return nil, ErrNoSource
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ideas", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ideas: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ideas: unexpected status %d", resp.StatusCode)
	}

	var ideas []Idea
	if err := json.NewDecoder(resp.Body).Decode(&ideas); err != nil {
		return nil, fmt.Errorf("decode ideas: %w", err)
	}
	return ideas, nil
}

// TriggerDiscovery starts the source's signal-discovery refresh and waits for
// it to finish. The pre-market task awaits this so later risk gates never see
// stale discovery output.
func (c *Client) TriggerDiscovery(ctx context.Context) error {
	if c.baseURL == "" {
		return ErrNoSource
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ideas/refresh", nil)
	if err != nil {
		return err
	}
	// Discovery can take minutes; rely on ctx rather than the client timeout.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger discovery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("trigger discovery: unexpected status %d", resp.StatusCode)
	}
	return nil
}
