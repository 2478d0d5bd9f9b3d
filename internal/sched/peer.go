package sched

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// peerChecker polls an alternate (browser-side) scheduler's status endpoint.
// When the peer reports itself active, this process defers the whole cycle.
// A failed poll starts a cool-down so a down endpoint isn't hammered every
// cycle; during cool-down the peer is presumed inactive.
type peerChecker struct {
	url      string
	cooldown time.Duration
	http     *http.Client
	log      zerolog.Logger

	coolUntil time.Time
	now       func() time.Time
}

func newPeerChecker(url string, timeout, cooldown time.Duration, log zerolog.Logger) *peerChecker {
	return &peerChecker{
		url:      url,
		cooldown: cooldown,
		http:     &http.Client{Timeout: timeout},
		log:      log,
		now:      time.Now,
	}
}

type peerStatus struct {
	Running bool `json:"running"`
}

// Active reports whether the alternate scheduler is running.
func (p *peerChecker) Active(ctx context.Context) bool {
	if p.url == "" {
		return false
	}
	if p.now().Before(p.coolUntil) {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		p.coolUntil = p.now().Add(p.cooldown)
		p.log.Debug().Err(err).Msg("peer scheduler poll failed, cooling down")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.coolUntil = p.now().Add(p.cooldown)
		return false
	}

	var status peerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.Running
}
