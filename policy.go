package main

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autotrader-core/internal/risk"
)

// policyReloader serves the risk policy and re-reads the YAML file when its
// mtime changes, so tuning takes effect without a restart. Stat calls are
// capped to one per checkEvery.
type policyReloader struct {
	path string
	log  zerolog.Logger

	mu         sync.Mutex
	policy     risk.Policy
	mtime      time.Time
	nextCheck  time.Time
	checkEvery time.Duration
}

func newPolicyReloader(path string, log zerolog.Logger) *policyReloader {
	p, err := risk.LoadPolicy(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("risk policy load failed, using defaults")
	}
	r := &policyReloader{
		path:       path,
		log:        log,
		policy:     p,
		checkEvery: time.Minute,
	}
	if info, err := os.Stat(path); err == nil {
		r.mtime = info.ModTime()
	}
	return r
}

// Current returns the active policy, reloading the file if it changed.
func (r *policyReloader) Current() risk.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.nextCheck) {
		return r.policy
	}
	r.nextCheck = now.Add(r.checkEvery)

	info, err := os.Stat(r.path)
	if err != nil || !info.ModTime().After(r.mtime) {
		return r.policy
	}

	p, err := risk.LoadPolicy(r.path)
	if err != nil {
		r.log.Warn().Err(err).Msg("risk policy reload failed, keeping current")
		return r.policy
	}
	r.mtime = info.ModTime()
	r.policy = p
	r.log.Info().Str("path", r.path).Msg("risk policy reloaded")
	return r.policy
}
