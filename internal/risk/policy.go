// Package risk holds the tunable trade policy and the drawdown assessment
// that scales or suppresses new dispatch during losses.
package risk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the tunable risk policy. Percentages are fractions (0.05 = 5%).
type Policy struct {
	RiskPerTrade  float64 `yaml:"risk_per_trade"`  // portfolio fraction per entry
	StopLossPct   float64 `yaml:"stop_loss_pct"`   // default stop distance from entry
	TakeProfitPct float64 `yaml:"take_profit_pct"` // default target distance from entry
	DipBuyPct     float64 `yaml:"dip_buy_pct"`     // unrealized drop that makes an add attractive
	ProfitTakePct float64 `yaml:"profit_take_pct"` // unrealized gain that takes profit
	LossCutPct    float64 `yaml:"loss_cut_pct"`    // unrealized loss that cuts the position
	SoftDrawdown  float64 `yaml:"soft_drawdown"`   // drawdown that halves new sizing
	HardDrawdown  float64 `yaml:"hard_drawdown"`   // drawdown that suppresses new entries
	MaxOpenTrades int     `yaml:"max_open_trades"`
	MinConviction float64 `yaml:"min_conviction"` // ideas below this are dropped
}

// DefaultPolicy returns conservative defaults.
func DefaultPolicy() Policy {
	return Policy{
		RiskPerTrade:  0.05,
		StopLossPct:   0.05,
		TakeProfitPct: 0.10,
		DipBuyPct:     0.07,
		ProfitTakePct: 0.15,
		LossCutPct:    0.10,
		SoftDrawdown:  0.05,
		HardDrawdown:  0.10,
		MaxOpenTrades: 10,
		MinConviction: 0.6,
	}
}

// LoadPolicy reads the YAML policy file; a missing file means defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read risk policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return DefaultPolicy(), fmt.Errorf("parse risk policy: %w", err)
	}
	return p, nil
}

// Health is the portfolio health input to the drawdown assessment.
type Health struct {
	PortfolioValue float64
	BaselineValue  float64 // last snapshot or tracked value
	DrawdownPct    float64 // positive fraction when under water
}

// ComputeHealth derives drawdown from the current value against a baseline.
func ComputeHealth(current, baseline float64) Health {
	h := Health{PortfolioValue: current, BaselineValue: baseline}
	if baseline > 0 && current < baseline {
		h.DrawdownPct = (baseline - current) / baseline
	}
	return h
}

// Multiplier maps portfolio health to the risk multiplier used by the
// remaining gates this cycle: 1.0 healthy, 0.5 in soft drawdown, 0 in hard
// drawdown (no new entries).
func (p Policy) Multiplier(h Health) float64 {
	switch {
	case h.DrawdownPct >= p.HardDrawdown:
		return 0
	case h.DrawdownPct >= p.SoftDrawdown:
		return 0.5
	default:
		return 1.0
	}
}
