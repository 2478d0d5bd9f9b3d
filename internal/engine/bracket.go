package engine

import (
	"errors"
	"fmt"
	"strings"

	"autotrader-core/pkg/broker"
)

// BracketSpec describes one risk-bracketed entry.
type BracketSpec struct {
	Ticker string
	Side   string // BUY or SELL
	Qty    float64
	Entry  float64
	Stop   float64
	Target float64
	TIF    string // defaults to GTC
}

// BracketOrderSet holds the three correlated order ids of a placed bracket.
type BracketOrderSet struct {
	Ticker            string
	ParentOrderID     int
	TakeProfitOrderID int
	StopLossOrderID   int
	Side              string
	Qty               float64
	Entry             float64
	Stop              float64
	Target            float64
}

// OrderIDs returns the three leg ids, parent first.
func (s BracketOrderSet) OrderIDs() []int {
	return []int{s.ParentOrderID, s.TakeProfitOrderID, s.StopLossOrderID}
}

var (
	ErrInvalidSide = errors.New("engine: side must be BUY or SELL")
	ErrInvalidQty  = errors.New("engine: quantity must be positive")
)

// oppositeSide returns the logical close of a side: SELL for BUY and vice versa.
func oppositeSide(side string) string {
	switch strings.ToUpper(side) {
	case "BUY":
		return "SELL"
	case "SELL":
		return "BUY"
	default:
		return ""
	}
}

// BuildBracket builds the three orders of a bracket from consecutive ids
// starting at baseID:
//
//	parent     entry limit, transmit=false
//	takeprofit opposite limit at target, parent-linked, transmit=false
//	stoploss   opposite stop at stop, parent-linked, transmit=true
//
// Only the final order carries transmit=true; that write is what makes the
// gateway accept the whole group.
func BuildBracket(baseID int, spec BracketSpec) ([]broker.Order, BracketOrderSet, error) {
	side := strings.ToUpper(spec.Side)
	closeSide := oppositeSide(side)
	if closeSide == "" {
		return nil, BracketOrderSet{}, ErrInvalidSide
	}
	if spec.Qty <= 0 {
		return nil, BracketOrderSet{}, ErrInvalidQty
	}
	if spec.Entry <= 0 || spec.Stop <= 0 || spec.Target <= 0 {
		return nil, BracketOrderSet{}, fmt.Errorf("engine: prices must be positive (entry=%v stop=%v target=%v)", spec.Entry, spec.Stop, spec.Target)
	}

	tif := spec.TIF
	if tif == "" {
		tif = "GTC"
	}

	parent := broker.Order{
		OrderID:   baseID,
		Action:    side,
		OrderType: "LMT",
		Qty:       spec.Qty,
		LmtPrice:  spec.Entry,
		TIF:       tif,
		Transmit:  false,
	}
	takeProfit := broker.Order{
		OrderID:   baseID + 1,
		Action:    closeSide,
		OrderType: "LMT",
		Qty:       spec.Qty,
		LmtPrice:  spec.Target,
		TIF:       tif,
		ParentID:  baseID,
		Transmit:  false,
	}
	stopLoss := broker.Order{
		OrderID:   baseID + 2,
		Action:    closeSide,
		OrderType: "STP",
		Qty:       spec.Qty,
		AuxPrice:  spec.Stop,
		TIF:       tif,
		ParentID:  baseID,
		Transmit:  true,
	}

	set := BracketOrderSet{
		Ticker:            spec.Ticker,
		ParentOrderID:     baseID,
		TakeProfitOrderID: baseID + 1,
		StopLossOrderID:   baseID + 2,
		Side:              side,
		Qty:               spec.Qty,
		Entry:             spec.Entry,
		Stop:              spec.Stop,
		Target:            spec.Target,
	}
	return []broker.Order{parent, takeProfit, stopLoss}, set, nil
}
