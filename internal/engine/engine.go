// Package engine builds and submits bracket order sets against the gateway.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autotrader-core/internal/correlate"
	"autotrader-core/internal/events"
	"autotrader-core/pkg/broker"
)

// Gateway is the order surface the engine needs; *conn.Manager satisfies it.
type Gateway interface {
	NextOrderIDs(n int) (int, error)
	PlaceOrder(orderID int, contract broker.Contract, order broker.Order) error
	CancelOrder(orderID int) error
}

// Engine submits bracket sets and single closing orders.
type Engine struct {
	gw         Gateway
	bus        *events.Bus
	correlator *correlate.Correlator
	log        zerolog.Logger
	ackTimeout time.Duration
}

// New builds an execution engine.
func New(gw Gateway, bus *events.Bus, correlator *correlate.Correlator, log zerolog.Logger) *Engine {
	return &Engine{
		gw:         gw,
		bus:        bus,
		correlator: correlator,
		log:        log.With().Str("component", "engine").Logger(),
		ackTimeout: correlate.DefaultTimeout,
	}
}

// PlaceBracket reserves three order ids, writes the three legs in order, and
// waits for the gateway to either echo the parent as an open order or reject
// one of the legs. A silent gateway resolves as accepted; rejection is the
// failure that matters here.
func (e *Engine) PlaceBracket(ctx context.Context, spec BracketSpec) (BracketOrderSet, error) {
	baseID, err := e.gw.NextOrderIDs(3)
	if err != nil {
		return BracketOrderSet{}, err
	}

	orders, set, err := BuildBracket(baseID, spec)
	if err != nil {
		return BracketOrderSet{}, err
	}
	contract := broker.StockContract(spec.Ticker)

	legIDs := map[int]struct{}{
		set.ParentOrderID:     {},
		set.TakeProfitOrderID: {},
		set.StopLossOrderID:   {},
	}

	call := correlate.Begin[error](e.correlator, e.ackTimeout)
	errCh, unsubErr := e.bus.Subscribe(events.EventGatewayError, 64)
	ackCh, unsubAck := e.bus.Subscribe(events.EventOpenOrder, 64)
	call.OnSettle(unsubErr)
	call.OnSettle(unsubAck)

	go func() {
		for {
			select {
			case v, ok := <-errCh:
				if !ok {
					return
				}
				ev, isErr := v.(broker.ErrorEvent)
				if !isErr {
					continue
				}
				if _, mine := legIDs[ev.ReqID]; mine {
					call.Settle(fmt.Errorf("order %d rejected: %d %s", ev.ReqID, ev.Code, ev.Msg))
					return
				}
			case v, ok := <-ackCh:
				if !ok {
					return
				}
				if row, isRow := v.(broker.OpenOrderRow); isRow && row.OrderID == set.ParentOrderID {
					call.Settle(nil)
					return
				}
			}
		}
	}()

	// The transmit flag rides on the last leg only; the first two writes
	// stage the group on the gateway side.
	for _, o := range orders {
		if err := e.gw.PlaceOrder(o.OrderID, contract, o); err != nil {
			call.Settle(nil)
			e.bus.Publish(events.EventOrderRejected, set)
			return BracketOrderSet{}, fmt.Errorf("place order %d: %w", o.OrderID, err)
		}
	}

	e.bus.Publish(events.EventOrderSubmitted, set)
	e.log.Info().Str("ticker", spec.Ticker).Str("side", set.Side).
		Float64("qty", set.Qty).Float64("entry", set.Entry).
		Float64("stop", set.Stop).Float64("target", set.Target).
		Ints("order_ids", set.OrderIDs()).Msg("bracket submitted")

	placeErr, waitErr := call.Wait(ctx)
	if waitErr != nil {
		return set, waitErr
	}
	if placeErr != nil {
		e.bus.Publish(events.EventOrderRejected, set)
		return set, placeErr
	}
	return set, nil
}

// PlaceMarketOrder submits a single immediate order (used to close positions
// on profit-take and loss-cut). Transmit is always true: there is no group to
// stage.
func (e *Engine) PlaceMarketOrder(ctx context.Context, ticker, side string, qty float64) (int, error) {
	if oppositeSide(side) == "" {
		return 0, ErrInvalidSide
	}
	if qty <= 0 {
		return 0, ErrInvalidQty
	}

	id, err := e.gw.NextOrderIDs(1)
	if err != nil {
		return 0, err
	}
	order := broker.Order{
		OrderID:   id,
		Action:    strings.ToUpper(side),
		OrderType: "MKT",
		Qty:       qty,
		TIF:       "DAY",
		Transmit:  true,
	}
	if err := e.gw.PlaceOrder(id, broker.StockContract(ticker), order); err != nil {
		return 0, fmt.Errorf("place market order: %w", err)
	}
	e.log.Info().Str("ticker", ticker).Str("side", order.Action).
		Float64("qty", qty).Int("order_id", id).Msg("market order submitted")
	return id, nil
}

// CancelOrder cancels one leg by id. There is no engine-level whole-bracket
// cancel; see CancelBracket for the composed form.
func (e *Engine) CancelOrder(orderID int) error {
	return e.gw.CancelOrder(orderID)
}

// CancelBracket cancels a bracket's legs individually. This is composition
// over CancelOrder, not a gateway primitive: a leg can fail to cancel while
// the others succeed.
func (e *Engine) CancelBracket(set BracketOrderSet) error {
	var errs []error
	for _, id := range set.OrderIDs() {
		if id == 0 {
			continue
		}
		if err := e.gw.CancelOrder(id); err != nil {
			errs = append(errs, fmt.Errorf("cancel order %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
