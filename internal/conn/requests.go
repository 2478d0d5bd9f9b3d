package conn

import (
	"context"

	"autotrader-core/internal/correlate"
	"autotrader-core/internal/events"
	"autotrader-core/pkg/broker"
)

// Positions fetches the broker-reported position snapshot. A timeout settles
// with whatever accumulated, which downstream treats as "no data this cycle".
func (m *Manager) Positions(ctx context.Context) ([]broker.PositionRow, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	call := correlate.Begin[[]broker.PositionRow](m.correlator, 0)
	rows, unsubRows := m.bus.Subscribe(events.EventPosition, 256)
	end, unsubEnd := m.bus.Subscribe(events.EventPositionEnd, 1)
	call.OnSettle(unsubRows)
	call.OnSettle(unsubEnd)

	go func() {
		var acc []broker.PositionRow
		for {
			select {
			case v, ok := <-rows:
				if !ok {
					return
				}
				if row, isRow := v.(broker.PositionRow); isRow {
					acc = append(acc, row)
				}
			case _, ok := <-end:
				if !ok {
					return
				}
				call.Settle(acc)
				return
			}
		}
	}()

	if err := m.client.RequestPositions(); err != nil {
		call.Settle(nil)
		return nil, err
	}
	return call.Wait(ctx)
}

// OpenOrders fetches the broker-reported open-order snapshot.
func (m *Manager) OpenOrders(ctx context.Context) ([]broker.OpenOrderRow, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	call := correlate.Begin[[]broker.OpenOrderRow](m.correlator, 0)
	rows, unsubRows := m.bus.Subscribe(events.EventOpenOrder, 256)
	end, unsubEnd := m.bus.Subscribe(events.EventOpenOrderEnd, 1)
	call.OnSettle(unsubRows)
	call.OnSettle(unsubEnd)

	go func() {
		var acc []broker.OpenOrderRow
		for {
			select {
			case v, ok := <-rows:
				if !ok {
					return
				}
				if row, isRow := v.(broker.OpenOrderRow); isRow {
					acc = append(acc, row)
				}
			case _, ok := <-end:
				if !ok {
					return
				}
				call.Settle(acc)
				return
			}
		}
	}()

	if err := m.client.RequestOpenOrders(); err != nil {
		call.Settle(nil)
		return nil, err
	}
	return call.Wait(ctx)
}

// ContractLookup resolves contract details for an instrument. Responses are
// scoped to this call's request id; rows for other ids are ignored.
func (m *Manager) ContractLookup(ctx context.Context, contract broker.Contract) ([]broker.ContractDetails, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	call := correlate.Begin[[]broker.ContractDetails](m.correlator, 0)
	rows, unsubRows := m.bus.Subscribe(events.EventContractDetails, 64)
	end, unsubEnd := m.bus.Subscribe(events.EventContractDetailsEnd, 4)
	call.OnSettle(unsubRows)
	call.OnSettle(unsubEnd)

	go func() {
		var acc []broker.ContractDetails
		for {
			select {
			case v, ok := <-rows:
				if !ok {
					return
				}
				if d, isRow := v.(broker.ContractDetails); isRow && d.ReqID == call.ID {
					acc = append(acc, d)
				}
			case v, ok := <-end:
				if !ok {
					return
				}
				if reqID, isID := v.(int); isID && reqID == call.ID {
					call.Settle(acc)
					return
				}
			}
		}
	}()

	if err := m.client.RequestContractDetails(call.ID, contract); err != nil {
		call.Settle(nil)
		return nil, err
	}
	return call.Wait(ctx)
}

// PlaceOrder forwards a built order to the gateway.
func (m *Manager) PlaceOrder(orderID int, contract broker.Contract, order broker.Order) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return m.client.PlaceOrder(orderID, contract, order)
}

// CancelOrder cancels one order by id.
func (m *Manager) CancelOrder(orderID int) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return m.client.CancelOrder(orderID)
}
