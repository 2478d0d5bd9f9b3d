// Package broker implements the wire client for the broker gateway: JSON
// frames over a websocket session, commands out, decoded events in.
package broker

// Contract identifies a tradable instrument on the gateway.
type Contract struct {
	Symbol   string `json:"symbol"`
	SecType  string `json:"sec_type"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// StockContract builds a SMART-routed US stock contract.
func StockContract(symbol string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  "STK",
		Exchange: "SMART",
		Currency: "USD",
	}
}

// Order is the wire representation of a single order.
type Order struct {
	OrderID     int     `json:"order_id"`
	Action      string  `json:"action"`     // BUY or SELL
	OrderType   string  `json:"order_type"` // LMT, STP, MKT
	Qty         float64 `json:"qty"`
	LmtPrice    float64 `json:"lmt_price,omitempty"`
	AuxPrice    float64 `json:"aux_price,omitempty"` // stop trigger for STP
	TIF         string  `json:"tif,omitempty"`
	ParentID    int     `json:"parent_id,omitempty"`
	Transmit    bool    `json:"transmit"`
	OCAGroup    string  `json:"oca_group,omitempty"`
	OutsideRTH  bool    `json:"outside_rth,omitempty"`
}

// OrderState is the gateway's view of an open order.
type OrderState struct {
	Status string `json:"status"`
}

// PositionRow is one entry of the gateway's position snapshot.
type PositionRow struct {
	Account       string   `json:"account"`
	Contract      Contract `json:"contract"`
	Qty           float64  `json:"qty"`
	AvgCost       float64  `json:"avg_cost"`
	MarketPrice   float64  `json:"market_price"`
	MarketValue   float64  `json:"market_value"`
	UnrealizedPnL float64  `json:"unrealized_pnl"`
}

// OpenOrderRow is one entry of the gateway's open-order snapshot.
type OpenOrderRow struct {
	OrderID  int        `json:"order_id"`
	Contract Contract   `json:"contract"`
	Order    Order      `json:"order"`
	State    OrderState `json:"state"`
}

// ContractDetails is the correlated response to a contract lookup.
type ContractDetails struct {
	ReqID    int      `json:"req_id"`
	Contract Contract `json:"contract"`
	LongName string   `json:"long_name"`
	MinTick  float64  `json:"min_tick"`
}

// ErrorEvent is an error frame from the gateway. ReqID is -1 for
// connection-level notices, otherwise the request/order id it concerns.
type ErrorEvent struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	ReqID int    `json:"req_id"`
}
