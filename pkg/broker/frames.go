package broker

import "encoding/json"

// command is an outgoing frame. Arguments ride along as typed fields; unused
// ones are omitted from the encoding.
type command struct {
	Cmd      string    `json:"cmd"`
	ClientID int       `json:"client_id,omitempty"`
	ReqID    int       `json:"req_id,omitempty"`
	OrderID  int       `json:"order_id,omitempty"`
	Contract *Contract `json:"contract,omitempty"`
	Order    *Order    `json:"order,omitempty"`
}

// frame is an incoming event envelope. The relevant payload fields are
// decoded in a second pass based on Event.
type frame struct {
	Event string          `json:"event"`
	Raw   json.RawMessage `json:"-"`
}

// positionFrame carries a single position row.
type positionFrame struct {
	Event         string   `json:"event"`
	Account       string   `json:"account"`
	Contract      Contract `json:"contract"`
	Qty           float64  `json:"qty"`
	AvgCost       float64  `json:"avg_cost"`
	MarketPrice   float64  `json:"market_price"`
	MarketValue   float64  `json:"market_value"`
	UnrealizedPnL float64  `json:"unrealized_pnl"`
}

type openOrderFrame struct {
	Event    string     `json:"event"`
	OrderID  int        `json:"order_id"`
	Contract Contract   `json:"contract"`
	Order    Order      `json:"order"`
	State    OrderState `json:"state"`
}

type contractDetailsFrame struct {
	Event    string   `json:"event"`
	ReqID    int      `json:"req_id"`
	Contract Contract `json:"contract"`
	LongName string   `json:"long_name"`
	MinTick  float64  `json:"min_tick"`
}

type errorFrame struct {
	Event string `json:"event"`
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	ReqID int    `json:"req_id"`
}

type accountListFrame struct {
	Event    string `json:"event"`
	Accounts string `json:"accounts"` // comma-separated
}

type nextValidIDFrame struct {
	Event string `json:"event"`
	ID    int    `json:"id"`
}

type contractDetailsEndFrame struct {
	Event string `json:"event"`
	ReqID int    `json:"req_id"`
}
