package events

// Event enumerates high-level topics inside the autotrader core.
type Event string

const (
	// Gateway session lifecycle
	EventConnected    Event = "gateway.connected"
	EventDisconnected Event = "gateway.disconnected"
	EventGatewayError Event = "gateway.error"

	// Gateway account/bookkeeping responses
	EventAccountList Event = "gateway.account_list"
	EventNextValidID Event = "gateway.next_valid_id"

	// Gateway snapshot streams (terminated by their *End marker)
	EventPosition           Event = "gateway.position"
	EventPositionEnd        Event = "gateway.position_end"
	EventOpenOrder          Event = "gateway.open_order"
	EventOpenOrderEnd       Event = "gateway.open_order_end"
	EventContractDetails    Event = "gateway.contract_details"
	EventContractDetailsEnd Event = "gateway.contract_details_end"

	// Connection manager notifications
	EventConnectionChange Event = "conn.change"

	// Order lifecycle
	EventOrderSubmitted Event = "order.submitted"
	EventOrderRejected  Event = "order.rejected"

	// Trade records
	EventTradeOpened Event = "trade.opened"
	EventTradeClosed Event = "trade.closed"
)
