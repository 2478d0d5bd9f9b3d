package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"autotrader-core/internal/events"
)

// ErrNotConnected is returned when a command is issued without a live session.
var ErrNotConnected = errors.New("broker: no active session")

// Wire is the minimal transport surface the client needs. *websocket.Conn
// satisfies it; tests inject fakes.
type Wire interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a Wire to the gateway.
type Dialer func(ctx context.Context, host string, port, clientID int) (Wire, error)

// DefaultDialer dials the gateway over websocket.
func DefaultDialer(ctx context.Context, host string, port, clientID int) (Wire, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/ws",
		RawQuery: fmt.Sprintf("client_id=%d", clientID),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return conn, nil
}

// Client speaks the gateway wire protocol over a single session. Decoded
// events are published on the bus; commands are serialized through writeMu.
// Session lifecycle (dial, teardown, reconnect) is owned by the connection
// manager, not the client.
type Client struct {
	Bus *events.Bus

	dial Dialer
	log  zerolog.Logger

	mu      sync.Mutex // guards wire swap
	wire    Wire
	writeMu sync.Mutex // serializes frame writes
}

// NewClient builds a wire client publishing onto bus.
func NewClient(bus *events.Bus, dial Dialer, log zerolog.Logger) *Client {
	if dial == nil {
		dial = DefaultDialer
	}
	return &Client{
		Bus:  bus,
		dial: dial,
		log:  log.With().Str("component", "broker").Logger(),
	}
}

// Open dials a new session and starts the read loop. Any previous session is
// torn down first. The read loop publishes EventDisconnected exactly once when
// it exits, whatever the cause.
func (c *Client) Open(ctx context.Context, host string, port, clientID int) error {
	c.Close()

	wire, err := c.dial(ctx, host, port, clientID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.wire = wire
	c.mu.Unlock()

	go c.readLoop(wire)
	return nil
}

// Close tears down the current session, if any. Safe to call repeatedly.
func (c *Client) Close() {
	c.mu.Lock()
	wire := c.wire
	c.wire = nil
	c.mu.Unlock()
	if wire != nil {
		_ = wire.Close()
	}
}

func (c *Client) readLoop(wire Wire) {
	defer c.Bus.Publish(events.EventDisconnected, nil)
	for {
		_, msg, err := wire.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			c.log.Warn().Err(err).Msg("gateway read error")
			return
		}
		c.dispatch(msg)
	}
}

// dispatch decodes one incoming frame and publishes the typed payload.
func (c *Client) dispatch(msg []byte) {
	var env frame
	if err := json.Unmarshal(msg, &env); err != nil {
		c.log.Warn().Err(err).Msg("gateway frame decode error")
		return
	}

	switch env.Event {
	case "connected":
		c.Bus.Publish(events.EventConnected, nil)
	case "disconnected":
		// Explicit notice from the gateway; the read loop's deferred publish
		// covers transport-level drops.
		c.Bus.Publish(events.EventDisconnected, nil)
	case "error":
		var f errorFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			return
		}
		c.Bus.Publish(events.EventGatewayError, ErrorEvent{Code: f.Code, Msg: f.Msg, ReqID: f.ReqID})
	case "accountList":
		var f accountListFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			return
		}
		accounts := strings.Split(f.Accounts, ",")
		for i := range accounts {
			accounts[i] = strings.TrimSpace(accounts[i])
		}
		c.Bus.Publish(events.EventAccountList, accounts)
	case "nextValidId":
		var f nextValidIDFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			return
		}
		c.Bus.Publish(events.EventNextValidID, f.ID)
	case "position":
		var f positionFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			return
		}
		c.Bus.Publish(events.EventPosition, PositionRow{
			Account:       f.Account,
			Contract:      f.Contract,
			Qty:           f.Qty,
			AvgCost:       f.AvgCost,
			MarketPrice:   f.MarketPrice,
			MarketValue:   f.MarketValue,
			UnrealizedPnL: f.UnrealizedPnL,
		})
	case "positionEnd":
		c.Bus.Publish(events.EventPositionEnd, nil)
	case "openOrder":
		var f openOrderFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			return
		}
		c.Bus.Publish(events.EventOpenOrder, OpenOrderRow{
			OrderID:  f.OrderID,
			Contract: f.Contract,
			Order:    f.Order,
			State:    f.State,
		})
	case "openOrderEnd":
		c.Bus.Publish(events.EventOpenOrderEnd, nil)
	case "contractDetails":
		var f contractDetailsFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			return
		}
		c.Bus.Publish(events.EventContractDetails, ContractDetails{
			ReqID:    f.ReqID,
			Contract: f.Contract,
			LongName: f.LongName,
			MinTick:  f.MinTick,
		})
	case "contractDetailsEnd":
		var f contractDetailsEndFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			return
		}
		c.Bus.Publish(events.EventContractDetailsEnd, f.ReqID)
	default:
		c.log.Debug().Str("event", env.Event).Msg("unhandled gateway event")
	}
}

func (c *Client) send(cmd command) error {
	c.mu.Lock()
	wire := c.wire
	c.mu.Unlock()
	if wire == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteJSON(cmd); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Cmd, err)
	}
	return nil
}

// RequestAccountList asks for the managed account list.
func (c *Client) RequestAccountList() error {
	return c.send(command{Cmd: "reqAccounts"})
}

// RequestNextID asks for the next valid order id.
func (c *Client) RequestNextID() error {
	return c.send(command{Cmd: "reqIds"})
}

// RequestPositions asks for the position snapshot (position* events follow).
func (c *Client) RequestPositions() error {
	return c.send(command{Cmd: "reqPositions"})
}

// RequestOpenOrders asks for the open-order snapshot.
func (c *Client) RequestOpenOrders() error {
	return c.send(command{Cmd: "reqOpenOrders"})
}

// RequestContractDetails looks up a contract; the response is correlated by reqID.
func (c *Client) RequestContractDetails(reqID int, contract Contract) error {
	return c.send(command{Cmd: "reqContractDetails", ReqID: reqID, Contract: &contract})
}

// PlaceOrder submits one order. Bracket semantics (transmit flags, parent
// linkage) are the caller's responsibility.
func (c *Client) PlaceOrder(orderID int, contract Contract, order Order) error {
	order.OrderID = orderID
	return c.send(command{Cmd: "placeOrder", OrderID: orderID, Contract: &contract, Order: &order})
}

// CancelOrder cancels a single order by id.
func (c *Client) CancelOrder(orderID int) error {
	return c.send(command{Cmd: "cancelOrder", OrderID: orderID})
}
