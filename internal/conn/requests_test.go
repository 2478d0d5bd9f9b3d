package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"autotrader-core/internal/correlate"
	"autotrader-core/internal/events"
	"autotrader-core/pkg/broker"
)

// fakeWire is an in-memory gateway session. Commands written by the client
// are handed to onCommand, which can push response frames back through the
// read side.
type fakeWire struct {
	incoming  chan []byte
	closeOnce sync.Once
	onCommand func(w *fakeWire, cmd map[string]any) error
}

func newFakeWire(onCommand func(w *fakeWire, cmd map[string]any) error) *fakeWire {
	return &fakeWire{
		incoming:  make(chan []byte, 64),
		onCommand: onCommand,
	}
}

func (w *fakeWire) push(frame string) {
	w.incoming <- []byte(frame)
}

func (w *fakeWire) ReadMessage() (int, []byte, error) {
	msg, ok := <-w.incoming
	if !ok {
		return 0, nil, errors.New("use of closed network connection")
	}
	return 1, msg, nil
}

func (w *fakeWire) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var cmd map[string]any
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	if w.onCommand != nil {
		return w.onCommand(w, cmd)
	}
	return nil
}

func (w *fakeWire) Close() error {
	w.closeOnce.Do(func() { close(w.incoming) })
	return nil
}

func newConnectedManager(t *testing.T, onCommand func(w *fakeWire, cmd map[string]any) error) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	dial := func(ctx context.Context, host string, port, clientID int) (broker.Wire, error) {
		return newFakeWire(onCommand), nil
	}
	client := broker.NewClient(bus, dial, zerolog.Nop())
	m := NewManager(Config{Host: "127.0.0.1", Port: 4002, ClientID: 7}, client, bus, correlate.New(), zerolog.Nop())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	m.setStatus(StatusConnected)
	t.Cleanup(m.Disconnect)
	return m, bus
}

func TestPositionsAccumulatesUntilEnd(t *testing.T) {
	m, _ := newConnectedManager(t, func(w *fakeWire, cmd map[string]any) error {
		if cmd["cmd"] != "reqPositions" {
			return nil
		}
		w.push(`{"event":"position","account":"DU111","contract":{"symbol":"AAPL","sec_type":"STK"},"qty":10,"avg_cost":180.5}`)
		w.push(`{"event":"position","account":"DU111","contract":{"symbol":"MSFT","sec_type":"STK"},"qty":5,"avg_cost":410}`)
		w.push(`{"event":"positionEnd"}`)
		return nil
	})

	rows, err := m.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Positions() returned %d rows, want 2", len(rows))
	}
	if rows[0].Contract.Symbol != "AAPL" || rows[0].Qty != 10 {
		t.Fatalf("first row = %+v, want AAPL qty 10", rows[0])
	}
	if n := m.correlator.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() = %d after Positions, want 0", n)
	}
}

func TestPositionsRequiresConnection(t *testing.T) {
	m := newTestManager(t, 0, 0)
	if _, err := m.Positions(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Positions() err = %v, want ErrNotConnected", err)
	}
}

func TestOpenOrdersSendFailureCleansUp(t *testing.T) {
	m, bus := newConnectedManager(t, func(w *fakeWire, cmd map[string]any) error {
		return errors.New("write refused")
	})

	if _, err := m.OpenOrders(context.Background()); err == nil {
		t.Fatal("OpenOrders() returned nil error on write failure")
	}
	if n := m.correlator.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() = %d after failed send, want 0", n)
	}
	if n := bus.SubscriberCount(events.EventOpenOrder); n != 0 {
		t.Fatalf("open-order subscriptions leaked: %d", n)
	}
}

func TestContractLookupFiltersByRequestID(t *testing.T) {
	m, _ := newConnectedManager(t, func(w *fakeWire, cmd map[string]any) error {
		if cmd["cmd"] != "reqContractDetails" {
			return nil
		}
		reqID := int(cmd["req_id"].(float64))
		// A row for a stale id must be ignored.
		w.push(fmt.Sprintf(`{"event":"contractDetails","req_id":%d,"contract":{"symbol":"OTHER"},"long_name":"Stale"}`, reqID+1000))
		w.push(fmt.Sprintf(`{"event":"contractDetails","req_id":%d,"contract":{"symbol":"AAPL"},"long_name":"Apple Inc","min_tick":0.01}`, reqID))
		w.push(fmt.Sprintf(`{"event":"contractDetailsEnd","req_id":%d}`, reqID))
		return nil
	})

	details, err := m.ContractLookup(context.Background(), broker.StockContract("AAPL"))
	if err != nil {
		t.Fatalf("ContractLookup() error = %v", err)
	}
	if len(details) != 1 {
		t.Fatalf("ContractLookup() returned %d rows, want 1", len(details))
	}
	if details[0].LongName != "Apple Inc" {
		t.Fatalf("ContractLookup() row = %+v, want Apple Inc", details[0])
	}
}

// Repeated snapshot calls must leave no bus subscriptions or pending calls
// behind.
func TestSnapshotCallsDoNotLeak(t *testing.T) {
	m, bus := newConnectedManager(t, func(w *fakeWire, cmd map[string]any) error {
		switch cmd["cmd"] {
		case "reqPositions":
			w.push(`{"event":"positionEnd"}`)
		case "reqOpenOrders":
			w.push(`{"event":"openOrderEnd"}`)
		}
		return nil
	})

	for i := 0; i < 25; i++ {
		if _, err := m.Positions(context.Background()); err != nil {
			t.Fatalf("cycle %d: Positions() error = %v", i, err)
		}
		if _, err := m.OpenOrders(context.Background()); err != nil {
			t.Fatalf("cycle %d: OpenOrders() error = %v", i, err)
		}
	}

	if n := m.correlator.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() = %d after 50 calls, want 0", n)
	}
	if n := bus.TotalSubscribers(); n != 0 {
		t.Fatalf("TotalSubscribers() = %d after 50 calls, want 0", n)
	}
}
