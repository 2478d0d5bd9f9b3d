// Package conn owns the session to the broker gateway: connect/disconnect,
// exponential-backoff reconnection, and dispatch of lifecycle and account
// events to the rest of the system.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"autotrader-core/internal/correlate"
	"autotrader-core/internal/events"
	"autotrader-core/pkg/broker"
)

// Status is the connection state to the gateway.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
)

var (
	ErrNotConnected = errors.New("conn: gateway not connected")
	ErrNoOrderID    = errors.New("conn: next order id not yet received")
)

// Gateway notice codes. The informational set is market-data-farm chatter
// that must never flip connection status.
const (
	codeConnectivityLost     = 1100
	codeConnectivityRestored = 1102
)

var informationalCodes = map[int]struct{}{
	2104: {}, // market data farm connection is OK
	2106: {}, // HMDS data farm connection is OK
	2107: {}, // HMDS data farm connection is inactive
	2108: {}, // market data farm connection is inactive
	2158: {}, // sec-def data farm connection is OK
}

// Config holds gateway session settings.
type Config struct {
	Host          string
	Port          int
	ClientID      int
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

// Listener is notified on every connection status flip.
type Listener func(connected bool)

// Manager owns the gateway session lifecycle. All state transitions happen on
// gateway events; reconnection uses exponential backoff with a single
// outstanding timer.
type Manager struct {
	cfg        Config
	client     *broker.Client
	bus        *events.Bus
	correlator *correlate.Correlator
	log        zerolog.Logger

	mu             sync.Mutex
	status         Status
	accounts       []string
	nextOrderID    int
	attempts       int
	bo             *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	listeners      []Listener
	closed         bool

	baseCtx context.Context
}

// NewManager builds a connection manager around the wire client.
func NewManager(cfg Config, client *broker.Client, bus *events.Bus, correlator *correlate.Correlator, log zerolog.Logger) *Manager {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectBase
	bo.Multiplier = 2
	bo.MaxInterval = cfg.ReconnectCap
	bo.RandomizationFactor = 0
	bo.Reset()

	return &Manager{
		cfg:        cfg,
		client:     client,
		bus:        bus,
		correlator: correlator,
		log:        log.With().Str("component", "conn").Logger(),
		status:     StatusDisconnected,
		bo:         bo,
		baseCtx:    context.Background(),
	}
}

// Start wires the gateway event handlers and begins processing. Handlers stay
// subscribed for the process lifetime, so re-registration work on reconnect
// (account list, next order id) runs on every connected event, not just the
// first.
func (m *Manager) Start(ctx context.Context) {
	m.baseCtx = ctx

	connCh, unsubConn := m.bus.Subscribe(events.EventConnected, 4)
	discCh, unsubDisc := m.bus.Subscribe(events.EventDisconnected, 4)
	errCh, unsubErr := m.bus.Subscribe(events.EventGatewayError, 64)
	acctCh, unsubAcct := m.bus.Subscribe(events.EventAccountList, 4)
	idCh, unsubID := m.bus.Subscribe(events.EventNextValidID, 4)

	go func() {
		defer func() {
			unsubConn()
			unsubDisc()
			unsubErr()
			unsubAcct()
			unsubID()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-connCh:
				m.handleConnected()
			case <-discCh:
				m.handleSessionLost()
			case v := <-errCh:
				if ev, ok := v.(broker.ErrorEvent); ok {
					m.handleGatewayError(ev)
				}
			case v := <-acctCh:
				if accounts, ok := v.([]string); ok {
					m.handleAccountList(accounts)
				}
			case v := <-idCh:
				if id, ok := v.(int); ok {
					m.handleNextValidID(id)
				}
			}
		}
	}()
}

// Connect tears down any existing session and opens a new one. Connection
// state only becomes Connected when the gateway confirms with a connected
// event.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.closed = false
	m.status = StatusConnecting
	m.mu.Unlock()

	if err := m.client.Open(ctx, m.cfg.Host, m.cfg.Port, m.cfg.ClientID); err != nil {
		m.log.Warn().Err(err).Msg("gateway dial failed")
		m.mu.Lock()
		m.status = StatusDisconnected
		m.mu.Unlock()
		m.scheduleReconnect()
		return err
	}
	return nil
}

// Disconnect tears down the session and clears any outstanding reconnect
// timer. The manager stays usable; a later Connect starts fresh.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	m.status = StatusDisconnected
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()
	m.client.Close()
}

// IsConnected reports whether the session is established.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusConnected
}

// StatusNow returns the current connection status.
func (m *Manager) StatusNow() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Accounts returns the managed account list from the last connect.
func (m *Manager) Accounts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// DefaultAccount returns the first managed account, or "".
func (m *Manager) DefaultAccount() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.accounts) == 0 {
		return ""
	}
	return m.accounts[0]
}

// OnConnectionChange registers a listener for status flips.
func (m *Manager) OnConnectionChange(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// NextOrderIDs reserves n consecutive order ids and returns the first.
func (m *Manager) NextOrderIDs(n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextOrderID == 0 {
		return 0, ErrNoOrderID
	}
	id := m.nextOrderID
	m.nextOrderID += n
	return id, nil
}

// ReconnectAttempts reports how many reconnects have been scheduled since the
// last successful connection.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) handleConnected() {
	m.mu.Lock()
	m.status = StatusConnected
	m.attempts = 0
	m.bo.Reset()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	m.log.Info().Msg("gateway session established")
	m.notify(true)

	// Re-register on every (re)connect: the account list and the order id
	// counter are session-scoped on the gateway side.
	if err := m.client.RequestAccountList(); err != nil {
		m.log.Warn().Err(err).Msg("request account list failed")
	}
	if err := m.client.RequestNextID(); err != nil {
		m.log.Warn().Err(err).Msg("request next order id failed")
	}
}

func (m *Manager) handleSessionLost() {
	m.mu.Lock()
	// Deliberate teardown surfaces as a disconnected event too; only a drop
	// on a session we are holding open needs recovery.
	if m.closed || m.status == StatusDisconnected {
		m.mu.Unlock()
		return
	}
	wasConnected := m.status == StatusConnected
	m.status = StatusDisconnected
	m.mu.Unlock()

	if wasConnected {
		m.log.Warn().Msg("gateway session lost")
		m.notify(false)
	} else {
		// The wire dropped after the dial but before the gateway confirmed
		// the session: recover like a failed dial. Teardown of a replaced
		// session can land here mid-connect and arm a spurious timer; the
		// connected event that follows a healthy connect clears it.
		m.log.Warn().Msg("gateway session dropped before confirmation")
	}
	m.scheduleReconnect()
}

func (m *Manager) handleGatewayError(ev broker.ErrorEvent) {
	if _, ok := informationalCodes[ev.Code]; ok {
		m.log.Info().Int("code", ev.Code).Str("msg", ev.Msg).Msg("gateway notice")
		return
	}

	switch ev.Code {
	case codeConnectivityLost:
		m.log.Warn().Str("msg", ev.Msg).Msg("gateway connectivity lost")
		m.mu.Lock()
		wasConnected := m.status == StatusConnected
		if wasConnected {
			m.status = StatusDisconnected
		}
		m.mu.Unlock()
		if wasConnected {
			m.notify(false)
			m.scheduleReconnect()
		}
	case codeConnectivityRestored:
		m.log.Info().Str("msg", ev.Msg).Msg("gateway connectivity restored")
	default:
		m.log.Warn().Int("code", ev.Code).Int("req_id", ev.ReqID).Str("msg", ev.Msg).Msg("gateway error")
	}
}

func (m *Manager) handleAccountList(accounts []string) {
	m.mu.Lock()
	m.accounts = accounts
	m.mu.Unlock()
	m.log.Info().Strs("accounts", accounts).Msg("account list received")
}

func (m *Manager) handleNextValidID(id int) {
	m.mu.Lock()
	m.nextOrderID = id
	m.mu.Unlock()
	m.log.Info().Int("id", id).Msg("next valid order id received")
}

// scheduleReconnect arms a single reconnect timer with the next backoff
// delay. The attempt counter only resets on a successful connected event.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	delay := m.bo.NextBackOff()
	m.attempts++
	attempt := m.attempts
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		_ = m.Connect(m.baseCtx)
	})
	m.mu.Unlock()

	m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) notify(connected bool) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(connected)
	}
	m.bus.Publish(events.EventConnectionChange, connected)
}
