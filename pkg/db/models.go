package db

import "time"

// Trade record lifecycle statuses.
const (
	StatusPending   = "PENDING"
	StatusOpen      = "OPEN"
	StatusStopped   = "STOPPED"
	StatusTargetHit = "TARGET_HIT"
	StatusClosed    = "CLOSED"
)

// Execution modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// TradeRecord is a tracked trade, paper or live. The reconciler is the only
// mutator after creation.
type TradeRecord struct {
	ID                string
	Ticker            string
	Mode              string
	Signal            string // BUY or SELL
	Qty               float64
	EntryPrice        float64
	StopPrice         float64
	TargetPrice       float64
	ClosePrice        float64
	Status            string
	CloseReason       string // stop, target, manual, external
	PnL               float64
	ParentOrderID     int
	TakeProfitOrderID int
	StopLossOrderID   int
	Reviewed          bool
	OpenedAt          time.Time
	ClosedAt          time.Time // zero until closed
	CreatedAt         time.Time
}

// Closed reports whether the record reached a terminal status.
func (t TradeRecord) Closed() bool {
	switch t.Status {
	case StatusStopped, StatusTargetHit, StatusClosed:
		return true
	}
	return false
}

// Snapshot is a once-daily portfolio snapshot.
type Snapshot struct {
	ID             int64
	Date           string // calendar date, exchange timezone
	PortfolioValue float64
	RealizedPnL    float64
	UnrealizedPnL  float64
	OpenTrades     int
	CreatedAt      time.Time
}

// SchedulerConfig is the single durable policy row, loaded fresh each cycle.
type SchedulerConfig struct {
	Enabled        bool
	AccountID      string
	PortfolioValue float64
	UpdatedAt      time.Time
}

// Learning is one performance-feedback observation for a closed trade.
type Learning struct {
	ID        string
	Ticker    string
	Signal    string
	Outcome   string // win or loss
	PnL       float64
	Notes     string
	CreatedAt time.Time
}
