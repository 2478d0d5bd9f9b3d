// Package monitor exposes Prometheus metrics for the trading loop: orders
// placed, trade outcomes, scheduler cycles, and gateway connectivity. Served
// at /metrics in Prometheus text exposition format.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autotrader-core/internal/events"
	"autotrader-core/pkg/db"
)

// Metrics holds every instrument the core updates during operation.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        *prometheus.CounterVec // result: run|skipped
	CycleDuration prometheus.Histogram
	Reconnects    prometheus.Counter
	ConnectionUp  prometheus.Gauge
	Orders        *prometheus.CounterVec // kind: bracket|market, result: submitted|rejected
	Trades        *prometheus.CounterVec // result: open|win|loss
	Portfolio     prometheus.Gauge
	IdeasSeen     prometheus.Counter
	IdeasPlaced   prometheus.Counter
	APIRequests   *prometheus.CounterVec // status class
}

// New builds and registers the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_cycles_total",
			Help: "Scheduler cycles by result",
		}, []string{"result"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "autotrader_cycle_duration_seconds",
			Help:    "Full scheduler cycle duration",
			Buckets: prometheus.DefBuckets,
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_gateway_reconnects_total",
			Help: "Reconnect attempts scheduled against the gateway",
		}),
		ConnectionUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_gateway_up",
			Help: "1 when the gateway session is established",
		}),
		Orders: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_orders_total",
			Help: "Orders by kind and result",
		}, []string{"kind", "result"}),
		Trades: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_trades_total",
			Help: "Trade records by outcome",
		}, []string{"result"}),
		Portfolio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_portfolio_value",
			Help: "Tracked portfolio value",
		}),
		IdeasSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_ideas_total",
			Help: "Trade ideas fetched from the signal source",
		}),
		IdeasPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_ideas_dispatched_total",
			Help: "Trade ideas that reached order placement",
		}),
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_api_requests_total",
			Help: "REST requests by status class",
		}, []string{"class"}),
	}
}

// CycleRun records one scheduler cycle outcome. Skipped cycles carry a zero
// duration and are excluded from the histogram.
func (m *Metrics) CycleRun(result string, elapsed time.Duration) {
	m.Cycles.WithLabelValues(result).Inc()
	if elapsed > 0 {
		m.CycleDuration.Observe(elapsed.Seconds())
	}
}

// IdeaSeen counts a fetched trade idea.
func (m *Metrics) IdeaSeen() { m.IdeasSeen.Inc() }

// IdeaPlaced counts an idea that reached order placement.
func (m *Metrics) IdeaPlaced() { m.IdeasPlaced.Inc() }

// SetPortfolio updates the tracked portfolio value gauge.
func (m *Metrics) SetPortfolio(value float64) { m.Portfolio.Set(value) }

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Watch consumes bus events and keeps event-driven instruments current.
func (m *Metrics) Watch(ctx context.Context, bus *events.Bus) {
	connCh, unsubConn := bus.Subscribe(events.EventConnectionChange, 16)
	openCh, unsubOpen := bus.Subscribe(events.EventTradeOpened, 64)
	closeCh, unsubClose := bus.Subscribe(events.EventTradeClosed, 64)
	subCh, unsubSub := bus.Subscribe(events.EventOrderSubmitted, 64)
	rejCh, unsubRej := bus.Subscribe(events.EventOrderRejected, 64)

	go func() {
		defer func() {
			unsubConn()
			unsubOpen()
			unsubClose()
			unsubSub()
			unsubRej()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-connCh:
				if up, ok := v.(bool); ok {
					if up {
						m.ConnectionUp.Set(1)
					} else {
						m.ConnectionUp.Set(0)
					}
				}
			case <-openCh:
				m.Trades.WithLabelValues("open").Inc()
			case v := <-closeCh:
				result := "loss"
				if rec, ok := v.(db.TradeRecord); ok && rec.PnL > 0 {
					result = "win"
				}
				m.Trades.WithLabelValues(result).Inc()
			case <-subCh:
				m.Orders.WithLabelValues("bracket", "submitted").Inc()
			case <-rejCh:
				m.Orders.WithLabelValues("bracket", "rejected").Inc()
			}
		}
	}()
}
