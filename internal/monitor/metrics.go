package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 业务指标，所有组件共用一个实例
type Metrics struct {
	gatherer prometheus.Gatherer

	LedgerPostings *prometheus.CounterVec

	ReconcileCycles   *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	DepositsCredited  prometheus.Counter
	DepositVolume     prometheus.Counter
	DepositsSkipped   *prometheus.CounterVec

	MatchesCreated *prometheus.CounterVec
	QueueWaiting   prometheus.Gauge
	RoomsEnded     *prometheus.CounterVec

	DuelsSettled    *prometheus.CounterVec
	CommissionTotal prometheus.Counter
	PayoutDispatch  *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New 在给定注册表上注册指标；测试传入独立的 prometheus.NewRegistry()
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		LedgerPostings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinflip_ledger_postings_total",
			Help: "Ledger entries written, by kind and resulting status",
		}, []string{"kind", "status"}),

		ReconcileCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinflip_reconcile_cycles_total",
			Help: "Deposit reconciliation cycles, by result",
		}, []string{"result"}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinflip_reconcile_cycle_seconds",
			Help:    "Duration of one reconciliation cycle",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		DepositsCredited: f.NewCounter(prometheus.CounterOpts{
			Name: "coinflip_deposits_credited_total",
			Help: "Chain deposits credited to internal accounts",
		}),
		DepositVolume: f.NewCounter(prometheus.CounterOpts{
			Name: "coinflip_deposit_volume_total",
			Help: "Sum of credited deposit amounts",
		}),
		DepositsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinflip_deposits_skipped_total",
			Help: "Chain transactions inspected but not credited, by reason",
		}, []string{"reason"}),

		MatchesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinflip_matches_created_total",
			Help: "Duels created, by path (pvp, house, room)",
		}, []string{"path"}),
		QueueWaiting: f.NewGauge(prometheus.GaugeOpts{
			Name: "coinflip_quick_match_waiting",
			Help: "Quick-match tickets currently waiting",
		}),
		RoomsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinflip_rooms_ended_total",
			Help: "Rooms leaving the waiting state, by final status",
		}, []string{"status"}),

		DuelsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinflip_duels_settled_total",
			Help: "Duels finished or cancelled, by type and result",
		}, []string{"type", "result"}),
		CommissionTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coinflip_commission_total",
			Help: "Commission recorded on finished duels",
		}),
		PayoutDispatch: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinflip_payout_dispatch_total",
			Help: "Outbound transfers attempted, by kind and result",
		}, []string{"kind", "result"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinflip_http_requests_total",
			Help: "Ops API requests, by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coinflip_http_request_duration_seconds",
			Help:    "Ops API latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 15},
		}, []string{"method", "route"}),
	}
}

// NewRuntime 进程使用，附带Go运行时与进程指标
func NewRuntime() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// NewTest 独立注册表，避免测试间重复注册
func NewTest() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler /metrics 输出
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveSince 记录耗时
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
