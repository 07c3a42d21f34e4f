package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "polysignals"

var healthStates = []string{"ok", "degraded", "halted"}

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	cycles          prometheus.Histogram
	opportunities   prometheus.Gauge
	signalsEmitted  *prometheus.CounterVec
	suppressed      prometheus.Counter
	errorsTotal     *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	executions      *prometheus.CounterVec
	ledgerAppends   *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	openPositions   prometheus.Gauge
	budgetAvailable prometheus.Gauge
	health          *prometheus.GaugeVec
}

// New registers on the default Prometheus registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers on reg. Tests pass a fresh registry.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_cycle_duration_seconds",
			Help:      "Duration of scan cycles",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		opportunities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_opportunities",
			Help:      "Opportunities produced by the last scan cycle",
		}),
		signalsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_emitted_total",
			Help:      "Signals emitted by direction and risk tier",
		}, []string{"direction", "risk"}),
		suppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_suppressed_total",
			Help:      "Signals suppressed below the confidence floor",
		}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by kind",
		}, []string{"kind"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Distribution gate decisions by tier and action",
		}, []string{"tier", "action"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Execution results",
		}, []string{"result"}),
		ledgerAppends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_appends_total",
			Help:      "Committed ledger entries by outcome",
		}, []string{"outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of operations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		openPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions in a non-terminal state",
		}),
		budgetAvailable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_budget_available",
			Help:      "Unreserved risk budget",
		}),
		health: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_state",
			Help:      "1 for the current health state",
		}, []string{"state"}),
	}
}

func (r *Recorder) RecordCycle(seconds float64, opportunities, signals int) {
	r.cycles.Observe(seconds)
	r.opportunities.Set(float64(opportunities))
}

func (r *Recorder) RecordSignal(direction, risk string) {
	r.signalsEmitted.WithLabelValues(direction, risk).Inc()
}

func (r *Recorder) RecordSuppressed() { r.suppressed.Inc() }

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordDelivery(tier, action string) {
	r.deliveries.WithLabelValues(tier, action).Inc()
}

func (r *Recorder) RecordExecution(result string) {
	r.executions.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordLedgerAppend(outcome string) {
	r.ledgerAppends.WithLabelValues(outcome).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) SetOpenPositions(n int) { r.openPositions.Set(float64(n)) }

func (r *Recorder) SetBudgetAvailable(v float64) { r.budgetAvailable.Set(v) }

func (r *Recorder) SetHealth(state string) {
	for _, s := range healthStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.health.WithLabelValues(s).Set(v)
	}
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) RecordCycle(float64, int, int) {}
func (Nop) RecordSignal(string, string) {}
func (Nop) RecordSuppressed() {}
func (Nop) RecordError(string) {}
func (Nop) RecordDelivery(string, string) {}
func (Nop) RecordExecution(string) {}
func (Nop) RecordLedgerAppend(string) {}
func (Nop) RecordLatency(string, float64) {}
func (Nop) SetOpenPositions(int) {}
func (Nop) SetBudgetAvailable(float64) {}
func (Nop) SetHealth(string) {}
