package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is an Observer backed by prometheus collectors.
type Prometheus struct {
	callsStarted  *prometheus.CounterVec
	callsFinished *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	faults        *prometheus.CounterVec
	raceWins      *prometheus.CounterVec
	gasQuote      *prometheus.GaugeVec
}

// NewPrometheus builds an observer and registers its collectors on
// reg. Passing prometheus.DefaultRegisterer wires the process-global
// registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirpc",
			Name:      "calls_started_total",
			Help:      "Logical contract calls started.",
		}, []string{"function", "kind"}),
		callsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirpc",
			Name:      "calls_finished_total",
			Help:      "Logical contract calls finished, by result.",
		}, []string{"function", "kind", "result"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "multirpc",
			Name:      "call_duration_seconds",
			Help:      "End-to-end duration of logical calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirpc",
			Name:      "endpoint_faults_total",
			Help:      "Per-endpoint failures, including soft ones.",
		}, []string{"op"}),
		raceWins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multirpc",
			Name:      "race_wins_total",
			Help:      "First-success races won, per endpoint.",
		}, []string{"op", "url"}),
		gasQuote: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "multirpc",
			Name:      "gas_quote_gwei",
			Help:      "Last fee the estimator settled on.",
		}, []string{"method", "priority"}),
	}

	reg.MustRegister(p.callsStarted, p.callsFinished, p.callDuration, p.faults, p.raceWins, p.gasQuote)

	return p
}

func (p *Prometheus) CallStarted(info CallInfo) {
	p.callsStarted.WithLabelValues(info.Function, info.Kind).Inc()
}

func (p *Prometheus) CallFinished(info CallInfo, outcome Outcome) {
	result := "ok"
	if outcome.Err != nil {
		result = "error"
	}

	p.callsFinished.WithLabelValues(info.Function, info.Kind, result).Inc()
	p.callDuration.WithLabelValues(info.Kind).Observe(outcome.Duration.Seconds())
}

func (p *Prometheus) EndpointFault(op, url string, err error) {
	p.faults.WithLabelValues(op).Inc()
}

func (p *Prometheus) RaceWon(op, url string) {
	p.raceWins.WithLabelValues(op, url).Inc()
}

func (p *Prometheus) GasQuoted(method, priority string, feeGwei float64) {
	p.gasQuote.WithLabelValues(method, priority).Set(feeGwei)
}
