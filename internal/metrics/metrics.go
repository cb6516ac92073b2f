package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"

	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	TurnsTotal    *prometheus.CounterVec
	TokensTotal   *prometheus.CounterVec
	ActionsTotal  *prometheus.CounterVec
	TurnDuration  prometheus.Histogram
	CleanupsTotal prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatassistant_turns_total",
				Help: "Conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatassistant_tokens_total",
				Help: "Model tokens consumed by direction",
			},
			[]string{"direction"},
		),
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatassistant_actions_total",
				Help: "Dispatched directives by kind and status",
			},
			[]string{"directive", "status"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatassistant_turn_duration_seconds",
				Help:    "Wall time of a full conversation turn",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80},
			},
		),
		CleanupsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatassistant_conversations_evicted_total",
				Help: "Inactive conversations removed by the cleanup loop",
			},
		),
	}
}

func (m *Metrics) ObserveTurn(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) AddTokens(input, output int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input").Add(float64(input))
	m.TokensTotal.WithLabelValues("output").Add(float64(output))
}

func (m *Metrics) Action(directive string, success bool) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if !success {
		status = StatusFailure
	}
	m.ActionsTotal.WithLabelValues(directive, status).Inc()
}

func (m *Metrics) Evicted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.CleanupsTotal.Add(float64(n))
}
