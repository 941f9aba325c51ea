package compliance

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink exports record counters to prometheus
type PromSink struct {
	records       *prometheus.CounterVec
	tokenizations *prometheus.CounterVec
	paths         *prometheus.CounterVec
	duration      prometheus.Histogram
}

// NewPromSink creates the sink and registers its collectors
func NewPromSink(reg prometheus.Registerer) *PromSink {
	p := &PromSink{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devtokenizer",
			Name:      "records_total",
			Help:      "Compliance records by category and level.",
		}, []string{"category", "level"}),
		tokenizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devtokenizer",
			Name:      "tokenizations_total",
			Help:      "Finished tokenization attempts by status.",
		}, []string{"status"}),
		paths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devtokenizer",
			Name:      "risk_paths_total",
			Help:      "Risk assessments by authentication path.",
		}, []string{"path"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devtokenizer",
			Name:      "tokenization_duration_seconds",
			Help:      "Tokenization attempt processing time.",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		}),
	}
	reg.MustRegister(p.records, p.tokenizations, p.paths, p.duration)
	return p
}

// Append implements Sink
func (p *PromSink) Append(r Record) {
	p.records.WithLabelValues(string(r.Category), string(r.Level)).Inc()
	switch r.Category {
	case TokenizationResponse:
		if s, ok := r.Data[KeyStatus].(string); ok {
			p.tokenizations.WithLabelValues(s).Inc()
		}
		if ms, ok := r.Data[KeyProcessingTime].(int64); ok {
			p.duration.Observe(float64(ms) / 1000)
		}
	case RiskAssessment:
		if path, ok := r.Data[KeyPath].(string); ok {
			p.paths.WithLabelValues(path).Inc()
		}
	}
}
