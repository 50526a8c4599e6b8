// Package metrics provides Prometheus metrics collection for the
// stroke-risk service: prediction throughput, model latencies, score
// distributions and request outcomes, exposed via the /metrics
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Prediction pipeline
	PredictionsTotal   prometheus.Counter   // Completed predictions
	PredictionFailures prometheus.Counter   // Failed prediction requests
	HighRiskTotal      prometheus.Counter   // Predictions classified High
	EnsembleScores     prometheus.Histogram // Ensemble probability distribution
	ConfidenceScores   prometheus.Histogram // Confidence distribution

	// Tabular model
	MLPredictions prometheus.Counter
	MLFailures    prometheus.Counter
	MLLatency     prometheus.Histogram
	MLScores      prometheus.Histogram

	// Image model
	DLPredictions  prometheus.Counter
	DLFailures     prometheus.Counter
	DLLatency      prometheus.Histogram
	ImagesRejected prometheus.Counter // Uploads rejected as invalid

	// Alerting and live feed
	AlertsSent    prometheus.Counter
	AlertFailures prometheus.Counter
	LiveClients   prometheus.Gauge // Connected websocket dashboard clients
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for
// testing without touching the global registry).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	probBuckets := prometheus.LinearBuckets(0, 0.1, 11)

	return &Metrics{
		PredictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of completed stroke-risk predictions",
		}),
		PredictionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "prediction_failures_total",
			Help: "Total number of failed prediction requests",
		}),
		HighRiskTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "high_risk_predictions_total",
			Help: "Total number of predictions classified as High risk",
		}),
		EnsembleScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ensemble_probability",
			Help:    "Distribution of ensemble probabilities",
			Buckets: probBuckets,
		}),
		ConfidenceScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_confidence",
			Help:    "Distribution of prediction confidence scores",
			Buckets: probBuckets,
		}),
		MLPredictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_predictions_total",
			Help: "Total number of tabular model predictions",
		}),
		MLFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ml_failures_total",
			Help: "Total number of tabular model failures",
		}),
		MLLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_latency_seconds",
			Help:    "Tabular model inference latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		MLScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ml_probability",
			Help:    "Distribution of tabular model probabilities",
			Buckets: probBuckets,
		}),
		DLPredictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "dl_predictions_total",
			Help: "Total number of image model predictions",
		}),
		DLFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "dl_failures_total",
			Help: "Total number of image model failures",
		}),
		DLLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dl_latency_seconds",
			Help:    "Image model latency in seconds, decode included",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		ImagesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "images_rejected_total",
			Help: "Total number of scan uploads rejected as invalid",
		}),
		AlertsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "alerts_sent_total",
			Help: "Total number of high-risk webhook alerts delivered",
		}),
		AlertFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "alert_failures_total",
			Help: "Total number of high-risk webhook alerts that failed",
		}),
		LiveClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "live_feed_clients",
			Help: "Number of connected live-feed websocket clients",
		}),
	}
}

// Scorer/pipeline adapters: small methods satisfying the consumer-side
// interfaces so packages depend on behavior, not on this struct.

func (m *Metrics) MLPredictionsInc()           { m.MLPredictions.Inc() }
func (m *Metrics) MLFailuresInc()              { m.MLFailures.Inc() }
func (m *Metrics) MLLatencyObserve(s float64)  { m.MLLatency.Observe(s) }
func (m *Metrics) MLScoreObserve(p float64)    { m.MLScores.Observe(p) }
func (m *Metrics) DLPredictionsInc()           { m.DLPredictions.Inc() }
func (m *Metrics) DLFailuresInc()              { m.DLFailures.Inc() }
func (m *Metrics) DLLatencyObserve(s float64)  { m.DLLatency.Observe(s) }
func (m *Metrics) ImagesRejectedInc()          { m.ImagesRejected.Inc() }
func (m *Metrics) PredictionsInc()             { m.PredictionsTotal.Inc() }
func (m *Metrics) PredictionFailuresInc()      { m.PredictionFailures.Inc() }
func (m *Metrics) HighRiskInc()                { m.HighRiskTotal.Inc() }
func (m *Metrics) EnsembleObserve(p float64)   { m.EnsembleScores.Observe(p) }
func (m *Metrics) ConfidenceObserve(c float64) { m.ConfidenceScores.Observe(c) }
func (m *Metrics) AlertsSentInc()              { m.AlertsSent.Inc() }
func (m *Metrics) AlertFailuresInc()           { m.AlertFailures.Inc() }
func (m *Metrics) LiveClientsAdd(d float64)    { m.LiveClients.Add(d) }
