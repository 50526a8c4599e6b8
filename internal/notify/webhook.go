// Package notify delivers high-risk prediction alerts to a configured
// clinical webhook endpoint. Delivery is best-effort: failures are
// logged and counted, never propagated into the prediction path.
package notify

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"strokesense/internal/storage"
)

// MetricsInterface defines the metrics methods the notifier reports to.
type MetricsInterface interface {
	AlertsSentInc()
	AlertFailuresInc()
}

// Alert is the webhook payload for a high-risk prediction.
type Alert struct {
	PredictionID string    `json:"prediction_id"`
	PatientID    string    `json:"patient_id"`
	PatientName  string    `json:"patient_name"`
	RiskLevel    string    `json:"risk_level"`
	Probability  float64   `json:"ensemble_probability"`
	StrokeStage  *string   `json:"stroke_stage"`
	CreatedAt    time.Time `json:"created_at"`
}

// Notifier posts alerts over HTTP. A zero-value URL disables delivery.
type Notifier struct {
	url     string
	rest    *resty.Client
	metrics MetricsInterface
}

// New builds a notifier for the given webhook URL. An empty URL yields
// a disabled notifier whose Send is a no-op.
func New(url string, timeout time.Duration, metrics MetricsInterface) *Notifier {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	r.SetRetryCount(2).SetRetryWaitTime(500 * time.Millisecond)

	return &Notifier{url: url, rest: r, metrics: metrics}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Send delivers one alert synchronously. Callers in the prediction path
// should invoke it on its own goroutine.
func (n *Notifier) Send(pred storage.Prediction, patientName string) error {
	if !n.Enabled() {
		return nil
	}

	alert := Alert{
		PredictionID: pred.ID,
		PatientID:    pred.PatientID,
		PatientName:  patientName,
		RiskLevel:    string(pred.RiskLevel),
		Probability:  pred.EnsembleProbability,
		StrokeStage:  pred.StrokeStage,
		CreatedAt:    pred.CreatedAt,
	}

	resp, err := n.rest.R().
		SetHeader("Content-Type", "application/json").
		SetBody(alert).
		Post(n.url)
	if err == nil && resp.IsError() {
		err = fmt.Errorf("webhook returned %s", resp.Status())
	}
	if err != nil {
		if n.metrics != nil {
			n.metrics.AlertFailuresInc()
		}
		log.Error().Err(err).
			Str("prediction_id", pred.ID).
			Str("patient_id", pred.PatientID).
			Msg("high-risk alert delivery failed")
		return err
	}

	if n.metrics != nil {
		n.metrics.AlertsSentInc()
	}
	log.Info().
		Str("prediction_id", pred.ID).
		Str("patient_id", pred.PatientID).
		Msg("high-risk alert delivered")
	return nil
}
