// Package predict orchestrates the scoring pipeline: validate the
// feature vector, run both models, combine, recommend, explain and
// persist. One request produces exactly one stored prediction or an
// error; partial results are never persisted.
package predict

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"strokesense/internal/advice"
	"strokesense/internal/dl"
	"strokesense/internal/ensemble"
	"strokesense/internal/explain"
	"strokesense/internal/features"
	"strokesense/internal/imaging"
	"strokesense/internal/storage"
)

// TabularScorer scores a validated feature vector.
type TabularScorer interface {
	Score(v features.Vector) (float64, error)
	Importances() map[string]float64
}

// ImageScorer classifies an optional brain scan. A nil scan yields
// (nil, nil).
type ImageScorer interface {
	Score(scan *imaging.Scan) (*dl.Result, error)
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetPatient(id string) (storage.Patient, error)
	SavePrediction(pred *storage.Prediction) error
}

// Notifier delivers high-risk alerts.
type Notifier interface {
	Enabled() bool
	Send(pred storage.Prediction, patientName string) error
}

// Broadcaster pushes completed predictions to live-feed subscribers.
type Broadcaster interface {
	Broadcast(pred storage.Prediction)
}

// MetricsInterface defines the metrics methods the pipeline reports to.
type MetricsInterface interface {
	PredictionsInc()
	PredictionFailuresInc()
	HighRiskInc()
	EnsembleObserve(float64)
	ConfidenceObserve(float64)
}

// Service wires the scoring pipeline together. All dependencies are
// injected; the service itself holds no mutable state and is safe for
// concurrent use.
type Service struct {
	tabular TabularScorer
	image   ImageScorer
	store   Store

	notifier    Notifier
	broadcaster Broadcaster
	metrics     MetricsInterface
}

// New builds the pipeline service. notifier and broadcaster may be nil;
// both are side channels, never part of the request outcome.
func New(tabular TabularScorer, image ImageScorer, store Store,
	notifier Notifier, broadcaster Broadcaster, metrics MetricsInterface) *Service {
	return &Service{
		tabular:     tabular,
		image:       image,
		store:       store,
		notifier:    notifier,
		broadcaster: broadcaster,
		metrics:     metrics,
	}
}

// Predict runs the full pipeline for one patient. An invalid vector or
// scan fails the whole request before any model runs irreversibly; a
// nil scan skips the image model entirely.
func (s *Service) Predict(ctx context.Context, patientID string, v features.Vector, scan *imaging.Scan) (storage.Prediction, error) {
	patient, err := s.store.GetPatient(patientID)
	if err != nil {
		return storage.Prediction{}, s.fail(err)
	}

	if err := v.Validate(); err != nil {
		return storage.Prediction{}, s.fail(err)
	}

	if err := ctx.Err(); err != nil {
		return storage.Prediction{}, s.fail(err)
	}

	mlProb, err := s.tabular.Score(v)
	if err != nil {
		return storage.Prediction{}, s.fail(fmt.Errorf("tabular model: %w", err))
	}

	imgRes, err := s.image.Score(scan)
	if err != nil {
		return storage.Prediction{}, s.fail(fmt.Errorf("image model: %w", err))
	}

	var signal *ensemble.ImageSignal
	var dlProb *float64
	var scanFormat string
	if imgRes != nil {
		signal = &ensemble.ImageSignal{Probability: imgRes.Probability, Stage: imgRes.Stage}
		p := imgRes.Probability
		dlProb = &p
		scanFormat = string(imgRes.ScanFormat)
	}

	outcome := ensemble.Combine(mlProb, signal)

	recommendations := advice.Recommend(advice.Input{Vector: v, Risk: outcome.RiskLevel})

	importance, err := explain.Percentages(s.tabular.Importances())
	if err != nil {
		return storage.Prediction{}, s.fail(fmt.Errorf("feature importance: %w", err))
	}

	pred := storage.Prediction{
		PatientID:           patientID,
		Features:            v,
		ScanFormat:          scanFormat,
		MLProbability:       mlProb,
		DLProbability:       dlProb,
		EnsembleProbability: outcome.Probability,
		RiskLevel:           outcome.RiskLevel,
		StrokeStage:         outcome.Stage,
		Confidence:          outcome.Confidence,
		Recommendations:     recommendations,
		FeatureImportance:   importance,
	}

	if err := s.store.SavePrediction(&pred); err != nil {
		return storage.Prediction{}, s.fail(fmt.Errorf("persist prediction: %w", err))
	}

	s.observe(pred)
	s.publish(pred, patient.Name)

	log.Info().
		Str("prediction_id", pred.ID).
		Str("patient_id", pred.PatientID).
		Str("risk_level", string(pred.RiskLevel)).
		Float64("probability", pred.EnsembleProbability).
		Bool("scan_included", scan != nil).
		Msg("prediction completed")

	return pred, nil
}

func (s *Service) observe(pred storage.Prediction) {
	if s.metrics == nil {
		return
	}
	s.metrics.PredictionsInc()
	s.metrics.EnsembleObserve(pred.EnsembleProbability)
	s.metrics.ConfidenceObserve(pred.Confidence)
	if pred.RiskLevel == ensemble.High {
		s.metrics.HighRiskInc()
	}
}

// publish fans the completed prediction out to the side channels. Alert
// delivery runs on its own goroutine so webhook latency never delays
// the response.
func (s *Service) publish(pred storage.Prediction, patientName string) {
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(pred)
	}

	if pred.RiskLevel == ensemble.High && s.notifier != nil && s.notifier.Enabled() {
		go func() {
			_ = s.notifier.Send(pred, patientName) // logged and counted inside
		}()
	}
}

func (s *Service) fail(err error) error {
	if s.metrics != nil {
		s.metrics.PredictionFailuresInc()
	}
	return err
}
