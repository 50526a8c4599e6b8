// Package ml wraps the pre-trained tabular stroke-risk classifier. The
// model artifact (ONNX graph plus metadata sidecar) is loaded once at
// process start; scoring is deterministic for a fixed artifact.
package ml

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"strokesense/internal/features"
)

// ErrModelUnavailable indicates the model artifact failed to load or
// the inference runtime failed. Fatal at startup; per-request
// occurrences signal infrastructure failure, not bad input.
var ErrModelUnavailable = errors.New("model unavailable")

// MetricsInterface defines the metrics methods the scorer reports to.
type MetricsInterface interface {
	MLPredictionsInc()
	MLFailuresInc()
	MLLatencyObserve(float64)
	MLScoreObserve(float64)
}

// Scorer runs the tabular model. Read-only after construction except
// for the ONNX session's shared tensors, which mu serializes.
type Scorer struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	meta         Metadata
	metrics      MetricsInterface
	mu           sync.Mutex
}

// New loads the model artifact and its metadata sidecar. Any failure
// wraps ErrModelUnavailable; callers should abort process start.
func New(modelPath, metadataPath string, metrics MetricsInterface) (*Scorer, error) {
	meta, err := loadMetadata(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: initialize onnx runtime: %v", ErrModelUnavailable, err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(meta.FeatureNames))))
	if err != nil {
		return nil, fmt.Errorf("%w: input tensor: %v", ErrModelUnavailable, err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(meta.Classes))))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("%w: output tensor: %v", ErrModelUnavailable, err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: create session: %v", ErrModelUnavailable, err)
	}

	log.Info().
		Str("model_path", modelPath).
		Str("version", meta.Version).
		Msg("tabular model loaded")

	return &Scorer{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		meta:         meta,
		metrics:      metrics,
	}, nil
}

// Score returns the stroke-risk probability in [0,1] for a validated
// feature vector. Never retried: the function is deterministic.
func (s *Scorer) Score(v features.Vector) (float64, error) {
	start := time.Now()

	probs, err := s.classProbabilities(v.Encode())
	if s.metrics != nil {
		s.metrics.MLLatencyObserve(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.MLFailuresInc()
		}
		return 0, err
	}

	// Expected severity over the Low/Medium/High classes collapses the
	// distribution into one scalar probability.
	p := clamp01(0.5*float64(probs[1]) + 1.0*float64(probs[2]))

	if s.metrics != nil {
		s.metrics.MLPredictionsInc()
		s.metrics.MLScoreObserve(p)
	}

	log.Debug().
		Float64("probability", p).
		Floats32("class_probs", probs).
		Msg("tabular model scored")

	return p, nil
}

func (s *Scorer) classProbabilities(encoded []float32) ([]float32, error) {
	normalized := make([]float32, len(encoded))
	for i, v := range encoded {
		normalized[i] = (v - s.meta.Means[i]) / s.meta.Stds[i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), normalized)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: inference: %v", ErrModelUnavailable, err)
	}

	out := make([]float32, len(s.meta.Classes))
	copy(out, s.outputTensor.GetData())
	return softmaxIfLogits(out), nil
}

// softmaxIfLogits normalizes raw logits; exported-from-sklearn graphs
// already emit probabilities, which pass through untouched.
func softmaxIfLogits(out []float32) []float32 {
	var sum float64
	negative := false
	for _, v := range out {
		if v < 0 {
			negative = true
		}
		sum += float64(v)
	}
	if !negative && math.Abs(sum-1) < 0.01 {
		return out
	}

	max := out[0]
	for _, v := range out[1:] {
		if v > max {
			max = v
		}
	}
	var denom float64
	exps := make([]float64, len(out))
	for i, v := range out {
		exps[i] = math.Exp(float64(v - max))
		denom += exps[i]
	}
	for i := range out {
		out[i] = float32(exps[i] / denom)
	}
	return out
}

// Importances returns a copy of the artifact's global feature
// importances, the static explanation source for every prediction from
// this model version.
func (s *Scorer) Importances() map[string]float64 {
	out := make(map[string]float64, len(s.meta.Importances))
	for k, v := range s.meta.Importances {
		out[k] = v
	}
	return out
}

// Metadata returns the loaded artifact metadata for the model
// performance endpoint.
func (s *Scorer) Metadata() Metadata {
	return s.meta
}

// Close releases the ONNX session and tensors.
func (s *Scorer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
