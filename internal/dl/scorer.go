// Package dl wraps the pre-trained image classifier for brain scans.
// Scoring without an image is a normal non-error path: the scorer
// returns nil immediately and the decoder is never touched.
package dl

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"strokesense/internal/imaging"
	"strokesense/internal/ml"
)

// MetricsInterface defines the metrics methods the scorer reports to.
type MetricsInterface interface {
	DLPredictionsInc()
	DLFailuresInc()
	DLLatencyObserve(float64)
	ImagesRejectedInc()
}

// Metadata is the image model's artifact sidecar. Classes[0] is the
// no-stroke class; the remaining classes are stage labels.
type Metadata struct {
	Version     string   `json:"version"`
	InputHeight int      `json:"input_height"`
	InputWidth  int      `json:"input_width"`
	Classes     []string `json:"classes"`
}

// Result is the image model's richer output: the scalar probability
// the ensembler weighs in, plus the stage label used at High risk.
type Result struct {
	Probability float64
	Stage       string
	ScanFormat  imaging.Format
}

// Scorer runs the image model. Read-only after construction except for
// the session's shared tensors, which mu serializes.
type Scorer struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	meta         Metadata
	metrics      MetricsInterface
	mu           sync.Mutex
}

// New loads the image model artifact. Any failure wraps
// ml.ErrModelUnavailable; callers should abort process start.
func New(modelPath, metadataPath string, metrics MetricsInterface) (*Scorer, error) {
	meta, err := loadMetadata(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ml.ErrModelUnavailable, err)
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: initialize onnx runtime: %v", ml.ErrModelUnavailable, err)
		}
	}

	inputShape := ort.NewShape(1, int64(meta.InputHeight), int64(meta.InputWidth), 3)
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("%w: input tensor: %v", ml.ErrModelUnavailable, err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(meta.Classes))))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("%w: output tensor: %v", ml.ErrModelUnavailable, err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: create session: %v", ml.ErrModelUnavailable, err)
	}

	log.Info().
		Str("model_path", modelPath).
		Str("version", meta.Version).
		Int("input_height", meta.InputHeight).
		Int("input_width", meta.InputWidth).
		Msg("image model loaded")

	return &Scorer{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		meta:         meta,
		metrics:      metrics,
	}, nil
}

// Score classifies an optional brain scan. A nil scan returns
// (nil, nil) without invoking the decoder. Invalid uploads surface
// imaging.ErrInvalidImage; the caller decides how to fail the request.
func (s *Scorer) Score(scan *imaging.Scan) (*Result, error) {
	if scan == nil {
		return nil, nil
	}

	start := time.Now()

	img, format, err := imaging.Decode(scan)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ImagesRejectedInc()
		}
		return nil, err
	}

	tensor := imaging.Preprocess(img, s.meta.InputHeight, s.meta.InputWidth)

	probs, err := s.classProbabilities(tensor)
	if s.metrics != nil {
		s.metrics.DLLatencyObserve(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.DLFailuresInc()
		}
		return nil, err
	}

	res := interpret(probs, s.meta.Classes)
	res.ScanFormat = format

	if s.metrics != nil {
		s.metrics.DLPredictionsInc()
	}

	log.Debug().
		Str("scan_format", string(format)).
		Float64("probability", res.Probability).
		Str("stage", res.Stage).
		Msg("image model scored")

	return &res, nil
}

func (s *Scorer) classProbabilities(tensor []float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), tensor)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: inference: %v", ml.ErrModelUnavailable, err)
	}

	out := make([]float32, len(s.meta.Classes))
	copy(out, s.outputTensor.GetData())
	return out, nil
}

// interpret collapses the class distribution into the scalar the
// ensembler consumes (1 minus the no-stroke probability) and picks the
// most probable abnormal class as the stage candidate.
func interpret(probs []float32, classes []string) Result {
	p := 1 - float64(probs[0])
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	stageIdx := 1
	for i := 2; i < len(probs); i++ {
		if probs[i] > probs[stageIdx] {
			stageIdx = i
		}
	}

	return Result{Probability: p, Stage: classes[stageIdx]}
}

// Metadata returns the loaded artifact metadata.
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

func loadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	if meta.InputHeight <= 0 || meta.InputWidth <= 0 {
		return Metadata{}, fmt.Errorf("bad input geometry %dx%d", meta.InputHeight, meta.InputWidth)
	}
	if len(meta.Classes) < 2 {
		return Metadata{}, fmt.Errorf("expected at least 2 classes, got %d", len(meta.Classes))
	}
	return meta, nil
}
