package ml

import (
	"encoding/json"
	"fmt"
	"os"

	"strokesense/internal/features"
)

// Metadata is the sidecar the training pipeline exports next to the
// ONNX model. Normalization parameters and global importances are part
// of the artifact, never recomputed per call.
type Metadata struct {
	Version      string             `json:"version"`
	FeatureNames []string           `json:"feature_names"`
	Means        []float32          `json:"means"`
	Stds         []float32          `json:"stds"`
	Importances  map[string]float64 `json:"feature_importances"`
	Classes      []string           `json:"classes"`
	Performance  map[string]float64 `json:"performance_metrics,omitempty"`
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
	if err := meta.validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (m Metadata) validate() error {
	n := len(features.Names)
	if len(m.FeatureNames) != n {
		return fmt.Errorf("metadata declares %d features, expected %d", len(m.FeatureNames), n)
	}
	for i, name := range m.FeatureNames {
		if name != features.Names[i] {
			return fmt.Errorf("feature order mismatch at %d: artifact %q, expected %q",
				i, name, features.Names[i])
		}
	}
	if len(m.Means) != n || len(m.Stds) != n {
		return fmt.Errorf("normalization parameters sized %d/%d, expected %d",
			len(m.Means), len(m.Stds), n)
	}
	for i, s := range m.Stds {
		if s <= 0 {
			return fmt.Errorf("non-positive std for feature %s", m.FeatureNames[i])
		}
	}
	if len(m.Classes) != 3 {
		return fmt.Errorf("expected 3 risk classes, got %d", len(m.Classes))
	}
	return nil
}
