package dl

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestScore_NilScan(t *testing.T) {
	// The nil-image path must not require a loaded model at all.
	var s Scorer
	res, err := s.Score(nil)
	if err != nil {
		t.Fatalf("nil scan must be a non-error path, got %v", err)
	}
	if res != nil {
		t.Errorf("nil scan must yield a nil result, got %+v", res)
	}
}

func TestInterpret(t *testing.T) {
	classes := []string{"Normal", "Ischemic", "Hemorrhagic", "Lacunar"}

	cases := []struct {
		name      string
		probs     []float32
		wantProb  float64
		wantStage string
	}{
		{"clearly normal", []float32{0.9, 0.05, 0.03, 0.02}, 0.1, "Ischemic"},
		{"hemorrhagic dominant", []float32{0.05, 0.1, 0.8, 0.05}, 0.95, "Hemorrhagic"},
		{"lacunar dominant", []float32{0.2, 0.1, 0.1, 0.6}, 0.8, "Lacunar"},
		{"all abnormal", []float32{0, 0.4, 0.35, 0.25}, 1.0, "Ischemic"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := interpret(tc.probs, classes)
			if math.Abs(got.Probability-tc.wantProb) > 1e-6 {
				t.Errorf("probability: expected %v, got %v", tc.wantProb, got.Probability)
			}
			if got.Stage != tc.wantStage {
				t.Errorf("stage: expected %q, got %q", tc.wantStage, got.Stage)
			}
		})
	}
}

func TestInterpret_ClampsProbability(t *testing.T) {
	// Slightly denormalized model output must still land in [0,1].
	got := interpret([]float32{1.02, 0.01, 0.01, 0.01}, []string{"a", "b", "c", "d"})
	if got.Probability < 0 || got.Probability > 1 {
		t.Errorf("probability %v outside [0,1]", got.Probability)
	}
}

func TestLoadMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	content := `{"version":"2026.02","input_height":224,"input_width":224,
		"classes":["Normal","Ischemic","Hemorrhagic","Lacunar"]}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	meta, err := loadMetadata(path)
	if err != nil {
		t.Fatal(err)
	}
	if meta.InputHeight != 224 || meta.InputWidth != 224 {
		t.Errorf("geometry: %dx%d", meta.InputHeight, meta.InputWidth)
	}
	if len(meta.Classes) != 4 {
		t.Errorf("expected 4 classes, got %d", len(meta.Classes))
	}
}

func TestLoadMetadata_Invalid(t *testing.T) {
	cases := map[string]string{
		"zero geometry": `{"input_height":0,"input_width":224,"classes":["a","b"]}`,
		"one class":     `{"input_height":224,"input_width":224,"classes":["only"]}`,
		"not json":      `}{`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "metadata.json")
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := loadMetadata(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
