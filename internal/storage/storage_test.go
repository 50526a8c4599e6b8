package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"strokesense/internal/ensemble"
	"strokesense/internal/features"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testVector() features.Vector {
	return features.Vector{
		Age: 60, Gender: features.Male, HeartRate: 80,
		BPSystolic: 140, BPDiastolic: 90, BloodSugar: 130,
		Cholesterol: 220, BMI: 29,
	}
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	dbPath := filepath.Join(tempDir, "strokesense.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "does", "not", "exist")); err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_PatientRoundTrip(t *testing.T) {
	store := newTestStore(t)

	p := Patient{Name: "Jane Doe", Age: 61, Gender: features.Female, Email: "jane@example.com"}
	if err := store.CreatePatient(&p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if p.ID == "" {
		t.Fatal("CreatePatient did not assign an ID")
	}
	if p.CreatedAt.IsZero() {
		t.Fatal("CreatePatient did not assign a creation time")
	}

	got, err := store.GetPatient(p.ID)
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	if got.Name != p.Name || got.Age != p.Age || got.Gender != p.Gender {
		t.Errorf("round trip mismatch: stored %+v, got %+v", p, got)
	}
}

func TestStore_GetPatient_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPatient("missing-id")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeletePatient(t *testing.T) {
	store := newTestStore(t)

	p := Patient{Name: "Ephemeral", Age: 45, Gender: features.Other}
	if err := store.CreatePatient(&p); err != nil {
		t.Fatal(err)
	}

	if err := store.DeletePatient(p.ID); err != nil {
		t.Fatalf("DeletePatient: %v", err)
	}
	if _, err := store.GetPatient(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an unknown ID is a no-op.
	if err := store.DeletePatient("missing-id"); err != nil {
		t.Errorf("delete of missing id must not error: %v", err)
	}
}

func TestStore_SearchPatients(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"Alice Martin", "Bob Martinez", "Carol Smith"} {
		p := Patient{Name: name, Age: 50, Gender: features.Other}
		if err := store.CreatePatient(&p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.SearchPatients("martin")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 matches for %q, got %d", "martin", len(got))
	}

	got, err = store.SearchPatients("zzz")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no matches, got %d", len(got))
	}
}

func TestStore_PredictionsByPatient_Ordering(t *testing.T) {
	store := newTestStore(t)

	p := Patient{Name: "Trend Patient", Age: 70, Gender: features.Male}
	if err := store.CreatePatient(&p); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Insert out of chronological order; prefix keys must restore order.
	for _, offset := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		pred := Prediction{
			PatientID:           p.ID,
			Features:            testVector(),
			MLProbability:       0.4,
			EnsembleProbability: 0.4,
			RiskLevel:           ensemble.Medium,
			Confidence:          0.8,
			CreatedAt:           base.Add(offset),
		}
		if err := store.SavePrediction(&pred); err != nil {
			t.Fatal(err)
		}
	}

	// A second patient's predictions must not leak into the scan.
	other := Patient{Name: "Other", Age: 40, Gender: features.Female}
	if err := store.CreatePatient(&other); err != nil {
		t.Fatal(err)
	}
	otherPred := Prediction{PatientID: other.ID, Features: testVector(), RiskLevel: ensemble.Low, CreatedAt: base}
	if err := store.SavePrediction(&otherPred); err != nil {
		t.Fatal(err)
	}

	got, err := store.PredictionsByPatient(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 predictions, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Errorf("predictions out of order at index %d", i)
		}
	}
}

func TestStore_PredictionRoundTrip_NullableFields(t *testing.T) {
	store := newTestStore(t)

	p := Patient{Name: "Nullable", Age: 55, Gender: features.Female}
	if err := store.CreatePatient(&p); err != nil {
		t.Fatal(err)
	}

	dl := 0.9
	stage := "Ischemic"
	pred := Prediction{
		PatientID:           p.ID,
		Features:            testVector(),
		MLProbability:       0.8,
		DLProbability:       &dl,
		EnsembleProbability: 0.85,
		RiskLevel:           ensemble.High,
		StrokeStage:         &stage,
		Confidence:          0.9,
		Recommendations:     []string{"Urgent: immediate medical consultation is required."},
		FeatureImportance:   map[string]float64{"age": 60, "bmi": 40},
	}
	if err := store.SavePrediction(&pred); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetPrediction(pred.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DLProbability == nil || *got.DLProbability != dl {
		t.Errorf("dl probability lost in round trip: %v", got.DLProbability)
	}
	if got.StrokeStage == nil || *got.StrokeStage != stage {
		t.Errorf("stage lost in round trip: %v", got.StrokeStage)
	}

	// And a record without image input keeps its nulls.
	mlOnly := Prediction{PatientID: p.ID, Features: testVector(), RiskLevel: ensemble.Low,
		CreatedAt: time.Now().UTC().Add(time.Minute)}
	if err := store.SavePrediction(&mlOnly); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetPrediction(mlOnly.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DLProbability != nil || got.StrokeStage != nil {
		t.Error("ml-only prediction must keep nil dl_probability and stroke_stage")
	}
}

func TestStore_SavePrediction_RequiresPatient(t *testing.T) {
	store := newTestStore(t)

	err := store.SavePrediction(&Prediction{Features: testVector()})
	if err == nil {
		t.Error("expected error for prediction without patient id")
	}
}

func TestStore_ListPredictions_AscendingAcrossPatients(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		p := Patient{Name: "P", Age: 50, Gender: features.Male}
		if err := store.CreatePatient(&p); err != nil {
			t.Fatal(err)
		}
		for j := 0; j < 3; j++ {
			pred := Prediction{
				PatientID: p.ID,
				Features:  testVector(),
				RiskLevel: ensemble.Low,
				CreatedAt: base.Add(time.Duration(i*3+j) * time.Minute),
			}
			if err := store.SavePrediction(&pred); err != nil {
				t.Fatal(err)
			}
		}
	}

	all, err := store.ListPredictions()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 predictions, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Errorf("global listing out of order at index %d", i)
		}
	}
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}
