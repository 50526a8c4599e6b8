// Package features defines the normalized medical-parameter snapshot used
// as model input for stroke-risk scoring, together with ingestion
// validation and the fixed feature encoding the model artifacts expect.
package features

import (
	"errors"
	"fmt"
)

// ErrInvalidVector indicates a feature vector with a missing or
// clinically implausible field. Vectors failing validation are rejected
// before any scoring occurs.
var ErrInvalidVector = errors.New("invalid feature vector")

// Gender of a patient as recorded at intake.
type Gender string

const (
	Male   Gender = "Male"
	Female Gender = "Female"
	Other  Gender = "Other"
)

// Names lists the model features in encode order. The order is part of
// the model artifact contract and must match the metadata sidecar.
var Names = []string{
	"age", "heart_rate", "bp_systolic", "bp_diastolic",
	"blood_sugar", "cholesterol", "bmi", "is_smoker", "is_alcoholic",
}

// Clinically plausible bounds enforced at ingestion. Values outside
// these ranges are treated as data-entry errors, not extreme patients.
const (
	MinAge, MaxAge                 = 1, 120
	MinHeartRate, MaxHeartRate     = 20, 250 // bpm
	MinBPSystolic, MaxBPSystolic   = 50, 260 // mmHg
	MinBPDiastolic, MaxBPDiastolic = 30, 200 // mmHg
	MinBloodSugar, MaxBloodSugar   = 20, 700 // mg/dL
	MinCholesterol, MaxCholesterol = 50, 500 // mg/dL
	MinBMI, MaxBMI                 = 8, 70
)

// Vector is an immutable snapshot of one patient's medical parameters
// for a single prediction request.
type Vector struct {
	Age         int     `json:"age"`
	Gender      Gender  `json:"gender"`
	HeartRate   float64 `json:"heart_rate"`
	BPSystolic  float64 `json:"bp_systolic"`
	BPDiastolic float64 `json:"bp_diastolic"`
	BloodSugar  float64 `json:"blood_sugar"`
	Cholesterol float64 `json:"cholesterol"`
	BMI         float64 `json:"bmi"`
	IsSmoker    bool    `json:"is_smoker"`
	IsAlcoholic bool    `json:"is_alcoholic"`
}

// Validate checks every field against the documented clinical bounds.
// The returned error wraps ErrInvalidVector and names the first
// offending field.
func (v Vector) Validate() error {
	checks := []struct {
		name     string
		value    float64
		min, max float64
	}{
		{"age", float64(v.Age), MinAge, MaxAge},
		{"heart_rate", v.HeartRate, MinHeartRate, MaxHeartRate},
		{"bp_systolic", v.BPSystolic, MinBPSystolic, MaxBPSystolic},
		{"bp_diastolic", v.BPDiastolic, MinBPDiastolic, MaxBPDiastolic},
		{"blood_sugar", v.BloodSugar, MinBloodSugar, MaxBloodSugar},
		{"cholesterol", v.Cholesterol, MinCholesterol, MaxCholesterol},
		{"bmi", v.BMI, MinBMI, MaxBMI},
	}

	for _, c := range checks {
		if c.value < c.min || c.value > c.max {
			return fmt.Errorf("%w: %s=%g outside [%g, %g]",
				ErrInvalidVector, c.name, c.value, c.min, c.max)
		}
	}

	switch v.Gender {
	case Male, Female, Other:
	default:
		return fmt.Errorf("%w: gender %q", ErrInvalidVector, v.Gender)
	}

	return nil
}

// Encode returns the vector as the fixed-order float32 slice the
// trained models consume. Booleans encode as 0/1.
func (v Vector) Encode() []float32 {
	return []float32{
		float32(v.Age),
		float32(v.HeartRate),
		float32(v.BPSystolic),
		float32(v.BPDiastolic),
		float32(v.BloodSugar),
		float32(v.Cholesterol),
		float32(v.BMI),
		boolToFloat(v.IsSmoker),
		boolToFloat(v.IsAlcoholic),
	}
}

func boolToFloat(b bool) float32 {
	if b {
		return 1
	}
	return 0
}
