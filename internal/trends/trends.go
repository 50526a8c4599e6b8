// Package trends builds per-metric time series from a patient's
// prediction history for dashboard charts.
package trends

import (
	"time"

	"strokesense/internal/storage"
)

// Tracked metrics, in the order dashboards render them.
var Metrics = []string{
	"heart_rate", "bp_systolic", "bp_diastolic",
	"blood_sugar", "cholesterol", "bmi", "ensemble_probability",
}

// TrendSeries holds one aligned sample per prediction for every
// tracked metric. Every value slice has the same length as Dates; a nil
// entry means the record carried no value for that metric at that
// index. No interpolation or gap-filling is performed.
type TrendSeries struct {
	Dates   []time.Time           `json:"dates"`
	Metrics map[string][]*float64 `json:"metrics"`
}

// Aggregate converts an ordered prediction history (created_at
// ascending) into aligned per-metric series. An empty history yields
// zero-length series for every metric, not an error.
func Aggregate(history []storage.Prediction) TrendSeries {
	out := TrendSeries{
		Dates:   make([]time.Time, 0, len(history)),
		Metrics: make(map[string][]*float64, len(Metrics)),
	}
	for _, m := range Metrics {
		out.Metrics[m] = make([]*float64, 0, len(history))
	}

	for _, p := range history {
		out.Dates = append(out.Dates, p.CreatedAt)
		for _, m := range Metrics {
			out.Metrics[m] = append(out.Metrics[m], metricValue(p, m))
		}
	}
	return out
}

func metricValue(p storage.Prediction, metric string) *float64 {
	switch metric {
	case "heart_rate":
		return ptr(p.Features.HeartRate)
	case "bp_systolic":
		return ptr(p.Features.BPSystolic)
	case "bp_diastolic":
		return ptr(p.Features.BPDiastolic)
	case "blood_sugar":
		return ptr(p.Features.BloodSugar)
	case "cholesterol":
		return ptr(p.Features.Cholesterol)
	case "bmi":
		return ptr(p.Features.BMI)
	case "ensemble_probability":
		return ptr(p.EnsembleProbability)
	default:
		return nil
	}
}

func ptr(v float64) *float64 { return &v }
