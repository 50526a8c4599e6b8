// Package stats computes population-level distributions over the whole
// prediction corpus for the overview dashboard.
package stats

import (
	"sort"

	"strokesense/internal/ensemble"
	"strokesense/internal/features"
	"strokesense/internal/storage"
)

// RecentLimit is how many of the newest predictions the overview shows.
const RecentLimit = 10

// Age bucket edges, fixed: 0-20, 21-40, 41-60, 61-80, 81+.
var AgeBuckets = []string{"0-20", "21-40", "41-60", "61-80", "81+"}

// GenderRisk summarizes one gender's population and how many of its
// patients ever received a High-risk classification.
type GenderRisk struct {
	Total    int `json:"total"`
	HighRisk int `json:"high_risk"`
}

// RecentPrediction is a prediction joined with its patient's name.
type RecentPrediction struct {
	storage.Prediction
	PatientName string `json:"patient_name"`
}

// Stats is the population-level dashboard payload.
type Stats struct {
	TotalPatients     int                            `json:"total_patients"`
	TotalPredictions  int                            `json:"total_predictions"`
	RiskDistribution  map[ensemble.RiskLevel]int     `json:"risk_distribution"`
	AgeDistribution   map[string]int                 `json:"age_distribution"`
	GenderRisk        map[features.Gender]GenderRisk `json:"gender_risk"`
	RecentPredictions []RecentPrediction             `json:"recent_predictions"`
}

// Aggregate computes population statistics over all patients and
// predictions. Predictions referencing unknown patients still count in
// totals and risk distribution but are skipped for per-patient joins.
func Aggregate(patients []storage.Patient, preds []storage.Prediction) Stats {
	out := Stats{
		TotalPatients:    len(patients),
		TotalPredictions: len(preds),
		RiskDistribution: make(map[ensemble.RiskLevel]int, len(ensemble.Levels)),
		AgeDistribution:  make(map[string]int, len(AgeBuckets)),
		GenderRisk:       make(map[features.Gender]GenderRisk),
	}
	for _, level := range ensemble.Levels {
		out.RiskDistribution[level] = 0
	}
	for _, b := range AgeBuckets {
		out.AgeDistribution[b] = 0
	}

	byID := make(map[string]storage.Patient, len(patients))
	for _, p := range patients {
		byID[p.ID] = p
		out.AgeDistribution[ageBucket(p.Age)]++
		gr := out.GenderRisk[p.Gender]
		gr.Total++
		out.GenderRisk[p.Gender] = gr
	}

	// A patient counts as high-risk once, no matter how many High
	// predictions they accumulated.
	highRiskSeen := make(map[string]bool)
	for _, pred := range preds {
		out.RiskDistribution[pred.RiskLevel]++

		if pred.RiskLevel != ensemble.High || highRiskSeen[pred.PatientID] {
			continue
		}
		if p, ok := byID[pred.PatientID]; ok {
			highRiskSeen[pred.PatientID] = true
			gr := out.GenderRisk[p.Gender]
			gr.HighRisk++
			out.GenderRisk[p.Gender] = gr
		}
	}

	out.RecentPredictions = recent(preds, byID, RecentLimit)
	return out
}

func ageBucket(age int) string {
	switch {
	case age <= 20:
		return "0-20"
	case age <= 40:
		return "21-40"
	case age <= 60:
		return "41-60"
	case age <= 80:
		return "61-80"
	default:
		return "81+"
	}
}

func recent(preds []storage.Prediction, byID map[string]storage.Patient, limit int) []RecentPrediction {
	sorted := make([]storage.Prediction, len(preds))
	copy(sorted, preds)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	if len(sorted) > limit {
		sorted = sorted[:limit]
	}

	out := make([]RecentPrediction, 0, len(sorted))
	for _, p := range sorted {
		rp := RecentPrediction{Prediction: p}
		if patient, ok := byID[p.PatientID]; ok {
			rp.PatientName = patient.Name
		}
		out = append(out, rp)
	}
	return out
}
