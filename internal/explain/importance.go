// Package explain turns the tabular model's static global feature
// importances into display-ready percentages. The explanation is per
// model version, not per prediction: every prediction from the same
// artifact reports the same ranking.
package explain

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoImportances indicates an artifact whose importance vector is
// empty or carries no positive weight, which cannot be normalized.
var ErrNoImportances = errors.New("no usable feature importances")

// Share is one feature's slice of the total importance, in percent.
type Share struct {
	Feature string  `json:"feature"`
	Percent float64 `json:"percent"`
}

// Percentages returns a copy of the model's global importance vector
// renormalized so the reported values sum to 100. Negative weights are
// clipped to zero before normalization.
func Percentages(global map[string]float64) (map[string]float64, error) {
	if len(global) == 0 {
		return nil, ErrNoImportances
	}

	var total float64
	for _, w := range global {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: total weight %g", ErrNoImportances, total)
	}

	out := make(map[string]float64, len(global))
	for name, w := range global {
		if w < 0 {
			w = 0
		}
		out[name] = w / total * 100
	}
	return out, nil
}

// Ranked orders percentage shares descending for presentation, with a
// stable name tiebreak so equal weights render deterministically.
func Ranked(percentages map[string]float64) []Share {
	out := make([]Share, 0, len(percentages))
	for name, pct := range percentages {
		out = append(out, Share{Feature: name, Percent: pct})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Percent != out[j].Percent {
			return out[i].Percent > out[j].Percent
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}
