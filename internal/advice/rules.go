// Package advice generates advisory messages for a completed risk
// classification. The rule table is an explicit ordered list evaluated
// top to bottom; output order always matches table order.
package advice

import (
	"strokesense/internal/ensemble"
	"strokesense/internal/features"
)

// Advisory thresholds over the raw medical parameters.
const (
	HypertensionSystolic  = 140 // mmHg
	HypertensionDiastolic = 90  // mmHg
	DiabetesBloodSugar    = 126 // mg/dL fasting
	HighCholesterol       = 240 // mg/dL
	ObesityBMI            = 30
)

// Input is everything a rule predicate may inspect.
type Input struct {
	Vector features.Vector
	Risk   ensemble.RiskLevel
}

type rule struct {
	fires   func(Input) bool
	message string
}

// The table order is a contract: messages are appended in evaluation
// order and never reordered.
var rules = []rule{
	{
		fires:   func(in Input) bool { return in.Risk == ensemble.High },
		message: "Urgent: immediate medical consultation is required.",
	},
	{
		fires: func(in Input) bool {
			return in.Vector.BPSystolic >= HypertensionSystolic || in.Vector.BPDiastolic >= HypertensionDiastolic
		},
		message: "High blood pressure detected. Monitor regularly and consult a cardiologist.",
	},
	{
		fires:   func(in Input) bool { return in.Vector.BloodSugar >= DiabetesBloodSugar },
		message: "Elevated blood sugar levels. Diabetes screening is recommended.",
	},
	{
		fires:   func(in Input) bool { return in.Vector.Cholesterol >= HighCholesterol },
		message: "High cholesterol. Consider dietary changes and lipid-lowering medication.",
	},
	{
		fires:   func(in Input) bool { return in.Vector.BMI >= ObesityBMI },
		message: "BMI indicates obesity. A weight management program is recommended.",
	},
	{
		fires:   func(in Input) bool { return in.Vector.IsSmoker },
		message: "Smoking cessation is crucial. Join a quit-smoking program.",
	},
	{
		fires:   func(in Input) bool { return in.Vector.IsAlcoholic },
		message: "Reduce alcohol consumption. Seek support if needed.",
	},
}

// Fallback returned when no rule fired.
const Fallback = "Maintain a healthy lifestyle. Annual checkups are recommended."

// Recommend evaluates the rule table against the given input and
// returns the messages of all rules that fired, in table order. When
// nothing fires it returns the single fallback message.
func Recommend(in Input) []string {
	var out []string
	for _, r := range rules {
		if r.fires(in) {
			out = append(out, r.message)
		}
	}

	if len(out) == 0 {
		out = append(out, Fallback)
	}
	return out
}
