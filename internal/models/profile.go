package models

// TimingStats summarises a timing or precision series.
type TimingStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Best float64 `json:"best"`
}

// CognitiveProfile is the per-dimension aggregate of a profile's test results.
// It is derived on demand and never mutated in place.
type CognitiveProfile struct {
	ID           string           `json:"id"`
	ReactionTime TimingStats      `json:"reactionTime"` // milliseconds, Best is the minimum
	Precision    TimingStats      `json:"precision"`    // tracing scores, Best is the minimum
	Memory       float64          `json:"memoryAccuracy"`
	Pattern      float64          `json:"patternAccuracy"`
	Visual       float64          `json:"visualAccuracy"`
	Stroop       float64          `json:"stroopAccuracy"`
	StroopEffect float64          `json:"stroopEffectMs"`
	Scroll       float64          `json:"scrollRegularity"`
	Coordination float64          `json:"coordinationSpeed"`
	TestCounts   map[TestType]int `json:"testCounts"`
}

// DistinctTypes returns how many known test types contributed at least one result.
func (p CognitiveProfile) DistinctTypes() int {
	n := 0
	for t, c := range p.TestCounts {
		if c > 0 && t.Valid() {
			n++
		}
	}
	return n
}

// Has reports whether at least one result of type t was aggregated.
func (p CognitiveProfile) Has(t TestType) bool {
	return p.TestCounts[t] > 0
}
