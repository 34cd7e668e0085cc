package models

import (
	"fmt"
	"time"
)

// TestType identifies one cognitive mini-game.
type TestType string

const (
	TestReaction     TestType = "reaction"
	TestMemory       TestType = "memory"
	TestPattern      TestType = "pattern"
	TestColor        TestType = "color"
	TestTracing      TestType = "tracing"
	TestStroop       TestType = "stroop"
	TestScroll       TestType = "scroll"
	TestCoordination TestType = "coordination"
)

// AllTestTypes lists every known test type in a stable order.
var AllTestTypes = []TestType{
	TestReaction, TestMemory, TestPattern, TestColor,
	TestTracing, TestStroop, TestScroll, TestCoordination,
}

// Valid reports whether t is a known test type.
func (t TestType) Valid() bool {
	for _, k := range AllTestTypes {
		if k == t {
			return true
		}
	}
	return false
}

// TestResult is one scored run of a test. Immutable once recorded.
type TestResult struct {
	ID        string             `json:"id"`
	ProfileID string             `json:"profileId,omitempty"`
	TestType  TestType           `json:"testType"`
	Timestamp time.Time          `json:"timestamp"`
	Score     float64            `json:"score"`
	Duration  time.Duration      `json:"duration,omitempty"`
	Metadata  map[string]float64 `json:"metadata,omitempty"`
}

// Validate checks the test type and score range.
func (r TestResult) Validate() error {
	if !r.TestType.Valid() {
		return fmt.Errorf("unknown test type %q", r.TestType)
	}
	if !(r.Score >= 0 && r.Score <= 100) {
		return fmt.Errorf("score %.2f out of range [0,100]", r.Score)
	}
	if r.Duration < 0 {
		return fmt.Errorf("negative duration")
	}
	return nil
}

// Meta returns metadata[key] and whether it was present.
func (r TestResult) Meta(key string) (float64, bool) {
	if r.Metadata == nil {
		return 0, false
	}
	v, ok := r.Metadata[key]
	return v, ok
}
