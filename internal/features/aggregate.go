// Package features turns recorded test results into a CognitiveProfile.
package features

import (
	"math"

	"github.com/harrylevesque/hcsguard/internal/models"
)

// Metadata keys read from TestResult.Metadata.
const (
	MetaReactionTime = "reactionTimeMs"
	MetaCongruent    = "congruentMs"
	MetaIncongruent  = "incongruentMs"
)

// ImpliedReactionMs maps a reaction score to a reaction time when the result
// carries neither a measured time nor a duration.
func ImpliedReactionMs(score float64) float64 {
	return 150 + (100-clamp(score, 0, 100))*8.5
}

// Aggregate computes the profile for results. Empty subsets aggregate to zero.
func Aggregate(profileID string, results []models.TestResult) models.CognitiveProfile {
	byType := make(map[models.TestType][]models.TestResult)
	counts := make(map[models.TestType]int)
	for _, r := range results {
		byType[r.TestType] = append(byType[r.TestType], r)
		counts[r.TestType]++
	}

	p := models.CognitiveProfile{
		ID:           profileID,
		ReactionTime: Stats(ReactionTimes(byType[models.TestReaction])),
		Precision:    Stats(scores(byType[models.TestTracing])),
		Memory:       Mean(scores(byType[models.TestMemory])),
		Pattern:      Mean(scores(byType[models.TestPattern])),
		Visual:       Mean(scores(byType[models.TestColor])),
		Stroop:       Mean(scores(byType[models.TestStroop])),
		StroopEffect: stroopEffect(byType[models.TestStroop]),
		Scroll:       Mean(scores(byType[models.TestScroll])),
		Coordination: Mean(scores(byType[models.TestCoordination])),
		TestCounts:   counts,
	}
	return p
}

// ReactionTimes extracts one reaction time per result, preferring the measured
// value, then the duration, then the score-implied value.
func ReactionTimes(rs []models.TestResult) []float64 {
	out := make([]float64, 0, len(rs))
	for _, r := range rs {
		if v, ok := r.Meta(MetaReactionTime); ok && v > 0 {
			out = append(out, v)
			continue
		}
		if r.Duration > 0 {
			out = append(out, float64(r.Duration.Milliseconds()))
			continue
		}
		out = append(out, ImpliedReactionMs(r.Score))
	}
	return out
}

func scores(rs []models.TestResult) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = r.Score
	}
	return out
}

func stroopEffect(rs []models.TestResult) float64 {
	var gaps []float64
	for _, r := range rs {
		c, okC := r.Meta(MetaCongruent)
		i, okI := r.Meta(MetaIncongruent)
		if okC && okI {
			gaps = append(gaps, i-c)
		}
	}
	return Mean(gaps)
}

// Stats returns mean, population standard deviation and minimum of xs.
func Stats(xs []float64) models.TimingStats {
	if len(xs) == 0 {
		return models.TimingStats{}
	}
	best := xs[0]
	for _, x := range xs[1:] {
		if x < best {
			best = x
		}
	}
	return models.TimingStats{Mean: Mean(xs), Std: StdDev(xs), Best: best}
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the population standard deviation, or 0 for fewer than two values.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// CoefficientOfVariation returns std/mean, or 0 when the mean is 0.
func CoefficientOfVariation(xs []float64) float64 {
	m := Mean(xs)
	if m == 0 {
		return 0
	}
	return StdDev(xs) / math.Abs(m)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
