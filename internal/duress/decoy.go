package duress

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/hcsguard/internal/features"
	"github.com/harrylevesque/hcsguard/internal/models"
)

// dataset is what the duress secret unlocks.
type dataset struct {
	Profile  models.CognitiveProfile `json:"profile"`
	Missions []models.Mission        `json:"missions"`
}

type missionTemplate struct {
	name, kind, priority string
	duration             int
	lat, lng             float64
	actions              []string
}

var templates = []missionTemplate{
	{"Routine perimeter check", "patrol", "low", 20, 47.6205, -122.3493, []string{"hover", "photo", "hover"}},
	{"Equipment inspection", "survey", "medium", 35, 39.7392, -104.9903, []string{"photo", "photo"}},
	{"Training flight", "training", "low", 15, 30.2672, -97.7431, []string{"hover", "hover", "land"}},
	{"Site mapping pass", "survey", "low", 40, 44.9778, -93.265, []string{"photo", "hover", "photo", "land"}},
	{"Supply route review", "patrol", "medium", 25, 35.2271, -80.8431, []string{"hover", "photo"}},
}

// mediocre returns an unremarkable score in [45, 60].
func mediocre(r *rand.Rand) float64 {
	return float64(45 + r.IntN(16))
}

// decoyProfile mirrors the shape of src with low-fidelity values and a fresh id.
func decoyProfile(src models.CognitiveProfile, r *rand.Rand) models.CognitiveProfile {
	p := models.CognitiveProfile{
		ID:         uuid.NewString(),
		TestCounts: make(map[models.TestType]int, len(src.TestCounts)),
	}
	for t, n := range src.TestCounts {
		p.TestCounts[t] = n
	}
	if p.Has(models.TestReaction) {
		rt := features.ImpliedReactionMs(mediocre(r))
		p.ReactionTime = models.TimingStats{Mean: rt, Std: 40 + float64(r.IntN(30)), Best: rt - 60}
	}
	if p.Has(models.TestTracing) {
		s := mediocre(r)
		p.Precision = models.TimingStats{Mean: s, Std: 8 + float64(r.IntN(8)), Best: s - 10}
	}
	if p.Has(models.TestMemory) {
		p.Memory = mediocre(r)
	}
	if p.Has(models.TestPattern) {
		p.Pattern = mediocre(r)
	}
	if p.Has(models.TestColor) {
		p.Visual = mediocre(r)
	}
	if p.Has(models.TestStroop) {
		p.Stroop = mediocre(r)
		p.StroopEffect = 120 + float64(r.IntN(60))
	}
	if p.Has(models.TestScroll) {
		p.Scroll = mediocre(r)
	}
	if p.Has(models.TestCoordination) {
		p.Coordination = mediocre(r)
	}
	return p
}

// decoyMissions returns two or three generic missions dated in the recent past.
func decoyMissions(now time.Time, r *rand.Rand) []models.Mission {
	n := 2 + r.IntN(2)
	idx := r.Perm(len(templates))[:n]
	out := make([]models.Mission, 0, n)
	for i, k := range idx {
		tpl := templates[k]
		m := models.Mission{
			ID:         uuid.NewString(),
			Name:       tpl.name,
			Type:       tpl.kind,
			Priority:   tpl.priority,
			Duration:   tpl.duration,
			GPSAllowed: true,
			CreatedAt:  now.Add(-time.Duration(i+1) * 26 * time.Hour).Truncate(time.Minute).UTC(),
		}
		for j, action := range tpl.actions {
			m.Waypoints = append(m.Waypoints, models.Waypoint{
				Lat:      tpl.lat + float64(j)*0.0011,
				Lng:      tpl.lng - float64(j)*0.0009,
				Altitude: 60 + float64(10*j),
				Action:   action,
			})
		}
		out = append(out, m)
	}
	return out
}
