// Package presence scores whether a live operator is driving a re-challenge.
package presence

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/hcsguard/internal/features"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

// Verdict is the classification outcome.
type Verdict int

const (
	Uncertain Verdict = iota
	Human
	Bot
)

func (v Verdict) String() string {
	switch v {
	case Human:
		return "HUMAN"
	case Bot:
		return "BOT"
	}
	return "UNCERTAIN"
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "HUMAN":
		*v = Human
	case "BOT":
		*v = Bot
	default:
		*v = Uncertain
	}
	return nil
}

type Recommendation string

const (
	Proceed        Recommendation = "proceed"
	ChallengeAgain Recommendation = "challenge_again"
	Deny           Recommendation = "deny"
)

// Component weights of the human score.
const (
	weightReaction     = 0.4
	weightPressure     = 0.2
	weightRegularity   = 0.2
	weightInterference = 0.2

	humanThreshold = 0.6
	botThreshold   = 0.4
	minConfidence  = 0.5
	maxConfidence  = 0.95
)

// Sample is the raw signal from one short challenge. Zero or empty fields are absent.
type Sample struct {
	ReactionTimeMs float64   `json:"reactionTimeMs"`
	IntervalsMs    []float64 `json:"intervalsMs,omitempty"`
	Pressures      []float64 `json:"pressures,omitempty"`
	CongruentMs    float64   `json:"congruentMs,omitempty"`
	IncongruentMs  float64   `json:"incongruentMs,omitempty"`
}

// Classification is the running result for a session.
type Classification struct {
	SessionID      string         `json:"sessionId"`
	Verdict        Verdict        `json:"verdict"`
	Score          float64        `json:"score"`
	Confidence     float64        `json:"confidence"`
	TestCount      int            `json:"testCount"`
	Recommendation Recommendation `json:"recommendation"`
}

// Proof attests a HUMAN classification until ExpiresAt.
type Proof struct {
	SessionID  string    `json:"sessionId"`
	Verdict    Verdict   `json:"verdict"`
	Confidence float64   `json:"confidence"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Valid reports whether p is a live HUMAN proof at now.
func (p *Proof) Valid(now time.Time) bool {
	return p != nil && p.Verdict == Human && now.Before(p.ExpiresAt)
}

// Session accumulates per-challenge metrics.
type Session struct {
	ID           string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ReactionMs   []float64
	Regularity   []float64 // coefficient of variation per challenge, -1 when absent
	PressureVar  []float64 // -1 when absent
	Interference []float64 // incongruent - congruent gap, NaN when absent
	perTest      []float64
	HumanScore   float64
}

// TestCount is the number of recorded challenges.
func (s *Session) TestCount() int { return len(s.perTest) }

// Classifier holds process-local sessions.
type Classifier struct {
	mu       sync.Mutex
	sessions map[string]*Session
	minTests int
	ttl      time.Duration
	now      func() time.Time
}

// NewClassifier returns a Classifier. Sessions expire ttl after they start.
func NewClassifier(minTests int, ttl time.Duration) *Classifier {
	if minTests < 1 {
		minTests = 3
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Classifier{sessions: make(map[string]*Session), minTests: minTests, ttl: ttl, now: time.Now}
}

// SetClock overrides time.Now.
func (c *Classifier) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Start opens a new session and returns its id.
func (c *Classifier) Start() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s := &Session{ID: uuid.NewString(), CreatedAt: now, ExpiresAt: now.Add(c.ttl)}
	c.sessions[s.ID] = s
	return s.ID
}

func (c *Classifier) sessionLocked(id string) (*Session, error) {
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("presence: session %s: %w", id, utils.ErrNotFound)
	}
	if !c.now().Before(s.ExpiresAt) {
		delete(c.sessions, id)
		return nil, fmt.Errorf("presence: session %s expired: %w", id, utils.ErrNotFound)
	}
	return s, nil
}

// Record adds one challenge sample and returns the updated classification.
func (c *Classifier) Record(id string, smp Sample) (Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionLocked(id)
	if err != nil {
		return Classification{}, err
	}
	if smp.ReactionTimeMs <= 0 {
		return Classification{}, fmt.Errorf("presence: reaction time required: %w", utils.ErrInvalidInput)
	}

	s.ReactionMs = append(s.ReactionMs, smp.ReactionTimeMs)
	cv := -1.0
	if len(smp.IntervalsMs) >= 2 {
		cv = features.CoefficientOfVariation(smp.IntervalsMs)
	}
	s.Regularity = append(s.Regularity, cv)
	pv := -1.0
	if len(smp.Pressures) >= 2 {
		sd := features.StdDev(smp.Pressures)
		pv = sd * sd
	}
	s.PressureVar = append(s.PressureVar, pv)
	gap := math.NaN()
	if smp.CongruentMs > 0 && smp.IncongruentMs > 0 {
		gap = smp.IncongruentMs - smp.CongruentMs
	}
	s.Interference = append(s.Interference, gap)

	score := weightReaction*reactionScore(smp.ReactionTimeMs) +
		weightPressure*pressureScore(pv) +
		weightRegularity*regularityScore(cv) +
		weightInterference*interferenceScore(gap)
	s.perTest = append(s.perTest, score)
	s.HumanScore = features.Mean(s.perTest)
	return c.classify(s), nil
}

// Classify returns the current classification without adding a sample.
func (c *Classifier) Classify(id string) (Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionLocked(id)
	if err != nil {
		return Classification{}, err
	}
	return c.classify(s), nil
}

func (c *Classifier) classify(s *Session) Classification {
	out := Classification{
		SessionID:      s.ID,
		Verdict:        Uncertain,
		Score:          s.HumanScore,
		Confidence:     confidence(s.perTest),
		TestCount:      s.TestCount(),
		Recommendation: ChallengeAgain,
	}
	if out.TestCount < c.minTests {
		return out
	}
	switch {
	case out.Score >= humanThreshold && out.Confidence >= minConfidence:
		out.Verdict, out.Recommendation = Human, Proceed
	case out.Score <= botThreshold && out.Confidence >= minConfidence:
		out.Verdict, out.Recommendation = Bot, Deny
	}
	return out
}

// Proof classifies the session, discards it and returns a proof when the verdict is HUMAN.
func (c *Classifier) Proof(id string) (*Proof, Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionLocked(id)
	if err != nil {
		return nil, Classification{}, err
	}
	cl := c.classify(s)
	if cl.Verdict == Uncertain {
		return nil, cl, fmt.Errorf("presence: %s: %w", cl.Recommendation, utils.ErrPresenceRequired)
	}
	delete(c.sessions, id)
	if cl.Verdict != Human {
		return nil, cl, fmt.Errorf("presence: classified %s: %w", cl.Verdict, utils.ErrPresenceRequired)
	}
	now := c.now()
	return &Proof{SessionID: id, Verdict: Human, Confidence: cl.Confidence, IssuedAt: now, ExpiresAt: now.Add(c.ttl)}, cl, nil
}

// Clear discards a session.
func (c *Classifier) Clear(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// ClearAll discards every session and returns how many were dropped.
func (c *Classifier) ClearAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.sessions)
	c.sessions = make(map[string]*Session)
	return n
}

// confidence grows with the number of tests and shrinks with their spread.
func confidence(perTest []float64) float64 {
	if len(perTest) == 0 {
		return 0
	}
	growth := math.Min(maxConfidence, 0.25*float64(len(perTest)))
	spread := math.Min(2*features.StdDev(perTest), 0.8)
	return growth * (1 - spread)
}

func reactionScore(ms float64) float64 {
	switch {
	case ms < 100:
		return 0
	case ms < 150:
		return (ms - 100) / 50
	case ms <= 800:
		return 1
	case ms <= 2000:
		return 1 - 0.7*(ms-800)/1200
	default:
		return 0.2
	}
}

func pressureScore(variance float64) float64 {
	if variance < 0 {
		return 0.5
	}
	return math.Min(variance/0.005, 1)
}

func regularityScore(cv float64) float64 {
	switch {
	case cv < 0:
		return 0.5
	case cv < 0.05:
		return 0
	case cv < 0.15:
		return (cv - 0.05) / 0.1
	case cv <= 0.8:
		return 1
	default:
		return 0.6
	}
}

func interferenceScore(gap float64) float64 {
	switch {
	case math.IsNaN(gap):
		return 0.5
	case gap <= 0:
		return 0.1
	case gap < 20:
		return 0.1 + 0.4*gap/20
	case gap <= 300:
		return 1
	default:
		return 0.7
	}
}
