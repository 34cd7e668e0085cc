package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/hcsguard/internal/utils"
)

func humanSample() Sample {
	return Sample{
		ReactionTimeMs: 350,
		IntervalsMs:    []float64{100, 140, 90, 160},
		Pressures:      []float64{0.3, 0.5, 0.4, 0.6},
		CongruentMs:    520,
		IncongruentMs:  640,
	}
}

func botSample() Sample {
	return Sample{
		ReactionTimeMs: 50,
		IntervalsMs:    []float64{100, 100, 100},
		Pressures:      []float64{1, 1, 1},
		CongruentMs:    300,
		IncongruentMs:  300,
	}
}

func record(t *testing.T, c *Classifier, id string, samples ...Sample) Classification {
	t.Helper()
	var cl Classification
	for _, s := range samples {
		var err error
		cl, err = c.Record(id, s)
		require.NoError(t, err)
	}
	return cl
}

func TestBelowMinimumIsUncertain(t *testing.T) {
	c := NewClassifier(3, time.Minute)
	id := c.Start()
	cl := record(t, c, id, humanSample(), humanSample())
	assert.Equal(t, Uncertain, cl.Verdict)
	assert.Equal(t, ChallengeAgain, cl.Recommendation)
	assert.InDelta(t, 1.0, cl.Score, 1e-9)
}

func TestHumanClassification(t *testing.T) {
	c := NewClassifier(3, time.Minute)
	id := c.Start()
	cl := record(t, c, id, humanSample(), humanSample(), humanSample())
	assert.Equal(t, Human, cl.Verdict)
	assert.Equal(t, Proceed, cl.Recommendation)
	assert.InDelta(t, 0.75, cl.Confidence, 1e-9)

	more := record(t, c, id, humanSample())
	assert.Greater(t, more.Confidence, cl.Confidence)
}

func TestBotClassification(t *testing.T) {
	c := NewClassifier(3, time.Minute)
	id := c.Start()
	cl := record(t, c, id, botSample(), botSample(), botSample())
	assert.Equal(t, Bot, cl.Verdict)
	assert.Equal(t, Deny, cl.Recommendation)
	assert.Less(t, cl.Score, 0.1)
}

func TestInconsistencyLowersConfidence(t *testing.T) {
	c := NewClassifier(3, time.Minute)
	id := c.Start()
	cl := record(t, c, id, humanSample(), botSample(), humanSample())
	assert.Less(t, cl.Confidence, minConfidence)
	assert.Equal(t, Uncertain, cl.Verdict)
}

func TestProof(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClassifier(3, time.Minute)
	c.SetClock(func() time.Time { return now })
	id := c.Start()
	record(t, c, id, humanSample(), humanSample(), humanSample())

	p, cl, err := c.Proof(id)
	require.NoError(t, err)
	assert.Equal(t, Human, cl.Verdict)
	assert.True(t, p.Valid(now))
	assert.False(t, p.Valid(now.Add(2*time.Minute)))

	_, err = c.Classify(id)
	require.ErrorIs(t, err, utils.ErrNotFound)
}

func TestProofRefusedForBot(t *testing.T) {
	c := NewClassifier(3, time.Minute)
	id := c.Start()
	record(t, c, id, botSample(), botSample(), botSample())
	p, cl, err := c.Proof(id)
	require.ErrorIs(t, err, utils.ErrPresenceRequired)
	assert.Nil(t, p)
	assert.Equal(t, Bot, cl.Verdict)
}

func TestSessionExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClassifier(3, time.Minute)
	c.SetClock(func() time.Time { return now })
	id := c.Start()
	now = now.Add(61 * time.Second)
	_, err := c.Record(id, humanSample())
	require.ErrorIs(t, err, utils.ErrNotFound)
}

func TestRecordValidation(t *testing.T) {
	c := NewClassifier(3, time.Minute)
	id := c.Start()
	_, err := c.Record(id, Sample{})
	require.ErrorIs(t, err, utils.ErrInvalidInput)
	_, err = c.Record("missing", humanSample())
	require.ErrorIs(t, err, utils.ErrNotFound)

	c.Clear(id)
	_, err = c.Classify(id)
	require.ErrorIs(t, err, utils.ErrNotFound)
}

func TestVerdictText(t *testing.T) {
	var v Verdict
	require.NoError(t, v.UnmarshalText([]byte("BOT")))
	assert.Equal(t, Bot, v)
	b, _ := Human.MarshalText()
	assert.Equal(t, "HUMAN", string(b))
}
