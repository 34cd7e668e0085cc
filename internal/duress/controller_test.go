package duress

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/store"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

type realSource struct {
	profile  models.CognitiveProfile
	missions []models.Mission
}

func (r realSource) Profile(context.Context) (*models.CognitiveProfile, error) {
	p := r.profile
	return &p, nil
}

func (r realSource) Missions(context.Context) ([]models.Mission, error) { return r.missions, nil }

var fastParams = Params{BcryptCost: 4, Argon2Time: 1, Argon2MemoryKiB: 64, Argon2Threads: 1, SessionTTL: 15 * time.Minute}

func realProfile() models.CognitiveProfile {
	return models.CognitiveProfile{
		ID:           "real-profile",
		ReactionTime: models.TimingStats{Mean: 280, Std: 30, Best: 220},
		Memory:       92,
		Pattern:      95,
		Visual:       88,
		TestCounts: map[models.TestType]int{
			models.TestReaction: 3, models.TestMemory: 1, models.TestPattern: 1, models.TestColor: 1, models.TestTracing: 1,
		},
	}
}

func newController(t *testing.T) (*Controller, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	src := realSource{
		profile:  realProfile(),
		missions: []models.Mission{{ID: "real-m1", Name: "Harbor recon", Type: "recon", Priority: "high"}},
	}
	return NewController(st, src, fastParams, nil), st
}

func TestDeriveSecret(t *testing.T) {
	cases := map[string]string{"1234": "1235", "0009": "0000", "5": "6"}
	for in, want := range cases {
		got, err := DeriveSecret(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := DeriveSecret("12a4")
	require.ErrorIs(t, err, utils.ErrInvalidInput)
	_, err = DeriveSecret("")
	require.ErrorIs(t, err, utils.ErrInvalidInput)
}

func TestDuressIsolation(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	duressSecret, err := c.Enroll(ctx, "4821", realProfile())
	require.NoError(t, err)
	assert.Equal(t, "4822", duressSecret)

	sess := c.NewSession()
	require.NoError(t, c.CheckActivation(ctx, sess, duressSecret))

	for i := 0; i < 3; i++ {
		p, err := c.Profile(ctx, sess)
		require.NoError(t, err)
		assert.NotEqual(t, "real-profile", p.ID)
	}
	missions, err := c.Missions(ctx, sess)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(missions), 2)
	assert.LessOrEqual(t, len(missions), 3)
	for _, m := range missions {
		assert.NotEqual(t, "real-m1", m.ID)
	}

	require.NoError(t, c.CheckActivation(ctx, sess, "4821"))
	p, err := c.Profile(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, "real-profile", p.ID)
	missions, err = c.Missions(ctx, sess)
	require.NoError(t, err)
	require.Len(t, missions, 1)
	assert.Equal(t, "real-m1", missions[0].ID)
}

func TestDecoyHasSameShape(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	duressSecret, err := c.Enroll(ctx, "4821", realProfile())
	require.NoError(t, err)

	sess := c.NewSession()
	require.NoError(t, c.CheckActivation(ctx, sess, duressSecret))
	decoy, err := c.Profile(ctx, sess)
	require.NoError(t, err)

	genuine := realProfile()
	assert.Equal(t, reflect.TypeOf(genuine), reflect.TypeOf(*decoy))
	assert.Equal(t, genuine.TestCounts, decoy.TestCounts)
	for _, v := range []float64{decoy.Memory, decoy.Pattern, decoy.Visual, decoy.Precision.Mean} {
		assert.GreaterOrEqual(t, v, 45.0)
		assert.LessOrEqual(t, v, 60.0)
	}
	assert.Greater(t, decoy.ReactionTime.Mean, genuine.ReactionTime.Mean)
}

func TestWrongSecretFailsClosed(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	duressSecret, err := c.Enroll(ctx, "4821", realProfile())
	require.NoError(t, err)

	sess := c.NewSession()
	require.NoError(t, c.CheckActivation(ctx, sess, duressSecret))
	require.ErrorIs(t, c.CheckActivation(ctx, sess, "0000"), utils.ErrInvalidSecret)

	_, err = c.Profile(ctx, sess)
	require.ErrorIs(t, err, utils.ErrLocked)
	_, err = c.Missions(ctx, sess)
	require.ErrorIs(t, err, utils.ErrLocked)
}

func TestNotEnrolled(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	ok, err := c.Enrolled(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.ErrorIs(t, c.CheckActivation(ctx, c.NewSession(), "1234"), utils.ErrInvalidSecret)
}

func TestStoredRecordHidesSecrets(t *testing.T) {
	ctx := context.Background()
	c, st := newController(t)
	_, err := c.Enroll(ctx, "4821", realProfile())
	require.NoError(t, err)

	blob, err := st.GetSecret(ctx, secretName)
	require.NoError(t, err)
	raw := string(blob)
	for _, s := range []string{"4821", "4822", "real-profile", "missions", "profile"} {
		assert.False(t, strings.Contains(raw, `"`+s+`"`), s)
	}
	var rec record
	require.NoError(t, json.Unmarshal(blob, &rec))
	for _, h := range rec.Slots {
		assert.True(t, strings.HasPrefix(h, "$2"), h)
	}
	assert.NotEqual(t, rec.Slots[0], rec.Slots[1])
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })
	_, err := c.Enroll(ctx, "4821", realProfile())
	require.NoError(t, err)

	sess := c.NewSession()
	require.NoError(t, c.CheckActivation(ctx, sess, "4821"))
	_, err = c.Profile(ctx, sess)
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	_, err = c.Profile(ctx, sess)
	require.ErrorIs(t, err, utils.ErrLocked)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	duressSecret, err := c.Enroll(ctx, "4821", realProfile())
	require.NoError(t, err)

	sess := c.NewSession()
	require.NoError(t, c.CheckActivation(ctx, sess, duressSecret))
	got, err := c.Session(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	c.Clear(sess)
	_, err = c.Session(sess.ID)
	require.ErrorIs(t, err, utils.ErrNotFound)
	_, err = c.Profile(ctx, sess)
	require.ErrorIs(t, err, utils.ErrLocked)

	c.NewSession()
	c.NewSession()
	assert.Equal(t, 2, c.ClearAll())
}
