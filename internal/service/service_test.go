package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/distribution"
	"github.com/harrylevesque/hcsguard/internal/integrity"
	"github.com/harrylevesque/hcsguard/internal/keys"
	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/presence"
	"github.com/harrylevesque/hcsguard/internal/shredder"
	"github.com/harrylevesque/hcsguard/internal/store"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

func testConfig() utils.Config {
	cfg := utils.Defaults()
	cfg.Crypto.BcryptCost = 4
	cfg.Crypto.Argon2Time = 1
	cfg.Crypto.Argon2MemoryKiB = 64
	cfg.Integrity.CheckTimeout = 500 * time.Millisecond
	return cfg
}

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	svc, err := New(Deps{
		Config:    testConfig(),
		Store:     st,
		Keys:      keys.NewRegistry(),
		MasterKey: crypto.MustRandom(32),
		DeviceID:  "field-unit-1",
	})
	require.NoError(t, err)
	return svc, st
}

func scenarioResults() []models.TestResult {
	types := []models.TestType{models.TestReaction, models.TestMemory, models.TestTracing, models.TestPattern, models.TestColor}
	scores := []float64{80, 70, 60, 90, 75}
	out := make([]models.TestResult, len(types))
	for i := range types {
		out[i] = models.TestResult{TestType: types[i], Score: scores[i]}
	}
	return out
}

func threeWaypoints() models.Mission {
	return models.Mission{
		Name:     "Bridge survey",
		Type:     "survey",
		Priority: "medium",
		Duration: 45,
		Waypoints: []models.Waypoint{
			{Lat: 51.5007, Lng: -0.1246, Altitude: 80, Action: "photo"},
			{Lat: 51.5033, Lng: -0.1195, Altitude: 90, Action: "hover"},
			{Lat: 51.5081, Lng: -0.0759, Altitude: 70, Action: "land"},
		},
	}
}

func enroll(t *testing.T, svc *Service) string {
	t.Helper()
	ctx := context.Background()
	for _, r := range scenarioResults() {
		_, err := svc.RecordResult(ctx, r)
		require.NoError(t, err)
	}
	code, err := svc.GenerateCredential(ctx, nil)
	require.NoError(t, err)
	return code
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	code := enroll(t, svc)
	assert.True(t, strings.HasPrefix(code, "HCS-U7|V:8.0|"), code)

	p, err := svc.EncryptMission(ctx, threeWaypoints(), code)
	require.NoError(t, err)
	qr, err := svc.BuildQRData(p)
	require.NoError(t, err)

	m, err := svc.ConsumeQR(ctx, qr)
	require.NoError(t, err)
	require.Len(t, m.Waypoints, 3)
	assert.Equal(t, threeWaypoints().Waypoints, m.Waypoints)

	_, err = svc.ConsumeQR(ctx, qr)
	require.ErrorIs(t, err, utils.ErrTokenAlreadyConsumed)
}

func TestInsufficientTests(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	results := scenarioResults()
	_, err := svc.GenerateCredential(ctx, results[:4])
	require.ErrorIs(t, err, utils.ErrInsufficientTests)
	_, err = svc.GenerateCredential(ctx, results)
	require.NoError(t, err)
}

func TestGenerateCredentialRejectsUnknownTypes(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	var bogus []models.TestResult
	for _, tt := range []string{"a", "b", "c", "d", "e"} {
		bogus = append(bogus, models.TestResult{TestType: models.TestType(tt), Score: 500})
	}
	_, err := svc.GenerateCredential(ctx, bogus)
	require.ErrorIs(t, err, utils.ErrInvalidInput)

	ok, err := svc.VerifyDestruction(ctx, "profiles")
	require.NoError(t, err)
	assert.True(t, ok, "nothing enrolled")
	_, err = svc.EncryptMission(ctx, threeWaypoints(), "")
	require.Error(t, err)
}

func TestRecordResultValidation(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.RecordResult(context.Background(), models.TestResult{TestType: "juggling", Score: 50})
	require.ErrorIs(t, err, utils.ErrInvalidInput)
	_, err = svc.RecordResult(context.Background(), models.TestResult{TestType: models.TestMemory, Score: 101})
	require.ErrorIs(t, err, utils.ErrInvalidInput)
}

func TestPanicWipeDestroysEverything(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	code := enroll(t, svc)

	p, err := svc.EncryptMission(ctx, threeWaypoints(), "")
	require.NoError(t, err)
	qr, err := svc.BuildQRData(p)
	require.NoError(t, err)
	_, err = svc.PerformFullScan(ctx, nil, nil)
	require.NoError(t, err)

	res := svc.PanicWipe(ctx)
	assert.True(t, res.Success, res.Errors)
	assert.Positive(t, res.ItemsShredded)
	assert.Positive(t, res.KeysDestroyed)

	ok, err := svc.VerifyDestruction(ctx, shredder.ScopeAll)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.ConsumeQRWith(ctx, qr, code, "")
	require.Error(t, err)
	_, err = svc.ConsumeQR(ctx, qr)
	require.Error(t, err)
}

func TestDistributeRequiresPresence(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	enroll(t, svc)

	_, err := svc.Distribute(ctx, DistributeRequest{Mission: threeWaypoints(), PresenceSessionID: "nope"})
	require.ErrorIs(t, err, utils.ErrPresenceRequired)

	id := svc.StartPresence()
	human := presence.Sample{
		ReactionTimeMs: 350,
		IntervalsMs:    []float64{100, 140, 90, 160},
		Pressures:      []float64{0.3, 0.5, 0.4, 0.6},
		CongruentMs:    520,
		IncongruentMs:  640,
	}
	for i := 0; i < 3; i++ {
		_, err := svc.RecordChallenge(id, human)
		require.NoError(t, err)
	}
	tk, err := svc.Distribute(ctx, DistributeRequest{Mission: threeWaypoints(), PresenceSessionID: id})
	require.NoError(t, err)

	st, err := svc.MissionState(ctx, tk.MissionID)
	require.NoError(t, err)
	assert.Equal(t, distribution.StateCreated, st)

	m, err := svc.ConsumeQR(ctx, tk.QR)
	require.NoError(t, err)
	assert.Len(t, m.Waypoints, 3)

	st, err = svc.MissionState(ctx, tk.MissionID)
	require.NoError(t, err)
	assert.Equal(t, distribution.StateConsumed, st)
}

func TestUnlockAndDuress(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	enroll(t, svc)
	_, err := svc.EncryptMission(ctx, threeWaypoints(), "")
	require.NoError(t, err)

	duressPIN, err := svc.EnrollSecret(ctx, "2468")
	require.NoError(t, err)
	assert.Equal(t, "2469", duressPIN)

	realSess, err := svc.Unlock(ctx, "2468")
	require.NoError(t, err)
	genuine, err := svc.Profile(ctx, realSess)
	require.NoError(t, err)
	assert.Equal(t, svc.ProfileID(), genuine.ID)
	missions, err := svc.Missions(ctx, realSess)
	require.NoError(t, err)
	require.Len(t, missions, 1)
	assert.Equal(t, "Bridge survey", missions[0].Name)

	decoySess, err := svc.Unlock(ctx, duressPIN)
	require.NoError(t, err)
	decoy, err := svc.Profile(ctx, decoySess)
	require.NoError(t, err)
	assert.NotEqual(t, genuine.ID, decoy.ID)
	decoyMissions, err := svc.Missions(ctx, decoySess)
	require.NoError(t, err)
	for _, m := range decoyMissions {
		assert.NotEqual(t, "Bridge survey", m.Name)
	}

	_, err = svc.Unlock(ctx, "0000")
	require.ErrorIs(t, err, utils.ErrInvalidSecret)

	svc.Logout(realSess)
	_, err = svc.Profile(ctx, realSess)
	require.ErrorIs(t, err, utils.ErrLocked)
}

func TestScanDetectsCorruptedVault(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	enroll(t, svc)

	rec, err := st.GetProfile(ctx, svc.ProfileID())
	require.NoError(t, err)
	rec.EncryptedProfile[0] ^= 0xff
	require.NoError(t, st.SaveProfile(ctx, *rec))

	var names []string
	r, err := svc.PerformFullScan(ctx, &integrity.Environment{UserAgent: "x", Platform: "y"}, func(_, _ int, name string) {
		names = append(names, name)
	})
	require.NoError(t, err)
	assert.Equal(t, models.RiskCompromised, r.OverallRisk)
	assert.Contains(t, names, integrity.CheckStorage)

	log, err := svc.TamperLog(ctx)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, r.ID, log[0].ID)
}
