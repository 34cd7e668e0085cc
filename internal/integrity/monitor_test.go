package integrity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/store"
)

func fixed(name string, sev models.Severity, detected bool) Check {
	return Check{Name: name, Severity: sev, Run: func(context.Context, *Environment) (bool, string, error) {
		return detected, "", nil
	}}
}

func newTestMonitor(t *testing.T, checks []Check, opts ...Option) (*Monitor, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	opts = append([]Option{WithTamperLog(st, 3), WithFingerprint(func() string { return "fp" })}, opts...)
	return NewMonitor(checks, opts...), st
}

func TestAssessRisk(t *testing.T) {
	cr := func(sev models.Severity, detected bool) models.CheckResult {
		return models.CheckResult{Severity: sev, Detected: detected}
	}
	cases := []struct {
		name   string
		checks []models.CheckResult
		want   models.Risk
	}{
		{"empty", nil, models.RiskSafe},
		{"undetected critical", []models.CheckResult{cr(models.SeverityCritical, false)}, models.RiskSafe},
		{"one low", []models.CheckResult{cr(models.SeverityLow, true)}, models.RiskSafe},
		{"one medium", []models.CheckResult{cr(models.SeverityMedium, true)}, models.RiskSafe},
		{"two medium", []models.CheckResult{cr(models.SeverityMedium, true), cr(models.SeverityMedium, true)}, models.RiskSuspicious},
		{"one high", []models.CheckResult{cr(models.SeverityHigh, true)}, models.RiskSuspicious},
		{"two high", []models.CheckResult{cr(models.SeverityHigh, true), cr(models.SeverityHigh, true)}, models.RiskCompromised},
		{"critical", []models.CheckResult{cr(models.SeverityCritical, true)}, models.RiskCompromised},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AssessRisk(tc.checks))
		})
	}
}

func TestRecommendAction(t *testing.T) {
	dbg := models.CheckResult{Name: CheckDebugger, Severity: models.SeverityHigh, Detected: true}
	stor := models.CheckResult{Name: CheckStorage, Severity: models.SeverityCritical, Detected: true}
	auto := models.CheckResult{Name: CheckAutomation, Severity: models.SeverityHigh, Detected: true}

	both := []models.CheckResult{dbg, stor}
	assert.Equal(t, models.ActionWipe, RecommendAction(AssessRisk(both), both))

	noStorage := []models.CheckResult{dbg, auto}
	assert.Equal(t, models.ActionLock, RecommendAction(AssessRisk(noStorage), noStorage))

	storageOnly := []models.CheckResult{stor}
	assert.Equal(t, models.ActionLock, RecommendAction(AssessRisk(storageOnly), storageOnly))

	assert.Equal(t, models.ActionWarn, RecommendAction(models.RiskSuspicious, nil))
	assert.Equal(t, models.ActionAllow, RecommendAction(models.RiskSafe, nil))
}

func TestRiskProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	sevGen := gen.IntRange(int(models.SeverityLow), int(models.SeverityCritical))
	checksGen := gen.SliceOf(gen.Struct(reflect.TypeOf(models.CheckResult{}), map[string]gopter.Gen{
		"Severity": sevGen.Map(func(v int) models.Severity { return models.Severity(v) }),
		"Detected": gen.Bool(),
	}))

	properties.Property("a critical finding always compromises", prop.ForAll(
		func(checks []models.CheckResult) bool {
			with := append(append([]models.CheckResult(nil), checks...), models.CheckResult{Severity: models.SeverityCritical, Detected: true})
			return AssessRisk(with) == models.RiskCompromised
		},
		checksGen,
	))

	properties.Property("risk ignores order", prop.ForAll(
		func(checks []models.CheckResult) bool {
			rev := make([]models.CheckResult, len(checks))
			for i, c := range checks {
				rev[len(checks)-1-i] = c
			}
			return AssessRisk(rev) == AssessRisk(checks)
		},
		checksGen,
	))

	properties.TestingRun(t)
}

func TestScanOrderAndProgress(t *testing.T) {
	m, _ := newTestMonitor(t, []Check{
		fixed("a", models.SeverityLow, false),
		fixed("b", models.SeverityHigh, true),
		fixed("c", models.SeverityMedium, false),
	})
	var seen []string
	r, err := m.PerformFullScan(context.Background(), nil, func(i, total int, name string) {
		assert.Equal(t, 3, total)
		seen = append(seen, fmt.Sprintf("%d:%s", i, name))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"0:a", "1:b", "2:c"}, seen)
	assert.Equal(t, "fp", r.DeviceFingerprint)
	assert.Equal(t, models.RiskSuspicious, r.OverallRisk)
	assert.Equal(t, models.ActionWarn, r.RecommendedAction)
	require.Len(t, r.Checks, 3)
	assert.True(t, r.Checks[1].Detected)
}

func TestStuckCheckFailsOpen(t *testing.T) {
	stuck := Check{Name: CheckStorage, Severity: models.SeverityCritical, Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, _ *Environment) (bool, string, error) {
			time.Sleep(time.Second)
			return true, "late", nil
		}}
	m, _ := newTestMonitor(t, []Check{stuck, fixed("ok", models.SeverityLow, false)})

	start := time.Now()
	r, err := m.PerformFullScan(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, r.Checks[0].TimedOut)
	assert.False(t, r.Checks[0].Detected)
	assert.Equal(t, models.RiskSafe, r.OverallRisk)
}

func TestContextAwareCheckCountsAsTimeout(t *testing.T) {
	aware := Check{Name: CheckStorage, Severity: models.SeverityCritical, Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, _ *Environment) (bool, string, error) {
			<-ctx.Done()
			return false, "", ctx.Err()
		}}
	m, _ := newTestMonitor(t, []Check{aware})
	for i := 0; i < 20; i++ {
		r, err := m.PerformFullScan(context.Background(), nil, nil)
		require.NoError(t, err)
		assert.True(t, r.Checks[0].TimedOut, "run %d", i)
		assert.False(t, r.Checks[0].Detected)
	}
}

func TestFailingCheckIsNoFinding(t *testing.T) {
	boom := Check{Name: "boom", Severity: models.SeverityCritical, Run: func(context.Context, *Environment) (bool, string, error) {
		return true, "", errors.New("read timeout")
	}}
	panicky := Check{Name: "panic", Severity: models.SeverityCritical, Run: func(context.Context, *Environment) (bool, string, error) {
		panic("check crashed")
	}}
	m, _ := newTestMonitor(t, []Check{boom, panicky})
	r, err := m.PerformFullScan(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.False(t, r.Checks[0].Detected)
	assert.False(t, r.Checks[1].Detected)
	assert.Equal(t, models.ActionAllow, r.RecommendedAction)
}

func TestTamperLogIsCapped(t *testing.T) {
	m, _ := newTestMonitor(t, []Check{fixed("a", models.SeverityLow, false)})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		r, err := m.PerformFullScan(ctx, nil, nil)
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	log, err := m.Log(ctx)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, ids[2:], []string{log[0].ID, log[1].ID, log[2].ID})
}

func TestCancelledScan(t *testing.T) {
	m, _ := newTestMonitor(t, []Check{fixed("a", models.SeverityLow, false)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.PerformFullScan(ctx, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}
