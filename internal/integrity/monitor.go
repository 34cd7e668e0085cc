// Package integrity runs the environment check battery and keeps the capped
// tamper log.
package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/store"
	"github.com/harrylevesque/hcsguard/internal/telemetry"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

const (
	DefaultTimeout = 2 * time.Second
	DefaultLogCap  = 100
)

// Environment is the client-side snapshot a browser or field unit reports
// along with a scan request. A nil Environment runs only the local checks.
type Environment struct {
	UserAgent      string   `json:"userAgent"`
	Platform       string   `json:"platform"`
	ViewportWidth  int      `json:"viewportWidth"`
	ViewportHeight int      `json:"viewportHeight"`
	WindowWidth    int      `json:"windowWidth"`
	WindowHeight   int      `json:"windowHeight"`
	Globals        []string `json:"globals,omitempty"`
}

// Check is one independently failable check. Run errors count as no finding.
type Check struct {
	Name     string
	Severity models.Severity
	Timeout  time.Duration
	Run      func(ctx context.Context, env *Environment) (detected bool, detail string, err error)
}

// Progress is called before each check starts.
type Progress func(index, total int, name string)

// TamperLog persists reports. store.Store satisfies it.
type TamperLog interface {
	AppendTamper(ctx context.Context, e store.TamperEntry, limit int) error
	ListTamper(ctx context.Context) ([]store.TamperEntry, error)
}

type Monitor struct {
	checks      []Check
	tamper      TamperLog
	logCap      int
	timeout     time.Duration
	fingerprint func() string
	log         *slog.Logger
	metrics     *telemetry.Instruments
	now         func() time.Time
}

type Option func(*Monitor)

func WithTamperLog(l TamperLog, limit int) Option {
	return func(m *Monitor) {
		m.tamper = l
		if limit > 0 {
			m.logCap = limit
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithFingerprint(f func() string) Option { return func(m *Monitor) { m.fingerprint = f } }

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.log = l } }

func WithMetrics(in *telemetry.Instruments) Option { return func(m *Monitor) { m.metrics = in } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// NewMonitor runs checks in the given order.
func NewMonitor(checks []Check, opts ...Option) *Monitor {
	m := &Monitor{
		checks:      checks,
		logCap:      DefaultLogCap,
		timeout:     DefaultTimeout,
		fingerprint: utils.DeviceFingerprint,
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = utils.Component(m.log, "integrity")
	return m
}

// PerformFullScan runs every check and appends the report to the tamper log.
// A check that errors or overruns its timeout is recorded as not detected.
func (m *Monitor) PerformFullScan(ctx context.Context, env *Environment, progress Progress) (*models.TamperReport, error) {
	start := m.now()
	report := &models.TamperReport{
		ID:                uuid.NewString(),
		Timestamp:         start.UTC(),
		DeviceFingerprint: m.fingerprint(),
		Checks:            make([]models.CheckResult, 0, len(m.checks)),
	}
	for i, c := range m.checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if progress != nil {
			progress(i, len(m.checks), c.Name)
		}
		report.Checks = append(report.Checks, m.run(ctx, c, env))
	}
	report.OverallRisk = AssessRisk(report.Checks)
	report.RecommendedAction = RecommendAction(report.OverallRisk, report.Checks)

	if m.tamper != nil {
		if err := m.append(ctx, report); err != nil {
			m.log.Warn("tamper log append failed", "err", err)
		}
	}
	m.metrics.ScanCompleted(ctx, string(report.OverallRisk), m.now().Sub(start).Seconds())
	lvl := slog.LevelInfo
	if report.RecommendedAction != models.ActionAllow {
		lvl = slog.LevelWarn
	}
	m.log.Log(ctx, lvl, "integrity scan", "risk", report.OverallRisk, "action", report.RecommendedAction)
	return report, nil
}

func (m *Monitor) run(ctx context.Context, c Check, env *Environment) models.CheckResult {
	res := models.CheckResult{Name: c.Name, Severity: c.Severity}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		detected bool
		detail   string
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		d, detail, err := c.Run(cctx, env)
		done <- outcome{d, detail, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			// a check that returns ctx.Err() on expiry raced the deadline
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				res.TimedOut = true
				m.log.Warn("check timed out", "check", c.Name, "timeout", timeout)
				return res
			}
			m.log.Warn("check failed", "check", c.Name, "err", o.err)
			return res
		}
		res.Detected = o.detected
		res.Detail = o.detail
	case <-cctx.Done():
		res.TimedOut = true
		m.log.Warn("check timed out", "check", c.Name, "timeout", timeout)
	}
	return res
}

func (m *Monitor) append(ctx context.Context, r *models.TamperReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return m.tamper.AppendTamper(ctx, store.TamperEntry{ID: r.ID, Timestamp: r.Timestamp, Data: data}, m.logCap)
}

// Log returns stored reports, oldest first.
func (m *Monitor) Log(ctx context.Context) ([]models.TamperReport, error) {
	if m.tamper == nil {
		return nil, nil
	}
	entries, err := m.tamper.ListTamper(ctx)
	if err != nil {
		return nil, fmt.Errorf("integrity: tamper log: %w", err)
	}
	out := make([]models.TamperReport, 0, len(entries))
	for _, e := range entries {
		var r models.TamperReport
		if err := json.Unmarshal(e.Data, &r); err != nil {
			m.log.Warn("skipping unreadable tamper entry", "id", e.ID, "err", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// AssessRisk folds detected findings into a risk level. Order does not matter.
func AssessRisk(checks []models.CheckResult) models.Risk {
	var high, medium int
	for _, c := range checks {
		if !c.Detected {
			continue
		}
		switch c.Severity {
		case models.SeverityCritical:
			return models.RiskCompromised
		case models.SeverityHigh:
			high++
		case models.SeverityMedium:
			medium++
		}
	}
	switch {
	case high >= 2:
		return models.RiskCompromised
	case high >= 1 || medium >= 2:
		return models.RiskSuspicious
	}
	return models.RiskSafe
}

// RecommendAction maps risk to an action. WIPE needs both an active debugger
// and a storage integrity finding.
func RecommendAction(risk models.Risk, checks []models.CheckResult) models.Action {
	switch risk {
	case models.RiskCompromised:
		if detected(checks, CheckDebugger) && detected(checks, CheckStorage) {
			return models.ActionWipe
		}
		return models.ActionLock
	case models.RiskSuspicious:
		return models.ActionWarn
	}
	return models.ActionAllow
}

func detected(checks []models.CheckResult, name string) bool {
	for _, c := range checks {
		if c.Name == name && c.Detected {
			return true
		}
	}
	return false
}
