package models

import "time"

type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		*s = 0
	}
	return nil
}

type Risk string

const (
	RiskSafe        Risk = "SAFE"
	RiskSuspicious  Risk = "SUSPICIOUS"
	RiskCompromised Risk = "COMPROMISED"
)

type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionWarn  Action = "WARN"
	ActionLock  Action = "LOCK"
	ActionWipe  Action = "WIPE"
)

// CheckResult is the outcome of one integrity check.
type CheckResult struct {
	Name     string   `json:"name"`
	Detected bool     `json:"detected"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
	TimedOut bool     `json:"timedOut,omitempty"`
}

// TamperReport is the output of a full integrity scan.
type TamperReport struct {
	ID                string        `json:"id"`
	Timestamp         time.Time     `json:"timestamp"`
	DeviceFingerprint string        `json:"deviceFingerprint"`
	Checks            []CheckResult `json:"checks"`
	OverallRisk       Risk          `json:"overallRisk"`
	RecommendedAction Action        `json:"recommendedAction"`
}
