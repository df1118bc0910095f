package model

import "time"

// AlertType classifies what triggered a fraud alert.
type AlertType string

const (
	AlertHighRisk         AlertType = "HIGH_RISK_SCORE"
	AlertLocationSpoofing AlertType = "LOCATION_SPOOFING"
	AlertDeviceSharing    AlertType = "DEVICE_SHARING"
	AlertRapidAttempts    AlertType = "RAPID_ATTEMPTS"
	AlertImpossibleTravel AlertType = "IMPOSSIBLE_TRAVEL"
)

// Severity orders alerts by urgency.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns a comparable ordinal; unknown severities rank 0.
func (s Severity) Rank() int { return severityRank[s] }

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AlertStatus is the resolution state of an alert.
type AlertStatus string

const (
	AlertPending       AlertStatus = "PENDING"
	AlertInvestigating AlertStatus = "INVESTIGATING"
	AlertResolved      AlertStatus = "RESOLVED"
	AlertDismissed     AlertStatus = "DISMISSED"
)

// Open reports whether the alert still needs attention.
func (s AlertStatus) Open() bool {
	return s == AlertPending || s == AlertInvestigating
}

// FraudAlert is an append-only audit entry raised by the fraud engine.
type FraudAlert struct {
	ID          string            `json:"id"`
	Type        AlertType         `json:"type"`
	Severity    Severity          `json:"severity"`
	Status      AlertStatus       `json:"status"`
	AttemptID   string            `json:"attempt_id"`
	SessionID   string            `json:"session_id"`
	StudentID   string            `json:"student_id"`
	ProfessorID string            `json:"professor_id,omitempty"`
	RiskScore   int               `json:"risk_score"`
	Details     map[string]string `json:"details,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Actions     []AlertAction     `json:"actions,omitempty"`
}

// AlertAction is one resolver transition appended to an alert's history.
type AlertAction struct {
	From       AlertStatus `json:"from"`
	To         AlertStatus `json:"to"`
	ResolverID string      `json:"resolver_id"`
	Notes      string      `json:"notes,omitempty"`
	At         time.Time   `json:"at"`
}

// AlertFilter narrows ListAlerts. Zero fields match everything.
type AlertFilter struct {
	Status    AlertStatus
	Severity  Severity
	Type      AlertType
	SessionID string
	StudentID string
	Limit     int
	Offset    int

	// ProfessorID scopes the listing to one professor's sessions.
	ProfessorID string
}

// Match reports whether a satisfies the filter's predicates (paging excluded).
func (f AlertFilter) Match(a FraudAlert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.SessionID != "" && a.SessionID != f.SessionID {
		return false
	}
	if f.StudentID != "" && a.StudentID != f.StudentID {
		return false
	}
	if f.ProfessorID != "" && a.ProfessorID != f.ProfessorID {
		return false
	}
	return true
}
