package model

import "time"

// Factor names one piece of check-in evidence a policy can require.
type Factor string

const (
	FactorLocation Factor = "location"
	FactorDevice   Factor = "device"
	FactorTime     Factor = "time"
	FactorPhoto    Factor = "photo"
	FactorBehavior Factor = "behavior"
)

// AllFactors lists factors in evaluation order.
var AllFactors = []Factor{FactorLocation, FactorDevice, FactorTime, FactorPhoto, FactorBehavior}

// SessionState is the lifecycle state of an attendance session.
type SessionState string

const (
	SessionScheduled SessionState = "SCHEDULED"
	SessionActive    SessionState = "ACTIVE"
	SessionEnded     SessionState = "ENDED"
	SessionCancelled SessionState = "CANCELLED"
)

// Anchor is the geofence a check-in must fall inside.
type Anchor struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	RadiusM   float64 `json:"radius_m" yaml:"radius_m"`
}

// SecurityPolicy configures which factors a session requires and how strictly.
type SecurityPolicy struct {
	RequiredFactors []Factor      `json:"required_factors"`
	StrictLocation  bool          `json:"strict_location"`
	GracePeriod     time.Duration `json:"grace_period"`
	// MaxAttempts is the per-student attempt limit for the session's credentials.
	MaxAttempts    int  `json:"max_attempts"`
	FraudDetection bool `json:"fraud_detection"`
	// RiskThreshold overrides the service-wide decision threshold when > 0.
	RiskThreshold int `json:"risk_threshold,omitempty"`
}

// Requires reports whether f is in the policy's required set.
func (p SecurityPolicy) Requires(f Factor) bool {
	for _, r := range p.RequiredFactors {
		if r == f {
			return true
		}
	}
	return false
}

// DefaultSecurityPolicy is used for sessions that carry no explicit policy.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		RequiredFactors: []Factor{FactorLocation, FactorDevice, FactorTime, FactorBehavior},
		StrictLocation:  true,
		GracePeriod:     5 * time.Minute,
		MaxAttempts:     3,
		FraudDetection:  true,
	}
}

// Session is one scheduled course meeting. Owned by the course collaborator.
type Session struct {
	ID          string         `json:"id"`
	CourseID    string         `json:"course_id"`
	ProfessorID string         `json:"professor_id"`
	Anchor      Anchor         `json:"anchor"`
	Policy      SecurityPolicy `json:"policy"`
	StartsAt    time.Time      `json:"starts_at"`
	EndsAt      time.Time      `json:"ends_at"`
	State       SessionState   `json:"state"`
}
