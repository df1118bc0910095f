package model

import "time"

// Credential is the QR token bound to one session.
type Credential struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Token       string    `json:"token"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidTo     time.Time `json:"valid_to"`
	MaxAttempts int       `json:"max_attempts"`
	SingleUse   bool      `json:"single_use"`
	// RequiredFactors overrides the session policy when non-empty.
	RequiredFactors []Factor   `json:"required_factors,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CredentialState is the derived lifecycle state of a credential.
type CredentialState string

const (
	CredentialIssued     CredentialState = "ISSUED"
	CredentialConsumable CredentialState = "CONSUMABLE"
	CredentialExpired    CredentialState = "EXPIRED"
	CredentialRevoked    CredentialState = "REVOKED"
)

// Location is a client-reported position fix.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float64 `json:"accuracy_m"`
}

// Evidence is the raw data a student submits with a check-in.
type Evidence struct {
	Location          *Location `json:"location,omitempty"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	PhotoURL          string    `json:"photo_url,omitempty"`
	ClientTime        time.Time `json:"client_time"`
}

// AttemptOutcome is the terminal outcome of one attempt.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "SUCCESS"
	AttemptFailed  AttemptOutcome = "FAILED"
	AttemptPending AttemptOutcome = "PENDING"
)

// Decision is the pipeline verdict returned to the caller.
type Decision string

const (
	DecisionAccept  Decision = "ACCEPT"
	DecisionPending Decision = "PENDING"
	DecisionReject  Decision = "REJECT"
)

// Attempt is one immutable check-in submission and its verdict.
type Attempt struct {
	ID           string         `json:"id"`
	CredentialID string         `json:"credential_id"`
	SessionID    string         `json:"session_id"`
	StudentID    string         `json:"student_id"`
	Evidence     Evidence       `json:"evidence"`
	ReceivedAt   time.Time      `json:"received_at"`
	Outcome      AttemptOutcome `json:"outcome"`
	Decision     Decision       `json:"decision"`
	RiskScore    int            `json:"risk_score"`
	Reason       string         `json:"reason,omitempty"`
	RecordID     string         `json:"record_id,omitempty"`
}

// RecordStatus is the attendance status carried by a record.
type RecordStatus string

const (
	StatusPresent RecordStatus = "PRESENT"
	StatusLate    RecordStatus = "LATE"
	StatusAbsent  RecordStatus = "ABSENT"
	StatusExcused RecordStatus = "EXCUSED"
)

// Record is the durable attendance result for a (session, student) pair.
// Only one record per pair has a nil SupersededAt.
type Record struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	StudentID     string         `json:"student_id"`
	AttemptID     string         `json:"attempt_id"`
	Status        RecordStatus   `json:"status"`
	ReviewPending bool           `json:"review_pending"`
	RiskScore     int            `json:"risk_score"`
	Evidence      Evidence       `json:"evidence"`
	Factors       []FactorResult `json:"factors,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	SupersededAt  *time.Time     `json:"superseded_at,omitempty"`
	SupersededBy  string         `json:"superseded_by,omitempty"`
}

// FactorResult is one evaluator's output.
type FactorResult struct {
	Factor   Factor `json:"factor"`
	Score    int    `json:"score"`
	HardFail bool   `json:"hard_fail"`
	Reason   string `json:"reason,omitempty"`
}

// Outcome is the event emitted after an attempt has been scored. The fraud
// engine consumes it asynchronously.
type Outcome struct {
	Attempt        Attempt        `json:"attempt"`
	ProfessorID    string         `json:"professor_id"`
	Factors        []FactorResult `json:"factors"`
	Threshold      int            `json:"threshold"`
	FraudDetection bool           `json:"fraud_detection"`
}
