package model

import "time"

// Priority drives channel selection, queue bypass and escalation.
type Priority string

const (
	PriorityLow       Priority = "LOW"
	PriorityNormal    Priority = "NORMAL"
	PriorityHigh      Priority = "HIGH"
	PriorityCritical  Priority = "CRITICAL"
	PriorityEmergency Priority = "EMERGENCY"
)

// Urgent reports whether messages of this priority skip the polling queue.
func (p Priority) Urgent() bool {
	return p == PriorityCritical || p == PriorityEmergency
}

// Rank orders priorities for the polling queue; higher is claimed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 4
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// PriorityForSeverity maps an alert severity onto a notification priority.
func PriorityForSeverity(s Severity) Priority {
	switch s {
	case SeverityCritical:
		return PriorityCritical
	case SeverityHigh:
		return PriorityHigh
	case SeverityMedium:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Channel is one delivery transport.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelPush    Channel = "push"
	ChannelSMS     Channel = "sms"
	ChannelInApp   Channel = "in_app"
	ChannelWebhook Channel = "webhook"
)

// MessageStatus is the delivery state machine of a message.
type MessageStatus string

const (
	MessageScheduled MessageStatus = "SCHEDULED"
	MessagePending   MessageStatus = "PENDING"
	MessageSending   MessageStatus = "SENDING"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageFailed    MessageStatus = "FAILED"
	MessageCancelled MessageStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s MessageStatus) Terminal() bool {
	return s == MessageDelivered || s == MessageFailed || s == MessageCancelled
}

// EscalationPolicy re-targets an unresolved alert to broader roles after a delay.
type EscalationPolicy struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	DelaySeconds    int      `json:"delay_seconds" yaml:"delay_seconds"`
	EscalateToRoles []string `json:"escalate_to_roles" yaml:"escalate_to_roles"`
	// MaxEscalations bounds how many times one alert is re-targeted.
	MaxEscalations int `json:"max_escalations" yaml:"max_escalations"`
}

// Message is one logical notification.
type Message struct {
	ID            string            `json:"id"`
	RecipientID   string            `json:"recipient_id"`
	Priority      Priority          `json:"priority"`
	Channels      []Channel         `json:"channels"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	Data          map[string]string `json:"data,omitempty"`
	AlertID       string            `json:"alert_id,omitempty"`
	Status        MessageStatus     `json:"status"`
	Attempts      int               `json:"attempts"`
	MaxRetries    int               `json:"max_retries"`
	ScheduledAt   *time.Time        `json:"scheduled_at,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// DeliveryOutcome is the result of a single channel attempt.
type DeliveryOutcome string

const (
	DeliverySucceeded DeliveryOutcome = "DELIVERED"
	DeliveryFailed    DeliveryOutcome = "FAILED"
)

// Delivery is one append-only channel attempt for a message.
type Delivery struct {
	ID          string          `json:"id"`
	MessageID   string          `json:"message_id"`
	Channel     Channel         `json:"channel"`
	Attempt     int             `json:"attempt"`
	Outcome     DeliveryOutcome `json:"outcome"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// DeliveryHandle is returned to senders to track a message.
type DeliveryHandle struct {
	MessageID string        `json:"message_id"`
	Status    MessageStatus `json:"status"`
}
