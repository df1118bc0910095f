package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"attendguard/internal/model"
)

// AlertRouter connects the fraud engine to the queue: new alerts notify the
// session's professor and start escalation, closed alerts stop it.
type AlertRouter struct {
	sender    Messenger
	escalator *Escalator
	log       *zap.Logger
}

// NewAlertRouter creates a router. escalator may be nil.
func NewAlertRouter(sender Messenger, escalator *Escalator, log *zap.Logger) *AlertRouter {
	if log == nil {
		log = zap.NewNop()
	}
	return &AlertRouter{sender: sender, escalator: escalator, log: log.With(zap.String("component", "alert-router"))}
}

// AlertRaised notifies the professor. Escalation is tracked even when the
// notification itself is refused.
func (r *AlertRouter) AlertRaised(ctx context.Context, a model.FraudAlert) error {
	if r.escalator != nil {
		r.escalator.Track(a)
	}
	if a.ProfessorID == "" {
		return nil
	}
	data := map[string]string{
		"alert_id":   a.ID,
		"type":       string(a.Type),
		"severity":   string(a.Severity),
		"student_id": a.StudentID,
		"session_id": a.SessionID,
		"risk_score": strconv.Itoa(a.RiskScore),
	}
	for k, v := range a.Details {
		if _, taken := data[k]; !taken {
			data[k] = v
		}
	}
	_, err := r.sender.Send(ctx, SendRequest{
		RecipientID: a.ProfessorID,
		Priority:    model.PriorityForSeverity(a.Severity),
		Subject:     fmt.Sprintf("%s alert: student %s", a.Type, a.StudentID),
		Body: fmt.Sprintf("A %s severity %s alert was raised for student %s in session %s (risk score %d).",
			a.Severity, a.Type, a.StudentID, a.SessionID, a.RiskScore),
		Data:    data,
		AlertID: a.ID,
	})
	return err
}

// AlertClosed cancels outstanding escalation.
func (r *AlertRouter) AlertClosed(_ context.Context, a model.FraudAlert) {
	if r.escalator != nil {
		r.escalator.Cancel(a.ID)
	}
}

// CheckInRecorded sends the student an in-app receipt for accepted attempts.
func (r *AlertRouter) CheckInRecorded(ctx context.Context, o model.Outcome) {
	if o.Attempt.Decision != model.DecisionAccept || o.Attempt.StudentID == "" {
		return
	}
	_, err := r.sender.Send(ctx, SendRequest{
		RecipientID: o.Attempt.StudentID,
		Priority:    model.PriorityLow,
		Channels:    []model.Channel{model.ChannelInApp},
		Subject:     "Check-in recorded",
		Body:        fmt.Sprintf("Your attendance for session %s was recorded.", o.Attempt.SessionID),
		Data: map[string]string{
			"session_id": o.Attempt.SessionID,
			"attempt_id": o.Attempt.ID,
			"record_id":  o.Attempt.RecordID,
		},
	})
	if err != nil {
		level := r.log.Warn
		if errors.Is(err, model.ErrRateLimited) {
			level = r.log.Debug
		}
		level("check-in receipt not sent", zap.String("attempt_id", o.Attempt.ID), zap.Error(err))
	}
}
