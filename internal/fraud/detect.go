package fraud

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"attendguard/internal/evaluate"
	"attendguard/internal/model"
	"attendguard/internal/risk"
)

type finding struct {
	kind     model.AlertType
	severity model.Severity
	details  map[string]string
}

func (e *Engine) detect(ctx context.Context, o model.Outcome) ([]finding, error) {
	var out []finding
	a := o.Attempt

	threshold := o.Threshold
	if threshold <= 0 {
		threshold = risk.DefaultThreshold
	}
	if a.Decision == model.DecisionReject && a.RiskScore >= threshold {
		out = append(out, finding{
			kind:     model.AlertHighRisk,
			severity: risk.SeverityFor(a.RiskScore),
			details:  map[string]string{"reason": a.Reason, "threshold": strconv.Itoa(threshold)},
		})
	}

	for _, f := range o.Factors {
		if f.Factor == model.FactorLocation && f.Reason == evaluate.ReasonMalformed && a.Evidence.Location != nil {
			out = append(out, finding{
				kind:     model.AlertLocationSpoofing,
				severity: model.SeverityHigh,
				details: map[string]string{
					"latitude":  strconv.FormatFloat(a.Evidence.Location.Latitude, 'f', 6, 64),
					"longitude": strconv.FormatFloat(a.Evidence.Location.Longitude, 'f', 6, 64),
				},
			})
		}
	}

	sharing, err := e.deviceSharing(ctx, a, flaggedSharing(o.Factors))
	if err != nil {
		return nil, err
	}
	if sharing != nil {
		out = append(out, *sharing)
	}

	rapid, err := e.rapidAttempts(ctx, a)
	if err != nil {
		return nil, err
	}
	if rapid != nil {
		out = append(out, *rapid)
	}

	travel, err := e.impossibleTravel(ctx, a)
	if err != nil {
		return nil, err
	}
	if travel != nil {
		out = append(out, *travel)
	}
	return out, nil
}

func flaggedSharing(factors []model.FactorResult) bool {
	for _, f := range factors {
		if f.Factor == model.FactorDevice && f.Reason == evaluate.ReasonDeviceSharing {
			return true
		}
	}
	return false
}

// deviceSharing fires when another student used the same fingerprint within
// the sharing window. It runs whether or not the session scores the device
// factor; flagged forces the alert when the evaluator already saw the reuse.
func (e *Engine) deviceSharing(ctx context.Context, a model.Attempt, flagged bool) (*finding, error) {
	fp := a.Evidence.DeviceFingerprint
	if fp == "" {
		return nil, nil
	}
	var others []string
	if e.attempts != nil {
		recent, err := e.attempts.AttemptsByDevice(ctx, fp, a.ReceivedAt.Add(-e.cfg.SharingWindow))
		if err != nil {
			return nil, fmt.Errorf("load device attempts: %w", err)
		}
		seen := map[string]bool{a.StudentID: true}
		for _, r := range recent {
			if r.StudentID != "" && !seen[r.StudentID] {
				seen[r.StudentID] = true
				others = append(others, r.StudentID)
			}
		}
	}
	if len(others) == 0 && !flagged {
		return nil, nil
	}
	f := &finding{
		kind:     model.AlertDeviceSharing,
		severity: model.MaxSeverity(model.SeverityMedium, risk.SeverityFor(a.RiskScore)),
		details:  map[string]string{"device_fingerprint": fp},
	}
	if len(others) > 0 {
		f.details["other_students"] = strings.Join(others, ",")
	}
	return f, nil
}

// rapidAttempts fires once per window when a student exceeds the attempt
// velocity limit.
func (e *Engine) rapidAttempts(ctx context.Context, a model.Attempt) (*finding, error) {
	if e.attempts == nil {
		return nil, nil
	}
	since := a.ReceivedAt.Add(-e.cfg.RapidWindow)
	recent, err := e.attempts.AttemptsByStudent(ctx, a.StudentID, since)
	if err != nil {
		return nil, fmt.Errorf("load student attempts: %w", err)
	}
	if len(recent) <= e.cfg.RapidAttempts {
		return nil, nil
	}
	prior, err := e.store.List(ctx, model.AlertFilter{
		Type:      model.AlertRapidAttempts,
		StudentID: a.StudentID,
		SessionID: a.SessionID,
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 && !prior[0].CreatedAt.Before(since) {
		return nil, nil
	}
	severity := model.SeverityMedium
	if len(recent) >= 2*e.cfg.RapidAttempts {
		severity = model.SeverityHigh
	}
	return &finding{
		kind:     model.AlertRapidAttempts,
		severity: severity,
		details: map[string]string{
			"attempts": strconv.Itoa(len(recent)),
			"window":   e.cfg.RapidWindow.String(),
		},
	}, nil
}

// impossibleTravel compares the attempt with the student's latest located
// attempt from another session.
func (e *Engine) impossibleTravel(ctx context.Context, a model.Attempt) (*finding, error) {
	loc := a.Evidence.Location
	if e.attempts == nil || loc == nil || !evaluate.ValidCoordinates(loc.Latitude, loc.Longitude) {
		return nil, nil
	}
	recent, err := e.attempts.AttemptsByStudent(ctx, a.StudentID, a.ReceivedAt.Add(-e.cfg.TravelWindow))
	if err != nil {
		return nil, fmt.Errorf("load student attempts: %w", err)
	}

	var prev *model.Attempt
	for i := range recent {
		r := &recent[i]
		if r.ID == a.ID || r.SessionID == a.SessionID || r.Evidence.Location == nil || r.ReceivedAt.After(a.ReceivedAt) {
			continue
		}
		if !evaluate.ValidCoordinates(r.Evidence.Location.Latitude, r.Evidence.Location.Longitude) {
			continue
		}
		if prev == nil || r.ReceivedAt.After(prev.ReceivedAt) {
			prev = r
		}
	}
	if prev == nil {
		return nil, nil
	}

	km := evaluate.Haversine(prev.Evidence.Location.Latitude, prev.Evidence.Location.Longitude, loc.Latitude, loc.Longitude) / 1000
	if km < e.cfg.MinTravelKm {
		return nil, nil
	}
	hours := a.ReceivedAt.Sub(prev.ReceivedAt).Hours()
	if hours > 0 && km/hours <= e.cfg.MaxTravelKmh {
		return nil, nil
	}
	return &finding{
		kind:     model.AlertImpossibleTravel,
		severity: model.SeverityHigh,
		details: map[string]string{
			"previous_attempt_id": prev.ID,
			"previous_session_id": prev.SessionID,
			"distance_km":         strconv.FormatFloat(km, 'f', 0, 64),
			"elapsed":             a.ReceivedAt.Sub(prev.ReceivedAt).String(),
		},
	}, nil
}
