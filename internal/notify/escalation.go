package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"attendguard/internal/metrics"
	"attendguard/internal/model"
)

// AlertLookup reads the current state of an alert.
type AlertLookup interface {
	GetAlert(ctx context.Context, id string) (model.FraudAlert, error)
}

// Messenger enqueues notifications.
type Messenger interface {
	Send(ctx context.Context, req SendRequest) (model.DeliveryHandle, error)
}

// Escalator re-targets unresolved alerts to broader roles. Each tracked alert
// fires at most once per delay and stops as soon as the alert is closed.
type Escalator struct {
	alerts    AlertLookup
	sender    Messenger
	directory Directory
	policies  map[model.Priority]model.EscalationPolicy
	clock     clockwork.Clock
	log       *zap.Logger

	mu      sync.Mutex
	tracked map[string]*escalation
}

type escalation struct {
	alert  model.FraudAlert
	policy model.EscalationPolicy
	due    time.Time
	fired  int
}

// NewEscalator wires an escalator with per-priority policies.
func NewEscalator(alerts AlertLookup, sender Messenger, directory Directory,
	policies map[model.Priority]model.EscalationPolicy, clock clockwork.Clock, log *zap.Logger) *Escalator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Escalator{
		alerts:    alerts,
		sender:    sender,
		directory: directory,
		policies:  policies,
		clock:     clock,
		log:       log.With(zap.String("component", "escalator")),
		tracked:   make(map[string]*escalation),
	}
}

// Track schedules escalation for an alert under the policy of its priority.
// The first escalation is due one delay after the alert was created. It
// reports whether the alert is now tracked.
func (e *Escalator) Track(a model.FraudAlert) bool {
	p, ok := e.policies[model.PriorityForSeverity(a.Severity)]
	if !ok || !p.Enabled || len(p.EscalateToRoles) == 0 || !a.Status.Open() {
		return false
	}
	if p.DelaySeconds <= 0 {
		p.DelaySeconds = 300
	}
	if p.MaxEscalations <= 0 {
		p.MaxEscalations = 1
	}
	base := a.CreatedAt
	if base.IsZero() {
		base = e.clock.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tracked[a.ID]; ok {
		return true
	}
	e.tracked[a.ID] = &escalation{alert: a, policy: p, due: base.Add(delay(p))}
	return true
}

// Cancel stops escalation for an alert.
func (e *Escalator) Cancel(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tracked, alertID)
}

// Tracked reports whether an alert still has escalations outstanding.
func (e *Escalator) Tracked(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tracked[alertID]
	return ok
}

// Tick fires every escalation that is due.
func (e *Escalator) Tick(ctx context.Context) error {
	now := e.clock.Now()
	e.mu.Lock()
	var due []escalation
	for _, esc := range e.tracked {
		if !now.Before(esc.due) {
			due = append(due, *esc)
		}
	}
	e.mu.Unlock()

	var errs error
	for _, esc := range due {
		id := esc.alert.ID
		current, err := e.alerts.GetAlert(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			e.Cancel(id)
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("load alert %s: %w", id, err))
			continue
		}
		if !current.Status.Open() {
			e.Cancel(id)
			continue
		}

		level := esc.fired + 1
		if err := e.escalate(ctx, current, esc.policy, level); err != nil {
			errs = multierr.Append(errs, err)
		}

		e.mu.Lock()
		if live, ok := e.tracked[id]; ok {
			live.fired = level
			if live.fired >= live.policy.MaxEscalations {
				delete(e.tracked, id)
			} else {
				live.due = now.Add(delay(live.policy))
			}
		}
		e.mu.Unlock()
	}
	return errs
}

func (e *Escalator) escalate(ctx context.Context, a model.FraudAlert, p model.EscalationPolicy, level int) error {
	var recipients []string
	for _, role := range p.EscalateToRoles {
		members, err := e.directory.Members(ctx, role)
		if err != nil {
			return fmt.Errorf("resolve role %s: %w", role, err)
		}
		recipients = append(recipients, members...)
	}
	recipients = dedupeStrings(recipients)
	if len(recipients) == 0 {
		e.log.Warn("no escalation recipients", zap.String("alert_id", a.ID), zap.Strings("roles", p.EscalateToRoles))
		return nil
	}

	metrics.Escalations.Inc()
	e.log.Warn("escalating unresolved alert",
		zap.String("alert_id", a.ID),
		zap.Int("level", level),
		zap.Strings("recipients", recipients),
	)
	var errs error
	for _, r := range recipients {
		_, err := e.sender.Send(ctx, SendRequest{
			RecipientID: r,
			Priority:    model.PriorityForSeverity(a.Severity),
			Subject:     fmt.Sprintf("Escalation: unresolved %s alert", a.Type),
			Body: fmt.Sprintf("Alert %s for student %s in session %s has been %s for %s.",
				a.ID, a.StudentID, a.SessionID, a.Status, e.clock.Since(a.CreatedAt).Round(time.Second)),
			AlertID: a.ID,
			Data: map[string]string{
				"alert_id":         a.ID,
				"escalation_level": strconv.Itoa(level),
			},
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("escalate %s to %s: %w", a.ID, r, err))
		}
	}
	return errs
}

func delay(p model.EscalationPolicy) time.Duration {
	return time.Duration(p.DelaySeconds) * time.Second
}
