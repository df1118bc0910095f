// Package fraud turns verification outcomes into fraud alerts and owns the
// alert resolution workflow.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"attendguard/internal/metrics"
	"attendguard/internal/model"
	"attendguard/internal/queue"
)

// AttemptLog is the read side of the attempt log used by pattern detectors.
type AttemptLog interface {
	AttemptsByDevice(ctx context.Context, fingerprint string, since time.Time) ([]model.Attempt, error)
	AttemptsByStudent(ctx context.Context, studentID string, since time.Time) ([]model.Attempt, error)
}

// Notifier is told about new and closed alerts. Implementations must not
// block for long; delivery happens on the notification queue.
type Notifier interface {
	AlertRaised(ctx context.Context, a model.FraudAlert) error
	AlertClosed(ctx context.Context, a model.FraudAlert)
}

// Config holds pattern thresholds. Zero values take defaults.
type Config struct {
	SharingWindow time.Duration
	RapidWindow   time.Duration
	RapidAttempts int
	TravelWindow  time.Duration
	// MaxTravelKmh is the fastest plausible movement between two check-ins.
	MaxTravelKmh float64
	// MinTravelKm ignores jumps shorter than this, which GPS noise can produce.
	MinTravelKm float64
}

func (c Config) withDefaults() Config {
	if c.SharingWindow <= 0 {
		c.SharingWindow = 2 * time.Minute
	}
	if c.RapidWindow <= 0 {
		c.RapidWindow = 10 * time.Minute
	}
	if c.RapidAttempts <= 0 {
		c.RapidAttempts = 5
	}
	if c.TravelWindow <= 0 {
		c.TravelWindow = 6 * time.Hour
	}
	if c.MaxTravelKmh <= 0 {
		c.MaxTravelKmh = 900
	}
	if c.MinTravelKm <= 0 {
		c.MinTravelKm = 100
	}
	return c
}

// Engine evaluates outcomes against alert rules.
type Engine struct {
	store    Store
	attempts AttemptLog
	notifier Notifier
	clock    clockwork.Clock
	log      *zap.Logger
	cfg      Config
}

// NewEngine wires an engine. notifier may be nil.
func NewEngine(store Store, attempts AttemptLog, notifier Notifier, clock clockwork.Clock, log *zap.Logger, cfg Config) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    store,
		attempts: attempts,
		notifier: notifier,
		clock:    clock,
		log:      log.With(zap.String("component", "fraud")),
		cfg:      cfg.withDefaults(),
	}
}

// HandleOutcome raises every alert the outcome warrants and returns the ones
// newly created. Handling the same outcome twice creates nothing new.
func (e *Engine) HandleOutcome(ctx context.Context, o model.Outcome) ([]model.FraudAlert, error) {
	if !o.FraudDetection {
		return nil, nil
	}
	found, err := e.detect(ctx, o)
	if err != nil {
		return nil, err
	}

	var created []model.FraudAlert
	for _, f := range found {
		now := e.clock.Now().UTC()
		alert := model.FraudAlert{
			ID:          uuid.NewString(),
			Type:        f.kind,
			Severity:    f.severity,
			Status:      model.AlertPending,
			AttemptID:   o.Attempt.ID,
			SessionID:   o.Attempt.SessionID,
			StudentID:   o.Attempt.StudentID,
			ProfessorID: o.ProfessorID,
			RiskScore:   o.Attempt.RiskScore,
			Details:     f.details,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		stored, isNew, err := e.store.Create(ctx, alert)
		if err != nil {
			return created, fmt.Errorf("create %s alert: %w", f.kind, err)
		}
		if !isNew {
			continue
		}
		metrics.Alerts.WithLabelValues(string(stored.Type), string(stored.Severity)).Inc()
		e.log.Warn("fraud alert raised",
			zap.String("alert_id", stored.ID),
			zap.String("type", string(stored.Type)),
			zap.String("severity", string(stored.Severity)),
			zap.String("attempt_id", stored.AttemptID),
			zap.String("student_id", stored.StudentID),
		)
		if e.notifier != nil {
			if err := e.notifier.AlertRaised(ctx, stored); err != nil {
				e.log.Error("alert notification failed", zap.String("alert_id", stored.ID), zap.Error(err))
			}
		}
		created = append(created, stored)
	}
	return created, nil
}

// Run consumes outcome messages until ctx is done. Each decoded outcome is
// also handed to the observers after alert handling.
func (e *Engine) Run(ctx context.Context, q queue.Queue, observers ...func(context.Context, model.Outcome)) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume outcomes: %w", err)
	}
	e.log.Info("fraud engine started")
	for msg := range messages {
		o, err := queue.DecodeOutcome(msg)
		if err != nil {
			e.log.Warn("dropping message", zap.String("type", msg.Type), zap.Error(err))
			continue
		}
		if _, err := e.HandleOutcome(ctx, o); err != nil {
			e.log.Error("handle outcome failed", zap.String("attempt_id", o.Attempt.ID), zap.Error(err))
		}
		for _, observe := range observers {
			observe(ctx, o)
		}
	}
	e.log.Info("fraud engine stopped")
	return ctx.Err()
}

// GetAlert returns one alert with its action history.
func (e *Engine) GetAlert(ctx context.Context, id string) (model.FraudAlert, error) {
	return e.store.Get(ctx, id)
}

// ListAlerts returns alerts matching f, newest first.
func (e *Engine) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.FraudAlert, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return e.store.List(ctx, f)
}

// ResolveAlert moves an alert to a new status on behalf of a resolver.
// Closing an alert stops any pending escalation.
func (e *Engine) ResolveAlert(ctx context.Context, id string, to model.AlertStatus, resolverID, notes string) (model.FraudAlert, error) {
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return model.FraudAlert{}, err
	}
	if !CanTransition(current.Status, to) {
		return model.FraudAlert{}, fmt.Errorf("alert %s %s -> %s: %w", id, current.Status, to, model.ErrInvalidTransition)
	}
	action := model.AlertAction{
		From:       current.Status,
		To:         to,
		ResolverID: resolverID,
		Notes:      notes,
		At:         e.clock.Now().UTC(),
	}
	updated, err := e.store.Transition(ctx, id, action)
	if err != nil {
		return model.FraudAlert{}, err
	}
	e.log.Info("alert transitioned",
		zap.String("alert_id", id),
		zap.String("from", string(action.From)),
		zap.String("to", string(action.To)),
		zap.String("resolver_id", resolverID),
	)
	if !updated.Status.Open() && e.notifier != nil {
		e.notifier.AlertClosed(ctx, updated)
	}
	return updated, nil
}

// CanTransition reports whether a resolver may move an alert from one status
// to another.
func CanTransition(from, to model.AlertStatus) bool {
	switch from {
	case model.AlertPending:
		return to == model.AlertInvestigating || to == model.AlertResolved || to == model.AlertDismissed
	case model.AlertInvestigating:
		return to == model.AlertResolved || to == model.AlertDismissed
	default:
		return false
	}
}
