// Package credential manages the lifecycle of session QR credentials: issue,
// revoke and admission of check-in attempts against validity window and
// attempt limits.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"attendguard/internal/model"
)

// ErrInvalidWindow is returned by Issue for an empty or inverted validity window.
var ErrInvalidWindow = errors.New("credential validity window is empty")

// Store persists credentials.
type Store interface {
	Create(ctx context.Context, c model.Credential) error
	Get(ctx context.Context, id string) (model.Credential, error)
	Revoke(ctx context.Context, id string, at time.Time) error
}

// Counter is an atomic per-key counter. Incr returns the post-increment value.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) error
	Count(ctx context.Context, key string) (int64, error)
}

// IssueOptions overrides the defaults derived from the session.
type IssueOptions struct {
	ValidFrom       time.Time
	ValidTo         time.Time
	MaxAttempts     int
	SingleUse       bool
	RequiredFactors []model.Factor
}

// Manager enforces credential validity.
type Manager struct {
	store   Store
	counter Counter
	clock   clockwork.Clock
	log     *zap.Logger
}

// NewManager creates a manager.
func NewManager(store Store, counter Counter, clock clockwork.Clock, log *zap.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, counter: counter, clock: clock, log: log.With(zap.String("component", "credential"))}
}

// Issue creates a credential for session. The window defaults to the session's
// start and end.
func (m *Manager) Issue(ctx context.Context, session model.Session, opts IssueOptions) (model.Credential, error) {
	if session.State == model.SessionEnded || session.State == model.SessionCancelled {
		return model.Credential{}, fmt.Errorf("session %s is %s: %w", session.ID, session.State, model.ErrCredentialExpired)
	}
	from, to := opts.ValidFrom, opts.ValidTo
	if from.IsZero() {
		from = session.StartsAt
	}
	if to.IsZero() {
		to = session.EndsAt
	}
	if !to.After(from) {
		return model.Credential{}, ErrInvalidWindow
	}

	c := model.Credential{
		ID:              uuid.NewString(),
		SessionID:       session.ID,
		Token:           uuid.NewString(),
		ValidFrom:       from.UTC(),
		ValidTo:         to.UTC(),
		MaxAttempts:     opts.MaxAttempts,
		SingleUse:       opts.SingleUse,
		RequiredFactors: opts.RequiredFactors,
		CreatedAt:       m.clock.Now().UTC(),
	}
	if err := m.store.Create(ctx, c); err != nil {
		return model.Credential{}, err
	}
	m.log.Info("credential issued", zap.String("credential_id", c.ID), zap.String("session_id", session.ID),
		zap.Time("valid_to", c.ValidTo))
	return c, nil
}

// Revoke invalidates a credential immediately.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if err := m.store.Revoke(ctx, id, m.clock.Now().UTC()); err != nil {
		return err
	}
	m.log.Info("credential revoked", zap.String("credential_id", id))
	return nil
}

// Get loads a credential.
func (m *Manager) Get(ctx context.Context, id string) (model.Credential, error) {
	return m.store.Get(ctx, id)
}

// State reports the current lifecycle state of a stored credential.
func (m *Manager) State(ctx context.Context, c model.Credential, session model.Session) (model.CredentialState, error) {
	used, err := m.counter.Count(ctx, totalKey(c.ID))
	if err != nil {
		return "", fmt.Errorf("count credential attempts: %w", err)
	}
	return StateAt(c, session, m.clock.Now(), used), nil
}

// StateAt derives the lifecycle state of c at now. used is the total number of
// attempts recorded against it.
func StateAt(c model.Credential, session model.Session, now time.Time, used int64) model.CredentialState {
	switch {
	case c.RevokedAt != nil:
		return model.CredentialRevoked
	case session.State == model.SessionEnded || session.State == model.SessionCancelled:
		return model.CredentialExpired
	case now.After(c.ValidTo):
		return model.CredentialExpired
	case c.MaxAttempts > 0 && used >= int64(c.MaxAttempts):
		return model.CredentialExpired
	case now.Before(c.ValidFrom):
		return model.CredentialIssued
	default:
		return model.CredentialConsumable
	}
}

// RequiredFactors resolves the factor set for c, falling back to the session policy.
func RequiredFactors(c model.Credential, session model.Session) []model.Factor {
	if len(c.RequiredFactors) > 0 {
		return c.RequiredFactors
	}
	return session.Policy.RequiredFactors
}

// Admit checks that studentID may attempt a check-in with c right now and
// consumes one attempt. Counters are incremented atomically, so two concurrent
// attempts cannot both slip under a limit.
func (m *Manager) Admit(ctx context.Context, c model.Credential, session model.Session, studentID string) error {
	now := m.clock.Now()
	if c.RevokedAt != nil {
		return fmt.Errorf("credential %s revoked: %w", c.ID, model.ErrCredentialExpired)
	}
	if session.State == model.SessionEnded || session.State == model.SessionCancelled {
		return fmt.Errorf("session %s is %s: %w", session.ID, session.State, model.ErrCredentialExpired)
	}
	if now.Before(c.ValidFrom) || now.After(c.ValidTo) {
		return fmt.Errorf("credential %s outside validity window: %w", c.ID, model.ErrCredentialExpired)
	}

	ttl := c.ValidTo.Sub(now) + time.Hour
	if c.MaxAttempts > 0 {
		n, err := m.counter.Incr(ctx, totalKey(c.ID), ttl)
		if err != nil {
			return fmt.Errorf("count credential attempts: %w", err)
		}
		if n > int64(c.MaxAttempts) {
			return fmt.Errorf("credential %s used %d times: %w", c.ID, n-1, model.ErrAttemptLimitExceeded)
		}
	}

	limit := session.Policy.MaxAttempts
	if c.SingleUse {
		limit = 1
	}
	if limit > 0 {
		n, err := m.counter.Incr(ctx, studentKey(c.ID, studentID), ttl)
		if err != nil {
			return fmt.Errorf("count student attempts: %w", err)
		}
		if n > int64(limit) {
			return fmt.Errorf("student %s exceeded %d attempts: %w", studentID, limit, model.ErrAttemptLimitExceeded)
		}
	}
	return nil
}

// Release gives back an attempt consumed by Admit when the attempt could not
// be recorded.
func (m *Manager) Release(ctx context.Context, c model.Credential, session model.Session, studentID string) error {
	var errs error
	if c.MaxAttempts > 0 {
		errs = multierr.Append(errs, m.counter.Decr(ctx, totalKey(c.ID)))
	}
	if c.SingleUse || session.Policy.MaxAttempts > 0 {
		errs = multierr.Append(errs, m.counter.Decr(ctx, studentKey(c.ID, studentID)))
	}
	if err := errs; err != nil {
		return fmt.Errorf("release attempt on %s: %w", c.ID, err)
	}
	m.log.Info("attempt released", zap.String("credential_id", c.ID), zap.String("student_id", studentID))
	return nil
}

func totalKey(credentialID string) string {
	return "attendguard:cred:" + credentialID + ":attempts"
}

func studentKey(credentialID, studentID string) string {
	return "attendguard:cred:" + credentialID + ":student:" + studentID
}
