package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/metrics"
	"attendguard/internal/model"
	"attendguard/internal/ratelimit"
)

// ErrInvalidMessage is returned by Send for requests that cannot be delivered.
var ErrInvalidMessage = errors.New("invalid notification request")

// SendRequest describes one notification to one recipient.
type SendRequest struct {
	RecipientID string            `json:"recipient_id"`
	Priority    model.Priority    `json:"priority"`
	Channels    []model.Channel   `json:"channels,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	AlertID     string            `json:"alert_id,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
}

// BatchReport is the partial-success result of Broadcast.
type BatchReport struct {
	Sent     []model.DeliveryHandle `json:"sent"`
	Failures map[string]string      `json:"failures,omitempty"`
}

// Service is the notification queue.
type Service struct {
	store     Store
	senders   map[model.Channel]Sender
	directory Directory
	limiter   *ratelimit.Keyed
	clock     clockwork.Clock
	log       *zap.Logger
	policy    Policy

	// slots bounds in-flight messages across ticks.
	slots    chan struct{}
	inflight sync.WaitGroup
}

// NewService wires a queue. Channels without a sender fail as unavailable.
func NewService(store Store, senders map[model.Channel]Sender, directory Directory, clock clockwork.Clock, log *zap.Logger, policy Policy) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if directory == nil {
		directory = NewStaticDirectory(nil, nil)
	}
	policy = policy.WithDefaults()
	return &Service{
		store:     store,
		senders:   senders,
		directory: directory,
		limiter:   ratelimit.NewKeyed(policy.RatePerMinute, policy.RateBurst, clock),
		clock:     clock,
		log:       log.With(zap.String("component", "notify")),
		policy:    policy,
		slots:     make(chan struct{}, policy.Concurrency),
	}
}

// Policy returns the effective policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Send enqueues a message. CRITICAL and EMERGENCY messages bypass the
// per-recipient limit and are attempted before Send returns; if that attempt
// fails the message stays queued for retry.
func (s *Service) Send(ctx context.Context, req SendRequest) (model.DeliveryHandle, error) {
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}
	if _, ok := s.policy.Channels[req.Priority]; !ok {
		return model.DeliveryHandle{}, fmt.Errorf("unknown priority %q: %w", req.Priority, ErrInvalidMessage)
	}
	if req.RecipientID == "" || (req.Subject == "" && req.Body == "") {
		return model.DeliveryHandle{}, fmt.Errorf("recipient and content required: %w", ErrInvalidMessage)
	}
	if !req.Priority.Urgent() && !s.limiter.Allow(req.RecipientID) {
		metrics.RateLimited.Inc()
		return model.DeliveryHandle{}, fmt.Errorf("recipient %s: %w", req.RecipientID, model.ErrRateLimited)
	}

	now := s.clock.Now().UTC()
	channels := req.Channels
	if len(channels) == 0 {
		channels = s.policy.ChannelsFor(req.Priority)
	}
	m := model.Message{
		ID:            uuid.NewString(),
		RecipientID:   req.RecipientID,
		Priority:      req.Priority,
		Channels:      dedupeChannels(channels),
		Subject:       req.Subject,
		Body:          req.Body,
		Data:          req.Data,
		AlertID:       req.AlertID,
		Status:        model.MessagePending,
		MaxRetries:    s.policy.MaxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		at := req.ScheduledAt.UTC()
		m.Status = model.MessageScheduled
		m.ScheduledAt = &at
		m.NextAttemptAt = at
	}
	if err := s.store.Create(ctx, m); err != nil {
		return model.DeliveryHandle{}, fmt.Errorf("store message: %w", err)
	}
	s.log.Info("message queued",
		zap.String("message_id", m.ID),
		zap.String("recipient_id", m.RecipientID),
		zap.String("priority", string(m.Priority)),
		zap.String("status", string(m.Status)),
	)

	handle := model.DeliveryHandle{MessageID: m.ID, Status: m.Status}
	if m.Status == model.MessagePending && m.Priority.Urgent() {
		status, err := s.deliverNow(ctx, m.ID)
		if err != nil {
			s.log.Warn("synchronous delivery failed, left queued", zap.String("message_id", m.ID), zap.Error(err))
			return handle, nil
		}
		handle.Status = status
	}
	return handle, nil
}

func (s *Service) deliverNow(ctx context.Context, id string) (model.MessageStatus, error) {
	m, claimed, err := s.store.ClaimOne(ctx, id, s.clock.Now().UTC())
	if err != nil {
		return "", err
	}
	if !claimed {
		return m.Status, nil
	}
	done, err := s.process(ctx, m)
	if err != nil {
		return model.MessageSending, err
	}
	if done.Status != model.MessageDelivered {
		return done.Status, errors.New(done.LastError)
	}
	return done.Status, nil
}

// Tick processes one batch of due messages, waits for it and returns how many
// it claimed.
func (s *Service) Tick(ctx context.Context) (int, error) {
	var batch sync.WaitGroup
	n, err := s.dispatch(ctx, s.policy.BatchSize, &batch)
	batch.Wait()
	return n, err
}

// Pump claims as many due messages as there are free delivery slots and
// returns without waiting for them. A message keeps its slot until its round
// finishes, so a slow channel holds back only its own messages.
func (s *Service) Pump(ctx context.Context) (int, error) {
	return s.dispatch(ctx, min(cap(s.slots)-len(s.slots), s.policy.BatchSize), nil)
}

// Wait blocks until every dispatched message has finished its round.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) dispatch(ctx context.Context, limit int, batch *sync.WaitGroup) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	claimed, err := s.store.Claim(ctx, s.clock.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("claim due messages: %w", err)
	}
	metrics.QueueBatch.Observe(float64(len(claimed)))

	for _, m := range claimed {
		m := m
		s.slots <- struct{}{}
		s.inflight.Add(1)
		if batch != nil {
			batch.Add(1)
		}
		go func() {
			defer func() {
				<-s.slots
				s.inflight.Done()
				if batch != nil {
					batch.Done()
				}
			}()
			if _, err := s.process(ctx, m); err != nil {
				s.log.Error("process message failed", zap.String("message_id", m.ID), zap.Error(err))
			}
		}()
	}
	return len(claimed), nil
}

// process runs one delivery round for a claimed message: every channel that
// has not yet delivered is attempted concurrently, then the message moves to
// its next state.
func (s *Service) process(ctx context.Context, m model.Message) (model.Message, error) {
	// Bookkeeping must survive a caller that gives up mid-send.
	ctx = context.WithoutCancel(ctx)

	history, err := s.store.Deliveries(ctx, m.ID)
	if err != nil {
		return m, fmt.Errorf("load deliveries: %w", err)
	}
	delivered := map[model.Channel]bool{}
	unavailable := map[model.Channel]bool{}
	for _, d := range history {
		switch {
		case d.Outcome == model.DeliverySucceeded:
			delivered[d.Channel] = true
		case d.Error == model.ErrChannelUnavailable.Error():
			unavailable[d.Channel] = true
		}
	}
	var targets []model.Channel
	for _, ch := range m.Channels {
		if !delivered[ch] && !unavailable[ch] {
			targets = append(targets, ch)
		}
	}

	m.Attempts++
	contact, contactErr := s.directory.Contact(ctx, m.RecipientID)

	results := make([]model.Delivery, len(targets))
	var g errgroup.Group
	for i, ch := range targets {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = s.attempt(ctx, m, ch, contact, contactErr)
			return nil
		})
	}
	_ = g.Wait()

	var lastErr string
	retryable := 0
	for _, d := range results {
		if err := s.store.AddDelivery(ctx, d); err != nil {
			return m, fmt.Errorf("record delivery: %w", err)
		}
		metrics.Deliveries.WithLabelValues(string(d.Channel), string(d.Outcome)).Inc()
		switch {
		case d.Outcome == model.DeliverySucceeded:
			delivered[d.Channel] = true
		case d.Error == model.ErrChannelUnavailable.Error():
			unavailable[d.Channel] = true
			lastErr = string(d.Channel) + ": " + d.Error
		default:
			retryable++
			lastErr = string(d.Channel) + ": " + d.Error
		}
	}

	now := s.clock.Now().UTC()
	switch {
	case retryable > 0 && m.Attempts <= m.MaxRetries:
		m.Status = model.MessagePending
		m.NextAttemptAt = now.Add(s.backoff(m.Attempts))
	case len(delivered) > 0:
		m.Status = model.MessageDelivered
	default:
		m.Status = model.MessageFailed
	}
	m.LastError = lastErr
	m.UpdatedAt = now
	if err := s.store.Finish(ctx, m); err != nil {
		return m, fmt.Errorf("finish message: %w", err)
	}

	fields := []zap.Field{
		zap.String("message_id", m.ID),
		zap.String("status", string(m.Status)),
		zap.Int("attempt", m.Attempts),
	}
	if m.Status.Terminal() {
		metrics.MessagesFinished.WithLabelValues(string(m.Status)).Inc()
	}
	switch m.Status {
	case model.MessageFailed:
		s.log.Error("message failed", append(fields, zap.String("last_error", lastErr))...)
	case model.MessagePending:
		s.log.Warn("delivery retry scheduled", append(fields, zap.Time("next_attempt_at", m.NextAttemptAt))...)
	default:
		s.log.Info("message delivered", fields...)
	}
	return m, nil
}

func (s *Service) attempt(ctx context.Context, m model.Message, ch model.Channel, contact Contact, contactErr error) model.Delivery {
	d := model.Delivery{
		ID:        uuid.NewString(),
		MessageID: m.ID,
		Channel:   ch,
		Attempt:   m.Attempts,
		StartedAt: s.clock.Now().UTC(),
	}

	err := contactErr
	if err == nil {
		sender, ok := s.senders[ch]
		if !ok || sender == nil {
			err = model.ErrChannelUnavailable
		} else {
			actx, cancel := context.WithTimeout(ctx, s.policy.DeliveryTimeout)
			err = sender.Send(actx, contact, m.RecipientID, m)
			if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%s after %s: %w", ch, s.policy.DeliveryTimeout, model.ErrDeliveryTimeout)
			}
			cancel()
		}
	}

	d.CompletedAt = s.clock.Now().UTC()
	switch {
	case err == nil:
		d.Outcome = model.DeliverySucceeded
	case errors.Is(err, model.ErrChannelUnavailable):
		d.Outcome = model.DeliveryFailed
		d.Error = model.ErrChannelUnavailable.Error()
	default:
		d.Outcome = model.DeliveryFailed
		d.Error = err.Error()
	}
	return d
}

// backoff returns the delay before retry n (1-based): base, 2*base, 4*base,
// capped at MaxBackoff.
func (s *Service) backoff(n int) time.Duration {
	b := retry.WithCappedDuration(s.policy.MaxBackoff, retry.NewExponential(s.policy.BaseBackoff))
	var d time.Duration
	for i := 0; i < n; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// Cancel stops a message that has not started sending.
func (s *Service) Cancel(ctx context.Context, id string) (model.Message, error) {
	m, err := s.store.Cancel(ctx, id, s.clock.Now().UTC())
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return m, fmt.Errorf("message %s is %s: %w", id, m.Status, err)
		}
		return m, err
	}
	metrics.MessagesFinished.WithLabelValues(string(m.Status)).Inc()
	s.log.Info("message cancelled", zap.String("message_id", id))
	return m, nil
}

// Get returns one message.
func (s *Service) Get(ctx context.Context, id string) (model.Message, error) {
	return s.store.Get(ctx, id)
}

// History returns every delivery attempt for a message, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]model.Delivery, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Deliveries(ctx, id)
}

// Broadcast sends req to every recipient with at most Concurrency sends in
// flight. Failures do not stop the batch; they are reported per recipient and
// combined into the returned error.
func (s *Service) Broadcast(ctx context.Context, recipients []string, req SendRequest) (BatchReport, error) {
	var (
		mu     sync.Mutex
		report = BatchReport{Failures: map[string]string{}}
		errs   error
		g      errgroup.Group
	)
	g.SetLimit(s.policy.Concurrency)
	for _, r := range dedupeStrings(recipients) {
		r := r
		g.Go(func() error {
			one := req
			one.RecipientID = r
			h, err := s.Send(ctx, one)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures[r] = err.Error()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", r, err))
				return nil
			}
			report.Sent = append(report.Sent, h)
			return nil
		})
	}
	_ = g.Wait()
	if len(report.Failures) == 0 {
		report.Failures = nil
	}
	s.log.Info("broadcast finished", zap.Int("sent", len(report.Sent)), zap.Int("failed", len(multierr.Errors(errs))))
	return report, errs
}

func dedupeChannels(in []model.Channel) []model.Channel {
	seen := map[model.Channel]bool{}
	var out []model.Channel
	for _, c := range in {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
