package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"attendguard/internal/model"
)

// Store persists messages and their append-only delivery history. Claim and
// ClaimOne move due messages to SENDING atomically so no two workers process
// the same message.
type Store interface {
	Create(ctx context.Context, m model.Message) error
	Get(ctx context.Context, id string) (model.Message, error)
	Claim(ctx context.Context, now time.Time, limit int) ([]model.Message, error)
	ClaimOne(ctx context.Context, id string, now time.Time) (model.Message, bool, error)
	Finish(ctx context.Context, m model.Message) error
	Cancel(ctx context.Context, id string, at time.Time) (model.Message, error)
	AddDelivery(ctx context.Context, d model.Delivery) error
	Deliveries(ctx context.Context, messageID string) ([]model.Delivery, error)
}

func due(m model.Message, now time.Time) bool {
	switch m.Status {
	case model.MessagePending:
		return !m.NextAttemptAt.After(now)
	case model.MessageScheduled:
		return m.ScheduledAt == nil || !m.ScheduledAt.After(now)
	default:
		return false
	}
}

// MemoryStore keeps messages in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	messages   map[string]model.Message
	deliveries map[string][]model.Delivery
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]model.Message), deliveries: make(map[string][]model.Delivery)}
}

func (s *MemoryStore) Create(_ context.Context, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return errors.New("message already exists")
	}
	s.messages[m.ID] = m
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, model.ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []model.Message
	for _, m := range s.messages {
		if due(m, now) {
			ready = append(ready, m)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	for i := range ready {
		ready[i].Status = model.MessageSending
		ready[i].UpdatedAt = now
		s.messages[ready[i].ID] = ready[i]
	}
	return ready, nil
}

func (s *MemoryStore) ClaimOne(_ context.Context, id string, now time.Time) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, false, model.ErrNotFound
	}
	if m.Status != model.MessagePending {
		return m, false, nil
	}
	m.Status = model.MessageSending
	m.UpdatedAt = now
	s.messages[id] = m
	return m, true, nil
}

func (s *MemoryStore) Finish(_ context.Context, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages[m.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Status != model.MessageSending {
		return model.ErrInvalidTransition
	}
	s.messages[m.ID] = m
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, id string, at time.Time) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, model.ErrNotFound
	}
	if m.Status != model.MessagePending && m.Status != model.MessageScheduled {
		return m, model.ErrInvalidTransition
	}
	m.Status = model.MessageCancelled
	m.UpdatedAt = at
	s.messages[id] = m
	return m, nil
}

func (s *MemoryStore) AddDelivery(_ context.Context, d model.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.MessageID] = append(s.deliveries[d.MessageID], d)
	return nil
}

func (s *MemoryStore) Deliveries(_ context.Context, messageID string) ([]model.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Delivery(nil), s.deliveries[messageID]...), nil
}

// PGStore persists messages in Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const messageColumns = `id, recipient_id, priority, channels, subject, body, data, alert_id, status, attempts, max_retries, scheduled_at, next_attempt_at, last_error, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (model.Message, error) {
	var (
		m              model.Message
		channels, data []byte
	)
	if err := row.Scan(&m.ID, &m.RecipientID, &m.Priority, &channels, &m.Subject, &m.Body, &data, &m.AlertID,
		&m.Status, &m.Attempts, &m.MaxRetries, &m.ScheduledAt, &m.NextAttemptAt, &m.LastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return model.Message{}, err
	}
	if err := json.Unmarshal(channels, &m.Channels); err != nil {
		return model.Message{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m.Data); err != nil {
			return model.Message{}, err
		}
	}
	return m, nil
}

func (s *PGStore) Create(ctx context.Context, m model.Message) error {
	channels, err := json.Marshal(m.Channels)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_messages (`+messageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, m.ID, m.RecipientID, m.Priority, channels, m.Subject, m.Body, data, m.AlertID, m.Status, m.Attempts,
		m.MaxRetries, m.ScheduledAt, m.NextAttemptAt, m.LastError, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM notification_messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, model.ErrNotFound
	}
	return m, err
}

// priorityRank mirrors model.Priority.Rank.
const priorityRank = `CASE priority
	WHEN 'EMERGENCY' THEN 4
	WHEN 'CRITICAL' THEN 3
	WHEN 'HIGH' THEN 2
	WHEN 'NORMAL' THEN 1
	ELSE 0 END`

// Claim uses SKIP LOCKED so concurrent workers split the due set. Higher
// priorities are claimed first, then the longest-waiting messages.
func (s *PGStore) Claim(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE notification_messages SET status = 'SENDING', updated_at = $1
		WHERE id IN (
			SELECT id FROM notification_messages
			WHERE (status = 'PENDING' AND next_attempt_at <= $1)
			   OR (status = 'SCHEDULED' AND (scheduled_at IS NULL OR scheduled_at <= $1))
			ORDER BY `+priorityRank+` DESC, next_attempt_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *PGStore) ClaimOne(ctx context.Context, id string, now time.Time) (model.Message, bool, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE notification_messages SET status = 'SENDING', updated_at = $2
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+messageColumns, id, now))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, false, err
	}
	m, err = s.Get(ctx, id)
	return m, false, err
}

func (s *PGStore) Finish(ctx context.Context, m model.Message) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_messages
		SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5, updated_at = $6
		WHERE id = $1 AND status = 'SENDING'
	`, m.ID, m.Status, m.Attempts, m.NextAttemptAt, m.LastError, m.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrInvalidTransition
	}
	return nil
}

func (s *PGStore) Cancel(ctx context.Context, id string, at time.Time) (model.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE notification_messages SET status = 'CANCELLED', updated_at = $2
		WHERE id = $1 AND status IN ('PENDING', 'SCHEDULED')
		RETURNING `+messageColumns, id, at))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, err
	}
	m, err = s.Get(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	return m, model.ErrInvalidTransition
}

func (s *PGStore) AddDelivery(ctx context.Context, d model.Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_deliveries (id, message_id, channel, attempt, outcome, error, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, d.ID, d.MessageID, d.Channel, d.Attempt, d.Outcome, d.Error, d.StartedAt, d.CompletedAt)
	return err
}

func (s *PGStore) Deliveries(ctx context.Context, messageID string) ([]model.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, channel, attempt, outcome, error, started_at, completed_at
		FROM notification_deliveries WHERE message_id = $1
		ORDER BY started_at, channel
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Delivery
	for rows.Next() {
		var d model.Delivery
		if err := rows.Scan(&d.ID, &d.MessageID, &d.Channel, &d.Attempt, &d.Outcome, &d.Error, &d.StartedAt, &d.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
