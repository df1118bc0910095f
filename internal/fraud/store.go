package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"attendguard/internal/model"
)

// Store persists alerts. Create is atomic on (attempt id, type): when an alert
// already exists it returns that alert and false. Transition applies an
// action only if the alert is still in action.From.
type Store interface {
	Create(ctx context.Context, a model.FraudAlert) (model.FraudAlert, bool, error)
	Get(ctx context.Context, id string) (model.FraudAlert, error)
	List(ctx context.Context, f model.AlertFilter) ([]model.FraudAlert, error)
	Transition(ctx context.Context, id string, action model.AlertAction) (model.FraudAlert, error)
}

type alertKey struct {
	attemptID string
	kind      model.AlertType
}

// MemoryStore keeps alerts in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]model.FraudAlert
	byKey  map[alertKey]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]model.FraudAlert), byKey: make(map[alertKey]string)}
}

func (s *MemoryStore) Create(_ context.Context, a model.FraudAlert) (model.FraudAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alertKey{a.AttemptID, a.Type}
	if id, ok := s.byKey[key]; ok {
		return copyAlert(s.alerts[id]), false, nil
	}
	s.alerts[a.ID] = copyAlert(a)
	s.byKey[key] = a.ID
	return copyAlert(a), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.FraudAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return model.FraudAlert{}, model.ErrNotFound
	}
	return copyAlert(a), nil
}

func (s *MemoryStore) List(_ context.Context, f model.AlertFilter) ([]model.FraudAlert, error) {
	s.mu.RLock()
	var res []model.FraudAlert
	for _, a := range s.alerts {
		if f.Match(a) {
			res = append(res, copyAlert(a))
		}
	}
	s.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if f.Offset >= len(res) {
		return nil, nil
	}
	res = res[f.Offset:]
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, action model.AlertAction) (model.FraudAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return model.FraudAlert{}, model.ErrNotFound
	}
	if a.Status != action.From {
		return model.FraudAlert{}, model.ErrInvalidTransition
	}
	a.Status = action.To
	a.UpdatedAt = action.At
	a.Actions = append(a.Actions, action)
	s.alerts[id] = a
	return copyAlert(a), nil
}

func copyAlert(a model.FraudAlert) model.FraudAlert {
	if a.Details != nil {
		d := make(map[string]string, len(a.Details))
		for k, v := range a.Details {
			d[k] = v
		}
		a.Details = d
	}
	a.Actions = append([]model.AlertAction(nil), a.Actions...)
	return a
}

// PGStore persists alerts in Postgres. Actions live in their own
// append-only table.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const alertColumns = `id, type, severity, status, attempt_id, session_id, student_id, professor_id, risk_score, details, created_at, updated_at`

func scanAlert(row interface{ Scan(...any) error }) (model.FraudAlert, error) {
	var (
		a       model.FraudAlert
		details []byte
	)
	if err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.Status, &a.AttemptID, &a.SessionID, &a.StudentID,
		&a.ProfessorID, &a.RiskScore, &details, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.FraudAlert{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return model.FraudAlert{}, err
		}
	}
	return a, nil
}

func (s *PGStore) Create(ctx context.Context, a model.FraudAlert) (model.FraudAlert, bool, error) {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return model.FraudAlert{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (`+alertColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (attempt_id, type) DO NOTHING
	`, a.ID, a.Type, a.Severity, a.Status, a.AttemptID, a.SessionID, a.StudentID, a.ProfessorID, a.RiskScore,
		details, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return model.FraudAlert{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return a, true, nil
	}
	existing, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM fraud_alerts WHERE attempt_id = $1 AND type = $2`, a.AttemptID, a.Type))
	if err != nil {
		return model.FraudAlert{}, false, err
	}
	return existing, false, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (model.FraudAlert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.FraudAlert{}, model.ErrNotFound
		}
		return model.FraudAlert{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_status, to_status, resolver_id, notes, at
		FROM fraud_alert_actions WHERE alert_id = $1 ORDER BY at, id
	`, id)
	if err != nil {
		return model.FraudAlert{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var act model.AlertAction
		if err := rows.Scan(&act.From, &act.To, &act.ResolverID, &act.Notes, &act.At); err != nil {
			return model.FraudAlert{}, err
		}
		a.Actions = append(a.Actions, act)
	}
	return a, rows.Err()
}

func (s *PGStore) List(ctx context.Context, f model.AlertFilter) ([]model.FraudAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM fraud_alerts`
	var (
		args    []any
		clauses []string
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, column+" = $"+strconv.Itoa(len(args)))
	}
	add("status", string(f.Status))
	add("severity", string(f.Severity))
	add("type", string(f.Type))
	add("session_id", f.SessionID)
	add("student_id", f.StudentID)
	add("professor_id", f.ProfessorID)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.FraudAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *PGStore) Transition(ctx context.Context, id string, action model.AlertAction) (model.FraudAlert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.FraudAlert{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE fraud_alerts SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, action.From, action.To, action.At)
	if err != nil {
		return model.FraudAlert{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM fraud_alerts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return model.FraudAlert{}, err
		}
		if !exists {
			return model.FraudAlert{}, model.ErrNotFound
		}
		return model.FraudAlert{}, model.ErrInvalidTransition
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fraud_alert_actions (alert_id, from_status, to_status, resolver_id, notes, at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, id, action.From, action.To, action.ResolverID, action.Notes, action.At); err != nil {
		return model.FraudAlert{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.FraudAlert{}, err
	}
	return s.Get(ctx, id)
}
