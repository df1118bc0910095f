package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"attendguard/internal/model"
)

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]model.Credential
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]model.Credential)}
}

func (s *MemoryStore) Create(_ context.Context, c model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[c.ID]; ok {
		return errors.New("credential already exists")
	}
	s.creds[c.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return model.Credential{}, model.ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return model.ErrNotFound
	}
	if c.RevokedAt == nil {
		c.RevokedAt = &at
		s.creds[id] = c
	}
	return nil
}

// PGStore persists credentials in Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, c model.Credential) error {
	factors, err := json.Marshal(c.RequiredFactors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, session_id, token, valid_from, valid_to, max_attempts, single_use, required_factors, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.ID, c.SessionID, c.Token, c.ValidFrom, c.ValidTo, c.MaxAttempts, c.SingleUse, factors, c.CreatedAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (model.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, token, valid_from, valid_to, max_attempts, single_use, required_factors, revoked_at, created_at
		FROM credentials WHERE id = $1
	`, id)
	var (
		c       model.Credential
		factors []byte
	)
	if err := row.Scan(&c.ID, &c.SessionID, &c.Token, &c.ValidFrom, &c.ValidTo, &c.MaxAttempts, &c.SingleUse, &factors, &c.RevokedAt, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Credential{}, model.ErrNotFound
		}
		return model.Credential{}, err
	}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &c.RequiredFactors); err != nil {
			return model.Credential{}, err
		}
	}
	return c, nil
}

func (s *PGStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}
