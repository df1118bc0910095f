package attendance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"attendguard/internal/model"
)

// ErrLiveRecordConflict means the live record changed between read and write.
var ErrLiveRecordConflict = errors.New("live attendance record changed concurrently")

// Commit is the atomic unit written for one attempt: the attempt itself and,
// optionally, a new live record that supersedes the previous one.
type Commit struct {
	Attempt    model.Attempt
	Record     *model.Record
	Supersedes string
}

// Store persists attempts and records. Commit must reject a reused attempt id
// with model.ErrDuplicateAttempt and must keep at most one live record per
// (session, student).
type Store interface {
	GetAttempt(ctx context.Context, id string) (model.Attempt, error)
	GetRecord(ctx context.Context, id string) (model.Record, error)
	LiveRecord(ctx context.Context, sessionID, studentID string) (*model.Record, error)
	RecordHistory(ctx context.Context, sessionID, studentID string) ([]model.Record, error)
	AttemptsByDevice(ctx context.Context, fingerprint string, since time.Time) ([]model.Attempt, error)
	AttemptsByStudent(ctx context.Context, studentID string, since time.Time) ([]model.Attempt, error)
	Commit(ctx context.Context, c Commit) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string]model.Attempt
	order    []string
	records  map[string]model.Record
	live     map[pairKey]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]model.Attempt),
		records:  make(map[string]model.Record),
		live:     make(map[pairKey]string),
	}
}

func (s *MemoryStore) GetAttempt(_ context.Context, id string) (model.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return model.Attempt{}, model.ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return model.Record{}, model.ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) LiveRecord(_ context.Context, sessionID, studentID string) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.live[pairKey{sessionID, studentID}]
	if !ok {
		return nil, nil
	}
	r := s.records[id]
	return &r, nil
}

func (s *MemoryStore) RecordHistory(_ context.Context, sessionID, studentID string) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Record
	for _, r := range s.records {
		if r.SessionID == sessionID && r.StudentID == studentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AttemptsByDevice(_ context.Context, fingerprint string, since time.Time) ([]model.Attempt, error) {
	return s.filter(func(a model.Attempt) bool {
		return a.Evidence.DeviceFingerprint == fingerprint && !a.ReceivedAt.Before(since)
	}), nil
}

func (s *MemoryStore) AttemptsByStudent(_ context.Context, studentID string, since time.Time) ([]model.Attempt, error) {
	return s.filter(func(a model.Attempt) bool {
		return a.StudentID == studentID && !a.ReceivedAt.Before(since)
	}), nil
}

func (s *MemoryStore) filter(keep func(model.Attempt) bool) []model.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Attempt
	for _, id := range s.order {
		if a := s.attempts[id]; keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemoryStore) Commit(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[c.Attempt.ID]; ok {
		return model.ErrDuplicateAttempt
	}
	if c.Record != nil {
		key := pairKey{c.Record.SessionID, c.Record.StudentID}
		current, hasLive := s.live[key]
		if hasLive != (c.Supersedes != "") || (hasLive && current != c.Supersedes) {
			return ErrLiveRecordConflict
		}
		if hasLive {
			old := s.records[current]
			at := c.Record.CreatedAt
			old.SupersededAt = &at
			old.SupersededBy = c.Record.ID
			s.records[current] = old
		}
		s.records[c.Record.ID] = *c.Record
		s.live[key] = c.Record.ID
	}
	s.attempts[c.Attempt.ID] = c.Attempt
	s.order = append(s.order, c.Attempt.ID)
	return nil
}

// MemoryRoster is an in-process stand-in for the course and roster
// collaborators.
type MemoryRoster struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	devices  map[string][]string
}

// NewMemoryRoster creates an empty roster.
func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{sessions: make(map[string]model.Session), devices: make(map[string][]string)}
}

// PutSession adds or replaces a session.
func (r *MemoryRoster) PutSession(s model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// AddDevice registers a known fingerprint for a student.
func (r *MemoryRoster) AddDevice(studentID, fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[studentID] = append(r.devices[studentID], fingerprint)
}

func (r *MemoryRoster) GetSession(_ context.Context, id string) (model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, model.ErrNotFound
	}
	return s, nil
}

func (r *MemoryRoster) KnownDevices(_ context.Context, studentID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.devices[studentID]...), nil
}
