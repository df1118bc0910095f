package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"attendguard/internal/model"
)

const uniqueViolation = "23505"

// Repository persists attempts and records in Postgres. It also reads the
// sessions and student_devices tables owned by the course and roster services.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const attemptColumns = `id, credential_id, session_id, student_id, evidence, received_at, outcome, decision, risk_score, reason, record_id`

const recordColumns = `id, session_id, student_id, attempt_id, status, review_pending, risk_score, evidence, factors, created_at, superseded_at, superseded_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (model.Attempt, error) {
	var (
		a        model.Attempt
		evidence []byte
	)
	if err := row.Scan(&a.ID, &a.CredentialID, &a.SessionID, &a.StudentID, &evidence, &a.ReceivedAt,
		&a.Outcome, &a.Decision, &a.RiskScore, &a.Reason, &a.RecordID); err != nil {
		return model.Attempt{}, err
	}
	if err := json.Unmarshal(evidence, &a.Evidence); err != nil {
		return model.Attempt{}, fmt.Errorf("decode attempt evidence: %w", err)
	}
	return a, nil
}

func scanRecord(row scanner) (model.Record, error) {
	var (
		r                 model.Record
		evidence, factors []byte
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.StudentID, &r.AttemptID, &r.Status, &r.ReviewPending, &r.RiskScore,
		&evidence, &factors, &r.CreatedAt, &r.SupersededAt, &r.SupersededBy); err != nil {
		return model.Record{}, err
	}
	if err := json.Unmarshal(evidence, &r.Evidence); err != nil {
		return model.Record{}, fmt.Errorf("decode record evidence: %w", err)
	}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &r.Factors); err != nil {
			return model.Record{}, fmt.Errorf("decode record factors: %w", err)
		}
	}
	return r, nil
}

// GetAttempt returns a single attempt by id.
func (r *Repository) GetAttempt(ctx context.Context, id string) (model.Attempt, error) {
	a, err := scanAttempt(r.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attendance_attempts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attempt{}, model.ErrNotFound
	}
	return a, err
}

// GetRecord returns a single record by id, live or superseded.
func (r *Repository) GetRecord(ctx context.Context, id string) (model.Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, model.ErrNotFound
	}
	return rec, err
}

// LiveRecord returns the current record for a pair, or nil.
func (r *Repository) LiveRecord(ctx context.Context, sessionID, studentID string) (*model.Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 AND student_id = $2 AND superseded_at IS NULL
	`, sessionID, studentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordHistory returns every record for a pair, oldest first.
func (r *Repository) RecordHistory(ctx context.Context, sessionID, studentID string) ([]model.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
		ORDER BY created_at
	`, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// AttemptsByDevice returns attempts made with a fingerprint since a cutoff.
func (r *Repository) AttemptsByDevice(ctx context.Context, fingerprint string, since time.Time) ([]model.Attempt, error) {
	return r.listAttempts(ctx, `device_fingerprint = $1 AND received_at >= $2`, fingerprint, since)
}

// AttemptsByStudent returns a student's attempts since a cutoff.
func (r *Repository) AttemptsByStudent(ctx context.Context, studentID string, since time.Time) ([]model.Attempt, error) {
	return r.listAttempts(ctx, `student_id = $1 AND received_at >= $2`, studentID, since)
}

func (r *Repository) listAttempts(ctx context.Context, where string, args ...any) ([]model.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM attendance_attempts WHERE `+where+` ORDER BY received_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Commit writes the attempt and any new record in one transaction. The
// partial unique index on live records backs the one-live-record rule.
func (r *Repository) Commit(ctx context.Context, c Commit) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	evidence, err := json.Marshal(c.Attempt.Evidence)
	if err != nil {
		return err
	}
	a := c.Attempt
	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_attempts (`+attemptColumns+`, device_fingerprint)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.CredentialID, a.SessionID, a.StudentID, evidence, a.ReceivedAt, a.Outcome, a.Decision, a.RiskScore,
		a.Reason, a.RecordID, a.Evidence.DeviceFingerprint)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrDuplicateAttempt
	}

	if rec := c.Record; rec != nil {
		if c.Supersedes != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE attendance_records SET superseded_at = $2, superseded_by = $3
				WHERE id = $1 AND superseded_at IS NULL
			`, c.Supersedes, rec.CreatedAt, rec.ID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrLiveRecordConflict
			}
		}
		factors, err := json.Marshal(rec.Factors)
		if err != nil {
			return err
		}
		recEvidence, err := json.Marshal(rec.Evidence)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_records (id, session_id, student_id, attempt_id, status, review_pending, risk_score, evidence, factors, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, rec.ID, rec.SessionID, rec.StudentID, rec.AttemptID, rec.Status, rec.ReviewPending, rec.RiskScore,
			recEvidence, factors, rec.CreatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrLiveRecordConflict
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSession reads a session from the course service's table.
func (r *Repository) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, professor_id, anchor_lat, anchor_lng, radius_m, policy, starts_at, ends_at, state
		FROM sessions WHERE id = $1
	`, id)
	var (
		s      model.Session
		policy []byte
	)
	if err := row.Scan(&s.ID, &s.CourseID, &s.ProfessorID, &s.Anchor.Latitude, &s.Anchor.Longitude, &s.Anchor.RadiusM,
		&policy, &s.StartsAt, &s.EndsAt, &s.State); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, model.ErrNotFound
		}
		return model.Session{}, err
	}
	s.Policy = model.DefaultSecurityPolicy()
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &s.Policy); err != nil {
			return model.Session{}, fmt.Errorf("decode session policy: %w", err)
		}
	}
	return s, nil
}

// KnownDevices lists fingerprints the roster has registered for a student.
func (r *Repository) KnownDevices(ctx context.Context, studentID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT fingerprint FROM student_devices WHERE student_id = $1`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		res = append(res, fp)
	}
	return res, rows.Err()
}
