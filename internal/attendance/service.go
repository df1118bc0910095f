package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"attendguard/internal/credential"
	"attendguard/internal/evaluate"
	"attendguard/internal/metrics"
	"attendguard/internal/model"
	"attendguard/internal/risk"
)

// SessionSource reads sessions from the course collaborator.
type SessionSource interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
}

// Directory exposes roster data about students.
type Directory interface {
	KnownDevices(ctx context.Context, studentID string) ([]string, error)
}

// FaceVerifier reports whether a photo matches the student's enrolled face.
type FaceVerifier interface {
	VerifyFace(ctx context.Context, studentID, photoURL string) (bool, error)
}

// Credentials admits attempts against QR credentials.
type Credentials interface {
	Get(ctx context.Context, id string) (model.Credential, error)
	Admit(ctx context.Context, c model.Credential, s model.Session, studentID string) error
	Release(ctx context.Context, c model.Credential, s model.Session, studentID string) error
}

// OutcomePublisher hands scored outcomes to the fraud engine.
type OutcomePublisher interface {
	Publish(ctx context.Context, o model.Outcome) error
}

// Options tunes the pipeline. Zero values take defaults.
type Options struct {
	Weights        risk.Weights
	Threshold      int
	SharingWindow  time.Duration
	BehaviorWindow time.Duration
	PublishTimeout time.Duration
	// TrustPhoto reports whether a photo URL points at storage we control.
	TrustPhoto func(url string) bool
}

// SubmitRequest is one raw check-in submission.
type SubmitRequest struct {
	AttemptID    string
	CredentialID string
	StudentID    string
	Evidence     model.Evidence
}

// Verdict is returned synchronously to the submitter.
type Verdict struct {
	AttemptID string               `json:"attempt_id"`
	Decision  model.Decision       `json:"status"`
	RiskScore int                  `json:"risk_score"`
	RecordID  string               `json:"record_id,omitempty"`
	Status    model.RecordStatus   `json:"attendance_status,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Factors   []model.FactorResult `json:"factors,omitempty"`
	Duplicate bool                 `json:"duplicate,omitempty"`
}

// StudentHistory is the collaborator and attempt-log context for one attempt.
type StudentHistory struct {
	KnownDevices   []string
	OtherDeviceIDs []string
	RecentAttempts int
	RecentFailures int
	PhotoTrusted   bool
	FaceMatch      *bool
}

// Evaluation is the pure scoring result of Verify.
type Evaluation struct {
	Decision  model.Decision
	Score     int
	HardFail  bool
	Status    model.RecordStatus
	Factors   []model.FactorResult
	Threshold int
}

const maxCommitRetries = 3

// Service is the attempt verification pipeline.
type Service struct {
	store       Store
	sessions    SessionSource
	directory   Directory
	faces       FaceVerifier
	credentials Credentials
	publisher   OutcomePublisher
	clock       clockwork.Clock
	log         *zap.Logger
	opts        Options

	locks    *pairLocks
	inflight sync.WaitGroup
}

// NewService wires a pipeline. faces and publisher may be nil.
func NewService(store Store, sessions SessionSource, directory Directory, faces FaceVerifier,
	credentials Credentials, publisher OutcomePublisher, clock clockwork.Clock, log *zap.Logger, opts Options) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if !opts.Weights.Valid() || opts.Weights == (risk.Weights{}) {
		opts.Weights = risk.DefaultWeights()
	}
	if opts.Threshold <= 0 {
		opts.Threshold = risk.DefaultThreshold
	}
	if opts.SharingWindow <= 0 {
		opts.SharingWindow = 2 * time.Minute
	}
	if opts.BehaviorWindow <= 0 {
		opts.BehaviorWindow = 10 * time.Minute
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.TrustPhoto == nil {
		opts.TrustPhoto = func(url string) bool { return url != "" }
	}
	return &Service{
		store:       store,
		sessions:    sessions,
		directory:   directory,
		faces:       faces,
		credentials: credentials,
		publisher:   publisher,
		clock:       clock,
		log:         log.With(zap.String("component", "pipeline")),
		opts:        opts,
		locks:       newPairLocks(),
	}
}

// Submit verifies one check-in attempt end to end. The attempt id is the
// idempotency key: a replay returns the stored verdict without side effects.
// Credential errors are returned alongside a REJECT verdict.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Verdict, error) {
	started := s.clock.Now()
	if req.StudentID == "" || req.CredentialID == "" {
		return Verdict{}, fmt.Errorf("student and credential required: %w", model.ErrMalformedEvidence)
	}
	if req.AttemptID == "" {
		req.AttemptID = uuid.NewString()
	}

	if v, ok, err := s.replay(ctx, req); ok {
		return v, err
	}

	cred, err := s.credentials.Get(ctx, req.CredentialID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load credential %s: %w", req.CredentialID, err)
	}
	session, err := s.sessions.GetSession(ctx, cred.SessionID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load session %s: %w", cred.SessionID, err)
	}

	unlock := s.locks.lock(session.ID, req.StudentID)
	defer unlock()

	if v, ok, err := s.replay(ctx, req); ok {
		return v, err
	}

	attempt := model.Attempt{
		ID:           req.AttemptID,
		CredentialID: cred.ID,
		SessionID:    session.ID,
		StudentID:    req.StudentID,
		Evidence:     req.Evidence,
		ReceivedAt:   s.clock.Now().UTC(),
	}

	if err := s.credentials.Admit(ctx, cred, session, req.StudentID); err != nil {
		code := model.Code(err)
		if code == "" {
			return Verdict{}, err
		}
		attempt.Outcome = model.AttemptFailed
		attempt.Decision = model.DecisionReject
		attempt.Reason = code
		if cerr := s.store.Commit(ctx, Commit{Attempt: attempt}); cerr != nil {
			if errors.Is(cerr, model.ErrDuplicateAttempt) {
				return s.mustReplay(ctx, req)
			}
			return Verdict{}, cerr
		}
		metrics.ShortCircuits.WithLabelValues(code).Inc()
		s.log.Info("attempt short-circuited", zap.String("attempt_id", attempt.ID),
			zap.String("student_id", attempt.StudentID), zap.String("code", code))
		s.emit(model.Outcome{Attempt: attempt, ProfessorID: session.ProfessorID, Threshold: s.threshold(session),
			FraudDetection: session.Policy.FraudDetection})
		return verdictOf(attempt, nil), err
	}

	// From here on the attempt has been counted; give it back if it never
	// reaches the attempt log.
	release := func() {
		if err := s.credentials.Release(context.WithoutCancel(ctx), cred, session, req.StudentID); err != nil {
			s.log.Error("release attempt failed", zap.String("attempt_id", attempt.ID), zap.Error(err))
		}
	}

	history, err := s.history(ctx, attempt, cred, session)
	if err != nil {
		release()
		return Verdict{}, err
	}
	eval := s.Verify(attempt, cred, session, history)

	attempt.Decision = eval.Decision
	attempt.RiskScore = eval.Score
	attempt.Outcome = outcomeFor(eval.Decision)
	attempt.Reason = primaryReason(eval.Factors)

	// Another replica may move the live record between read and write.
	var commit Commit
	for try := 0; ; try++ {
		live, err := s.store.LiveRecord(ctx, session.ID, req.StudentID)
		if err != nil {
			release()
			return Verdict{}, err
		}
		commit = plan(attempt, eval, live, s.clock.Now().UTC())
		err = s.store.Commit(ctx, commit)
		if err == nil {
			break
		}
		if errors.Is(err, model.ErrDuplicateAttempt) {
			release()
			return s.mustReplay(ctx, req)
		}
		if !errors.Is(err, ErrLiveRecordConflict) || try == maxCommitRetries {
			release()
			return Verdict{}, fmt.Errorf("persist attempt %s: %w", attempt.ID, err)
		}
	}
	attempt = commit.Attempt

	metrics.Decisions.WithLabelValues(string(eval.Decision)).Inc()
	metrics.RiskScores.Observe(float64(eval.Score))
	metrics.VerifyLatency.Observe(s.clock.Since(started).Seconds())
	s.log.Info("attempt verified",
		zap.String("attempt_id", attempt.ID),
		zap.String("session_id", session.ID),
		zap.String("student_id", attempt.StudentID),
		zap.String("decision", string(eval.Decision)),
		zap.Int("risk_score", eval.Score),
		zap.String("record_id", attempt.RecordID),
	)

	s.emit(model.Outcome{
		Attempt:        attempt,
		ProfessorID:    session.ProfessorID,
		Factors:        eval.Factors,
		Threshold:      eval.Threshold,
		FraudDetection: session.Policy.FraudDetection,
	})

	v := verdictOf(attempt, eval.Factors)
	v.Status = eval.Status
	if commit.Record != nil {
		v.Status = commit.Record.Status
	}
	return v, nil
}

// Verify scores an attempt. It is deterministic for identical inputs and never
// fails; malformed evidence surfaces as maximum penalties.
func (s *Service) Verify(a model.Attempt, c model.Credential, session model.Session, h StudentHistory) Evaluation {
	required := credential.RequiredFactors(c, session)
	need := make(map[model.Factor]bool, len(required))
	for _, f := range required {
		need[f] = true
	}

	timeResult, status := evaluate.Time(a.ReceivedAt, session.StartsAt, session.EndsAt, session.Policy.GracePeriod)
	if !need[model.FactorTime] {
		status = model.StatusPresent
	}

	var results []model.FactorResult
	for _, f := range model.AllFactors {
		if !need[f] {
			continue
		}
		switch f {
		case model.FactorLocation:
			results = append(results, evaluate.Distance(a.Evidence.Location, session.Anchor, session.Policy.StrictLocation))
		case model.FactorDevice:
			results = append(results, evaluate.Device(evaluate.DeviceInput{
				Fingerprint:   a.Evidence.DeviceFingerprint,
				Known:         h.KnownDevices,
				OtherStudents: h.OtherDeviceIDs,
			}))
		case model.FactorTime:
			results = append(results, timeResult)
		case model.FactorPhoto:
			results = append(results, evaluate.Photo(evaluate.PhotoInput{
				URL:       a.Evidence.PhotoURL,
				Trusted:   h.PhotoTrusted,
				FaceMatch: h.FaceMatch,
			}))
		case model.FactorBehavior:
			results = append(results, evaluate.Behavior(evaluate.BehaviorInput{
				RecentAttempts: h.RecentAttempts,
				RecentFailures: h.RecentFailures,
			}))
		}
	}

	threshold := s.threshold(session)
	score := risk.Aggregate(results, s.opts.Weights)
	return Evaluation{
		Decision:  risk.Decide(score.Composite, threshold),
		Score:     score.Composite,
		HardFail:  score.HardFail,
		Status:    status,
		Factors:   results,
		Threshold: threshold,
	}
}

// Wait blocks until every in-flight outcome publication has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) threshold(session model.Session) int {
	if session.Policy.RiskThreshold > 0 {
		return session.Policy.RiskThreshold
	}
	return s.opts.Threshold
}

// history gathers the collaborator context Verify needs. The current attempt
// is counted in RecentAttempts.
func (s *Service) history(ctx context.Context, a model.Attempt, c model.Credential, session model.Session) (StudentHistory, error) {
	var h StudentHistory
	required := credential.RequiredFactors(c, session)
	need := func(f model.Factor) bool {
		for _, r := range required {
			if r == f {
				return true
			}
		}
		return false
	}

	if need(model.FactorDevice) && a.Evidence.DeviceFingerprint != "" {
		known, err := s.directory.KnownDevices(ctx, a.StudentID)
		if err != nil {
			return h, fmt.Errorf("load known devices: %w", err)
		}
		h.KnownDevices = known

		shared, err := s.store.AttemptsByDevice(ctx, a.Evidence.DeviceFingerprint, a.ReceivedAt.Add(-s.opts.SharingWindow))
		if err != nil {
			return h, fmt.Errorf("load device attempts: %w", err)
		}
		h.OtherDeviceIDs = otherStudents(shared, a.StudentID)
	}

	if need(model.FactorBehavior) {
		recent, err := s.store.AttemptsByStudent(ctx, a.StudentID, a.ReceivedAt.Add(-s.opts.BehaviorWindow))
		if err != nil {
			return h, fmt.Errorf("load student attempts: %w", err)
		}
		h.RecentAttempts = len(recent) + 1
		for _, r := range recent {
			if r.Outcome == model.AttemptFailed {
				h.RecentFailures++
			}
		}
	}

	if need(model.FactorPhoto) && a.Evidence.PhotoURL != "" {
		h.PhotoTrusted = s.opts.TrustPhoto(a.Evidence.PhotoURL)
		if h.PhotoTrusted && s.faces != nil {
			ok, err := s.faces.VerifyFace(ctx, a.StudentID, a.Evidence.PhotoURL)
			if err != nil {
				s.log.Warn("face verification unavailable", zap.String("attempt_id", a.ID), zap.Error(err))
			} else {
				h.FaceMatch = &ok
			}
		}
	}
	return h, nil
}

func (s *Service) replay(ctx context.Context, req SubmitRequest) (Verdict, bool, error) {
	prev, err := s.store.GetAttempt(ctx, req.AttemptID)
	if errors.Is(err, model.ErrNotFound) {
		return Verdict{}, false, nil
	}
	if err != nil {
		return Verdict{}, true, err
	}
	if prev.StudentID != req.StudentID || prev.CredentialID != req.CredentialID {
		return Verdict{}, true, fmt.Errorf("attempt %s belongs to another submission: %w", req.AttemptID, model.ErrDuplicateAttempt)
	}
	v := verdictOf(prev, nil)
	v.Duplicate = true
	if prev.RecordID != "" {
		if rec, err := s.store.GetRecord(ctx, prev.RecordID); err == nil {
			v.Status = rec.Status
		}
	}
	return v, true, model.ErrorForCode(prev.Reason)
}

func (s *Service) mustReplay(ctx context.Context, req SubmitRequest) (Verdict, error) {
	v, ok, err := s.replay(ctx, req)
	if !ok {
		return Verdict{}, fmt.Errorf("attempt %s vanished after conflict: %w", req.AttemptID, model.ErrDuplicateAttempt)
	}
	return v, err
}

// emit publishes o in the background so verification latency never depends
// on the fraud engine or notification delivery.
func (s *Service) emit(o model.Outcome) {
	if s.publisher == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
		defer cancel()
		if err := s.publisher.Publish(ctx, o); err != nil {
			s.log.Error("publish outcome failed", zap.String("attempt_id", o.Attempt.ID), zap.Error(err))
		}
	}()
}

// plan decides which record, if any, the attempt writes. The last accepted
// attempt wins; pending attempts only replace pending or absent records;
// rejected attempts never replace anything. EXCUSED is left alone.
func plan(a model.Attempt, eval Evaluation, live *model.Record, now time.Time) Commit {
	c := Commit{Attempt: a}
	newRecord := func(status model.RecordStatus, review bool) *model.Record {
		return &model.Record{
			ID:            uuid.NewString(),
			SessionID:     a.SessionID,
			StudentID:     a.StudentID,
			AttemptID:     a.ID,
			Status:        status,
			ReviewPending: review,
			RiskScore:     eval.Score,
			Evidence:      a.Evidence,
			Factors:       eval.Factors,
			CreatedAt:     now,
		}
	}

	switch {
	case live != nil && live.Status == model.StatusExcused:
		c.Attempt.RecordID = live.ID
	case eval.Decision == model.DecisionAccept:
		c.Record = newRecord(eval.Status, false)
	case eval.Decision == model.DecisionPending:
		if live == nil || live.ReviewPending || live.Status == model.StatusAbsent {
			c.Record = newRecord(eval.Status, true)
		} else {
			c.Attempt.RecordID = live.ID
		}
	default:
		if live == nil {
			c.Record = newRecord(model.StatusAbsent, false)
		} else {
			c.Attempt.RecordID = live.ID
		}
	}

	if c.Record != nil {
		c.Attempt.RecordID = c.Record.ID
		if live != nil {
			c.Supersedes = live.ID
		}
	}
	return c
}

func outcomeFor(d model.Decision) model.AttemptOutcome {
	switch d {
	case model.DecisionAccept:
		return model.AttemptSuccess
	case model.DecisionPending:
		return model.AttemptPending
	default:
		return model.AttemptFailed
	}
}

func primaryReason(results []model.FactorResult) string {
	best := -1
	reason := ""
	for _, r := range results {
		if r.Reason == "" {
			continue
		}
		score := r.Score
		if r.HardFail {
			score += 1000
		}
		if score > best {
			best, reason = score, r.Reason
		}
	}
	return reason
}

func otherStudents(attempts []model.Attempt, self string) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range attempts {
		if a.StudentID == self || seen[a.StudentID] {
			continue
		}
		seen[a.StudentID] = true
		out = append(out, a.StudentID)
	}
	return out
}

func verdictOf(a model.Attempt, factors []model.FactorResult) Verdict {
	return Verdict{
		AttemptID: a.ID,
		Decision:  a.Decision,
		RiskScore: a.RiskScore,
		RecordID:  a.RecordID,
		Reason:    a.Reason,
		Factors:   factors,
	}
}
