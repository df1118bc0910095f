package fraud

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"attendguard/internal/evaluate"
	"attendguard/internal/model"
	"attendguard/internal/queue"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type attemptLogStub struct {
	byDeviceFn  func(fp string, since time.Time) ([]model.Attempt, error)
	byStudentFn func(studentID string, since time.Time) ([]model.Attempt, error)
}

func (s attemptLogStub) AttemptsByDevice(_ context.Context, fp string, since time.Time) ([]model.Attempt, error) {
	if s.byDeviceFn == nil {
		return nil, nil
	}
	return s.byDeviceFn(fp, since)
}

func (s attemptLogStub) AttemptsByStudent(_ context.Context, studentID string, since time.Time) ([]model.Attempt, error) {
	if s.byStudentFn == nil {
		return nil, nil
	}
	return s.byStudentFn(studentID, since)
}

type recordingNotifier struct {
	mu     sync.Mutex
	raised []model.FraudAlert
	closed []model.FraudAlert
}

func (n *recordingNotifier) AlertRaised(_ context.Context, a model.FraudAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.raised = append(n.raised, a)
	return nil
}

func (n *recordingNotifier) AlertClosed(_ context.Context, a model.FraudAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, a)
}

func newEngine(log AttemptLog) (*Engine, *MemoryStore, *recordingNotifier) {
	store := NewMemoryStore()
	n := &recordingNotifier{}
	return NewEngine(store, log, n, clockwork.NewFakeClockAt(t0), nil, Config{}), store, n
}

func outcome(id string, decision model.Decision, score int, factors ...model.FactorResult) model.Outcome {
	return model.Outcome{
		Attempt: model.Attempt{
			ID:         id,
			SessionID:  "sess-1",
			StudentID:  "stu-2",
			Decision:   decision,
			RiskScore:  score,
			ReceivedAt: t0,
			Evidence: model.Evidence{
				DeviceFingerprint: "dev-1",
				Location:          &model.Location{Latitude: 40.7128, Longitude: -74.0060},
			},
		},
		ProfessorID:    "prof-1",
		Factors:        factors,
		Threshold:      70,
		FraudDetection: true,
	}
}

func TestHandleOutcome_DeviceSharing(t *testing.T) {
	log := attemptLogStub{byDeviceFn: func(fp string, since time.Time) ([]model.Attempt, error) {
		if fp != "dev-1" || !since.Equal(t0.Add(-2*time.Minute)) {
			t.Fatalf("unexpected device query %s since %v", fp, since)
		}
		return []model.Attempt{{ID: "a-1", StudentID: "stu-1"}, {ID: "a-2", StudentID: "stu-2"}}, nil
	}}
	e, _, n := newEngine(log)

	o := outcome("a-2", model.DecisionAccept, 27, model.FactorResult{
		Factor: model.FactorDevice, Score: evaluate.SharedDevicePenalty, Reason: evaluate.ReasonDeviceSharing,
	})
	alerts, err := e.HandleOutcome(context.Background(), o)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Type != model.AlertDeviceSharing {
		t.Fatalf("expected one device sharing alert, got %+v", alerts)
	}
	a := alerts[0]
	if a.Severity.Rank() < model.SeverityMedium.Rank() {
		t.Fatalf("severity %s below MEDIUM", a.Severity)
	}
	if a.Details["other_students"] != "stu-1" {
		t.Fatalf("unexpected details %+v", a.Details)
	}
	if a.Status != model.AlertPending || a.ProfessorID != "prof-1" {
		t.Fatalf("unexpected alert %+v", a)
	}
	if len(n.raised) != 1 {
		t.Fatalf("expected notifier call, got %d", len(n.raised))
	}
}

func TestHandleOutcome_DeviceSharingWithoutDeviceFactor(t *testing.T) {
	ctx := context.Background()
	shared := attemptLogStub{byDeviceFn: func(fp string, since time.Time) ([]model.Attempt, error) {
		if fp != "dev-1" {
			return nil, nil
		}
		return []model.Attempt{
			{ID: "a-1", StudentID: "stu-1", ReceivedAt: t0.Add(-time.Minute)},
			{ID: "a-2", StudentID: "stu-2", ReceivedAt: t0},
		}, nil
	}}
	locationAndTime := []model.FactorResult{
		{Factor: model.FactorLocation, Score: 3},
		{Factor: model.FactorTime, Score: 0},
	}

	e, _, n := newEngine(shared)
	alerts, err := e.HandleOutcome(ctx, outcome("a-2", model.DecisionAccept, 2, locationAndTime...))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Type != model.AlertDeviceSharing {
		t.Fatalf("expected one device sharing alert, got %+v", alerts)
	}
	if alerts[0].Details["other_students"] != "stu-1" || alerts[0].Severity != model.SeverityMedium {
		t.Fatalf("unexpected alert %+v", alerts[0])
	}
	if len(n.raised) != 1 {
		t.Fatalf("expected notifier call, got %d", len(n.raised))
	}
	if again, _ := e.HandleOutcome(ctx, outcome("a-2", model.DecisionAccept, 2, locationAndTime...)); len(again) != 0 {
		t.Fatalf("same attempt must not raise a second sharing alert, got %+v", again)
	}

	alone := attemptLogStub{byDeviceFn: func(string, time.Time) ([]model.Attempt, error) {
		return []model.Attempt{{ID: "a-0", StudentID: "stu-2", ReceivedAt: t0.Add(-time.Minute)}}, nil
	}}
	e, _, _ = newEngine(alone)
	if alerts, _ := e.HandleOutcome(ctx, outcome("a-3", model.DecisionAccept, 2, locationAndTime...)); len(alerts) != 0 {
		t.Fatalf("own device reuse is not sharing, got %+v", alerts)
	}
}

func TestHandleOutcome_Rules(t *testing.T) {
	ctx := context.Background()

	t.Run("high risk reject", func(t *testing.T) {
		e, _, _ := newEngine(nil)
		alerts, err := e.HandleOutcome(ctx, outcome("a-1", model.DecisionReject, 100))
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if len(alerts) != 1 || alerts[0].Type != model.AlertHighRisk || alerts[0].Severity != model.SeverityCritical {
			t.Fatalf("expected CRITICAL high risk alert, got %+v", alerts)
		}
	})

	t.Run("accepted below threshold raises nothing", func(t *testing.T) {
		e, _, _ := newEngine(nil)
		alerts, _ := e.HandleOutcome(ctx, outcome("a-1", model.DecisionAccept, 12))
		if len(alerts) != 0 {
			t.Fatalf("expected no alerts, got %+v", alerts)
		}
	})

	t.Run("short-circuited attempt raises nothing", func(t *testing.T) {
		e, _, _ := newEngine(nil)
		o := outcome("a-1", model.DecisionReject, 0)
		o.Attempt.Reason = model.ErrCredentialExpired.Error()
		alerts, _ := e.HandleOutcome(ctx, o)
		if len(alerts) != 0 {
			t.Fatalf("expected no alerts, got %+v", alerts)
		}
	})

	t.Run("fraud detection disabled", func(t *testing.T) {
		e, store, _ := newEngine(nil)
		o := outcome("a-1", model.DecisionReject, 100)
		o.FraudDetection = false
		if alerts, _ := e.HandleOutcome(ctx, o); len(alerts) != 0 {
			t.Fatalf("expected no alerts, got %+v", alerts)
		}
		if all, _ := store.List(ctx, model.AlertFilter{}); len(all) != 0 {
			t.Fatalf("store not empty: %+v", all)
		}
	})

	t.Run("invalid coordinates are spoofing", func(t *testing.T) {
		e, _, _ := newEngine(nil)
		o := outcome("a-1", model.DecisionReject, 100, model.FactorResult{
			Factor: model.FactorLocation, Score: 100, HardFail: true, Reason: evaluate.ReasonMalformed,
		})
		o.Attempt.Evidence.Location.Latitude = 123
		alerts, _ := e.HandleOutcome(ctx, o)
		var found bool
		for _, a := range alerts {
			found = found || (a.Type == model.AlertLocationSpoofing && a.Severity == model.SeverityHigh)
		}
		if !found {
			t.Fatalf("expected location spoofing alert, got %+v", alerts)
		}
	})
}

func TestHandleOutcome_Idempotent(t *testing.T) {
	ctx := context.Background()
	e, store, n := newEngine(nil)
	o := outcome("a-1", model.DecisionReject, 95)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alerts, err := e.HandleOutcome(ctx, o)
			if err != nil {
				t.Errorf("handle: %v", err)
				return
			}
			mu.Lock()
			created += len(alerts)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one alert created, got %d", created)
	}
	all, _ := store.List(ctx, model.AlertFilter{})
	if len(all) != 1 || len(n.raised) != 1 {
		t.Fatalf("expected one stored and notified alert, got %d/%d", len(all), len(n.raised))
	}
}

func TestHandleOutcome_RapidAttempts(t *testing.T) {
	ctx := context.Background()
	count := 6
	log := attemptLogStub{byStudentFn: func(string, time.Time) ([]model.Attempt, error) {
		out := make([]model.Attempt, count)
		for i := range out {
			out[i] = model.Attempt{ID: "x", SessionID: "sess-1", ReceivedAt: t0}
		}
		return out, nil
	}}
	e, _, _ := newEngine(log)

	alerts, err := e.HandleOutcome(ctx, outcome("a-6", model.DecisionAccept, 10))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Type != model.AlertRapidAttempts || alerts[0].Severity != model.SeverityMedium {
		t.Fatalf("expected MEDIUM rapid attempts alert, got %+v", alerts)
	}

	count = 7
	again, _ := e.HandleOutcome(ctx, outcome("a-7", model.DecisionAccept, 10))
	if len(again) != 0 {
		t.Fatalf("expected one rapid alert per window, got %+v", again)
	}
}

func TestHandleOutcome_ImpossibleTravel(t *testing.T) {
	ctx := context.Background()
	// Chicago is roughly 1,145 km from New York.
	chicago := &model.Location{Latitude: 41.8781, Longitude: -87.6298}

	cases := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"thirty minutes", 30 * time.Minute, true},
		{"three hours", 3 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log := attemptLogStub{byStudentFn: func(string, time.Time) ([]model.Attempt, error) {
				return []model.Attempt{{
					ID:         "prev",
					SessionID:  "sess-0",
					StudentID:  "stu-2",
					ReceivedAt: t0.Add(-tc.elapsed),
					Evidence:   model.Evidence{Location: chicago},
				}}, nil
			}}
			e, _, _ := newEngine(log)
			alerts, err := e.HandleOutcome(ctx, outcome("a-1", model.DecisionAccept, 10))
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			got := len(alerts) == 1 && alerts[0].Type == model.AlertImpossibleTravel
			if got != tc.want {
				t.Fatalf("expected travel alert %v, got %+v", tc.want, alerts)
			}
		})
	}
}

func TestResolveAlert(t *testing.T) {
	ctx := context.Background()

	t.Run("lifecycle", func(t *testing.T) {
		e, _, n := newEngine(nil)
		alerts, _ := e.HandleOutcome(ctx, outcome("a-1", model.DecisionReject, 100))
		id := alerts[0].ID

		a, err := e.ResolveAlert(ctx, id, model.AlertInvestigating, "prof-1", "looking")
		if err != nil || a.Status != model.AlertInvestigating {
			t.Fatalf("investigate: %v %+v", err, a)
		}
		if len(n.closed) != 0 {
			t.Fatal("investigating must not close the alert")
		}
		a, err = e.ResolveAlert(ctx, id, model.AlertResolved, "prof-1", "confirmed proxy")
		if err != nil || a.Status != model.AlertResolved {
			t.Fatalf("resolve: %v %+v", err, a)
		}
		if len(a.Actions) != 2 || a.Actions[1].From != model.AlertInvestigating || a.Actions[1].Notes != "confirmed proxy" {
			t.Fatalf("unexpected action history %+v", a.Actions)
		}
		if len(n.closed) != 1 {
			t.Fatalf("expected closed notification, got %d", len(n.closed))
		}
		if _, err := e.ResolveAlert(ctx, id, model.AlertPending, "prof-1", ""); !errors.Is(err, model.ErrInvalidTransition) {
			t.Fatalf("expected invalid transition, got %v", err)
		}
	})

	t.Run("unknown alert", func(t *testing.T) {
		e, _, _ := newEngine(nil)
		if _, err := e.ResolveAlert(ctx, "missing", model.AlertResolved, "p", ""); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("transition table", func(t *testing.T) {
		cases := []struct {
			from, to model.AlertStatus
			ok       bool
		}{
			{model.AlertPending, model.AlertInvestigating, true},
			{model.AlertPending, model.AlertDismissed, true},
			{model.AlertInvestigating, model.AlertResolved, true},
			{model.AlertInvestigating, model.AlertPending, false},
			{model.AlertResolved, model.AlertDismissed, false},
			{model.AlertDismissed, model.AlertInvestigating, false},
		}
		for _, c := range cases {
			if got := CanTransition(c.from, c.to); got != c.ok {
				t.Fatalf("%s -> %s: expected %v", c.from, c.to, c.ok)
			}
		}
	})
}

func TestListAlerts(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	e := NewEngine(NewMemoryStore(), nil, nil, clock, nil, Config{})
	for _, id := range []string{"a-1", "a-2", "a-3"} {
		clock.Advance(time.Second)
		if _, err := e.HandleOutcome(ctx, outcome(id, model.DecisionReject, 85)); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	all, err := e.ListAlerts(ctx, model.AlertFilter{Severity: model.SeverityHigh})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 alerts, got %d (%v)", len(all), err)
	}
	if all[0].AttemptID != "a-3" {
		t.Fatalf("expected newest first, got %s", all[0].AttemptID)
	}
	page, _ := e.ListAlerts(ctx, model.AlertFilter{Limit: 2, Offset: 2})
	if len(page) != 1 || page[0].AttemptID != "a-1" {
		t.Fatalf("unexpected page %+v", page)
	}
	none, _ := e.ListAlerts(ctx, model.AlertFilter{Status: model.AlertResolved})
	if len(none) != 0 {
		t.Fatalf("expected no resolved alerts, got %d", len(none))
	}
}

func TestRun_ConsumesOutcomes(t *testing.T) {
	e, store, _ := newEngine(nil)
	q := queue.NewInMemory(4)
	pub := queue.NewOutcomePublisher(q)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, queue.Message{Type: "unknown"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.Publish(ctx, outcome("a-1", model.DecisionReject, 100)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, q) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		all, _ := store.List(context.Background(), model.AlertFilter{})
		if len(all) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("outcome not consumed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
