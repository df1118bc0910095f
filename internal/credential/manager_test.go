package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"attendguard/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testSession() model.Session {
	p := model.DefaultSecurityPolicy()
	p.MaxAttempts = 3
	return model.Session{
		ID:       "sess-1",
		StartsAt: t0,
		EndsAt:   t0.Add(90 * time.Minute),
		State:    model.SessionActive,
		Policy:   p,
	}
}

func newManager(t *testing.T, now time.Time) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(now)
	return NewManager(NewMemoryStore(), NewMemoryCounter(), clock, nil), clock
}

func TestManager_Issue(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults to session window", func(t *testing.T) {
		m, _ := newManager(t, t0)
		s := testSession()
		c, err := m.Issue(ctx, s, IssueOptions{})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if !c.ValidFrom.Equal(s.StartsAt) || !c.ValidTo.Equal(s.EndsAt) {
			t.Fatalf("unexpected window %v-%v", c.ValidFrom, c.ValidTo)
		}
		if c.Token == "" || c.ID == "" {
			t.Fatal("expected id and token")
		}
		got, err := m.Get(ctx, c.ID)
		if err != nil || got.ID != c.ID {
			t.Fatalf("get: %v %+v", err, got)
		}
	})

	t.Run("rejects ended session", func(t *testing.T) {
		m, _ := newManager(t, t0)
		s := testSession()
		s.State = model.SessionEnded
		if _, err := m.Issue(ctx, s, IssueOptions{}); !errors.Is(err, model.ErrCredentialExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
	})

	t.Run("rejects inverted window", func(t *testing.T) {
		m, _ := newManager(t, t0)
		_, err := m.Issue(ctx, testSession(), IssueOptions{ValidFrom: t0.Add(time.Hour), ValidTo: t0})
		if !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("expected invalid window, got %v", err)
		}
	})
}

func TestManager_Admit(t *testing.T) {
	ctx := context.Background()

	t.Run("outside window is expired", func(t *testing.T) {
		m, clock := newManager(t, t0.Add(-time.Minute))
		s := testSession()
		c, _ := m.Issue(ctx, s, IssueOptions{})
		if err := m.Admit(ctx, c, s, "stu"); !errors.Is(err, model.ErrCredentialExpired) {
			t.Fatalf("before window: %v", err)
		}
		clock.Advance(2 * time.Hour)
		if err := m.Admit(ctx, c, s, "stu"); !errors.Is(err, model.ErrCredentialExpired) {
			t.Fatalf("after window: %v", err)
		}
	})

	t.Run("revoked is expired", func(t *testing.T) {
		m, _ := newManager(t, t0)
		s := testSession()
		c, _ := m.Issue(ctx, s, IssueOptions{})
		if err := m.Revoke(ctx, c.ID); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		c, _ = m.Get(ctx, c.ID)
		if err := m.Admit(ctx, c, s, "stu"); !errors.Is(err, model.ErrCredentialExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
	})

	t.Run("cancelled session is expired", func(t *testing.T) {
		m, _ := newManager(t, t0)
		s := testSession()
		c, _ := m.Issue(ctx, s, IssueOptions{})
		s.State = model.SessionCancelled
		if err := m.Admit(ctx, c, s, "stu"); !errors.Is(err, model.ErrCredentialExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
	})

	t.Run("per student limit", func(t *testing.T) {
		m, _ := newManager(t, t0.Add(time.Minute))
		s := testSession()
		c, _ := m.Issue(ctx, s, IssueOptions{})
		for i := 0; i < 3; i++ {
			if err := m.Admit(ctx, c, s, "stu"); err != nil {
				t.Fatalf("attempt %d: %v", i, err)
			}
		}
		if err := m.Admit(ctx, c, s, "stu"); !errors.Is(err, model.ErrAttemptLimitExceeded) {
			t.Fatalf("expected limit, got %v", err)
		}
		if err := m.Admit(ctx, c, s, "other"); err != nil {
			t.Fatalf("other student is independent: %v", err)
		}
	})

	t.Run("single use allows one attempt", func(t *testing.T) {
		m, _ := newManager(t, t0.Add(time.Minute))
		s := testSession()
		c, _ := m.Issue(ctx, s, IssueOptions{SingleUse: true})
		if err := m.Admit(ctx, c, s, "stu"); err != nil {
			t.Fatalf("first: %v", err)
		}
		if err := m.Admit(ctx, c, s, "stu"); !errors.Is(err, model.ErrAttemptLimitExceeded) {
			t.Fatalf("expected limit, got %v", err)
		}
	})

	t.Run("concurrent attempts cannot exceed credential max", func(t *testing.T) {
		m, _ := newManager(t, t0.Add(time.Minute))
		s := testSession()
		s.Policy.MaxAttempts = 0
		c, _ := m.Issue(ctx, s, IssueOptions{MaxAttempts: 10})

		var admitted atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := m.Admit(ctx, c, s, "stu"); err == nil {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()
		if admitted.Load() != 10 {
			t.Fatalf("expected exactly 10 admitted, got %d", admitted.Load())
		}
	})

	t.Run("released attempt can be used again", func(t *testing.T) {
		m, _ := newManager(t, t0.Add(time.Minute))
		s := testSession()
		s.Policy.MaxAttempts = 1
		c, _ := m.Issue(ctx, s, IssueOptions{MaxAttempts: 1})
		if err := m.Admit(ctx, c, s, "stu"); err != nil {
			t.Fatalf("first: %v", err)
		}
		if err := m.Release(ctx, c, s, "stu"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if err := m.Admit(ctx, c, s, "stu"); err != nil {
			t.Fatalf("admit after release: %v", err)
		}
		if err := m.Admit(ctx, c, s, "stu"); !errors.Is(err, model.ErrAttemptLimitExceeded) {
			t.Fatalf("expected limit, got %v", err)
		}
	})
}

func TestMemoryCounter_DecrFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()
	if err := c.Decr(ctx, "missing"); err != nil {
		t.Fatalf("decr missing: %v", err)
	}
	if n, _ := c.Count(ctx, "missing"); n != 0 {
		t.Fatalf("missing key count = %d", n)
	}
	c.Incr(ctx, "k", time.Minute)
	c.Decr(ctx, "k")
	c.Decr(ctx, "k")
	if n, _ := c.Count(ctx, "k"); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestStateAt(t *testing.T) {
	s := testSession()
	c := model.Credential{ValidFrom: t0, ValidTo: t0.Add(time.Hour), MaxAttempts: 2}

	cases := []struct {
		name string
		now  time.Time
		used int64
		sess model.SessionState
		want model.CredentialState
	}{
		{"before window", t0.Add(-time.Second), 0, model.SessionActive, model.CredentialIssued},
		{"inside window", t0.Add(time.Minute), 1, model.SessionActive, model.CredentialConsumable},
		{"max reached", t0.Add(time.Minute), 2, model.SessionActive, model.CredentialExpired},
		{"after window", t0.Add(2 * time.Hour), 0, model.SessionActive, model.CredentialExpired},
		{"session ended", t0.Add(time.Minute), 0, model.SessionEnded, model.CredentialExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s.State = tc.sess
			if got := StateAt(c, s, tc.now, tc.used); got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}

	revoked := c
	at := t0
	revoked.RevokedAt = &at
	if got := StateAt(revoked, testSession(), t0.Add(time.Minute), 0); got != model.CredentialRevoked {
		t.Fatalf("got %s", got)
	}
}

func TestRequiredFactors(t *testing.T) {
	s := testSession()
	if got := RequiredFactors(model.Credential{}, s); len(got) != len(s.Policy.RequiredFactors) {
		t.Fatalf("expected session factors, got %v", got)
	}
	override := []model.Factor{model.FactorPhoto}
	if got := RequiredFactors(model.Credential{RequiredFactors: override}, s); len(got) != 1 || got[0] != model.FactorPhoto {
		t.Fatalf("expected override, got %v", got)
	}
}

func TestManager_State(t *testing.T) {
	ctx := context.Background()
	m, clock := newManager(t, t0.Add(-time.Minute))
	s := testSession()
	c, err := m.Issue(ctx, s, IssueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	steps := []struct {
		name  string
		run   func()
		state model.CredentialState
	}{
		{"before window", func() {}, model.CredentialIssued},
		{"inside window", func() { clock.Advance(2 * time.Minute) }, model.CredentialConsumable},
		{"limit reached", func() {
			if err := m.Admit(ctx, c, s, "stu-1"); err != nil {
				t.Fatalf("admit: %v", err)
			}
		}, model.CredentialExpired},
	}
	for _, step := range steps {
		step.run()
		got, err := m.State(ctx, c, s)
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got != step.state {
			t.Fatalf("%s: expected %s, got %s", step.name, step.state, got)
		}
	}
}
