package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"attendguard/internal/model"
	"attendguard/internal/risk"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoadPolicy_Defaults(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Weights != risk.DefaultWeights() || p.Threshold != risk.DefaultThreshold {
		t.Fatalf("unexpected scoring defaults %+v", p)
	}
	if p.Notify.MaxRetries != 3 || len(p.Notify.ChannelsFor(model.PriorityEmergency)) != 5 {
		t.Fatalf("unexpected notify defaults %+v", p.Notify)
	}
}

func TestLoadPolicy_File(t *testing.T) {
	path := writePolicy(t, `
weights:
  location: 0.5
  device: 0.2
  time: 0.2
  behavior: 0.1
threshold: 60
notify:
  max_retries: 5
  base_backoff: 2s
  channels:
    LOW: [email]
  escalation:
    CRITICAL:
      enabled: true
      delay_seconds: 120
      escalate_to_roles: [dean]
      max_escalations: 1
directory:
  contacts:
    prof-1:
      email: prof@campus.test
      phone: "+15550100"
  roles:
    dean: [dean-1]
`)
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Weights.Location != 0.5 || p.Threshold != 60 {
		t.Fatalf("scoring not loaded: %+v", p)
	}
	if p.Notify.MaxRetries != 5 || p.Notify.BaseBackoff != 2*time.Second || p.Notify.MaxBackoff != 5*time.Minute {
		t.Fatalf("retry settings not merged: %+v", p.Notify)
	}
	if got := p.Notify.ChannelsFor(model.PriorityLow); len(got) != 1 || got[0] != model.ChannelEmail {
		t.Fatalf("LOW channels = %v", got)
	}
	if got := p.Notify.ChannelsFor(model.PriorityHigh); len(got) != 3 {
		t.Fatalf("unlisted priorities keep defaults, HIGH = %v", got)
	}
	esc := p.Notify.Escalation[model.PriorityCritical]
	if esc.DelaySeconds != 120 || esc.EscalateToRoles[0] != "dean" {
		t.Fatalf("escalation not loaded: %+v", esc)
	}
	if p.Directory.Contacts["prof-1"].Phone != "+15550100" || p.Directory.Roles["dean"][0] != "dean-1" {
		t.Fatalf("directory not loaded: %+v", p.Directory)
	}
}

func TestLoadPolicy_InvalidValuesFallBack(t *testing.T) {
	path := writePolicy(t, "weights:\n  location: -1\nthreshold: 400\n")
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Weights != risk.DefaultWeights() || p.Threshold != risk.DefaultThreshold {
		t.Fatalf("expected fallbacks, got %+v", p)
	}

	if _, err := LoadPolicy(writePolicy(t, "threshold: [")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("ACCESS_TTL", "bogus")
	t.Setenv("FACE_SKIP", "false")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")
	t.Setenv("CORS_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("POLICY_FILE", "")

	app, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if app.HTTPPort != "9000" || app.FaceSkip || app.RateLimitPerMin != 30 {
		t.Fatalf("env not applied: %+v", app)
	}
	if app.AccessTTL != 15*time.Minute {
		t.Fatalf("invalid duration should fall back, got %s", app.AccessTTL)
	}
	if len(app.CORSOrigins) != 2 || app.CORSOrigins[1] != "https://b.test" {
		t.Fatalf("origins = %v", app.CORSOrigins)
	}
	if app.Policy.Threshold != risk.DefaultThreshold {
		t.Fatalf("policy defaults missing: %+v", app.Policy)
	}
}
