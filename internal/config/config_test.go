package config_test

import (
	"testing"

	"issueline/internal/config"
	"issueline/internal/domain"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Project.Kind != "issue-project" {
		t.Fatalf("unexpected kind %s", cfg.Project.Kind)
	}
	if !cfg.Scheduler.RearmOnStartup {
		t.Fatalf("default should rearm on startup")
	}
}

func TestValidateRejectsSystemStateCollision(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.States.UserDefined = map[string][]string{"processing": {"Blocked"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("user-defined state colliding with system state should fail")
	}
}

func TestValidateRejectsUnknownPhase(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.States.UserDefined = map[string][]string{"limbo": {"Somewhere"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown phase should fail")
	}
}

func TestValidateRejectsCanonicalOutsidePhase(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.States.Canonical = map[string]string{"processing": "Completed"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("canonical state from another phase should fail")
	}
}

func TestCanonicalForFallbacks(t *testing.T) {
	var cfg config.Config
	cases := map[domain.Phase]string{
		domain.PhaseNegotiation: domain.StateNegotiating,
		domain.PhaseProcessing:  domain.StateProcessing,
		domain.PhaseConclusion:  domain.StateCompleted,
	}
	for phase, want := range cases {
		if got := cfg.CanonicalFor(phase); got != want {
			t.Fatalf("phase %s: expected %s, got %s", phase, want, got)
		}
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	if _, err := config.FromYAML([]byte("project:\n  id: p\n  kind: wrong\n")); err == nil {
		t.Fatalf("wrong kind should fail")
	}
}

func TestSystemStatesCatalogue(t *testing.T) {
	states := config.SystemStates()
	if len(states) != 9 {
		t.Fatalf("expected 9 system states, got %d", len(states))
	}
	if states[domain.StateWaiting] != domain.PhaseProcessing {
		t.Fatalf("Waiting should sit in the processing phase")
	}
	if states[domain.StateCancelled] != domain.PhaseConclusion {
		t.Fatalf("Cancelled should sit in the conclusion phase")
	}
}
