package pipeline

import (
	"testing"
	"time"
)

func TestPhaseTerminal(t *testing.T) {
	terminal := []Phase{PhaseResponded, PhaseDegraded, PhaseBlocked}
	for _, p := range terminal {
		if !p.Terminal() {
			t.Fatalf("%s should be terminal", p)
		}
	}
	active := []Phase{
		PhaseValidating, PhaseInjectionCheck, PhaseRateLimit, PhaseCacheLookup,
		PhaseDomainCheck, PhaseEmotionalAnalysis, PhaseActionRouting,
		PhaseCacheStore, PhaseRespond,
	}
	for _, p := range active {
		if p.Terminal() {
			t.Fatalf("%s should not be terminal", p)
		}
	}
}

func TestNewStateTrimsClientID(t *testing.T) {
	state := NewState("hello", "  client-a  ", "corr-1")
	if state.Phase != PhaseValidating {
		t.Fatalf("initial phase = %s", state.Phase)
	}
	if state.Request.ClientID != "client-a" {
		t.Fatalf("clientID = %q", state.Request.ClientID)
	}
	if state.Request.ReceivedAt.IsZero() {
		t.Fatal("receivedAt not set")
	}
	if state.CorrelationID != "corr-1" {
		t.Fatalf("correlationID = %q", state.CorrelationID)
	}
}

func TestAdvanceRecordsHistory(t *testing.T) {
	state := NewState("hello", "client-a", "corr-1")
	state.Advance(PhaseInjectionCheck, "validation passed")
	state.Advance(PhaseRateLimit, "")

	if state.Phase != PhaseRateLimit {
		t.Fatalf("phase = %s", state.Phase)
	}
	if len(state.History) != 2 {
		t.Fatalf("history length = %d", len(state.History))
	}
	first := state.History[0]
	if first.From != PhaseValidating || first.To != PhaseInjectionCheck || first.Note != "validation passed" {
		t.Fatalf("unexpected transition: %#v", first)
	}
	if time.Since(first.At) > time.Minute {
		t.Fatalf("transition timestamp stale: %v", first.At)
	}
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*State)
		want  string
	}{
		{"scored", func(s *State) {
			s.Phase = PhaseResponded
		}, "scored"},
		{"cache hit", func(s *State) {
			s.Phase = PhaseResponded
			s.Cache.Hit = true
		}, "cache_hit"},
		{"degraded", func(s *State) {
			s.Phase = PhaseDegraded
		}, "degraded"},
		{"injection blocked", func(s *State) {
			s.Phase = PhaseBlocked
			s.Injection.Detected = true
		}, "injection_blocked"},
		{"rate limited", func(s *State) {
			s.Phase = PhaseBlocked
			s.RateLimit.Checked = true
			s.RateLimit.Allowed = false
		}, "rate_limited"},
		{"validation failed", func(s *State) {
			s.Phase = PhaseBlocked
			s.Validation.Checked = true
		}, "validation_failed"},
		{"non-terminal", func(s *State) {
			s.Phase = PhaseCacheLookup
		}, "cache_lookup"},
	}
	for _, tc := range cases {
		state := NewState("hello", "client-a", "corr-1")
		tc.setup(state)
		if got := state.Outcome(); got != tc.want {
			t.Fatalf("%s: outcome = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestScoreResultCloneIsolatesIndicators(t *testing.T) {
	original := ScoreResult{
		Score:         8,
		KeyIndicators: []string{"hopelessness", "isolation"},
	}
	clone := original.Clone()
	clone.KeyIndicators[0] = "changed"
	if original.KeyIndicators[0] != "hopelessness" {
		t.Fatal("clone shares indicator slice with original")
	}

	empty := ScoreResult{Score: 3}
	if got := empty.Clone(); got.KeyIndicators != nil {
		t.Fatalf("empty clone indicators = %#v", got.KeyIndicators)
	}
}
