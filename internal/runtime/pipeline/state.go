package pipeline

import (
	"strings"
	"time"
)

// Phase names a state of the scoring state machine. Transitions are recorded
// on the shared State so every run stays inspectable after the fact.
type Phase string

const (
	PhaseValidating        Phase = "validating"
	PhaseInjectionCheck    Phase = "injection_check"
	PhaseRateLimit         Phase = "rate_limit"
	PhaseCacheLookup       Phase = "cache_lookup"
	PhaseDomainCheck       Phase = "domain_check"
	PhaseEmotionalAnalysis Phase = "emotional_analysis"
	PhaseActionRouting     Phase = "action_routing"
	PhaseCacheStore        Phase = "cache_store"
	PhaseRespond           Phase = "respond"

	// Terminal phases.
	PhaseResponded Phase = "responded"
	PhaseDegraded  Phase = "degraded"
	PhaseBlocked   Phase = "blocked"
)

// Terminal reports whether the phase ends the state machine run.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseResponded, PhaseDegraded, PhaseBlocked:
		return true
	default:
		return false
	}
}

// Transition records a single state machine edge taken during a run.
type Transition struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// RequestState preserves the inbound request snapshot. Message is the raw
// text; Normalized is the canonical form used for fingerprints and upstream
// calls once sanitization has run.
type RequestState struct {
	Message    string    `json:"message"`
	Normalized string    `json:"-"`
	ClientID   string    `json:"clientId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ValidationState records the input validator outcome.
type ValidationState struct {
	Checked bool   `json:"checked"`
	Passed  bool   `json:"passed"`
	Reason  string `json:"reason,omitempty"`
}

// InjectionState records the injection detector verdict.
type InjectionState struct {
	Checked  bool     `json:"checked"`
	Detected bool     `json:"detected"`
	Risk     float64  `json:"risk"`
	Matched  []string `json:"matched,omitempty"`
}

// RateLimitState records the quota decision for the client.
type RateLimitState struct {
	Checked    bool          `json:"checked"`
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// CacheState captures cache participation information for the request.
type CacheState struct {
	Key          string    `json:"key"`
	Hit          bool      `json:"hit"`
	SharedFlight bool      `json:"sharedFlight"`
	Stored       bool      `json:"stored"`
	StoredAt     time.Time `json:"storedAt,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// UpstreamState reports collaborator interactions performed during the run.
type UpstreamState struct {
	DomainChecked   bool   `json:"domainChecked"`
	DomainMatch     bool   `json:"domainMatch"`
	DomainReasoning string `json:"domainReasoning,omitempty"`
	Scored          bool   `json:"scored"`
	Attempts        int    `json:"attempts"`
	TokensUsed      int    `json:"tokensUsed"`
	Error           string `json:"error,omitempty"`
}

// ScoreResult is the wire-level scoring payload returned to callers and
// cloned into the cache. Score is -1 for out-of-domain messages, otherwise
// an integer in [1,10].
type ScoreResult struct {
	Score             int      `json:"score"`
	Confidence        float64  `json:"confidence"`
	DomainMatch       bool     `json:"domain_match"`
	Reasoning         string   `json:"reasoning"`
	KeyIndicators     []string `json:"key_indicators"`
	RecommendedAction string   `json:"recommended_action"`
	ActionRationale   string   `json:"action_rationale"`
	TraceID           string   `json:"trace_id,omitempty"`
	LatencyMillis     int64    `json:"latency_ms"`
	TokensUsed        int      `json:"tokens_used"`
	InjectionDetected bool     `json:"injection_detected"`
}

// Clone returns a deep copy so cached entries and responses never share the
// indicator slice.
func (r ScoreResult) Clone() ScoreResult {
	out := r
	if len(r.KeyIndicators) > 0 {
		out.KeyIndicators = make([]string, len(r.KeyIndicators))
		copy(out.KeyIndicators, r.KeyIndicators)
	}
	return out
}

// ErrorBody is the structured error payload emitted for blocked, limited, or
// degraded outcomes.
type ErrorBody struct {
	Error             string `json:"error"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int    `json:"retry_after,omitempty"`
}

// ResponseState is the HTTP response composed for the caller. Exactly one of
// Result and Err is set for well-formed runs.
type ResponseState struct {
	Status int          `json:"status"`
	Result *ScoreResult `json:"result,omitempty"`
	Err    *ErrorBody   `json:"error,omitempty"`
}

// State is the shared context threaded through every phase of a scoring run.
type State struct {
	CorrelationID string `json:"correlationId"`
	Phase         Phase  `json:"phase"`

	Request    RequestState    `json:"request"`
	Validation ValidationState `json:"validation"`
	Injection  InjectionState  `json:"injection"`
	RateLimit  RateLimitState  `json:"rateLimit"`
	Cache      CacheState      `json:"cache"`
	Upstream   UpstreamState   `json:"upstream"`
	Response   ResponseState   `json:"response"`

	History []Transition `json:"history,omitempty"`
}

// NewState captures the inbound request metadata and initializes the state
// machine at its first phase.
func NewState(message, clientID, correlationID string) *State {
	return &State{
		CorrelationID: correlationID,
		Phase:         PhaseValidating,
		Request: RequestState{
			Message:    message,
			ClientID:   strings.TrimSpace(clientID),
			ReceivedAt: time.Now().UTC(),
		},
	}
}

// Advance moves the state machine to the next phase and records the edge.
func (s *State) Advance(next Phase, note string) {
	s.History = append(s.History, Transition{
		From: s.Phase,
		To:   next,
		At:   time.Now().UTC(),
		Note: note,
	})
	s.Phase = next
}

// Outcome summarizes the terminal disposition for logging and metrics.
func (s *State) Outcome() string {
	switch s.Phase {
	case PhaseResponded:
		if s.Cache.Hit {
			return "cache_hit"
		}
		return "scored"
	case PhaseDegraded:
		return "degraded"
	case PhaseBlocked:
		switch {
		case s.Injection.Detected:
			return "injection_blocked"
		case !s.RateLimit.Allowed && s.RateLimit.Checked:
			return "rate_limited"
		default:
			return "validation_failed"
		}
	default:
		return string(s.Phase)
	}
}
