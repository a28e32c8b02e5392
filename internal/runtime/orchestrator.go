package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/calmline/scoregate/internal/config"
	"github.com/calmline/scoregate/internal/metrics"
	"github.com/calmline/scoregate/internal/runtime/actions"
	"github.com/calmline/scoregate/internal/runtime/cache"
	"github.com/calmline/scoregate/internal/runtime/injection"
	"github.com/calmline/scoregate/internal/runtime/pipeline"
	"github.com/calmline/scoregate/internal/runtime/ratelimit"
	"github.com/calmline/scoregate/internal/runtime/validation"
	"github.com/calmline/scoregate/internal/scoring"
)

// upstreamFailureThreshold is the consecutive-failure count at which the
// health endpoint reports degraded.
const upstreamFailureThreshold = 3

// Options carries the collaborators assembled in main into the orchestrator.
type Options struct {
	Limits            config.LimitsConfig
	Retry             config.RetryConfig
	CacheTTL          time.Duration
	Keyer             cache.Keyer
	Cache             cache.ScoreCache
	Client            scoring.Client
	Detector          *injection.Detector
	Metrics           *metrics.Recorder
	CorrelationHeader string
	RuleSources       []string
	Skipped           []config.DefinitionSkip
}

// Orchestrator drives a scoring request through its state machine: validate,
// injection check, rate limit, cache lookup, collaborator calls, action
// routing, cache store, respond. Identical concurrent misses share one
// collaborator flight.
type Orchestrator struct {
	logger            *slog.Logger
	validator         *validation.Validator
	detector          *injection.Detector
	limiter           *ratelimit.Limiter
	cache             cache.ScoreCache
	keyer             cache.Keyer
	client            scoring.Client
	metrics           *metrics.Recorder
	retry             config.RetryConfig
	cacheTTL          time.Duration
	correlationHeader string

	flight singleflight.Group
	sleep  func(time.Duration)

	mu               sync.Mutex
	upstreamFailures int
	ruleSources      []string
	skipped          []config.DefinitionSkip
}

// NewOrchestrator wires the scoring pipeline from pre-built collaborators.
func NewOrchestrator(logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	scoreCache := opts.Cache
	if scoreCache == nil {
		scoreCache = cache.NewMemory(ttl)
	}
	window := time.Duration(opts.Limits.RateWindowSeconds) * time.Second

	return &Orchestrator{
		logger:            logger.With(slog.String("component", "orchestrator")),
		validator:         validation.New(opts.Limits.MaxMessageLength),
		detector:          opts.Detector,
		limiter:           ratelimit.New(opts.Limits.RatePerMinute, window),
		cache:             scoreCache,
		keyer:             opts.Keyer,
		client:            opts.Client,
		metrics:           opts.Metrics,
		retry:             opts.Retry,
		cacheTTL:          ttl,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		sleep:             time.Sleep,
		ruleSources:       opts.RuleSources,
		skipped:           opts.Skipped,
	}
}

// Close releases the cache backend.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.cache == nil {
		return nil
	}
	return o.cache.Close(ctx)
}

// Reload installs a fresh detection rule bundle. Cached scores stay valid;
// detection rules only gate new messages before scoring.
func (o *Orchestrator) Reload(bundle config.RuleBundle) {
	if o.detector != nil {
		if err := o.detector.Reload(bundle.Rules); err != nil {
			o.logger.Warn("detection rules reload rejected", slog.Any("error", err))
			return
		}
	}
	o.mu.Lock()
	o.ruleSources = append([]string(nil), bundle.Sources...)
	o.skipped = append([]config.DefinitionSkip(nil), bundle.Skipped...)
	o.mu.Unlock()
	o.logger.Info("detection rules reloaded",
		slog.String("event", "rules_reload"),
		slog.Int("rule_count", len(bundle.Rules)))
}

type scoreRequestBody struct {
	Message  string `json:"message"`
	ClientID string `json:"client_id"`
}

// ServeScore handles POST /score.
func (o *Orchestrator) ServeScore(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var body scoreRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		o.writeError(w, http.StatusBadRequest, pipeline.ErrorBody{
			Error:  "invalid_request",
			Reason: "request body must be a JSON object with a message field",
		}, "")
		return
	}

	clientID := strings.TrimSpace(body.ClientID)
	if clientID == "" {
		clientID = remoteHost(r)
	}
	correlationID := o.requestCorrelationID(r)

	state := pipeline.NewState(body.Message, clientID, correlationID)
	reqLogger := o.logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("client_id", clientID),
	)

	o.run(r.Context(), reqLogger, state)

	if state.Response.Status == 0 {
		state.Response.Status = http.StatusInternalServerError
		state.Response.Err = &pipeline.ErrorBody{Error: "internal_error"}
	}

	duration := time.Since(start)
	if state.Response.Result != nil {
		state.Response.Result.TraceID = correlationID
		state.Response.Result.LatencyMillis = duration.Milliseconds()
	}

	if o.correlationHeader != "" {
		w.Header().Set(o.correlationHeader, correlationID)
	}
	w.Header().Set("Content-Type", "application/json")
	if state.Response.Err != nil && state.Response.Err.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", state.Response.Err.RetryAfterSeconds))
	}
	w.WriteHeader(state.Response.Status)

	var encodeErr error
	if state.Response.Result != nil {
		encodeErr = json.NewEncoder(w).Encode(state.Response.Result)
	} else {
		encodeErr = json.NewEncoder(w).Encode(state.Response.Err)
	}
	if encodeErr != nil {
		reqLogger.Error("score response encode failed", slog.Any("error", encodeErr))
	}

	outcome := state.Outcome()
	action := ""
	if state.Response.Result != nil {
		action = state.Response.Result.RecommendedAction
	}
	reqLogger.Info("scoring completed",
		slog.String("outcome", outcome),
		slog.Int("http_status", state.Response.Status),
		slog.Bool("from_cache", state.Cache.Hit),
		slog.Bool("shared_flight", state.Cache.SharedFlight),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	o.metrics.ObserveScore(outcome, action, duration)
}

// run advances the state machine until a terminal phase is reached.
func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, state *pipeline.State) {
	for !state.Phase.Terminal() {
		phase := state.Phase
		stepStart := time.Now()
		switch phase {
		case pipeline.PhaseValidating:
			o.stepValidate(state)
		case pipeline.PhaseInjectionCheck:
			o.stepInjection(state)
		case pipeline.PhaseRateLimit:
			o.stepRateLimit(state)
		case pipeline.PhaseCacheLookup:
			o.stepCacheLookup(ctx, logger, state)
		case pipeline.PhaseDomainCheck:
			o.stepScore(ctx, logger, state)
		case pipeline.PhaseRespond:
			state.Advance(pipeline.PhaseResponded, "")
		default:
			logger.Error("state machine reached unknown phase", slog.String("phase", string(phase)))
			state.Response.Status = http.StatusInternalServerError
			state.Response.Err = &pipeline.ErrorBody{Error: "internal_error"}
			state.Advance(pipeline.PhaseDegraded, "unknown phase")
			return
		}
		if logger.Enabled(ctx, slog.LevelDebug) {
			logger.LogAttrs(ctx, slog.LevelDebug, "stage executed",
				slog.String("stage", string(phase)),
				slog.String("next", string(state.Phase)),
				slog.Float64("latency_ms", float64(time.Since(stepStart))/float64(time.Millisecond)),
			)
		}
	}
}

func (o *Orchestrator) stepValidate(state *pipeline.State) {
	state.Validation.Checked = true
	trimmed, err := o.validator.Validate(state.Request.Message)
	if err != nil {
		var verr *validation.Error
		reason := "invalid"
		detail := err.Error()
		if errors.As(err, &verr) {
			reason = string(verr.Reason)
			detail = verr.Detail
		}
		state.Validation.Reason = reason
		state.Response.Status = http.StatusBadRequest
		state.Response.Err = &pipeline.ErrorBody{Error: "validation_failed", Reason: detail}
		state.Advance(pipeline.PhaseBlocked, reason)
		return
	}
	state.Validation.Passed = true
	state.Request.Message = trimmed
	state.Advance(pipeline.PhaseInjectionCheck, "")
}

func (o *Orchestrator) stepInjection(state *pipeline.State) {
	state.Injection.Checked = true
	verdict := o.detector.Detect(state.Request.Message)
	state.Injection.Detected = verdict.Detected
	state.Injection.Risk = verdict.Risk
	state.Injection.Matched = verdict.Matched
	if verdict.Detected {
		o.metrics.ObserveInjectionAttempt()
		state.Response.Status = http.StatusBadRequest
		state.Response.Err = &pipeline.ErrorBody{
			Error:  "injection_detected",
			Reason: "message rejected by security screening",
		}
		state.Advance(pipeline.PhaseBlocked, fmt.Sprintf("risk %.2f", verdict.Risk))
		return
	}
	state.Request.Normalized = cache.Normalize(injection.Sanitize(state.Request.Message))
	state.Advance(pipeline.PhaseRateLimit, "")
}

func (o *Orchestrator) stepRateLimit(state *pipeline.State) {
	state.RateLimit.Checked = true
	decision := o.limiter.Allow(state.Request.ClientID)
	state.RateLimit.Allowed = decision.Allowed
	state.RateLimit.RetryAfter = decision.RetryAfter
	if !decision.Allowed {
		o.metrics.ObserveRateLimited()
		retrySeconds := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retrySeconds < 1 {
			retrySeconds = 1
		}
		state.Response.Status = http.StatusTooManyRequests
		state.Response.Err = &pipeline.ErrorBody{
			Error:             "rate_limited",
			Reason:            "per-client request quota exceeded",
			RetryAfterSeconds: retrySeconds,
		}
		state.Advance(pipeline.PhaseBlocked, "quota exceeded")
		return
	}
	state.Advance(pipeline.PhaseCacheLookup, "")
}

func (o *Orchestrator) stepCacheLookup(ctx context.Context, logger *slog.Logger, state *pipeline.State) {
	state.Cache.Key = o.keyer.Key(state.Request.Normalized)

	lookupStart := time.Now()
	entry, hit, err := o.cache.Lookup(ctx, state.Cache.Key)
	lookupDuration := time.Since(lookupStart)
	if err != nil {
		// A broken cache degrades to a miss; scoring still happens.
		logger.Warn("cache lookup failed", slog.Any("error", err))
		o.metrics.ObserveCacheLookup(metrics.CacheLookupError, lookupDuration)
		state.Advance(pipeline.PhaseDomainCheck, "cache error")
		return
	}
	if !hit {
		o.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, lookupDuration)
		state.Advance(pipeline.PhaseDomainCheck, "cache miss")
		return
	}

	o.metrics.ObserveCacheLookup(metrics.CacheLookupHit, lookupDuration)
	state.Cache.Hit = true
	state.Cache.StoredAt = entry.StoredAt
	state.Cache.ExpiresAt = entry.ExpiresAt
	result := entry.Result.Clone()
	state.Upstream.TokensUsed = result.TokensUsed
	state.Response.Status = http.StatusOK
	state.Response.Result = &result
	state.Advance(pipeline.PhaseRespond, "cache hit")
}

// flightVerdict is the value shared between concurrent requests for the same
// fingerprint.
type flightVerdict struct {
	result          pipeline.ScoreResult
	domainChecked   bool
	domainMatch     bool
	domainReasoning string
	attempts        int
	cacheable       bool

	stored    bool
	storedAt  time.Time
	expiresAt time.Time
}

func (o *Orchestrator) stepScore(ctx context.Context, logger *slog.Logger, state *pipeline.State) {
	// The leader's collaborator calls outlive any single caller so one
	// cancelled request never fails the whole flight.
	flightCtx := context.WithoutCancel(ctx)
	key := state.Cache.Key
	normalized := state.Request.Normalized
	ch := o.flight.DoChan(key, func() (any, error) {
		return o.runFlight(flightCtx, logger, key, normalized)
	})

	select {
	case <-ctx.Done():
		state.Response.Status = http.StatusServiceUnavailable
		state.Response.Err = &pipeline.ErrorBody{
			Error:  "request_cancelled",
			Reason: "caller went away before scoring finished",
		}
		state.Advance(pipeline.PhaseDegraded, "context cancelled")
		return
	case res := <-ch:
		state.Cache.SharedFlight = res.Shared
		if res.Err != nil {
			logger.Warn("scoring unavailable, serving fallback",
				slog.Any("error", res.Err),
				slog.Bool("transient", scoring.IsTransient(res.Err)))
			result := degradedResult()
			state.Upstream.Error = res.Err.Error()
			state.Response.Status = http.StatusOK
			state.Response.Result = &result
			state.Advance(pipeline.PhaseDegraded, "upstream failure")
			return
		}

		verdict := res.Val.(*flightVerdict)
		state.Upstream.DomainChecked = verdict.domainChecked
		state.Upstream.DomainMatch = verdict.domainMatch
		state.Upstream.DomainReasoning = verdict.domainReasoning
		state.Upstream.Scored = verdict.domainMatch
		state.Upstream.Attempts = verdict.attempts
		state.Upstream.TokensUsed = verdict.result.TokensUsed

		if verdict.domainMatch {
			state.Advance(pipeline.PhaseEmotionalAnalysis, "domain confirmed")
		}
		state.Advance(pipeline.PhaseActionRouting, "")

		result := verdict.result.Clone()
		state.Response.Status = http.StatusOK
		state.Response.Result = &result

		if verdict.stored {
			state.Cache.Stored = true
			state.Cache.StoredAt = verdict.storedAt
			state.Cache.ExpiresAt = verdict.expiresAt
			state.Advance(pipeline.PhaseCacheStore, "")
		}
		state.Advance(pipeline.PhaseRespond, "")
	}
}

// runFlight executes once per fingerprint regardless of how many requests are
// waiting on it. Everything that must happen exactly once per collaborator
// round trip lives here: failure accounting, token metrics, and the cache
// store. singleflight marks the leader's result Shared too, so the callers
// cannot tell who ran the flight; only this function knows.
func (o *Orchestrator) runFlight(ctx context.Context, logger *slog.Logger, key, message string) (*flightVerdict, error) {
	verdict, err := o.scoreUpstream(ctx, message)
	if err != nil {
		o.noteUpstreamFailure(err)
		return nil, err
	}
	o.noteUpstreamSuccess()
	o.metrics.ObserveTokens(verdict.result.TokensUsed)

	if verdict.cacheable {
		o.storeVerdict(ctx, logger, key, verdict)
	}
	return verdict, nil
}

// scoreUpstream performs the two collaborator calls for one flight leader:
// domain validation, then emotional scoring for in-domain messages.
func (o *Orchestrator) scoreUpstream(ctx context.Context, message string) (*flightVerdict, error) {
	verdict := &flightVerdict{}

	var domain scoring.DomainResult
	attempts, err := o.withRetry(ctx, func() error {
		var callErr error
		domain, callErr = o.client.CheckDomain(ctx, message)
		return callErr
	})
	verdict.attempts = attempts
	if err != nil {
		return nil, err
	}
	verdict.domainChecked = true
	verdict.domainMatch = domain.Match
	verdict.domainReasoning = domain.Reasoning
	tokens := domain.TokensUsed

	if !domain.Match {
		action, rationale, routeErr := actions.Route(actions.OutOfDomainScore)
		if routeErr != nil {
			return nil, &scoring.UpstreamError{Op: "action_routing", Err: routeErr}
		}
		verdict.result = pipeline.ScoreResult{
			Score:             actions.OutOfDomainScore,
			Confidence:        1.0,
			DomainMatch:       false,
			Reasoning:         domain.Reasoning,
			KeyIndicators:     []string{},
			RecommendedAction: string(action),
			ActionRationale:   rationale,
			TokensUsed:        tokens,
		}
		verdict.cacheable = true
		return verdict, nil
	}

	var emotion scoring.EmotionResult
	moreAttempts, err := o.withRetry(ctx, func() error {
		var callErr error
		emotion, callErr = o.client.ScoreEmotion(ctx, message)
		return callErr
	})
	verdict.attempts += moreAttempts
	if err != nil {
		return nil, err
	}
	tokens += emotion.TokensUsed

	action, rationale, err := actions.Route(emotion.Score)
	if err != nil {
		return nil, &scoring.UpstreamError{Op: "action_routing", Err: err}
	}

	indicators := emotion.KeyIndicators
	if indicators == nil {
		indicators = []string{}
	}
	verdict.result = pipeline.ScoreResult{
		Score:             emotion.Score,
		Confidence:        emotion.Confidence,
		DomainMatch:       true,
		Reasoning:         emotion.Reasoning,
		KeyIndicators:     indicators,
		RecommendedAction: string(action),
		ActionRationale:   rationale,
		TokensUsed:        tokens,
	}
	verdict.cacheable = true
	return verdict, nil
}

// withRetry runs call up to the configured attempt limit, backing off
// between tries. Only transient failures are retried; permanent ones return
// immediately.
func (o *Orchestrator) withRetry(ctx context.Context, call func() error) (int, error) {
	maxAttempts := o.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := time.Duration(o.retry.BackoffMillis) * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = call()
		if err == nil {
			return attempt, nil
		}
		if !scoring.IsTransient(err) || attempt == maxAttempts {
			return attempt, err
		}
		if backoff > 0 {
			o.sleep(backoff)
		}
		if ctx.Err() != nil {
			return attempt, err
		}
	}
	return maxAttempts, err
}

// storeVerdict persists a cacheable flight outcome. A store failure is not a
// request failure; the verdict is still served, just not reused.
func (o *Orchestrator) storeVerdict(ctx context.Context, logger *slog.Logger, key string, verdict *flightVerdict) {
	now := time.Now().UTC()
	entry := cache.Entry{
		Result:    verdict.result.Clone(),
		StoredAt:  now,
		ExpiresAt: now.Add(o.cacheTTL),
	}

	storeStart := time.Now()
	err := o.cache.Store(ctx, key, entry)
	storeDuration := time.Since(storeStart)
	if err != nil {
		logger.Warn("cache store failed", slog.Any("error", err))
		o.metrics.ObserveCacheStore(metrics.CacheStoreError, storeDuration)
		return
	}
	o.metrics.ObserveCacheStore(metrics.CacheStoreStored, storeDuration)
	verdict.stored = true
	verdict.storedAt = entry.StoredAt
	verdict.expiresAt = entry.ExpiresAt
}

// degradedResult is the fallback verdict served when scoring is unavailable.
// It is never cached.
func degradedResult() pipeline.ScoreResult {
	return pipeline.ScoreResult{
		Score:             actions.OutOfDomainScore,
		Confidence:        0,
		DomainMatch:       false,
		Reasoning:         "upstream_unavailable",
		KeyIndicators:     []string{},
		RecommendedAction: string(actions.ActionLogMonitor),
		ActionRationale:   "Scoring temporarily unavailable - monitoring only",
	}
}

// noteUpstreamFailure is called once per failed flight, never per waiter.
func (o *Orchestrator) noteUpstreamFailure(err error) {
	class := metrics.UpstreamErrorPermanent
	if scoring.IsTransient(err) {
		class = metrics.UpstreamErrorTransient
	}
	o.metrics.ObserveUpstreamError(class)
	o.mu.Lock()
	o.upstreamFailures++
	o.mu.Unlock()
}

func (o *Orchestrator) noteUpstreamSuccess() {
	o.mu.Lock()
	o.upstreamFailures = 0
	o.mu.Unlock()
}

// ServeHealth handles GET /health and /healthz.
func (o *Orchestrator) ServeHealth(w http.ResponseWriter, r *http.Request) {
	cacheSize, err := o.cache.Size(r.Context())
	if err != nil {
		o.logger.Error("cache size query failed", slog.Any("error", err))
		cacheSize = 0
	}

	o.mu.Lock()
	failures := o.upstreamFailures
	sources := append([]string(nil), o.ruleSources...)
	skipped := append([]config.DefinitionSkip(nil), o.skipped...)
	o.mu.Unlock()

	status := "ok"
	upstreamAvailable := true
	if failures >= upstreamFailureThreshold {
		status = "degraded"
		upstreamAvailable = false
	}
	if len(skipped) > 0 {
		status = "degraded"
	}

	payload := map[string]any{
		"status":            status,
		"upstreamAvailable": upstreamAvailable,
		"cacheEntries":      cacheSize,
		"observedAt":        time.Now().UTC(),
	}
	if len(sources) > 0 {
		payload["ruleSources"] = sources
	}
	if len(skipped) > 0 {
		payload["skippedDefinitions"] = skipped
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		o.logger.Error("health encode failed", slog.Any("error", err))
	}
}

func (o *Orchestrator) writeError(w http.ResponseWriter, status int, body pipeline.ErrorBody, correlationID string) {
	if o.correlationHeader != "" && correlationID != "" {
		w.Header().Set(o.correlationHeader, correlationID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		o.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

func (o *Orchestrator) requestCorrelationID(r *http.Request) string {
	if r != nil && o.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(o.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

func remoteHost(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		if trimmed := strings.TrimSpace(r.RemoteAddr); trimmed != "" {
			return trimmed
		}
		return "unknown"
	}
	return host
}
