package scoring

import (
	"context"
	"errors"
	"fmt"
)

// DomainResult is the collaborator's verdict on whether the message belongs
// to the supported domain.
type DomainResult struct {
	Match      bool
	Reasoning  string
	TokensUsed int
}

// EmotionResult is the collaborator's distress assessment for an in-domain
// message.
type EmotionResult struct {
	Score         int
	Confidence    float64
	Reasoning     string
	KeyIndicators []string
	TokensUsed    int
}

// Client performs the two collaborator calls of a scoring run.
type Client interface {
	CheckDomain(ctx context.Context, message string) (DomainResult, error)
	ScoreEmotion(ctx context.Context, message string) (EmotionResult, error)
}

// UpstreamError classifies collaborator failures for retry decisions.
// Transient failures (timeouts, connection resets, 5xx) may be retried;
// permanent ones (malformed responses, auth rejections) must not be.
type UpstreamError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *UpstreamError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("scoring: %s: %s upstream failure: %v", e.Op, kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a retryable collaborator failure.
func IsTransient(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Transient
}
