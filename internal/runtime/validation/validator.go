package validation

import (
	"fmt"
	"strings"
	"unicode"
)

// Reason enumerates why a message failed validation.
type Reason string

const (
	ReasonEmpty        Reason = "empty"
	ReasonTooLong      Reason = "too_long"
	ReasonControlChars Reason = "control_chars"
	ReasonRepetition   Reason = "repetition"
)

// Error reports a rejected message. It is user-visible and carries no
// message content beyond the failure reason.
type Error struct {
	Reason Reason
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Reason, e.Detail)
}

// Repetition guard bounds, matching the token-bombing heuristic: messages
// longer than repetitionMinWords whose words/unique-words ratio exceeds
// repetitionMaxRatio are rejected.
const (
	repetitionMinWords = 10
	repetitionMaxRatio = 25.0
)

// Validator checks inbound messages before any downstream work happens.
type Validator struct {
	maxLength int
}

// New builds a validator enforcing the configured maximum message length.
func New(maxLength int) *Validator {
	if maxLength <= 0 {
		maxLength = 2000
	}
	return &Validator{maxLength: maxLength}
}

// Validate returns the trimmed message or an *Error naming the failure. No
// normalization beyond trimming happens here; cache fingerprinting applies
// its own canonical form as a separate step.
func (v *Validator) Validate(message string) (string, error) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "", &Error{Reason: ReasonEmpty, Detail: "message cannot be empty or whitespace only"}
	}
	if len([]rune(trimmed)) > v.maxLength {
		return "", &Error{
			Reason: ReasonTooLong,
			Detail: fmt.Sprintf("message exceeds maximum length of %d characters", v.maxLength),
		}
	}
	for _, r := range trimmed {
		if r == '\n' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return "", &Error{Reason: ReasonControlChars, Detail: "message contains forbidden control characters"}
		}
	}
	if err := checkRepetition(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

func checkRepetition(message string) error {
	words := strings.Fields(message)
	if len(words) <= repetitionMinWords {
		return nil
	}
	unique := make(map[string]struct{}, len(words))
	for _, word := range words {
		unique[word] = struct{}{}
	}
	ratio := float64(len(words)) / float64(len(unique))
	if ratio > repetitionMaxRatio {
		return &Error{Reason: ReasonRepetition, Detail: "message contains excessive repetition"}
	}
	return nil
}
