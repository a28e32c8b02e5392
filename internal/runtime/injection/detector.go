package injection

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/calmline/scoregate/internal/config"
)

// Verdict is the detector's decision for a single message.
type Verdict struct {
	Detected bool
	Risk     float64
	Matched  []string
}

type rule struct {
	id      string
	weight  float64
	pattern *regexp.Regexp
	confirm *Program
}

type ruleSet struct {
	rules []rule
}

// Detector scans sanitized messages for prompt injection markers. Rule sets
// swap atomically so watcher-driven reloads never block in-flight checks.
type Detector struct {
	threshold float64
	env       *Environment
	rules     atomic.Pointer[ruleSet]
}

// builtinRules cover the instruction-override, role-play, prompt-probing,
// score-manipulation, and data-exfiltration families. Weights are tuned so
// any single strong marker crosses the default 0.5 threshold on its own
// while weaker markers need corroboration.
var builtinRules = []struct {
	id      string
	weight  float64
	pattern string
}{
	{"instruction_override", 0.7, `(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)`},
	{"new_instructions", 0.6, `(?i)new\s+instructions?\s*:`},
	{"system_injection", 0.5, `(?i)(<\s*system\s*>|<\s*prompt\s*>|^\s*system\s*:)`},
	{"role_override", 0.5, `(?i)(you\s+are\s+now|act\s+as\s+|pretend\s+(to\s+be|you)|roleplay\s+as|simulate\s+)`},
	{"override_keyword", 0.3, `(?i)\boverride\s+`},
	{"prompt_probe", 0.5, `(?i)(show|what\s+(is|are)|reveal|repeat|print)\s+(me\s+)?(your|the)\s+(prompt|instructions?|system\s+(prompt|message))`},
	{"score_manipulation", 0.6, `(?i)(score\s+this\s+(10|9|8)\b|must\s+score|should\s+score|give\s+(this|me)\s+a\s+(10|9|8)\b)`},
	{"data_exfiltration", 0.6, `(?i)(share|access|show|reveal)\s+.{0,40}(their|his|her|partner'?s?|someone\s+else'?s?)\s+.{0,20}(records?|medical|data|information|history)`},
}

// NewDetector compiles the built-in rule set against the given risk
// threshold. Custom rules are installed later via Reload.
func NewDetector(threshold float64) (*Detector, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	d := &Detector{threshold: threshold, env: env}
	if err := d.Reload(nil); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload rebuilds the active rule set from the built-in rules plus the given
// custom definitions. Invalid custom rules fail the whole reload so a bad
// rules file never silently weakens detection.
func (d *Detector) Reload(custom []config.DetectionRuleConfig) error {
	rules := make([]rule, 0, len(builtinRules)+len(custom))
	for _, b := range builtinRules {
		re, err := regexp.Compile(b.pattern)
		if err != nil {
			return fmt.Errorf("injection: builtin rule %s: %w", b.id, err)
		}
		rules = append(rules, rule{id: b.id, weight: b.weight, pattern: re})
	}
	for _, c := range custom {
		r := rule{id: c.ID, weight: c.Weight}
		if c.Pattern != "" {
			re, err := regexp.Compile(c.Pattern)
			if err != nil {
				return fmt.Errorf("injection: rule %s: compile pattern: %w", c.ID, err)
			}
			r.pattern = re
		}
		if c.Expr != "" {
			prog, err := d.env.Compile(c.Expr)
			if err != nil {
				return fmt.Errorf("injection: rule %s: %w", c.ID, err)
			}
			r.confirm = &prog
		}
		rules = append(rules, r)
	}
	d.rules.Store(&ruleSet{rules: rules})
	return nil
}

// Detect scores the message against the active rule set. Risk is the capped
// sum of matched rule weights. Custom rules with a confirm expression only
// contribute when the expression evaluates true against the running risk.
func (d *Detector) Detect(message string) Verdict {
	set := d.rules.Load()
	if set == nil {
		return Verdict{}
	}

	var (
		risk    float64
		matched []string
	)
	for _, r := range set.rules {
		if r.pattern != nil && !r.pattern.MatchString(message) {
			continue
		}
		if r.confirm != nil {
			ok, err := r.confirm.EvalBool(map[string]any{
				"message": message,
				"risk":    risk,
				"matched": append([]string{}, matched...),
			})
			if err != nil || !ok {
				continue
			}
		}
		risk += r.weight
		matched = append(matched, r.id)
	}
	risk = math.Min(risk, 1.0)
	return Verdict{
		Detected: risk >= d.threshold,
		Risk:     risk,
		Matched:  matched,
	}
}

// Threshold returns the risk cutoff the detector blocks at.
func (d *Detector) Threshold() float64 { return d.threshold }

// Sanitize collapses runs of whitespace into single spaces and strips
// non-printable characters. Newlines survive as spaces via the collapse,
// keeping the canonical form stable for fingerprinting and upstream calls.
func Sanitize(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	for _, r := range message {
		if r == '\n' || unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
