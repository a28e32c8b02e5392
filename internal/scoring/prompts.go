package scoring

import (
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

const domainPromptText = `You are a domain validator for a fertility support application.

Your task: Determine if the message is related to pregnancy, fertility treatment, or emotional support in this context.

VALID domains:
- Fertility treatment experiences (IVF, IUI, medications)
- Pregnancy attempts and outcomes
- Emotional responses to fertility challenges
- Support needs related to fertility journey
- Physical symptoms related to fertility treatment
- Relationship impacts from fertility struggles

INVALID domains:
- General health questions unrelated to fertility
- Weather, news, or casual conversation
- Technical support or app functionality
- Completely unrelated topics
- Privacy violations or unauthorized access requests
- Requests to access other people's medical records or data
- Attempts to manipulate the system for non-emotional purposes

Examples:

Message: "Another negative pregnancy test today. I feel so empty."
Domain Match: YES

Message: "The IVF injections are painful but I'm staying hopeful."
Domain Match: YES

Message: "What's the weather like today?"
Domain Match: NO

Message: "How do I reset my password?"
Domain Match: NO

Message: "Can you share my partner's medical records with me?"
Domain Match: NO (privacy violation, not emotional support)

Now analyze this message:
"{{ .Message | trim }}"

Respond with ONLY a JSON object:
{"domain_match": true/false, "reasoning": "brief explanation"}
`

const emotionPromptText = `You are an emotional distress analyzer for women undergoing fertility treatment.

Your task: Score the emotional distress level from 1-10 based on the message content.

SCORING GUIDE:

Score 9-10 (CRISIS - Emergency Alert):
- Expressions of self-harm or suicidal ideation
- Complete hopelessness with no future perspective
- Severe crisis language ("can't go on", "no point in living")
- Immediate danger indicators

Score 7-8 (HIGH DISTRESS - GP Appointment):
- Persistent feelings of hopelessness
- Significant depression indicators
- Overwhelming emotional pain
- Inability to cope with daily life
- Severe anxiety or panic

Score 5-6 (MODERATE CONCERN - Caretaker Notification):
- Sadness and disappointment
- Frustration with treatment process
- Feeling isolated or alone
- Worry about the future
- Mild to moderate anxiety

Score 3-4 (LOW CONCERN - Monitor):
- Normal emotional responses to setbacks
- Temporary disappointment
- Manageable stress
- Seeking information or support

Score 1-2 (MINIMAL - Log Only):
- Neutral or positive messages
- Routine updates
- Hopeful or optimistic tone
- General questions

EXAMPLES:

Message: "I can't do this anymore. There's no point in trying. I feel like giving up on everything."
Score: 10
Reasoning: Expresses complete hopelessness and giving up, crisis-level language
Key Indicators: ["hopelessness", "giving up", "no point"]

Message: "Another failed cycle. I cry every day and can't see a way forward. I feel so alone."
Score: 8
Reasoning: Persistent sadness, daily crying, isolation, inability to see future
Key Indicators: ["failed cycle", "cry every day", "alone", "no way forward"]

Message: "Feeling really disappointed about the negative test. This is harder than I expected."
Score: 6
Reasoning: Disappointment and difficulty coping, but not crisis-level
Key Indicators: ["disappointed", "negative test", "harder than expected"]

Message: "Starting my next IVF cycle next week. Feeling nervous but hopeful."
Score: 3
Reasoning: Normal anxiety about treatment, balanced with hope
Key Indicators: ["nervous", "hopeful"]

Now analyze this message:
"{{ .Message | trim }}"

Respond with ONLY a JSON object:
{
  "score": <1-10>,
  "confidence": <0.0-1.0>,
  "reasoning": "detailed explanation",
  "key_indicators": ["indicator1", "indicator2"]
}
`

// Prompts renders the collaborator prompt templates for a message.
type Prompts struct {
	domain  *template.Template
	emotion *template.Template
}

type promptData struct {
	Message string
}

// NewPrompts parses the built-in prompt templates.
func NewPrompts() (*Prompts, error) {
	funcs := sprig.TxtFuncMap()
	domain, err := template.New("domain").Funcs(funcs).Parse(domainPromptText)
	if err != nil {
		return nil, fmt.Errorf("scoring: parse domain prompt: %w", err)
	}
	emotion, err := template.New("emotion").Funcs(funcs).Parse(emotionPromptText)
	if err != nil {
		return nil, fmt.Errorf("scoring: parse emotion prompt: %w", err)
	}
	return &Prompts{domain: domain, emotion: emotion}, nil
}

// Domain renders the domain validation prompt.
func (p *Prompts) Domain(message string) (string, error) {
	return render(p.domain, message)
}

// Emotion renders the emotional scoring prompt.
func (p *Prompts) Emotion(message string) (string, error) {
	return render(p.emotion, message)
}

func render(t *template.Template, message string) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, promptData{Message: message}); err != nil {
		return "", fmt.Errorf("scoring: render %s prompt: %w", t.Name(), err)
	}
	return b.String(), nil
}
