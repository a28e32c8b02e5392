package actions

import "fmt"

// Action names the downstream escalation chosen for a scored message.
type Action string

const (
	ActionEmergencyAlert  Action = "emergency_alert"
	ActionBookGP          Action = "book_gp_appointment"
	ActionNotifyCaretaker Action = "notify_caretaker"
	ActionLogMonitor      Action = "log_monitor"
	ActionOutOfDomain     Action = "out_of_domain"
)

// OutOfDomainScore marks messages the domain gate rejected; they carry no
// distress signal and trigger no escalation.
const OutOfDomainScore = -1

// Route maps a distress score onto its escalation action and human-readable
// rationale. Scores outside [1,10] and the out-of-domain sentinel are a
// contract violation from the scoring stage, not user error.
func Route(score int) (Action, string, error) {
	switch {
	case score == OutOfDomainScore:
		return ActionOutOfDomain, "Message is out of domain", nil
	case score == 10:
		return ActionEmergencyAlert, "Score 10 indicates crisis - immediate emergency intervention required", nil
	case score >= 8:
		return ActionBookGP, fmt.Sprintf("Score %d indicates high distress - GP appointment needed", score), nil
	case score >= 6:
		return ActionNotifyCaretaker, fmt.Sprintf("Score %d indicates moderate concern - caretaker notification", score), nil
	case score >= 1:
		return ActionLogMonitor, fmt.Sprintf("Score %d indicates low concern - monitoring only", score), nil
	default:
		return "", "", fmt.Errorf("actions: score %d outside valid range", score)
	}
}
