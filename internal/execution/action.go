package execution

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// NewActionID returns a random identifier for a submit or build run.
func NewActionID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "xb_" + strings.ReplaceAll(time.Now().UTC().Format("20060102T150405.000000000"), ".", "")
	}
	return "xb_" + hex.EncodeToString(b)
}

func NewAction(actionID string, mode Mode, now time.Time) Action {
	ts := now.UTC().Format(time.RFC3339)
	return Action{
		ActionID:  actionID,
		Mode:      mode,
		Status:    ActionStatusPlanned,
		CreatedAt: ts,
		UpdatedAt: ts,
		Steps:     []ActionStep{},
	}
}

func (a *Action) Touch(now time.Time) {
	a.UpdatedAt = now.UTC().Format(time.RFC3339)
}

// StepTypes lists the step types in execution order.
func (a Action) StepTypes() []StepType {
	out := make([]StepType, 0, len(a.Steps))
	for _, s := range a.Steps {
		out = append(out, s.Type)
	}
	return out
}

// ParseActionStatus accepts a status name case-insensitively. Blank input
// parses to the empty status, which matches every action.
func ParseActionStatus(raw string) (ActionStatus, bool) {
	v := ActionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch v {
	case "", ActionStatusPlanned, ActionStatusRunning, ActionStatusBuilt, ActionStatusCompleted, ActionStatusFailed:
		return v, true
	default:
		return "", false
	}
}
