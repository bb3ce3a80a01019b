/*
lifecycle.go - Document status lifecycle

STATES:
  ┌───────┐    ┌─────────────┐    ┌──────────┐  convert  ┌───────────┐
  │ draft │───▶│ negotiating │───▶│ approved │──────────▶│ converted │
  └───────┘    └─────────────┘    └──────────┘           └───────────┘
      │   ◀───────────┘ ◀──────────────┘
      │               │                │
      └───────────────┴────────────────┴──────▶ cancelled

  draft may also go straight to approved. converted and cancelled are
  terminal. converted is only reachable through Convert, never through a
  status change.

NOTIFICATIONS:
  Every applied transition is announced to the Notifier after commit.
  Announcing is fire-and-forget: a failure is logged and the transition
  stands.
*/
package document

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a document.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusNegotiating Status = "negotiating"
	StatusApproved    Status = "approved"
	StatusConverted   Status = "converted"
	StatusCancelled   Status = "cancelled"
)

// transitions is the allow-list for ChangeStatus. StatusConverted never
// appears as a target here.
var transitions = map[Status][]Status{
	StatusDraft:       {StatusNegotiating, StatusApproved, StatusCancelled},
	StatusNegotiating: {StatusDraft, StatusApproved, StatusCancelled},
	StatusApproved:    {StatusNegotiating, StatusCancelled},
}

// convertFrom is the only status a document can be converted from.
const convertFrom = StatusApproved

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusNegotiating, StatusApproved, StatusConverted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConverted || s == StatusCancelled
}

// StateMachine validates transitions and announces the applied ones.
type StateMachine struct {
	Notifier Notifier
	Logger   *zap.Logger
}

// NewStateMachine returns a state machine announcing through n.
func NewStateMachine(n Notifier, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{Notifier: n, Logger: logger}
}

// ValidateTransition checks a direct status change from -> to.
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if !to.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", to)}
	}
	if from == to {
		return &BusinessRuleError{Rule: "no_op_transition", Reason: fmt.Sprintf("document is already %s", from)}
	}
	if to == StatusConverted {
		return &BusinessRuleError{Rule: "convert_only", Reason: "converted is only reachable through convert"}
	}
	if from.Terminal() {
		return &BusinessRuleError{Rule: "terminal_status", Reason: fmt.Sprintf("%s is terminal", from)}
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &BusinessRuleError{
		Rule:   "transition_not_allowed",
		Reason: fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

// ValidateConvert checks that a document of docType in status from may be converted.
func (sm *StateMachine) ValidateConvert(docType Type, from Status) error {
	if _, ok := docType.ConvertsTo(); !ok {
		return &BusinessRuleError{Rule: "not_convertible", Reason: fmt.Sprintf("%s documents cannot be converted", docType)}
	}
	if from != convertFrom {
		return &BusinessRuleError{
			Rule:   "convert_requires_approved",
			Reason: fmt.Sprintf("convert requires status %s, document is %s", convertFrom, from),
		}
	}
	return nil
}

// Announce notifies about an applied transition. Failures are logged only.
func (sm *StateMachine) Announce(ctx context.Context, recipient string, h Header, from Status) {
	title := fmt.Sprintf("%s %s is now %s", h.Type, h.Number, h.Status)
	message := fmt.Sprintf("Status of %s changed from %s to %s", h.Number, from, h.Status)
	notify(ctx, sm.Notifier, sm.Logger, recipient, title, message)
}
