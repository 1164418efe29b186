// Package session owns the chat/booking session: booking steps, the
// session lock, the message feed and every side effect hanging off them.
package session

import (
	"fmt"
	"slices"
	"strings"
)

// Step is a stage of the booking conversation.
type Step string

const (
	StepDuration     Step = "duration"
	StepDetails      Step = "details"
	StepConfirmation Step = "confirmation"
	StepChat         Step = "chat"
)

// validTransitions defines allowed step transitions. chat is absorbing.
var validTransitions = map[Step][]Step{
	StepDuration:     {StepDetails},
	StepDetails:      {StepDuration, StepConfirmation},
	StepConfirmation: {StepDuration, StepDetails, StepChat},
	StepChat:         {},
}

// previous is where Back goes from each step. duration and chat have none.
var previous = map[Step]Step{
	StepDetails:      StepDuration,
	StepConfirmation: StepDetails,
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Step) bool {
	return slices.Contains(validTransitions[from], to)
}

// ParseStep validates a step name.
func ParseStep(raw string) (Step, error) {
	s := Step(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := validTransitions[s]; !ok {
		return "", fmt.Errorf("unknown booking step %q", raw)
	}
	return s, nil
}

// InvalidTransitionError is returned for an illegal step change. The
// session is left untouched.
type InvalidTransitionError struct {
	From Step
	To   Step
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}
