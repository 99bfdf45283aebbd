package callstate

import (
	"fmt"

	"github.com/harunnryd/callcenter/pkg/errorsx"
)

// Phase is the orchestrator state of one call.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseAwaitingAssignment
	PhaseBridging
	PhaseRoleSwitching
	PhaseTerminating
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "CREATED"
	case PhaseAwaitingAssignment:
		return "AWAITING_ASSIGNMENT"
	case PhaseBridging:
		return "BRIDGING"
	case PhaseRoleSwitching:
		return "ROLE_SWITCHING"
	case PhaseTerminating:
		return "TERMINATING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Terminal reports whether the call is being or has been torn down.
func (p Phase) Terminal() bool { return p == PhaseTerminating || p == PhaseClosed }

var validTransitions = map[Phase][]Phase{
	PhaseCreated:            {PhaseAwaitingAssignment, PhaseTerminating},
	PhaseAwaitingAssignment: {PhaseBridging, PhaseRoleSwitching, PhaseTerminating},
	PhaseBridging:           {PhaseRoleSwitching, PhaseTerminating},
	PhaseRoleSwitching:      {PhaseAwaitingAssignment, PhaseTerminating},
	PhaseTerminating:        {PhaseClosed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents a rejected phase change.
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition from %s to %s", e.From, e.To)
}

// Transition moves s to phase to, leaving s untouched when the move is not
// allowed.
func (s *State) Transition(to Phase) error {
	if !CanTransition(s.Phase, to) {
		return errorsx.Wrap(&InvalidTransitionError{From: s.Phase, To: to}, errorsx.ReasonInvalidTransition)
	}
	s.Phase = to
	return nil
}
