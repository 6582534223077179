package workflows

import "fmt"

// Status is the lifecycle state of a scheduled report.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

// StateMachine enforces scheduled report status transitions
type StateMachine struct {
	allowedTransitions map[Status][]Status
}

// NewStateMachine creates a new state machine with allowed transitions.
// failed -> idle is only reachable through an explicit reset.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		allowedTransitions: map[Status][]Status{
			StatusIdle:    {StatusRunning},
			StatusRunning: {StatusIdle, StatusFailed},
			StatusFailed:  {StatusIdle},
		},
	}
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine) CanTransition(from, to Status) bool {
	for _, allowedTo := range sm.allowedTransitions[from] {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// Transition returns to if the move from -> to is allowed.
func (sm *StateMachine) Transition(from, to Status) (Status, error) {
	if !sm.CanTransition(from, to) {
		return from, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return to, nil
}

// GetAllowedTransitions returns the allowed next statuses for a given status
func (sm *StateMachine) GetAllowedTransitions(from Status) []Status {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []Status{}
	}
	return allowed
}
