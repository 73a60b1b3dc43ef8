package tasks

import "fmt"

type Action string

const (
	ActionCreate    Action = "create"
	ActionAssign    Action = "assign"
	ActionStart     Action = "start"
	ActionReview    Action = "review"
	ActionComplete  Action = "complete"
	ActionCancel    Action = "cancel"
	ActionEscalate  Action = "escalate"
	ActionRemediate Action = "remediate"
)

// GuardResult is the outcome of checking one transition.
type GuardResult struct {
	Allowed bool
	To      TaskStatus
	Reason  string
}

// Error converts a rejected guard into an ErrInvalidTransition.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidTransition, r.Reason)
}

type transition struct {
	from []TaskStatus
	to   TaskStatus
}

var transitions = map[Action]transition{
	// Reassigning an assigned task keeps it assigned.
	ActionAssign:    {from: []TaskStatus{TaskStatusPending, TaskStatusAssigned}, to: TaskStatusAssigned},
	ActionStart:     {from: []TaskStatus{TaskStatusAssigned}, to: TaskStatusInProgress},
	ActionReview:    {from: []TaskStatus{TaskStatusInProgress}, to: TaskStatusWaitingReview},
	ActionComplete:  {from: []TaskStatus{TaskStatusAssigned, TaskStatusInProgress, TaskStatusWaitingReview}, to: TaskStatusCompleted},
	ActionCancel:    {from: []TaskStatus{TaskStatusPending, TaskStatusAssigned, TaskStatusInProgress, TaskStatusWaitingReview, TaskStatusEscalated}, to: TaskStatusCancelled},
	ActionEscalate:  {from: []TaskStatus{TaskStatusAssigned, TaskStatusInProgress, TaskStatusWaitingReview}, to: TaskStatusEscalated},
	ActionRemediate: {from: []TaskStatus{TaskStatusEscalated}, to: TaskStatusAssigned},
}

// CanTransition evaluates the transition table for action from status.
func CanTransition(status TaskStatus, action Action) GuardResult {
	tr, ok := transitions[action]
	if !ok {
		return GuardResult{Reason: fmt.Sprintf("unknown action %q", action)}
	}
	for _, from := range tr.from {
		if from == status {
			return GuardResult{Allowed: true, To: tr.to}
		}
	}
	return GuardResult{Reason: fmt.Sprintf("cannot %s a task in status %s", action, status)}
}
