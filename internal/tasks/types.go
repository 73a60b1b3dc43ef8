package tasks

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending       TaskStatus = "pending"
	TaskStatusAssigned      TaskStatus = "assigned"
	TaskStatusInProgress    TaskStatus = "in_progress"
	TaskStatusWaitingReview TaskStatus = "waiting_review"
	TaskStatusEscalated     TaskStatus = "escalated"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusCancelled     TaskStatus = "cancelled"
)

func ParseStatus(raw string) (TaskStatus, error) {
	switch s := TaskStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusInProgress, TaskStatusWaitingReview,
		TaskStatusEscalated, TaskStatusCompleted, TaskStatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown task status %q", raw)
	}
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

// Level orders priorities from low (0) to critical (3); unknown values are -1.
func (p Priority) Level() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return -1
	}
}

// Raise returns the next priority up, saturating at critical.
func (p Priority) Raise() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

func MaxPriority(a, b Priority) Priority {
	if b.Level() > a.Level() {
		return b
	}
	return a
}

type TaskResult struct {
	Outcome string            `json:"outcome"`
	Comment string            `json:"comment,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

func (r TaskResult) Equal(other TaskResult) bool {
	if r.Outcome != other.Outcome || r.Comment != other.Comment || len(r.Data) != len(other.Data) {
		return false
	}
	for k, v := range r.Data {
		if ov, ok := other.Data[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (r TaskResult) clone() *TaskResult {
	out := r
	if r.Data != nil {
		out.Data = make(map[string]string, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	return &out
}

// Change is one audit entry. Every mutation appends exactly one.
type Change struct {
	Seq        int        `json:"seq"`
	Action     Action     `json:"action"`
	Actor      string     `json:"actor"`
	At         time.Time  `json:"at"`
	FromStatus TaskStatus `json:"from_status,omitempty"`
	ToStatus   TaskStatus `json:"to_status"`
	SignalID   string     `json:"signal_id,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}

type Task struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Priority         Priority          `json:"priority"`
	Status           TaskStatus        `json:"status"`
	AssigneeID       string            `json:"assignee_id,omitempty"`
	CandidateIDs     []string          `json:"candidate_ids,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	DueAt            time.Time         `json:"due_at"`
	EscalationDueAt  time.Time         `json:"escalation_due_at"`
	AssignedAt       *time.Time        `json:"assigned_at,omitempty"`
	EscalatedAt      *time.Time        `json:"escalated_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CancelledAt      *time.Time        `json:"cancelled_at,omitempty"`
	EscalationLevel  int               `json:"escalation_level"`
	SLAHours         float64           `json:"sla_hours"`
	EscalationHours  float64           `json:"escalation_hours"`
	Result           *TaskResult       `json:"result,omitempty"`
	CancelReason     string            `json:"cancel_reason,omitempty"`
	RequestID        string            `json:"request_id,omitempty"`
	RoutingRequestID string            `json:"routing_request_id,omitempty"`
	RoutingDecision  string            `json:"routing_decision,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	History          []Change          `json:"history"`
}

// TaskData is the creation payload. Metadata keys are operator-defined.
// A nil SLAHours or EscalationHours takes the controller default; an
// explicit zero is rejected.
type TaskData struct {
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Priority         Priority          `json:"priority"`
	AssigneeID       string            `json:"assignee_id,omitempty"`
	CandidateIDs     []string          `json:"candidate_ids,omitempty"`
	SLAHours         *float64          `json:"sla_hours,omitempty"`
	EscalationHours  *float64          `json:"escalation_hours,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	RequestID        string            `json:"request_id,omitempty"`
	RoutingRequestID string            `json:"routing_request_id,omitempty"`
	RoutingDecision  string            `json:"routing_decision,omitempty"`
	Actor            string            `json:"actor,omitempty"`
}

// Schedule carries the deadlines computed for a new task.
type Schedule struct {
	CreatedAt       time.Time
	DueAt           time.Time
	EscalationDueAt time.Time
	SLAHours        float64
	EscalationHours float64
}

// Signal identifies who sent a mutation and, optionally, a delivery id used
// to drop redelivered copies.
type Signal struct {
	Actor    string `json:"actor,omitempty"`
	SignalID string `json:"signal_id,omitempty"`
}

// Remediation is the state an escalated task re-enters assigned with.
type Remediation struct {
	AssigneeID      string
	Priority        Priority
	DueAt           time.Time
	EscalationDueAt time.Time
	Reason          string
}

type EventType string

const (
	EventTaskCreated       EventType = "task_created"
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskStarted       EventType = "task_started"
	EventTaskWaitingReview EventType = "task_waiting_review"
	EventTaskEscalated     EventType = "task_escalated"
	EventTaskRemediated    EventType = "task_remediated"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskCancelled     EventType = "task_cancelled"
)

type Event struct {
	Type            EventType  `json:"type"`
	TaskID          string     `json:"task_id"`
	Title           string     `json:"title,omitempty"`
	Status          TaskStatus `json:"status,omitempty"`
	Priority        Priority   `json:"priority,omitempty"`
	AssigneeID      string     `json:"assignee_id,omitempty"`
	EscalationLevel int        `json:"escalation_level,omitempty"`
	Detail          string     `json:"detail,omitempty"`
	At              time.Time  `json:"at"`
}

func (t Task) Clone() Task {
	out := t
	if t.CandidateIDs != nil {
		out.CandidateIDs = append([]string(nil), t.CandidateIDs...)
	}
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	if t.History != nil {
		out.History = make([]Change, len(t.History))
		copy(out.History, t.History)
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	if t.Result != nil {
		out.Result = t.Result.clone()
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Watched reports whether an SLA timer applies in the current status.
func (t Task) Watched() bool {
	switch t.Status {
	case TaskStatusAssigned, TaskStatusInProgress, TaskStatusWaitingReview:
		return true
	default:
		return false
	}
}

func (t Task) HasSignal(signalID string) bool {
	if signalID == "" {
		return false
	}
	for _, c := range t.History {
		if c.SignalID == signalID {
			return true
		}
	}
	return false
}
