package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultEventHistoryLimit = 512
	persistTimeout           = 2 * time.Second

	// AllTasks subscribes to events for every task.
	AllTasks = "*"

	systemActor = "system"
)

// Manager is the in-memory task store. All mutations go through the
// transition table and append one history entry; reads return clones.
type Manager struct {
	mu sync.RWMutex

	clock  clockwork.Clock
	store  Store
	logger *zap.Logger

	tasks           map[string]*Task
	tasksByAssignee map[string][]string
	requests        map[string]string
	eventsByTask    map[string][]Event
	eventHistoryMax int

	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func NewManager(clock clockwork.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		clock:           clock,
		logger:          logger,
		tasks:           make(map[string]*Task),
		tasksByAssignee: make(map[string][]string),
		requests:        make(map[string]string),
		eventsByTask:    make(map[string][]Event),
		eventHistoryMax: defaultEventHistoryLimit,
		subscribers:     make(map[string]map[int]chan Event),
	}
}

func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// Subscribe streams events for one task, or for all tasks when taskID is
// AllTasks. Slow subscribers miss events rather than block mutations.
func (m *Manager) Subscribe(taskID string) (<-chan Event, func()) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		taskID = AllTasks
	}

	ch := make(chan Event, 256)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if _, ok := m.subscribers[taskID]; !ok {
		m.subscribers[taskID] = make(map[int]chan Event)
	}
	m.subscribers[taskID][id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[taskID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
}

// Create stores a new pending task. A repeated RequestID returns the task
// created the first time with dedup set.
func (m *Manager) Create(data TaskData, sched Schedule) (Task, bool, error) {
	data.Title = strings.TrimSpace(data.Title)
	data.Description = strings.TrimSpace(data.Description)
	data.RequestID = strings.TrimSpace(data.RequestID)
	if data.Title == "" {
		return Task{}, false, invalid("title", "is required")
	}
	if strings.TrimSpace(string(data.Priority)) == "" {
		return Task{}, false, invalid("priority", "is required")
	}
	priority, err := ParsePriority(string(data.Priority))
	if err != nil {
		return Task{}, false, invalid("priority", err.Error())
	}
	now := sched.CreatedAt.UTC()
	if sched.CreatedAt.IsZero() {
		now = m.clock.Now().UTC()
	}
	if !sched.DueAt.After(now) {
		return Task{}, false, invalid("sla_hours", "must be positive")
	}
	escalationDue := sched.EscalationDueAt.UTC()
	if sched.EscalationDueAt.IsZero() {
		escalationDue = sched.DueAt.UTC()
	}

	m.mu.Lock()
	if data.RequestID != "" {
		if id, ok := m.requests[data.RequestID]; ok {
			if t, exists := m.tasks[id]; exists {
				out := t.Clone()
				m.mu.Unlock()
				return out, true, nil
			}
		}
	}

	task := &Task{
		ID:               uuid.NewString(),
		Title:            data.Title,
		Description:      data.Description,
		Priority:         priority,
		Status:           TaskStatusPending,
		CandidateIDs:     normalizeIDs(data.CandidateIDs),
		CreatedAt:        now,
		UpdatedAt:        now,
		DueAt:            sched.DueAt.UTC(),
		EscalationDueAt:  escalationDue,
		SLAHours:         sched.SLAHours,
		EscalationHours:  sched.EscalationHours,
		RequestID:        data.RequestID,
		RoutingRequestID: strings.TrimSpace(data.RoutingRequestID),
		RoutingDecision:  strings.TrimSpace(data.RoutingDecision),
		Metadata:         copyMetadata(data.Metadata),
		Tags:             normalizeIDs(data.Tags),
	}
	task.History = []Change{{
		Seq:      1,
		Action:   ActionCreate,
		Actor:    actorOrSystem(data.Actor),
		At:       now,
		ToStatus: TaskStatusPending,
		SignalID: data.RequestID,
	}}

	m.tasks[task.ID] = task
	if data.RequestID != "" {
		m.requests[data.RequestID] = task.ID
	}
	m.publishLocked(Event{
		Type:     EventTaskCreated,
		TaskID:   task.ID,
		Title:    task.Title,
		Status:   task.Status,
		Priority: task.Priority,
		At:       now,
	})
	out := task.Clone()
	m.mu.Unlock()

	m.persistTask(out)
	return out, false, nil
}

// Assign records the assignee. Assigning the current assignee again is a
// no-op; a different assignee on an assigned task is a reassignment.
func (m *Manager) Assign(taskID, assigneeID string, sig Signal) (Task, bool, error) {
	assigneeID = strings.TrimSpace(assigneeID)
	if assigneeID == "" {
		return Task{}, false, invalid("assignee_id", "is required")
	}
	return m.apply(taskID, ActionAssign, sig,
		func(t *Task) bool { return t.Status == TaskStatusAssigned && t.AssigneeID == assigneeID },
		func(t *Task, now time.Time) (string, error) {
			prev := t.AssigneeID
			m.reindexAssigneeLocked(t.ID, prev, assigneeID)
			t.AssigneeID = assigneeID
			t.AssignedAt = &now
			if prev != "" && prev != assigneeID {
				return fmt.Sprintf("reassigned from %s to %s", prev, assigneeID), nil
			}
			return "assigned to " + assigneeID, nil
		})
}

func (m *Manager) Start(taskID string, sig Signal) (Task, bool, error) {
	return m.apply(taskID, ActionStart, sig,
		func(t *Task) bool { return t.Status == TaskStatusInProgress },
		func(*Task, time.Time) (string, error) { return "", nil })
}

func (m *Manager) SubmitForReview(taskID string, sig Signal) (Task, bool, error) {
	return m.apply(taskID, ActionReview, sig,
		func(t *Task) bool { return t.Status == TaskStatusWaitingReview },
		func(*Task, time.Time) (string, error) { return "", nil })
}

// Complete records the result. Completing again with an identical result is
// a no-op; any other result on a completed task is rejected.
func (m *Manager) Complete(taskID string, result TaskResult, sig Signal) (Task, bool, error) {
	result.Outcome = strings.TrimSpace(result.Outcome)
	result.Comment = strings.TrimSpace(result.Comment)
	return m.apply(taskID, ActionComplete, sig,
		func(t *Task) bool {
			return t.Status == TaskStatusCompleted && t.Result != nil && t.Result.Equal(result)
		},
		func(t *Task, now time.Time) (string, error) {
			t.Result = result.clone()
			t.CompletedAt = &now
			if result.Outcome != "" {
				return "outcome " + result.Outcome, nil
			}
			return "", nil
		})
}

// Cancel moves a non-terminal task to cancelled. Cancelling a cancelled task
// is a no-op; cancelling a completed task is rejected.
func (m *Manager) Cancel(taskID, reason string, sig Signal) (Task, bool, error) {
	reason = strings.TrimSpace(reason)
	return m.apply(taskID, ActionCancel, sig,
		func(t *Task) bool { return t.Status == TaskStatusCancelled },
		func(t *Task, now time.Time) (string, error) {
			t.CancelReason = reason
			t.CancelledAt = &now
			return reason, nil
		})
}

// Escalate marks an SLA breach. The escalation level moves when the
// remediation is applied.
func (m *Manager) Escalate(taskID, reason string, sig Signal) (Task, bool, error) {
	reason = strings.TrimSpace(reason)
	return m.apply(taskID, ActionEscalate, sig, nil,
		func(t *Task, now time.Time) (string, error) {
			t.EscalatedAt = &now
			return reason, nil
		})
}

// ApplyRemediation returns an escalated task to assigned with new deadlines
// and increments its escalation level. Priority is never lowered.
func (m *Manager) ApplyRemediation(taskID string, rem Remediation, sig Signal) (Task, bool, error) {
	rem.AssigneeID = strings.TrimSpace(rem.AssigneeID)
	if rem.Priority != "" {
		if _, err := ParsePriority(string(rem.Priority)); err != nil {
			return Task{}, false, invalid("priority", err.Error())
		}
	}
	return m.apply(taskID, ActionRemediate, sig, nil,
		func(t *Task, now time.Time) (string, error) {
			if !rem.DueAt.After(now) {
				return "", invalid("due_at", "must be in the future")
			}
			if rem.AssigneeID != "" && rem.AssigneeID != t.AssigneeID {
				m.reindexAssigneeLocked(t.ID, t.AssigneeID, rem.AssigneeID)
				t.AssigneeID = rem.AssigneeID
				t.AssignedAt = &now
			}
			if rem.Priority != "" {
				t.Priority = MaxPriority(t.Priority, rem.Priority)
			}
			t.DueAt = rem.DueAt.UTC()
			t.EscalationDueAt = rem.EscalationDueAt.UTC()
			if rem.EscalationDueAt.IsZero() {
				t.EscalationDueAt = t.DueAt
			}
			t.EscalationLevel++
			detail := fmt.Sprintf("level %d", t.EscalationLevel)
			if rem.Reason != "" {
				detail += ": " + rem.Reason
			}
			return detail, nil
		})
}

type mutateFunc func(t *Task, now time.Time) (detail string, err error)

// apply runs one guarded mutation. It reports false without error when the
// signal was already applied or the mutation would change nothing.
func (m *Manager) apply(taskID string, action Action, sig Signal, noop func(*Task) bool, fn mutateFunc) (Task, bool, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, false, invalid("task_id", "is required")
	}
	sig.SignalID = strings.TrimSpace(sig.SignalID)
	now := m.clock.Now().UTC()

	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return Task{}, false, ErrTaskNotFound
	}
	if task.HasSignal(sig.SignalID) || (noop != nil && noop(task)) {
		out := task.Clone()
		m.mu.Unlock()
		return out, false, nil
	}
	guard := CanTransition(task.Status, action)
	if !guard.Allowed {
		m.mu.Unlock()
		return Task{}, false, guard.Error()
	}

	from := task.Status
	detail, err := fn(task, now)
	if err != nil {
		m.mu.Unlock()
		return Task{}, false, err
	}
	task.Status = guard.To
	task.UpdatedAt = now
	task.History = append(task.History, Change{
		Seq:        len(task.History) + 1,
		Action:     action,
		Actor:      actorOrSystem(sig.Actor),
		At:         now,
		FromStatus: from,
		ToStatus:   task.Status,
		SignalID:   sig.SignalID,
		Detail:     detail,
	})
	level := task.EscalationLevel
	if action == ActionEscalate {
		level++
	}
	m.publishLocked(Event{
		Type:            eventForAction(action),
		TaskID:          task.ID,
		Title:           task.Title,
		Status:          task.Status,
		Priority:        task.Priority,
		AssigneeID:      task.AssigneeID,
		EscalationLevel: level,
		Detail:          detail,
		At:              now,
	})
	out := task.Clone()
	m.mu.Unlock()

	m.persistTask(out)
	return out, true, nil
}

func (m *Manager) Get(taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, invalid("task_id", "is required")
	}

	m.mu.RLock()
	if t, ok := m.tasks[taskID]; ok {
		out := t.Clone()
		m.mu.RUnlock()
		return out, nil
	}
	store := m.store
	m.mu.RUnlock()

	if store == nil {
		return Task{}, ErrTaskNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	persisted, err := store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	return persisted.Clone(), nil
}

// ListForUser returns the user's tasks oldest first. An empty status matches
// every status. Tasks only present in the store are merged in; in-memory
// state wins for tasks known to both.
func (m *Manager) ListForUser(userID string, status TaskStatus) []Task {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}

	m.mu.RLock()
	store := m.store
	ids := m.tasksByAssignee[userID]
	memOut := make([]Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok && t != nil {
			memOut = append(memOut, t.Clone())
		}
	}
	m.mu.RUnlock()

	merged := memOut
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		persisted, err := store.ListTasksByAssignee(ctx, userID)
		cancel()
		if err != nil {
			m.logger.Warn("list tasks from store failed", zap.String("user_id", userID), zap.Error(err))
		} else if len(persisted) > 0 {
			byID := make(map[string]Task, len(persisted)+len(memOut))
			for _, t := range persisted {
				byID[t.ID] = t
			}
			for _, t := range memOut {
				byID[t.ID] = t
			}
			merged = make([]Task, 0, len(byID))
			for _, t := range byID {
				// The store may lag a reassignment made in memory.
				if t.AssigneeID == userID {
					merged = append(merged, t)
				}
			}
		}
	}

	out := merged[:0:0]
	for _, t := range merged {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sortByCreated(out)
	return out
}

// Overdue returns non-terminal tasks whose due time is strictly before now,
// earliest deadline first.
func (m *Manager) Overdue(now time.Time) []Task {
	m.mu.RLock()
	out := make([]Task, 0)
	for _, t := range m.tasks {
		if t.Terminal() || !now.After(t.DueAt) {
			continue
		}
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) ListOpen() []Task {
	m.mu.RLock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if !t.Terminal() {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()
	sortByCreated(out)
	return out
}

func (m *Manager) CountOpen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tasks {
		if !t.Terminal() {
			n++
		}
	}
	return n
}

// Load adds tasks recovered from a store. Tasks already in memory are kept
// as they are. It returns the number of tasks added.
func (m *Manager) Load(recovered []Task) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, t := range recovered {
		if strings.TrimSpace(t.ID) == "" {
			continue
		}
		if _, exists := m.tasks[t.ID]; exists {
			continue
		}
		cp := t.Clone()
		m.tasks[cp.ID] = &cp
		if cp.AssigneeID != "" {
			m.tasksByAssignee[cp.AssigneeID] = append(m.tasksByAssignee[cp.AssigneeID], cp.ID)
		}
		if cp.RequestID != "" {
			m.requests[cp.RequestID] = cp.ID
		}
		added++
	}
	return added
}

func (m *Manager) ListEvents(taskID string, limit int) ([]Event, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, invalid("task_id", "is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tasks[taskID]; !ok {
		return nil, ErrTaskNotFound
	}
	events := m.eventsByTask[taskID]
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]Event, len(events)-start)
	copy(out, events[start:])
	return out, nil
}

func (m *Manager) reindexAssigneeLocked(taskID, from, to string) {
	if from == to {
		return
	}
	if from != "" {
		ids := m.tasksByAssignee[from]
		kept := ids[:0]
		for _, id := range ids {
			if id != taskID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(m.tasksByAssignee, from)
		} else {
			m.tasksByAssignee[from] = kept
		}
	}
	if to != "" {
		m.tasksByAssignee[to] = append(m.tasksByAssignee[to], taskID)
	}
}

func (m *Manager) persistTask(task Task) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := store.SaveTask(ctx, task); err != nil {
		m.logger.Error("persist task failed",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)),
			zap.Error(err),
		)
	}
}

func (m *Manager) publishLocked(evt Event) {
	if taskID := strings.TrimSpace(evt.TaskID); taskID != "" {
		m.eventsByTask[taskID] = append(m.eventsByTask[taskID], evt)
		if max := m.eventHistoryMax; max > 0 && len(m.eventsByTask[taskID]) > max {
			trimFrom := len(m.eventsByTask[taskID]) - max
			m.eventsByTask[taskID] = append([]Event(nil), m.eventsByTask[taskID][trimFrom:]...)
		}
	}

	for _, key := range []string{evt.TaskID, AllTasks} {
		for _, ch := range m.subscribers[key] {
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

func eventForAction(action Action) EventType {
	switch action {
	case ActionAssign:
		return EventTaskAssigned
	case ActionStart:
		return EventTaskStarted
	case ActionReview:
		return EventTaskWaitingReview
	case ActionComplete:
		return EventTaskCompleted
	case ActionCancel:
		return EventTaskCancelled
	case ActionEscalate:
		return EventTaskEscalated
	case ActionRemediate:
		return EventTaskRemediated
	default:
		return EventTaskCreated
	}
}

func sortByCreated(ts []Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func actorOrSystem(actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return systemActor
}

func normalizeIDs(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
