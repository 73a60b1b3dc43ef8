package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ent0n29/tracerail/internal/escalation"
	"github.com/ent0n29/tracerail/internal/notify"
	"github.com/ent0n29/tracerail/internal/routing"
	"github.com/ent0n29/tracerail/internal/sla"
	"github.com/ent0n29/tracerail/internal/tasks"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type capturingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *capturingNotifier) Enqueue(x notify.Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, x)
	return true
}

func (n *capturingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newTestController(t *testing.T, cfg Config) (*Controller, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	cfg.Clock = clock
	c, err := NewController(cfg)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, clock
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// settle waits until the loop has handled everything queued before it.
func settle(t *testing.T, c *Controller) {
	t.Helper()
	if _, err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
}

func createAssigned(t *testing.T, c *Controller, title, assignee string) tasks.Task {
	t.Helper()
	task, dedup, err := c.Create(context.Background(), tasks.TaskData{
		Title:      title,
		Priority:   tasks.PriorityNormal,
		AssigneeID: assignee,
	})
	if err != nil {
		t.Fatalf("Create(%q) error = %v", title, err)
	}
	if dedup {
		t.Fatalf("Create(%q) dedup = true", title)
	}
	return task
}

func TestCreateAssignsAndAppliesDefaultSLA(t *testing.T) {
	c, _ := newTestController(t, Config{})
	task := createAssigned(t, c, "review refund", "alice")
	if task.Status != tasks.TaskStatusAssigned || task.AssigneeID != "alice" {
		t.Fatalf("task = %+v, want assigned to alice", task)
	}
	if task.SLAHours != sla.DefaultHours {
		t.Fatalf("SLAHours = %v, want %v", task.SLAHours, sla.DefaultHours)
	}
	if !task.DueAt.Equal(epoch.Add(24 * time.Hour)) {
		t.Fatalf("DueAt = %v, want created+24h", task.DueAt)
	}
}

func hours(v float64) *float64 { return &v }

func TestCreateRejectsNonPositiveSLA(t *testing.T) {
	tests := []struct {
		name            string
		slaHours        *float64
		escalationHours *float64
	}{
		{name: "zero sla", slaHours: hours(0)},
		{name: "negative sla", slaHours: hours(-2)},
		{name: "negative escalation", slaHours: hours(4), escalationHours: hours(-1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestController(t, Config{})
			_, _, err := c.Create(context.Background(), tasks.TaskData{
				Title:           "t",
				Priority:        tasks.PriorityLow,
				SLAHours:        tc.slaHours,
				EscalationHours: tc.escalationHours,
			})
			if !errors.Is(err, sla.ErrInvalidSLA) {
				t.Fatalf("Create() error = %v, want ErrInvalidSLA", err)
			}
			if len(c.Manager().ListOpen()) != 0 {
				t.Fatalf("task stored despite invalid SLA")
			}
		})
	}
}

func TestCompleteBeforeDeadlineNeverEscalates(t *testing.T) {
	n := &capturingNotifier{}
	c, clock := newTestController(t, Config{Notifier: n})
	task := createAssigned(t, c, "t", "alice")

	clock.Advance(time.Hour)
	if _, err := c.Complete(context.Background(), task.ID, tasks.TaskResult{Outcome: "approved"}, tasks.Signal{Actor: "alice"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	clock.Advance(48 * time.Hour)
	settle(t, c)

	got, err := c.Get(task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != tasks.TaskStatusCompleted || got.EscalationLevel != 0 {
		t.Fatalf("task = status %s level %d, want completed level 0", got.Status, got.EscalationLevel)
	}
	if n.count() != 0 {
		t.Fatalf("notifications = %d, want 0", n.count())
	}
	if len(c.Overdue()) != 0 {
		t.Fatalf("completed task reported overdue")
	}
}

func TestBreachEscalatesOncePerLevel(t *testing.T) {
	n := &capturingNotifier{}
	c, clock := newTestController(t, Config{Notifier: n})
	task := createAssigned(t, c, "t", "alice")

	clock.Advance(24 * time.Hour)
	eventually(t, "first escalation", func() bool {
		got, _ := c.Get(task.ID)
		return got.EscalationLevel == 1
	})
	first, _ := c.Get(task.ID)
	if first.Status != tasks.TaskStatusAssigned {
		t.Fatalf("Status = %q, want %q after remediation", first.Status, tasks.TaskStatusAssigned)
	}
	if first.AssigneeID != escalation.DefaultAssignee || first.Priority != tasks.PriorityHigh {
		t.Fatalf("remediated = %s/%s, want %s/high", first.AssigneeID, first.Priority, escalation.DefaultAssignee)
	}
	if !first.DueAt.Equal(epoch.Add(48 * time.Hour)) {
		t.Fatalf("DueAt = %v, want a fresh 24h window", first.DueAt)
	}
	if n.count() != 3 {
		t.Fatalf("notifications = %d, want 3", n.count())
	}

	if escalated, err := c.Sweep(context.Background()); err != nil || escalated != 0 {
		t.Fatalf("Sweep() = %d, %v; want no second escalation", escalated, err)
	}

	clock.Advance(24 * time.Hour)
	eventually(t, "second escalation", func() bool {
		got, _ := c.Get(task.ID)
		return got.EscalationLevel == 2
	})
	second, _ := c.Get(task.ID)
	if second.Priority != tasks.PriorityHigh {
		t.Fatalf("Priority = %q, want high (tier priority, never lowered)", second.Priority)
	}
	if n.count() != 5 {
		t.Fatalf("notifications = %d, want 5 (recipient and manager added at level 2)", n.count())
	}

	escalations := 0
	for _, ch := range second.History {
		if ch.Action == tasks.ActionEscalate {
			escalations++
		}
	}
	if escalations != 2 {
		t.Fatalf("escalate entries = %d, want 2", escalations)
	}
	n.mu.Lock()
	key := n.sent[len(n.sent)-1].DedupKey
	n.mu.Unlock()
	if key != escalation.DedupKey(task.ID, 2, notify.ChannelLog, escalation.DefaultAssignee) {
		t.Fatalf("last dedup key = %q", key)
	}
}

func TestBreachAtDueTimeWithLongerEscalationWindow(t *testing.T) {
	c, clock := newTestController(t, Config{})
	task, _, err := c.Create(context.Background(), tasks.TaskData{
		Title:           "t",
		Priority:        tasks.PriorityNormal,
		AssigneeID:      "alice",
		SLAHours:        hours(1),
		EscalationHours: hours(4),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !task.EscalationDueAt.Equal(epoch.Add(4 * time.Hour)) {
		t.Fatalf("EscalationDueAt = %v, want created+4h", task.EscalationDueAt)
	}

	clock.Advance(2 * time.Hour)
	eventually(t, "escalation at due time", func() bool {
		got, _ := c.Get(task.ID)
		return got.EscalationLevel == 1
	})
	settle(t, c)
	got, _ := c.Get(task.ID)
	if got.Status != tasks.TaskStatusAssigned {
		t.Fatalf("Status = %q, want assigned after remediation", got.Status)
	}
	if len(c.Overdue()) != 0 {
		t.Fatalf("remediated task still overdue")
	}
}

func TestSweepResumesStuckEscalation(t *testing.T) {
	n := &capturingNotifier{}
	c, _ := newTestController(t, Config{Notifier: n})
	task := createAssigned(t, c, "t", "alice")
	// Escalated without a remediation, as after a failed ApplyRemediation.
	if _, _, err := c.Manager().Escalate(task.ID, "breach", tasks.Signal{Actor: "sla", SignalID: "escalate:1"}); err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}

	moved, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if moved != 1 {
		t.Fatalf("Sweep() = %d, want 1", moved)
	}
	got, _ := c.Get(task.ID)
	if got.Status != tasks.TaskStatusAssigned || got.EscalationLevel != 1 {
		t.Fatalf("task = status %s level %d, want assigned level 1", got.Status, got.EscalationLevel)
	}
	if n.count() == 0 {
		t.Fatalf("no notifications for the resumed escalation")
	}
	if moved, _ := c.Sweep(context.Background()); moved != 0 {
		t.Fatalf("second Sweep() = %d, want 0", moved)
	}
}

func TestCancelCompletedIsRejected(t *testing.T) {
	c, _ := newTestController(t, Config{})
	task := createAssigned(t, c, "t", "alice")
	ctx := context.Background()
	if _, err := c.Complete(ctx, task.ID, tasks.TaskResult{Outcome: "done"}, tasks.Signal{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	_, err := c.Cancel(ctx, task.ID, "changed my mind", tasks.Signal{})
	if !errors.Is(err, tasks.ErrInvalidTransition) {
		t.Fatalf("Cancel() error = %v, want ErrInvalidTransition", err)
	}
	status, _ := c.Status(task.ID)
	if status != tasks.TaskStatusCompleted {
		t.Fatalf("Status = %q, want completed", status)
	}
}

func TestCancelStopsTimer(t *testing.T) {
	n := &capturingNotifier{}
	c, clock := newTestController(t, Config{Notifier: n})
	task := createAssigned(t, c, "t", "alice")
	if _, err := c.Cancel(context.Background(), task.ID, "duplicate", tasks.Signal{}); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	clock.Advance(30 * time.Hour)
	settle(t, c)
	if n.count() != 0 {
		t.Fatalf("cancelled task escalated")
	}
}

func TestDuplicateSignalIsNoop(t *testing.T) {
	c, _ := newTestController(t, Config{})
	task := createAssigned(t, c, "t", "alice")
	ctx := context.Background()
	sig := tasks.Signal{Actor: "alice", SignalID: "start-1"}
	if _, err := c.Start(ctx, task.ID, sig); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := c.SubmitForReview(ctx, task.ID, tasks.Signal{SignalID: "review-1"}); err != nil {
		t.Fatalf("SubmitForReview() error = %v", err)
	}
	got, err := c.Start(ctx, task.ID, sig)
	if err != nil {
		t.Fatalf("redelivered Start() error = %v", err)
	}
	if got.Status != tasks.TaskStatusWaitingReview {
		t.Fatalf("Status = %q, want waiting_review", got.Status)
	}
}

func TestSignalsOnUnknownTask(t *testing.T) {
	c, _ := newTestController(t, Config{})
	if _, err := c.Start(context.Background(), "missing", tasks.Signal{}); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("Start() error = %v, want ErrTaskNotFound", err)
	}
	if _, err := c.Status("missing"); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("Status() error = %v, want ErrTaskNotFound", err)
	}
}

func TestRoundRobinAssignmentAtCreate(t *testing.T) {
	c, _ := newTestController(t, Config{Assigner: escalation.NewRoundRobin([]string{"alice", "bob"})})
	want := []string{"alice", "bob", "alice"}
	for i, w := range want {
		task := createAssigned(t, c, fmt.Sprintf("t%d", i), "")
		if task.AssigneeID != w {
			t.Fatalf("task %d assignee = %q, want %q", i, task.AssigneeID, w)
		}
	}
}

func TestUnassignedTaskIsNotEscalated(t *testing.T) {
	n := &capturingNotifier{}
	c, clock := newTestController(t, Config{Notifier: n})
	task := createAssigned(t, c, "t", "")
	if task.Status != tasks.TaskStatusPending {
		t.Fatalf("Status = %q, want pending", task.Status)
	}
	clock.Advance(25 * time.Hour)
	settle(t, c)
	if n.count() != 0 {
		t.Fatalf("pending task escalated")
	}
	if overdue := c.Overdue(); len(overdue) != 1 || overdue[0].ID != task.ID {
		t.Fatalf("Overdue() = %+v, want the pending task", overdue)
	}
}

func TestSweepCatchesTaskWithoutTimer(t *testing.T) {
	c, clock := newTestController(t, Config{})
	// Bypass the controller so no timer is armed.
	sched, _ := sla.Schedule(clock.Now(), 1, 0)
	task, _, err := c.Manager().Create(tasks.TaskData{Title: "t", Priority: tasks.PriorityLow}, sched)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, _, err := c.Manager().Assign(task.ID, "alice", tasks.Signal{}); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	clock.Advance(2 * time.Hour)
	n, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	got, _ := c.Get(task.ID)
	if got.EscalationLevel != 1 || got.AssigneeID != escalation.DefaultAssignee {
		t.Fatalf("task = level %d assignee %q", got.EscalationLevel, got.AssigneeID)
	}
	if !got.DueAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("DueAt = %v, want now+1h from the task's own SLA", got.DueAt)
	}
}

func TestListForUserStableUnderConcurrentQueries(t *testing.T) {
	c, clock := newTestController(t, Config{})
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, createAssigned(t, c, fmt.Sprintf("alice %d", i), "alice").ID)
		clock.Advance(time.Minute)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				task, _, err := c.Create(ctx, tasks.TaskData{Title: "bob", Priority: tasks.PriorityLow, AssigneeID: fmt.Sprintf("bob-%d", w)})
				if err != nil {
					t.Errorf("Create() error = %v", err)
					return
				}
				_, _ = c.Start(ctx, task.ID, tasks.Signal{})
			}
		}(w)
	}

	errs := make(chan error, 8)
	var readers sync.WaitGroup
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 50; i++ {
				got := c.ListForUser("alice", "")
				if len(got) != len(ids) {
					errs <- fmt.Errorf("len = %d, want %d", len(got), len(ids))
					return
				}
				for j := range ids {
					if got[j].ID != ids[j] {
						errs <- fmt.Errorf("order[%d] = %s, want %s", j, got[j].ID, ids[j])
						return
					}
				}
			}
		}()
	}
	readers.Wait()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestCloseRejectsSignals(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	c, err := NewController(Config{Clock: clock})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_, _, err = c.Create(context.Background(), tasks.TaskData{Title: "t", Priority: tasks.PriorityLow})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Create() after Close error = %v, want ErrClosed", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestNewControllerRejectsBadDefaults(t *testing.T) {
	if _, err := NewController(Config{DefaultSLAHours: -1}); !errors.Is(err, sla.ErrInvalidSLA) {
		t.Fatalf("NewController() error = %v, want ErrInvalidSLA", err)
	}
}

func TestSubmitRoutesAndCreatesTasks(t *testing.T) {
	engine, err := routing.NewRulesEngine([]routing.Rule{
		{
			ID: "low-confidence", Decision: routing.DecisionEscalate, Priority: routing.PriorityHigh, Enabled: true,
			Condition: routing.ConfidenceThreshold{Signal: routing.DefaultConfidenceSignal, Operator: routing.OperatorLT, Threshold: 0.5},
		},
		{
			ID: "refund", Decision: routing.DecisionHuman, Priority: routing.PriorityNormal, Enabled: true,
			Condition: routing.KeywordMatch{Keywords: []string{"refund"}},
		},
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewRulesEngine() error = %v", err)
	}
	c, _ := newTestController(t, Config{Engine: engine})
	ctx := context.Background()

	fallback, err := c.Submit(ctx, routing.Context{RequestID: "r1", Content: "hello", Signals: map[string]float64{"confidence": 0.9}}, tasks.TaskData{})
	if err != nil {
		t.Fatalf("Submit(fallback) error = %v", err)
	}
	if fallback.Result.Decision != routing.DecisionHuman || fallback.Task == nil {
		t.Fatalf("Submit(no match) = %+v, want safe human default with task", fallback)
	}

	human, err := c.Submit(ctx, routing.Context{RequestID: "r2", UserID: "u1", Content: "Please REFUND me", Signals: map[string]float64{"confidence": 0.9}}, tasks.TaskData{Title: "Refund request"})
	if err != nil {
		t.Fatalf("Submit(human) error = %v", err)
	}
	if human.Task == nil || human.Task.Priority != tasks.PriorityNormal || human.Task.RoutingDecision != "human" {
		t.Fatalf("Submit(human) task = %+v", human.Task)
	}
	if human.Task.Metadata["triggered_rules"] != "refund" || human.Task.Metadata["requester"] != "u1" {
		t.Fatalf("metadata = %v", human.Task.Metadata)
	}

	esc, err := c.Submit(ctx, routing.Context{RequestID: "r3", Content: "unsure", Signals: map[string]float64{"confidence": 0.2}}, tasks.TaskData{Priority: tasks.PriorityHigh})
	if err != nil {
		t.Fatalf("Submit(escalate) error = %v", err)
	}
	if esc.Task == nil || esc.Task.Priority != tasks.PriorityCritical {
		t.Fatalf("Submit(escalate) task = %+v, want critical", esc.Task)
	}

	again, err := c.Submit(ctx, routing.Context{RequestID: "r2", Content: "Please REFUND me", Signals: map[string]float64{"confidence": 0.9}}, tasks.TaskData{Title: "Refund request"})
	if err != nil {
		t.Fatalf("Submit(repeat) error = %v", err)
	}
	if !again.Deduplicated || again.Task.ID != human.Task.ID {
		t.Fatalf("Submit(repeat) = %+v, want dedup of %s", again, human.Task.ID)
	}
}

func TestSubmitAutomaticCreatesNoTask(t *testing.T) {
	c, _ := newTestController(t, Config{Engine: routing.NewStaticEngine(routing.DecisionAutomatic, nil, nil)})
	sub, err := c.Submit(context.Background(), routing.Context{Content: "x"}, tasks.TaskData{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if sub.Task != nil {
		t.Fatalf("Submit(automatic) created task %+v", sub.Task)
	}
	if sub.Result.TriggeredRuleIDs[0] != routing.StaticRuleID {
		t.Fatalf("TriggeredRuleIDs = %v", sub.Result.TriggeredRuleIDs)
	}
}

func TestSubmitWithoutEngine(t *testing.T) {
	c, _ := newTestController(t, Config{})
	if _, err := c.Submit(context.Background(), routing.Context{}, tasks.TaskData{}); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("Submit() error = %v, want ErrNoEngine", err)
	}
}

func TestNewSweeperValidatesSchedule(t *testing.T) {
	c, _ := newTestController(t, Config{})
	if _, err := NewSweeper(c, "every minute please", 0); err == nil {
		t.Fatalf("NewSweeper(bad) error = nil")
	}
	s, err := NewSweeper(c, "", 0)
	if err != nil {
		t.Fatalf("NewSweeper(default) error = %v", err)
	}
	s.Start()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

type staticEnricher struct {
	signal string
	err    error
}

func (e staticEnricher) Enrich(_ context.Context, rc routing.Context) (routing.Context, error) {
	if e.err != nil {
		return routing.Context{}, e.err
	}
	out := rc.Clone()
	if out.Signals == nil {
		out.Signals = make(map[string]float64)
	}
	out.Signals[e.signal] = 1
	return out, nil
}

func TestEnrichersSkipFailures(t *testing.T) {
	boom := errors.New("boom")
	chain := Enrichers{staticEnricher{signal: "a"}, staticEnricher{err: boom}, nil, staticEnricher{signal: "b"}}
	out, err := chain.Enrich(context.Background(), routing.Context{Content: "x"})
	if !errors.Is(err, boom) {
		t.Fatalf("Enrich() error = %v, want boom", err)
	}
	if out.Content != "x" || out.Signals["a"] != 1 || out.Signals["b"] != 1 {
		t.Fatalf("Enrich() = %+v, want both signals and original content", out)
	}
}
