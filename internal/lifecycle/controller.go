// Package lifecycle drives tasks through their states. Every mutation runs
// on one loop goroutine in arrival order; queries read committed state
// directly from the task manager.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ent0n29/tracerail/internal/escalation"
	"github.com/ent0n29/tracerail/internal/notify"
	"github.com/ent0n29/tracerail/internal/observability"
	"github.com/ent0n29/tracerail/internal/routing"
	"github.com/ent0n29/tracerail/internal/sla"
	"github.com/ent0n29/tracerail/internal/tasks"
)

const (
	slaActor        = "sla"
	commandBuffer   = 64
	timerBuffer     = 1024
	recoveryTimeout = 30 * time.Second
)

var ErrClosed = errors.New("lifecycle controller is closed")

// Notifier accepts notifications without blocking.
type Notifier interface {
	Enqueue(n notify.Notification) bool
}

// Assigner picks an assignee for a new task.
type Assigner interface {
	Next(candidates []string) (string, bool)
}

// Enricher adds derived signals to a routing context before it is routed.
type Enricher interface {
	Enrich(ctx context.Context, rc routing.Context) (routing.Context, error)
}

type Config struct {
	DefaultSLAHours        float64
	DefaultEscalationHours float64

	Engine   routing.Engine
	Enricher Enricher
	Policy   escalation.Policy
	Assigner Assigner
	Notifier Notifier
	Store    tasks.Store

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

type Controller struct {
	manager  *tasks.Manager
	engine   routing.Engine
	enricher Enricher
	policy   escalation.Policy
	assigner Assigner
	notifier Notifier
	store    tasks.Store
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics

	slaHours        float64
	escalationHours float64

	cmds  chan func()
	fired chan timerFired
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	// Owned by the loop goroutine.
	timers map[string]armedTimer
	gen    uint64
}

type armedTimer struct {
	timer clockwork.Timer
	gen   uint64
}

type timerFired struct {
	taskID string
	gen    uint64
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.DefaultSLAHours == 0 {
		cfg.DefaultSLAHours = sla.DefaultHours
	}
	if err := sla.ValidateHours(cfg.DefaultSLAHours, cfg.DefaultEscalationHours); err != nil {
		return nil, fmt.Errorf("default deadlines: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Policy == nil {
		cfg.Policy = escalation.NewTieredPolicy(escalation.TieredConfig{})
	}

	manager := tasks.NewManager(cfg.Clock, cfg.Logger.Named("tasks"))
	if cfg.Store != nil {
		manager.SetStore(cfg.Store)
	}
	c := &Controller{
		manager:         manager,
		engine:          cfg.Engine,
		enricher:        cfg.Enricher,
		policy:          cfg.Policy,
		assigner:        cfg.Assigner,
		notifier:        cfg.Notifier,
		store:           cfg.Store,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		slaHours:        cfg.DefaultSLAHours,
		escalationHours: cfg.DefaultEscalationHours,
		cmds:            make(chan func(), commandBuffer),
		fired:           make(chan timerFired, timerBuffer),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		timers:          make(map[string]armedTimer),
	}
	go c.loop()
	return c, nil
}

func (c *Controller) Manager() *tasks.Manager { return c.manager }

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case cmd := <-c.cmds:
			cmd()
		case ev := <-c.fired:
			c.onTimer(ev)
		case <-c.quit:
			for id, a := range c.timers {
				a.timer.Stop()
				delete(c.timers, id)
			}
			return
		}
	}
}

type reply struct {
	task    tasks.Task
	applied bool
	n       int
	err     error
}

// exec runs fn on the loop and waits for its result.
func (c *Controller) exec(ctx context.Context, fn func() reply) reply {
	out := make(chan reply, 1)
	select {
	case c.cmds <- func() { out <- fn() }:
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	case <-c.quit:
		return reply{err: ErrClosed}
	}
	select {
	case r := <-out:
		return r
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	case <-c.done:
		return reply{err: ErrClosed}
	}
}

// Create validates and stores a task, then assigns it when an assignee is
// given or can be picked from the candidates. A repeated RequestID returns
// the original task with dedup set. Unset deadlines take the controller
// defaults; a zero or negative sla_hours fails with sla.ErrInvalidSLA.
func (c *Controller) Create(ctx context.Context, data tasks.TaskData) (tasks.Task, bool, error) {
	slaHours, escalationHours := c.slaHours, c.escalationHours
	if data.SLAHours != nil {
		slaHours = *data.SLAHours
	}
	if data.EscalationHours != nil {
		escalationHours = *data.EscalationHours
	}
	if err := sla.ValidateHours(slaHours, escalationHours); err != nil {
		return tasks.Task{}, false, err
	}

	r := c.exec(ctx, func() reply {
		sched, err := sla.Schedule(c.clock.Now(), slaHours, escalationHours)
		if err != nil {
			return reply{err: err}
		}
		task, dedup, err := c.manager.Create(data, sched)
		if err != nil || dedup {
			return reply{task: task, applied: !dedup, err: err}
		}
		c.metrics.ObserveTaskEvent(string(tasks.EventTaskCreated))

		assignee := strings.TrimSpace(data.AssigneeID)
		if assignee == "" && c.assigner != nil {
			assignee, _ = c.assigner.Next(task.CandidateIDs)
		}
		if assignee != "" {
			assigned, _, err := c.manager.Assign(task.ID, assignee, tasks.Signal{Actor: data.Actor})
			if err != nil {
				c.logger.Error("initial assignment failed", zap.String("task_id", task.ID), zap.Error(err))
			} else {
				task = assigned
				c.afterMutation(task, tasks.ActionAssign)
			}
		}
		c.metrics.SetOpenTasks(c.manager.CountOpen())
		return reply{task: task, applied: true}
	})
	return r.task, !r.applied && r.err == nil, r.err
}

func (c *Controller) Assign(ctx context.Context, taskID, assigneeID string, sig tasks.Signal) (tasks.Task, error) {
	return c.signal(ctx, tasks.ActionAssign, func() (tasks.Task, bool, error) {
		return c.manager.Assign(taskID, assigneeID, sig)
	})
}

func (c *Controller) Start(ctx context.Context, taskID string, sig tasks.Signal) (tasks.Task, error) {
	return c.signal(ctx, tasks.ActionStart, func() (tasks.Task, bool, error) {
		return c.manager.Start(taskID, sig)
	})
}

func (c *Controller) SubmitForReview(ctx context.Context, taskID string, sig tasks.Signal) (tasks.Task, error) {
	return c.signal(ctx, tasks.ActionReview, func() (tasks.Task, bool, error) {
		return c.manager.SubmitForReview(taskID, sig)
	})
}

func (c *Controller) Complete(ctx context.Context, taskID string, result tasks.TaskResult, sig tasks.Signal) (tasks.Task, error) {
	return c.signal(ctx, tasks.ActionComplete, func() (tasks.Task, bool, error) {
		return c.manager.Complete(taskID, result, sig)
	})
}

// Cancel stops a task that is not finished. Cancelling a completed task
// fails with tasks.ErrInvalidTransition.
func (c *Controller) Cancel(ctx context.Context, taskID, reason string, sig tasks.Signal) (tasks.Task, error) {
	return c.signal(ctx, tasks.ActionCancel, func() (tasks.Task, bool, error) {
		return c.manager.Cancel(taskID, reason, sig)
	})
}

func (c *Controller) signal(ctx context.Context, action tasks.Action, fn func() (tasks.Task, bool, error)) (tasks.Task, error) {
	r := c.exec(ctx, func() reply {
		task, applied, err := fn()
		if err == nil && applied {
			c.afterMutation(task, action)
			c.metrics.SetOpenTasks(c.manager.CountOpen())
		}
		return reply{task: task, applied: applied, err: err}
	})
	return r.task, r.err
}

// afterMutation keeps timers in step with the task's state. Runs on the loop.
func (c *Controller) afterMutation(task tasks.Task, action tasks.Action) {
	switch action {
	case tasks.ActionAssign, tasks.ActionRemediate:
		c.arm(task)
		if n := len(task.History); action == tasks.ActionAssign && n > 0 && task.History[n-1].FromStatus == tasks.TaskStatusPending {
			c.metrics.ObserveStage(observability.StageCreateToAssign, c.clock.Now().Sub(task.CreatedAt))
		}
	case tasks.ActionComplete:
		c.disarm(task.ID)
		now := c.clock.Now()
		c.metrics.ObserveTaskCompletion(now.Sub(task.CreatedAt))
		if task.AssignedAt != nil {
			c.metrics.ObserveStage(observability.StageAssignToComplete, now.Sub(*task.AssignedAt))
		}
	case tasks.ActionCancel:
		c.disarm(task.ID)
	}
	c.metrics.ObserveTaskEvent(string(eventName(action)))
}

func (c *Controller) arm(task tasks.Task) {
	c.disarm(task.ID)
	delay := sla.Remaining(c.clock.Now(), task)
	if delay < 0 {
		delay = 0
	}
	c.gen++
	ev := timerFired{taskID: task.ID, gen: c.gen}
	t := c.clock.AfterFunc(delay, func() { c.deliverTimer(ev) })
	c.timers[task.ID] = armedTimer{timer: t, gen: ev.gen}
}

func (c *Controller) disarm(taskID string) {
	if a, ok := c.timers[taskID]; ok {
		a.timer.Stop()
		delete(c.timers, taskID)
	}
}

// deliverTimer runs on the clock's goroutine and must not block. A dropped
// event is picked up by the next sweep.
func (c *Controller) deliverTimer(ev timerFired) {
	select {
	case c.fired <- ev:
	case <-c.quit:
	default:
		c.logger.Warn("timer event dropped; sweep will reconcile", zap.String("task_id", ev.taskID))
	}
}

func (c *Controller) onTimer(ev timerFired) {
	a, ok := c.timers[ev.taskID]
	if !ok || a.gen != ev.gen {
		c.guardNoop(ev.taskID, "stale timer")
		return
	}
	delete(c.timers, ev.taskID)

	task, err := c.manager.Get(ev.taskID)
	if err != nil {
		c.logger.Warn("timer for unknown task", zap.String("task_id", ev.taskID), zap.Error(err))
		return
	}
	if !task.Watched() {
		c.guardNoop(task.ID, "task left watched state")
		return
	}
	if !sla.Breached(c.clock.Now(), task) {
		c.arm(task)
		return
	}
	c.escalate(task)
}

func (c *Controller) guardNoop(taskID, reason string) {
	c.logger.Debug("timer guard", zap.String("task_id", taskID), zap.String("reason", reason))
	c.metrics.ObserveTimerGuard()
}

// escalate moves a breached task to escalated, sends notifications and
// applies the remediation. Notification failures never roll anything back.
func (c *Controller) escalate(task tasks.Task) {
	level := task.EscalationLevel + 1
	rec := c.policy.Decide(task, level)
	logger := c.logger.With(zap.String("task_id", task.ID), zap.Int("level", level))

	escalated, applied, err := c.manager.Escalate(task.ID, rec.Reason, tasks.Signal{
		Actor:    slaActor,
		SignalID: "escalate:" + strconv.Itoa(level),
	})
	if err != nil {
		logger.Error("escalate failed", zap.Error(err))
		return
	}
	if applied {
		c.metrics.ObserveEscalation(strconv.Itoa(level))
		c.metrics.ObserveTaskEvent(string(tasks.EventTaskEscalated))
		logger.Info("task escalated",
			zap.String("assignee", rec.NewAssignee),
			zap.String("priority", string(rec.NewPriority)),
		)
		c.notify(rec.Notifications)
	}
	c.remediate(escalated, rec)
}

// resumeEscalation finishes an escalation whose remediation never landed.
// Notifications go out again; the dispatcher drops keys it already sent.
func (c *Controller) resumeEscalation(task tasks.Task) bool {
	rec := c.policy.Decide(task, task.EscalationLevel+1)
	c.notify(rec.Notifications)
	return c.remediate(task, rec)
}

func (c *Controller) remediate(task tasks.Task, rec escalation.Record) bool {
	slaHours := task.SLAHours
	if slaHours <= 0 {
		slaHours = c.slaHours
	}
	now := c.clock.Now()
	due, escalationDue := sla.Deadlines(now, slaHours, task.EscalationHours)
	remediated, applied, err := c.manager.ApplyRemediation(task.ID, tasks.Remediation{
		AssigneeID:      rec.NewAssignee,
		Priority:        rec.NewPriority,
		DueAt:           due,
		EscalationDueAt: escalationDue,
		Reason:          rec.Reason,
	}, tasks.Signal{Actor: slaActor, SignalID: "remediate:" + strconv.Itoa(rec.Level)})
	if err != nil {
		c.logger.Error("remediation failed", zap.String("task_id", task.ID), zap.Error(err))
		return false
	}
	if applied {
		c.afterMutation(remediated, tasks.ActionRemediate)
	}
	return applied
}

func (c *Controller) notify(ns []notify.Notification) {
	if c.notifier == nil {
		return
	}
	for _, n := range ns {
		if !c.notifier.Enqueue(n) {
			c.logger.Debug("notification not queued", zap.String("dedup_key", n.DedupKey))
		}
	}
}

// Sweep remediates tasks left in escalated by a failed remediation, then
// escalates every breached task whose timer did not fire. It returns the
// number of tasks it moved.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	r := c.exec(ctx, func() reply {
		n := 0
		for _, task := range c.manager.ListOpen() {
			if task.Status == tasks.TaskStatusEscalated && c.resumeEscalation(task) {
				n++
			}
		}
		for _, id := range sla.CheckBreaches(c.clock.Now(), c.manager.ListOpen()) {
			task, err := c.manager.Get(id)
			if err != nil || !task.Watched() {
				continue
			}
			c.disarm(id)
			c.escalate(task)
			n++
		}
		return reply{n: n}
	})
	return r.n, r.err
}

// Recover loads open tasks from the store and re-arms their timers. Elapsed
// deadlines fire right away. Tasks interrupted between escalation and
// remediation are remediated. It returns the number of tasks loaded.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	loadCtx, cancel := context.WithTimeout(ctx, recoveryTimeout)
	open, err := c.store.ListOpenTasks(loadCtx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("recover open tasks: %w", err)
	}

	r := c.exec(ctx, func() reply {
		added := c.manager.Load(open)
		for _, task := range c.manager.ListOpen() {
			switch {
			case task.Watched():
				c.arm(task)
			case task.Status == tasks.TaskStatusEscalated:
				c.resumeEscalation(task)
			}
		}
		c.metrics.SetOpenTasks(c.manager.CountOpen())
		return reply{n: added}
	})
	if r.err != nil {
		return 0, r.err
	}
	c.logger.Info("recovered tasks", zap.Int("loaded", r.n))
	return r.n, nil
}

func (c *Controller) Status(taskID string) (tasks.TaskStatus, error) {
	task, err := c.manager.Get(taskID)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

func (c *Controller) Get(taskID string) (tasks.Task, error) {
	return c.manager.Get(taskID)
}

func (c *Controller) ListForUser(userID string, status tasks.TaskStatus) []tasks.Task {
	return c.manager.ListForUser(userID, status)
}

// Overdue returns open tasks past their due time, earliest first.
func (c *Controller) Overdue() []tasks.Task {
	return c.manager.Overdue(c.clock.Now())
}

func (c *Controller) ListEvents(taskID string, limit int) ([]tasks.Event, error) {
	return c.manager.ListEvents(taskID, limit)
}

func (c *Controller) Subscribe(taskID string) (<-chan tasks.Event, func()) {
	return c.manager.Subscribe(taskID)
}

// Close stops the loop and every pending timer. The store, engine and
// notifier belong to the caller.
func (c *Controller) Close(ctx context.Context) error {
	c.once.Do(func() { close(c.quit) })
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func eventName(action tasks.Action) tasks.EventType {
	switch action {
	case tasks.ActionAssign:
		return tasks.EventTaskAssigned
	case tasks.ActionStart:
		return tasks.EventTaskStarted
	case tasks.ActionReview:
		return tasks.EventTaskWaitingReview
	case tasks.ActionComplete:
		return tasks.EventTaskCompleted
	case tasks.ActionCancel:
		return tasks.EventTaskCancelled
	case tasks.ActionRemediate:
		return tasks.EventTaskRemediated
	default:
		return tasks.EventType(action)
	}
}
