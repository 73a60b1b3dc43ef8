// Package escalation decides what happens to a task that breached its SLA and
// picks assignees for new tasks.
package escalation

import (
	"fmt"
	"strings"

	"github.com/ent0n29/tracerail/internal/notify"
	"github.com/ent0n29/tracerail/internal/tasks"
)

const (
	DefaultAssignee  = "manager"
	DefaultRecipient = "escalations@example.com"
	defaultReason    = "task breached its service level agreement"
)

// Record is the escalation outcome for one breach.
type Record struct {
	NewAssignee   string                `json:"new_assignee"`
	NewPriority   tasks.Priority        `json:"new_priority"`
	Notifications []notify.Notification `json:"notifications"`
	Reason        string                `json:"reason"`
	Level         int                   `json:"level"`
}

// Policy must be deterministic: the same task and level always produce the
// same Record.
type Policy interface {
	Decide(task tasks.Task, level int) Record
}

// Tier is one escalation step. An empty Priority raises the task's current
// priority by one; an empty Assignee keeps the current assignee.
type Tier struct {
	Assignee string
	Priority tasks.Priority
}

type TieredConfig struct {
	Tiers      []Tier
	Recipients []string
	Channel    string
}

// TieredPolicy escalates through an ordered list of tiers. Levels past the
// last tier reuse it.
type TieredPolicy struct {
	tiers      []Tier
	recipients []string
	channel    string
}

func NewTieredPolicy(cfg TieredConfig) *TieredPolicy {
	tiers := make([]Tier, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers = append(tiers, Tier{Assignee: strings.TrimSpace(t.Assignee), Priority: t.Priority})
	}
	if len(tiers) == 0 {
		tiers = []Tier{{Assignee: DefaultAssignee, Priority: tasks.PriorityHigh}}
	}
	recipients := cleanList(cfg.Recipients)
	if cfg.Recipients == nil {
		recipients = []string{DefaultRecipient}
	}
	channel := strings.ToLower(strings.TrimSpace(cfg.Channel))
	if channel == "" {
		channel = notify.ChannelLog
	}
	return &TieredPolicy{tiers: tiers, recipients: recipients, channel: channel}
}

// TiersFromAssignees builds one tier per assignee, each raising priority by
// one step.
func TiersFromAssignees(assignees []string) []Tier {
	out := make([]Tier, 0, len(assignees))
	for _, a := range cleanList(assignees) {
		out = append(out, Tier{Assignee: a})
	}
	return out
}

func (p *TieredPolicy) Decide(task tasks.Task, level int) Record {
	if level < 1 {
		level = 1
	}
	idx := level
	if idx > len(p.tiers) {
		idx = len(p.tiers)
	}
	tier := p.tiers[idx-1]

	priority := tier.Priority
	if priority == "" {
		priority = task.Priority.Raise()
	}
	priority = tasks.MaxPriority(task.Priority, priority)

	assignee := tier.Assignee
	if assignee == "" {
		assignee = task.AssigneeID
	}

	rec := Record{
		NewAssignee: assignee,
		NewPriority: priority,
		Reason:      defaultReason,
		Level:       level,
	}
	recipients := append(append([]string(nil), p.recipients...), task.AssigneeID, assignee)
	for _, r := range cleanList(recipients) {
		rec.Notifications = append(rec.Notifications, notify.Notification{
			Channel:   p.channel,
			Recipient: r,
			Subject:   fmt.Sprintf("SLA breach: task %s requires attention", task.ID),
			Body: fmt.Sprintf("Task %q (%s) breached its SLA and was escalated to level %d.\nNew assignee: %s\nNew priority: %s",
				task.Title, task.ID, level, assignee, priority),
			Metadata: map[string]string{
				"task_id":  task.ID,
				"level":    fmt.Sprint(level),
				"assignee": assignee,
			},
			DedupKey: DedupKey(task.ID, level, p.channel, r),
		})
	}
	return rec
}

// DedupKey identifies one notification of one escalation so a redelivered
// breach does not notify twice.
func DedupKey(taskID string, level int, channel, recipient string) string {
	return fmt.Sprintf("%s:%d:%s:%s", taskID, level, channel, recipient)
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
