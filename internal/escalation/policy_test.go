package escalation

import (
	"testing"

	"github.com/ent0n29/tracerail/internal/notify"
	"github.com/ent0n29/tracerail/internal/tasks"
)

func TestTieredPolicyDefaults(t *testing.T) {
	p := NewTieredPolicy(TieredConfig{})
	task := tasks.Task{ID: "t1", Title: "refund", Priority: tasks.PriorityNormal, AssigneeID: "alice"}

	rec := p.Decide(task, 1)
	if rec.NewAssignee != DefaultAssignee {
		t.Fatalf("NewAssignee = %q, want %q", rec.NewAssignee, DefaultAssignee)
	}
	if rec.NewPriority != tasks.PriorityHigh {
		t.Fatalf("NewPriority = %q, want %q", rec.NewPriority, tasks.PriorityHigh)
	}
	if rec.Level != 1 || rec.Reason == "" {
		t.Fatalf("record = %+v", rec)
	}
	want := []string{DefaultRecipient, "alice", DefaultAssignee}
	if len(rec.Notifications) != len(want) {
		t.Fatalf("len(Notifications) = %d, want %d", len(rec.Notifications), len(want))
	}
	for i, n := range rec.Notifications {
		if n.Recipient != want[i] {
			t.Fatalf("Notifications[%d].Recipient = %q, want %q", i, n.Recipient, want[i])
		}
		if n.Channel != notify.ChannelLog {
			t.Fatalf("Channel = %q, want %q", n.Channel, notify.ChannelLog)
		}
		if n.DedupKey != DedupKey("t1", 1, notify.ChannelLog, want[i]) {
			t.Fatalf("DedupKey = %q", n.DedupKey)
		}
	}
}

func TestTieredPolicyIsDeterministic(t *testing.T) {
	p := NewTieredPolicy(TieredConfig{Recipients: []string{"ops"}})
	task := tasks.Task{ID: "t1", Title: "x", Priority: tasks.PriorityLow, AssigneeID: "alice"}
	a, b := p.Decide(task, 2), p.Decide(task, 2)
	if a.NewAssignee != b.NewAssignee || a.NewPriority != b.NewPriority || len(a.Notifications) != len(b.Notifications) {
		t.Fatalf("Decide() not deterministic: %+v vs %+v", a, b)
	}
	for i := range a.Notifications {
		if a.Notifications[i].DedupKey != b.Notifications[i].DedupKey {
			t.Fatalf("dedup keys differ: %q vs %q", a.Notifications[i].DedupKey, b.Notifications[i].DedupKey)
		}
	}
}

func TestTieredPolicyTiersAndPriorityFloor(t *testing.T) {
	p := NewTieredPolicy(TieredConfig{
		Tiers:      []Tier{{Assignee: "lead"}, {Assignee: "director", Priority: tasks.PriorityLow}},
		Recipients: []string{},
		Channel:    "Slack",
	})
	task := tasks.Task{ID: "t1", Priority: tasks.PriorityHigh, AssigneeID: "alice"}

	first := p.Decide(task, 1)
	if first.NewAssignee != "lead" || first.NewPriority != tasks.PriorityCritical {
		t.Fatalf("level 1 = %+v, want lead/critical", first)
	}
	second := p.Decide(task, 2)
	if second.NewAssignee != "director" || second.NewPriority != tasks.PriorityHigh {
		t.Fatalf("level 2 = %+v, want director and priority kept at high", second)
	}
	beyond := p.Decide(task, 7)
	if beyond.NewAssignee != "director" || beyond.Level != 7 {
		t.Fatalf("level 7 = %+v, want last tier reused", beyond)
	}
	if len(second.Notifications) != 2 || second.Notifications[0].Channel != notify.ChannelSlack {
		t.Fatalf("notifications = %+v, want previous and new assignee on slack", second.Notifications)
	}
	if second.Notifications[0].DedupKey == first.Notifications[0].DedupKey {
		t.Fatalf("dedup key does not change with level")
	}
}

func TestTiersFromAssignees(t *testing.T) {
	tiers := TiersFromAssignees([]string{" lead ", "", "director", "lead"})
	if len(tiers) != 2 || tiers[0].Assignee != "lead" || tiers[1].Assignee != "director" {
		t.Fatalf("TiersFromAssignees() = %+v", tiers)
	}
}

func TestRoundRobin(t *testing.T) {
	rr := NewRoundRobin([]string{"alice", "bob"})
	want := []string{"alice", "bob", "alice"}
	for i, w := range want {
		got, ok := rr.Next(nil)
		if !ok || got != w {
			t.Fatalf("Next() #%d = %q, %v; want %q", i, got, ok, w)
		}
	}

	got, ok := rr.Next([]string{"carol", "dave"})
	if !ok || got != "carol" {
		t.Fatalf("Next(task list) = %q, want carol", got)
	}
	if got, _ := rr.Next([]string{"carol", "dave"}); got != "dave" {
		t.Fatalf("Next(task list) second = %q, want dave", got)
	}
	if got, _ := rr.Next(nil); got != "bob" {
		t.Fatalf("default cursor moved by task list: got %q, want bob", got)
	}

	if _, ok := NewRoundRobin(nil).Next(nil); ok {
		t.Fatalf("Next() with no candidates ok = true")
	}
}
