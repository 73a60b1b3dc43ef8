package sla

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ent0n29/tracerail/internal/tasks"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestValidateHours(t *testing.T) {
	tests := []struct {
		sla, esc float64
		ok       bool
	}{
		{24, 0, true},
		{0.5, 2, true},
		{0, 0, false},
		{-1, 0, false},
		{24, -1, false},
		{math.NaN(), 0, false},
	}
	for _, tc := range tests {
		err := ValidateHours(tc.sla, tc.esc)
		if tc.ok && err != nil {
			t.Fatalf("ValidateHours(%v, %v) error = %v", tc.sla, tc.esc, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidSLA) {
			t.Fatalf("ValidateHours(%v, %v) error = %v, want ErrInvalidSLA", tc.sla, tc.esc, err)
		}
	}
}

func TestDeadlines(t *testing.T) {
	due, esc := Deadlines(epoch, 24, 0)
	if !due.Equal(epoch.Add(24*time.Hour)) || !esc.Equal(due) {
		t.Fatalf("Deadlines(24, 0) = %v, %v", due, esc)
	}
	due, esc = Deadlines(epoch, 1.5, 4)
	if !due.Equal(epoch.Add(90*time.Minute)) || !esc.Equal(epoch.Add(4*time.Hour)) {
		t.Fatalf("Deadlines(1.5, 4) = %v, %v", due, esc)
	}
	if _, err := Schedule(epoch, 0, 0); !errors.Is(err, ErrInvalidSLA) {
		t.Fatalf("Schedule(0) error = %v, want ErrInvalidSLA", err)
	}
}

func TestCheckBreaches(t *testing.T) {
	mk := func(id string, status tasks.TaskStatus, due time.Duration) tasks.Task {
		return tasks.Task{ID: id, Status: status, DueAt: epoch.Add(due), EscalationDueAt: epoch.Add(due)}
	}
	ts := []tasks.Task{
		mk("late-b", tasks.TaskStatusAssigned, time.Hour),
		mk("late-a", tasks.TaskStatusInProgress, time.Hour),
		mk("earliest", tasks.TaskStatusWaitingReview, 30*time.Minute),
		mk("on-time", tasks.TaskStatusAssigned, 3*time.Hour),
		mk("done", tasks.TaskStatusCompleted, time.Minute),
		mk("cancelled", tasks.TaskStatusCancelled, time.Minute),
		mk("already", tasks.TaskStatusEscalated, time.Minute),
		mk("unassigned", tasks.TaskStatusPending, time.Minute),
	}
	now := epoch.Add(time.Hour)
	got := CheckBreaches(now, ts)
	want := []string{"earliest", "late-a", "late-b"}
	if len(got) != len(want) {
		t.Fatalf("CheckBreaches() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("CheckBreaches()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	again := CheckBreaches(now, ts)
	if len(again) != len(got) {
		t.Fatalf("CheckBreaches() not idempotent: %v then %v", got, again)
	}
}

func TestBreachedAtExactDeadline(t *testing.T) {
	task := tasks.Task{ID: "t", Status: tasks.TaskStatusAssigned, DueAt: epoch, EscalationDueAt: epoch}
	if Breached(epoch.Add(-time.Nanosecond), task) {
		t.Fatalf("Breached before deadline = true")
	}
	if !Breached(epoch, task) {
		t.Fatalf("Breached at deadline = false")
	}
	if got := Remaining(epoch.Add(-time.Minute), task); got != time.Minute {
		t.Fatalf("Remaining() = %v, want 1m", got)
	}
}

func TestBreachFollowsDueTimeNotEscalationWindow(t *testing.T) {
	later := tasks.Task{ID: "later", Status: tasks.TaskStatusAssigned, DueAt: epoch.Add(time.Hour), EscalationDueAt: epoch.Add(4 * time.Hour)}
	earlier := tasks.Task{ID: "earlier", Status: tasks.TaskStatusInProgress, DueAt: epoch.Add(3 * time.Hour), EscalationDueAt: epoch.Add(30 * time.Minute)}

	now := epoch.Add(2 * time.Hour)
	got := CheckBreaches(now, []tasks.Task{later, earlier})
	if len(got) != 1 || got[0] != "later" {
		t.Fatalf("CheckBreaches() = %v, want [later]", got)
	}
	if Breached(now, earlier) {
		t.Fatalf("Breached(earlier) = true before its due time")
	}
	if got := Remaining(now, later); got != -time.Hour {
		t.Fatalf("Remaining() = %v, want -1h", got)
	}
}
