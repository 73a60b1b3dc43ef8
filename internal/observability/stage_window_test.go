package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	for _, ms := range []int{3, 1, 2, 9} {
		w.Observe(StageRoute, time.Duration(ms)*time.Millisecond)
	}
	w.Observe(StageCreateToAssign, time.Minute)
	w.Count("timer_guard_noop")
	w.Count("timer_guard_noop")

	snap := w.Snapshot(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	assign, route := snap.Stages[0], snap.Stages[1]
	if assign.Stage != StageCreateToAssign || route.Stage != StageRoute {
		t.Fatalf("stages = %q, %q; want sorted by name", assign.Stage, route.Stage)
	}
	if route.Samples != 4 || route.P50MS != 2 || route.P95MS != 9 || route.MaxMS != 9 {
		t.Fatalf("route = %+v, want 4 samples p50=2 p95=9 max=9", route)
	}
	if route.TargetP95MS != 5 || route.OverTarget != 1 {
		t.Fatalf("route target = %.2f over = %d, want 5 and 1", route.TargetP95MS, route.OverTarget)
	}
	if assign.OverTarget != 0 {
		t.Fatalf("create_to_assign over target = %d, want 0", assign.OverTarget)
	}
	if snap.Indicators["timer_guard_noop"] != 2 {
		t.Fatalf("Indicators = %+v, want timer_guard_noop=2", snap.Indicators)
	}
}

func TestStageWindowKeepsMostRecent(t *testing.T) {
	w := newStageWindow(2)
	w.Observe(StageCreateToComplete, 30*time.Hour)
	w.Observe(StageCreateToComplete, time.Hour)
	w.Observe(StageCreateToComplete, 2*time.Hour)

	s := w.Snapshot(time.Now()).Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.MaxMS != float64((2 * time.Hour).Milliseconds()) {
		t.Fatalf("MaxMS = %.2f, want 2h after the oldest sample rolled out", s.MaxMS)
	}
	if s.OverTarget != 1 {
		t.Fatalf("OverTarget = %d, want 1 (counted even after rolling out)", s.OverTarget)
	}
}

func TestStageWindowIgnoresInvalidSamples(t *testing.T) {
	w := newStageWindow(4)
	w.Observe("", 10*time.Millisecond)
	w.Observe(StageRoute, -time.Millisecond)
	w.Count("")
	snap := w.Snapshot(time.Now())
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRouting("rules", "human", "", time.Millisecond)
	m.ObserveTaskEvent("created")
	m.SetOpenTasks(3)
	m.ObserveEscalation("1")
	m.ObserveNotification("log", "sent")
	m.ObserveTimerGuard()
	m.ObserveTaskCompletion(time.Minute)
	if snap := m.StageSnapshot(); len(snap.Stages) != 0 {
		t.Fatalf("len(Stages) = %d, want 0", len(snap.Stages))
	}
}

func TestMetricsRecordStages(t *testing.T) {
	m := NewMetrics("tracerail_test_stages")
	m.ObserveRouting("rules", "reject", "block-pii", 2*time.Millisecond)
	m.ObserveTimerGuard()
	snap := m.StageSnapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != "route" {
		t.Fatalf("Stages = %+v, want route stage", snap.Stages)
	}
	if snap.Indicators["timer_guard_noop"] != 1 {
		t.Fatalf("Indicators = %+v, want timer_guard_noop", snap.Indicators)
	}
}
